package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeShared struct {
	mu    sync.Mutex
	keys  []string
	allow bool
	err   error
}

func (f *fakeShared) Allow(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return f.allow, f.err
}

func limited(rl *RateLimiter) http.Handler {
	return rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func send(h http.Handler, remote string, forwarded ...string) int {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", nil)
	req.RemoteAddr = remote
	for _, f := range forwarded {
		req.Header.Add("X-Forwarded-For", f)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiter_ForwardedHeaderFromUntrustedPeerIgnored(t *testing.T) {
	h := limited(NewRateLimiter(1, 2))

	codes := make([]int, 0, 4)
	for _, spoofed := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3", "198.51.100.4"} {
		codes = append(codes, send(h, "203.0.113.7:51000", spoofed))
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_ClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.7/32"})
	require.NoError(t, err)
	rl := NewRateLimiter(1, 1, WithTrustedProxies(proxies))

	tests := []struct {
		name      string
		remote    string
		forwarded []string
		want      string
	}{
		{"untrusted peer", "203.0.113.7:443", []string{"198.51.100.1"}, "203.0.113.7"},
		{"trusted proxy", "10.1.2.3:443", []string{"198.51.100.1"}, "198.51.100.1"},
		{"client prefix ignored", "10.1.2.3:443", []string{"1.1.1.1, 198.51.100.1"}, "198.51.100.1"},
		{"proxy chain", "10.1.2.3:443", []string{"198.51.100.1, 192.168.1.7"}, "198.51.100.1"},
		{"split headers", "10.1.2.3:443", []string{"1.1.1.1", "198.51.100.1"}, "198.51.100.1"},
		{"no header", "10.1.2.3:443", nil, "10.1.2.3"},
		{"garbage hop", "10.1.2.3:443", []string{"198.51.100.1, not-an-ip"}, "10.1.2.3"},
		{"ipv6 peer", "[2001:db8::1]:443", []string{"198.51.100.1"}, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = tt.remote
			for _, f := range tt.forwarded {
				req.Header.Add("X-Forwarded-For", f)
			}
			assert.Equal(t, tt.want, rl.clientIP(req))
		})
	}
}

func TestRateLimiter_TrustedProxyClientsGetOwnBuckets(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	h := limited(NewRateLimiter(1, 1, WithTrustedProxies(proxies)))

	assert.Equal(t, http.StatusNoContent, send(h, "10.0.0.5:443", "198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, send(h, "10.0.0.5:443", "198.51.100.1"))
	assert.Equal(t, http.StatusNoContent, send(h, "10.0.0.5:443", "198.51.100.2"))
}

func TestRateLimiter_SharedLimiter(t *testing.T) {
	shared := &fakeShared{allow: false}
	h := limited(NewRateLimiter(100, 100, WithSharedLimiter(shared)))

	assert.Equal(t, http.StatusTooManyRequests, send(h, "203.0.113.7:443"))
	assert.Equal(t, []string{"203.0.113.7"}, shared.keys)

	shared.allow = true
	assert.Equal(t, http.StatusNoContent, send(h, "203.0.113.7:443"))
}

func TestRateLimiter_SharedFailureFallsBackToLocal(t *testing.T) {
	shared := &fakeShared{err: errors.New("redis: connection refused")}
	h := limited(NewRateLimiter(1, 1, WithSharedLimiter(shared)))

	assert.Equal(t, http.StatusNoContent, send(h, "203.0.113.7:443"))
	assert.Equal(t, http.StatusTooManyRequests, send(h, "203.0.113.7:443"))
	assert.Len(t, shared.keys, 2)
}

func TestParseTrustedProxies_Rejects(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"10.0.0.0/8", "10.0.0.1"})
	assert.Error(t, err)
}
