package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorTTL    = 3 * time.Minute
	sweepInterval = time.Minute
)

// SharedLimiter is a bucket store shared between server replicas.
type SharedLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimiter keeps one token bucket per client address. With a shared
// limiter the buckets live there and the local ones are only used while it
// is failing.
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rps       rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time

	shared  SharedLimiter
	proxies []netip.Prefix
	logger  *slog.Logger
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LimiterOption configures a RateLimiter.
type LimiterOption func(*RateLimiter)

// WithSharedLimiter keeps buckets in s so every replica enforces one budget.
func WithSharedLimiter(s SharedLimiter) LimiterOption {
	return func(rl *RateLimiter) { rl.shared = s }
}

// WithTrustedProxies believes X-Forwarded-For only from peers in these
// ranges.
func WithTrustedProxies(prefixes []netip.Prefix) LimiterOption {
	return func(rl *RateLimiter) { rl.proxies = prefixes }
}

// ParseTrustedProxies parses CIDRs such as "10.0.0.0/8".
func ParseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// NewRateLimiter allows rps requests per second per address with the given
// burst.
func NewRateLimiter(rps, burst int, opts ...LimiterOption) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
		logger:   slog.Default().With("component", "ratelimit"),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > sweepInterval {
		for addr, v := range rl.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(rl.visitors, addr)
			}
		}
		rl.lastSweep = now
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (rl *RateLimiter) allow(ctx context.Context, ip string) bool {
	if rl.shared != nil {
		ok, err := rl.shared.Allow(ctx, ip)
		if err == nil {
			return ok
		}
		rl.logger.WarnContext(ctx, "Shared rate limiter failed, using local bucket", "ip", ip, "error", err)
	}
	return rl.limiter(ip).Allow()
}

// Middleware answers 429 once an address runs out of tokens.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(r.Context(), rl.clientIP(r)) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", 1))
			writeProblem(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the peer address unless the peer is a trusted proxy, in which
// case it is the rightmost X-Forwarded-For hop that is not itself trusted.
// Hops left of that were written by the client and are ignored.
func (rl *RateLimiter) clientIP(r *http.Request) string {
	peer := peerAddr(r.RemoteAddr)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !rl.trusted(addr) {
		return peer
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			// A mangled hop ends the trusted chain.
			break
		}
		if !rl.trusted(hop) {
			return hop.Unmap().String()
		}
	}
	return peer
}

func (rl *RateLimiter) trusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range rl.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func peerAddr(remote string) string {
	ip, _, err := net.SplitHostPort(remote)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(remote, "["), "]")
	}
	return ip
}
