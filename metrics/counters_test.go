package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisCounters_Integration requires a running Redis.
func TestRedisCounters_Integration(t *testing.T) {
	counters := NewRedisCounters("localhost:6379", "", 0)
	counters.key = "storefront:counters:test"
	ctx := context.Background()
	if err := counters.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer counters.Close()
	_ = counters.client.Del(ctx, counters.key).Err()

	require.NoError(t, counters.Incr(ctx, PaymentsCompleted))
	require.NoError(t, counters.Incr(ctx, PaymentsCompleted))
	require.NoError(t, counters.Incr(ctx, CallbacksDuplicate))

	snap, err := counters.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap[PaymentsCompleted])
	assert.Equal(t, int64(1), snap[CallbacksDuplicate])
}

// TestRedisLimiter_Integration requires a running Redis.
func TestRedisLimiter_Integration(t *testing.T) {
	counters := NewRedisCounters("localhost:6379", "", 0)
	ctx := context.Background()
	if err := counters.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer counters.Close()

	limiter := counters.Limiter("storefront:ratelimit:test", 1, 2)
	frozen := time.Now()
	limiter.now = func() time.Time { return frozen }
	_ = counters.client.Del(ctx, "storefront:ratelimit:test:203.0.113.9", "storefront:ratelimit:test:203.0.113.10").Err()

	var got []bool
	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "203.0.113.9")
		require.NoError(t, err)
		got = append(got, ok)
	}
	assert.Equal(t, []bool{true, true, false}, got)

	ok, err := limiter.Allow(ctx, "203.0.113.10")
	require.NoError(t, err)
	assert.True(t, ok, "buckets are per key")

	frozen = frozen.Add(1100 * time.Millisecond)
	ok, err = limiter.Allow(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, ok, "one token refills per second")
}

func TestLocalCounters_Concurrent(t *testing.T) {
	counters := NewLocalCounters()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = counters.Incr(ctx, PaymentsFailed)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), counters.Get(PaymentsFailed))
	snap, err := counters.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{PaymentsFailed: 50}, snap)
}
