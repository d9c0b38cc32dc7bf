package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills and spends one bucket atomically.
// KEYS[1] bucket key; ARGV rate per second, capacity, now in seconds, ttl.
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(last_refill))
redis.call("EXPIRE", key, ttl)
return allowed
`)

// RedisLimiter is a token bucket per key shared by every process using the
// same Redis.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	rate   float64
	burst  int
	ttl    time.Duration
	now    func() time.Time
}

// Limiter returns a limiter that stores its buckets next to the counters.
func (c *RedisCounters) Limiter(prefix string, rps, burst int) *RedisLimiter {
	ttl := time.Minute
	if rps > 0 {
		// Long enough for an empty bucket to refill.
		if refill := time.Duration(burst/rps+1) * time.Second; refill > ttl {
			ttl = refill
		}
	}
	return &RedisLimiter{
		client: c.client,
		prefix: prefix,
		rate:   float64(rps),
		burst:  burst,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Allow spends one token from key's bucket.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(l.now().UnixMicro()) / 1e6
	allowed, err := tokenBucket.Run(ctx, l.client, []string{l.prefix + ":" + key},
		l.rate, l.burst, now, int(l.ttl.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	return allowed == 1, nil
}
