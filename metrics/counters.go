// Package metrics keeps operational counters in Redis so every service
// instance contributes to, and reads, the same totals.
package metrics

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Counter names.
const (
	PaymentsCompleted   = "payments_completed"
	PaymentsFailed      = "payments_failed"
	PaymentsUnmatched   = "payments_unmatched"
	CallbacksDuplicate  = "callbacks_duplicate"
	CallbacksRejected   = "callbacks_rejected"
	RefundsCompleted    = "refunds_completed"
	RefundsFailed       = "refunds_failed"
	BackorderedProducts = "backordered_products"
)

const defaultKey = "storefront:counters"

// Counters increments and reads named counters.
type Counters interface {
	Incr(ctx context.Context, name string) error
	Snapshot(ctx context.Context) (map[string]int64, error)
}

// RedisCounters stores counters as fields of one Redis hash.
type RedisCounters struct {
	client *redis.Client
	key    string
}

// NewRedisCounters connects to Redis at addr.
func NewRedisCounters(addr, password string, db int) *RedisCounters {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCounters{client: rdb, key: defaultKey}
}

// Ping checks the connection.
func (c *RedisCounters) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *RedisCounters) Close() error {
	return c.client.Close()
}

// Incr adds one to name.
func (c *RedisCounters) Incr(ctx context.Context, name string) error {
	if err := c.client.HIncrBy(ctx, c.key, name, 1).Err(); err != nil {
		return fmt.Errorf("redis counter error: %w", err)
	}
	return nil
}

// Snapshot returns every counter.
func (c *RedisCounters) Snapshot(ctx context.Context) (map[string]int64, error) {
	raw, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis counter error: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for name, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s is not a number: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}

// LocalCounters is a single-process implementation for tests and for
// running without Redis.
type LocalCounters struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewLocalCounters creates empty counters.
func NewLocalCounters() *LocalCounters {
	return &LocalCounters{values: make(map[string]int64)}
}

// Incr adds one to name.
func (c *LocalCounters) Incr(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name]++
	return nil
}

// Snapshot returns a copy of every counter.
func (c *LocalCounters) Snapshot(_ context.Context) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out, nil
}

// Get returns one counter.
func (c *LocalCounters) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[name]
}
