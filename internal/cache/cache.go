package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"aoer-pipeline/internal/metrics"
)

const (
	keyDirectPrefix = "aoer:cache:"
	keyPoolPrefix   = "aoer:pool:"

	defaultTTL      = 24 * time.Hour
	defaultPoolTTL  = 7 * 24 * time.Hour
	defaultJitter   = 0.03
	defaultMaxItems = 100

	// Optimistic pool updates retry this many times before giving up.
	poolUpdateRetries = 5
)

// Strategy selects the fallback behavior on a direct-cache miss.
type Strategy string

const (
	// StrategyDirect returns a miss when no direct entry exists.
	StrategyDirect Strategy = "direct"
	// StrategyPool degrades to the pool's running average.
	StrategyPool Strategy = "pool"
)

// Options configure a single Get/Set call.
type Options struct {
	TTL      time.Duration
	PoolID   string
	Strategy Strategy
}

// PoolItem is the last known value for one key inside a pool.
type PoolItem struct {
	Values    map[string]float64 `json:"values"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// PoolState is a coarse bucket (e.g. a geographic market) whose
// running average stands in for an exact value when a direct entry is
// absent. Average is always derived from Items, never set directly.
type PoolState struct {
	PoolID    string              `json:"pool_id"`
	Items     map[string]PoolItem `json:"items"`
	Average   map[string]float64  `json:"average"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Cache is a two-tier value cache over Redis: a direct per-key tier
// with TTL and a pooled tier that serves a jittered running average
// when the exact value is gone. Values are flat maps of named metric
// components.
type Cache struct {
	client       *redis.Client
	defaultTTL   time.Duration
	jitterPct    float64
	maxPoolItems int
	metrics      *metrics.Metrics

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL overrides the 24h default entry TTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = ttl }
}

// WithJitter sets the pooled-read perturbation as a fraction (0.03 =
// ±3%).
func WithJitter(pct float64) Option {
	return func(c *Cache) { c.jitterPct = pct }
}

// WithMaxPoolItems bounds how many distinct keys a pool tracks.
func WithMaxPoolItems(n int) Option {
	return func(c *Cache) { c.maxPoolItems = n }
}

// WithRandSource injects the randomness used for pooled-read jitter so
// tests can seed it.
func WithRandSource(src rand.Source) Option {
	return func(c *Cache) { c.rng = rand.New(src) }
}

// WithMetrics wires hit/miss counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache over an existing Redis client.
func New(client *redis.Client, opts ...Option) *Cache {
	c := &Cache{
		client:       client,
		defaultTTL:   defaultTTL,
		jitterPct:    defaultJitter,
		maxPoolItems: defaultMaxItems,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the direct entry for key if it is live. On a miss with
// the pool strategy it returns the pool's jittered average instead —
// a deliberate precision-for-cost degradation, not an error. The
// second return is false only when nothing could be served.
func (c *Cache) Get(ctx context.Context, key string, opts Options) (map[string]float64, bool, error) {
	raw, err := c.client.Get(ctx, keyDirectPrefix+key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if err == nil {
		var value map[string]float64
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
		}
		if c.metrics != nil {
			c.metrics.IncrementCacheHits()
		}
		return value, true, nil
	}

	if opts.Strategy == StrategyPool && opts.PoolID != "" {
		pool, err := c.poolState(ctx, opts.PoolID)
		if err != nil {
			return nil, false, err
		}
		if pool != nil && len(pool.Average) > 0 {
			if c.metrics != nil {
				c.metrics.IncrementPoolServes()
			}
			return c.jittered(pool.Average), true, nil
		}
	}

	if c.metrics != nil {
		c.metrics.IncrementCacheMisses()
	}
	return nil, false, nil
}

// Set writes the direct entry and, when a pool is named, folds the
// value into that pool's running average (last-write-wins per key).
func (c *Cache) Set(ctx context.Context, key string, value map[string]float64, opts Options) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.client.Set(ctx, keyDirectPrefix+key, string(payload), ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	if opts.PoolID != "" {
		if err := c.foldIntoPool(ctx, opts.PoolID, key, value); err != nil {
			return err
		}
	}
	return nil
}

// GetOrCompute is the primary entry point for callers: get, and on a
// genuine miss invoke computeFn then cache its result. Best-effort
// only — two concurrent missers may both compute. Callers doing billed
// work inside computeFn are expected to have consulted the budget
// ledger first.
func (c *Cache) GetOrCompute(ctx context.Context, key string, computeFn func(context.Context) (map[string]float64, error), opts Options) (map[string]float64, error) {
	value, ok, err := c.Get(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	if ok {
		return value, nil
	}

	value, err = computeFn(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, key, value, opts); err != nil {
		return nil, err
	}
	return value, nil
}

// Invalidate deletes all direct entries matching pattern (glob style,
// e.g. "result:*") and returns the count removed. Pool state is left
// untouched.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	var removed int
	iter := c.client.Scan(ctx, 0, keyDirectPrefix+pattern, 0).Iterator()
	for iter.Next(ctx) {
		n, err := c.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to delete cache entry: %w", err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan cache keys: %w", err)
	}
	return removed, nil
}

// foldIntoPool upserts the item and recomputes the pool average under
// an optimistic transaction, retrying on concurrent modification.
func (c *Cache) foldIntoPool(ctx context.Context, poolID, key string, value map[string]float64) error {
	poolKey := keyPoolPrefix + poolID

	txn := func(tx *redis.Tx) error {
		pool := &PoolState{PoolID: poolID, Items: make(map[string]PoolItem)}

		raw, err := tx.Get(ctx, poolKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			if err := json.Unmarshal([]byte(raw), pool); err != nil {
				// A corrupt pool is rebuilt from scratch.
				pool = &PoolState{PoolID: poolID, Items: make(map[string]PoolItem)}
			}
			if pool.Items == nil {
				pool.Items = make(map[string]PoolItem)
			}
		}

		pool.Items[key] = PoolItem{Values: value, UpdatedAt: time.Now()}
		for len(pool.Items) > c.maxPoolItems {
			evictOldest(pool.Items)
		}
		pool.Average = averageItems(pool.Items)
		pool.UpdatedAt = time.Now()

		payload, err := json.Marshal(pool)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, poolKey, string(payload), defaultPoolTTL)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < poolUpdateRetries; i++ {
		err = c.client.Watch(ctx, txn, poolKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to update pool %s: %w", poolID, err)
	}
	return nil
}

func (c *Cache) poolState(ctx context.Context, poolID string) (*PoolState, error) {
	raw, err := c.client.Get(ctx, keyPoolPrefix+poolID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pool %s: %w", poolID, err)
	}
	var pool PoolState
	if err := json.Unmarshal([]byte(raw), &pool); err != nil {
		return nil, fmt.Errorf("corrupt pool state %s: %w", poolID, err)
	}
	return &pool, nil
}

// jittered perturbs each component independently by up to ±jitterPct
// so repeated pooled reads are not bit-identical and components do not
// move in lockstep.
func (c *Cache) jittered(average map[string]float64) map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]float64, len(average))
	for field, v := range average {
		factor := 1 + (c.rng.Float64()*2-1)*c.jitterPct
		out[field] = v * factor
	}
	return out
}

// averageItems recomputes the unweighted per-field mean across all
// items. Derived only: this is the single place Average is written.
func averageItems(items map[string]PoolItem) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, item := range items {
		for field, v := range item.Values {
			sums[field] += v
			counts[field]++
		}
	}
	out := make(map[string]float64, len(sums))
	for field, sum := range sums {
		out[field] = sum / float64(counts[field])
	}
	return out
}

func evictOldest(items map[string]PoolItem) {
	var oldestKey string
	var oldestAt time.Time
	for key, item := range items {
		if oldestKey == "" || item.UpdatedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = item.UpdatedAt
		}
	}
	delete(items, oldestKey)
}
