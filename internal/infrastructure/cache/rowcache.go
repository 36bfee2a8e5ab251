// Package cache stores normalized day batches in Redis so reruns of already
// processed days skip the archive parse. A circuit breaker shields runs from
// a degraded Redis; while it is open, entries spill to an in-process map so
// a run never fails on cache trouble.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
)

// Config selects the cache backend.
type Config struct {
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string
}

// Stats counts cache traffic for the status endpoint.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Errors    int64 `json:"errors"`
	Fallbacks int64 `json:"fallbacks"`
}

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// RowCache is a Redis-backed byte cache with an in-process fallback. A nil
// client makes it memory-only, which is also the disabled-Redis mode.
type RowCache struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	prefix  string

	mu    sync.Mutex
	local map[string]localEntry
	stats Stats
}

// New builds a cache from config. Construction never dials Redis: a cache
// that cannot reach its backend degrades to the in-process map instead of
// failing the run.
func New(cfg Config) *RowCache {
	if !cfg.Enabled {
		return NewMemory(cfg.TTL)
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	c := NewMemory(cfg.TTL)
	c.client = client
	c.prefix = cfg.KeyPrefix
	return c
}

// NewMemory builds a cache that only uses the in-process map.
func NewMemory(ttl time.Duration) *RowCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RowCache{
		breaker: newBreaker("rowcache"),
		ttl:     ttl,
		prefix:  "margen:",
		local:   make(map[string]localEntry),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return gobreaker.NewCircuitBreaker(st)
}

// Get retrieves a value. Redis misses and fallback misses both report
// found=false; backend trouble is absorbed, never returned.
func (c *RowCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.client != nil {
		res, err := c.breaker.Execute(func() (interface{}, error) {
			val, err := c.client.Get(ctx, c.prefix+key).Bytes()
			if err == redis.Nil {
				// A miss is a healthy answer, not a breaker failure.
				return nil, nil
			}
			return val, err
		})
		if err == nil {
			if val, ok := res.([]byte); ok && val != nil {
				c.count(func(s *Stats) { s.Hits++ })
				return val, true
			}
			c.count(func(s *Stats) { s.Misses++ })
			return nil, false
		}
		c.count(func(s *Stats) { s.Errors++; s.Fallbacks++ })
	}
	return c.localGet(key)
}

// Set stores a value under the configured TTL.
func (c *RowCache) Set(ctx context.Context, key string, value []byte) {
	if c.client != nil {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.client.Set(ctx, c.prefix+key, value, c.ttl).Err()
		})
		if err == nil {
			c.count(func(s *Stats) { s.Sets++ })
			return
		}
		c.count(func(s *Stats) { s.Errors++; s.Fallbacks++ })
	}
	c.localSet(key, value)
}

func (c *RowCache) localGet(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.local[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(c.local, key)
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.value, true
}

func (c *RowCache) localSet(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[key] = localEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.stats.Sets++
}

func (c *RowCache) count(update func(*Stats)) {
	c.mu.Lock()
	update(&c.stats)
	c.mu.Unlock()
}

// Stats returns a snapshot of the traffic counters.
func (c *RowCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close releases the Redis connection, if any.
func (c *RowCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
