// Package cache is a small Redis read-through cache for reference data
// the workers load on every notification: preferences and active
// templates. Entries are JSON with a short TTL; writes invalidate.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned on a cache miss.
var ErrMiss = errors.New("cache miss")

// DefaultTTL for cached reference data.
const DefaultTTL = 5 * time.Minute

// Stats holds cache performance counters.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
}

// HitRate is hits over total lookups, 0 when untouched.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache wraps Redis with JSON encoding and hit/miss accounting.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

// New creates a cache under one key prefix.
func New(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

func (c *Cache) key(k string) string {
	return "courierd:cache:" + c.prefix + ":" + k
}

// Get unmarshals the cached value for key into dest.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return ErrMiss
		}
		return fmt.Errorf("cache get failed: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		// A decode failure means a stale shape; drop it.
		_ = c.client.Del(ctx, c.key(key)).Err()
		c.misses.Add(1)
		return ErrMiss
	}
	c.hits.Add(1)
	return nil
}

// Set stores value under key for the cache TTL.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode failed: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	c.sets.Add(1)
	return nil
}

// Invalidate removes one key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache invalidate failed: %w", err)
	}
	c.deletes.Add(1)
	return nil
}

// GetOrLoad reads through the cache: on a miss it calls load, stores the
// result, and decodes it into dest. Load errors pass through untouched so
// callers keep their sentinel semantics.
func (c *Cache) GetOrLoad(ctx context.Context, key string, dest any, load func(ctx context.Context) (any, error)) error {
	if err := c.Get(ctx, key, dest); err == nil {
		return nil
	} else if !errors.Is(err, ErrMiss) {
		return err
	}

	value, err := load(ctx)
	if err != nil {
		return err
	}
	if err := c.Set(ctx, key, value); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode failed: %w", err)
	}
	return json.Unmarshal(raw, dest)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
	}
}
