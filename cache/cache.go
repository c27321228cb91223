// Package cache provides a keyed lookup cache with a single-flight
// guarantee, backed by Redis: concurrent GetOrLoad calls for the same key
// collapse into one load. Activities are the only engine-side callers;
// workflow bodies stay deterministic by reading through an activity.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache wraps a Redis client with a process-local singleflight group so
// a burst of activities requesting the same key hit Redis (or the
// caller's load function) once instead of once per caller.
type Cache struct {
	client *redis.Client
	group  singleflight.Group
	prefix string
}

// Config configures the cache's Redis connection.
type Config struct {
	RedisURL  string
	KeyPrefix string
}

// New opens a Redis client for the cache. It does not ping at
// construction; the first GetOrLoad call surfaces connection failures,
// the same lazy-connect behavior as the wake index's client.
func New(config Config) (*Cache, error) {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "cache:"
	}
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	return &Cache{client: redis.NewClient(opts), prefix: prefix}, nil
}

// Close closes the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// GetOrLoad returns the cached value at key, calling load and storing
// its result with ttl if the key is absent. Concurrent calls for the
// same key within one process share a single in-flight load.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func() ([]byte, error)) ([]byte, error) {
	fullKey := c.prefix + key

	if v, err := c.client.Get(ctx, fullKey).Bytes(); err == nil {
		return v, nil
	} else if err != redis.Nil {
		return nil, fmt.Errorf("cache: get %s: %w", key, err)
	}

	v, err, _ := c.group.Do(fullKey, func() (any, error) {
		data, err := load()
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, fullKey, data, ttl).Err(); err != nil {
			return nil, fmt.Errorf("cache: set %s: %w", key, err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
