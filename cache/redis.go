// Package cache provides a short-TTL read-through cache in front of the
// Request Resolver (C8), so repeated hits for the same crate/version/target
// lookup during a traffic spike don't each pay for a full database round
// trip against the Index Watcher's crate/release tables.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Config configures the Redis-backed resolution cache.
type Config struct {
	RedisURL  string        // defaults to redis://localhost:6379/0
	KeyPrefix string        // defaults to "resolve:"
	TTL       time.Duration // defaults to 60s
}

// ResolutionCache is a read-through cache for Request Resolver lookups,
// keyed on the crate/version/target/path tuple a resolution was computed for.
type ResolutionCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewResolutionCache dials Redis and verifies connectivity with a PING.
func NewResolutionCache(ctx context.Context, cfg Config) (*ResolutionCache, error) {
	redisURL := cfg.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "resolve:"
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	return &ResolutionCache{client: client, prefix: prefix, ttl: ttl}, nil
}

// Close releases the underlying Redis connection pool.
func (c *ResolutionCache) Close() error {
	return c.client.Close()
}

// Get fetches a cached resolution for key, decoding it into dst. Returns
// ErrMiss if nothing is cached (or it expired), so callers can fall through
// to a live resolution and then Set the result.
func (c *ResolutionCache) Get(ctx context.Context, key string, dst interface{}) error {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache get %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("cache decode %q: %w", key, err)
	}
	return nil
}

// Set stores a resolution result under key with the cache's configured TTL.
func (c *ResolutionCache) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", key, err)
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Invalidate removes a single cached resolution, used when the Index Watcher
// observes a new release for a crate that previously resolved to "not found"
// or to an older version.
func (c *ResolutionCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache invalidate %q: %w", key, err)
	}
	return nil
}

// InvalidatePrefix removes every cached resolution for a crate (all
// versions/targets/paths), used when a crate is yanked or its releases list
// changes in a way that could affect many cached "latest version" lookups.
func (c *ResolutionCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	pattern := c.prefix + prefix + "*"
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan %q: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate prefix %q: %w", prefix, err)
	}
	return nil
}
