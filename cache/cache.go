package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long cached reading views live
const DefaultTTL = 5 * time.Second

const readingsPrefix = "readings:"

// Cache is a small JSON read-through cache on Redis. A nil *Cache or a nil
// client behaves as an always-empty cache.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a new cache
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger.With("component", "cache")}
}

// ReadingsKey builds a cache key in the readings namespace
func ReadingsKey(parts ...string) string {
	key := readingsPrefix + "latest"
	for _, p := range parts {
		if p != "" {
			key += ":" + p
		}
	}
	return key
}

// GetJSON loads key into dest. It reports false on a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores value under key with the cache TTL
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Remember returns the cached value of key or calls load and caches its
// result. Cache failures fall through to load.
func (c *Cache) Remember(ctx context.Context, key string, dest interface{}, load func(ctx context.Context) (interface{}, error)) (bool, error) {
	hit, err := c.GetJSON(ctx, key, dest)
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
	}
	if hit {
		return true, nil
	}

	value, err := load(ctx)
	if err != nil {
		return false, err
	}
	if err := c.SetJSON(ctx, key, value); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return false, json.Unmarshal(raw, dest)
}

// InvalidateReadings drops every key in the readings namespace
func (c *Cache) InvalidateReadings(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	iter := c.client.Scan(ctx, 0, readingsPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan readings cache: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate readings cache: %w", err)
	}
	return nil
}
