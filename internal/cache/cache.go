// Package cache provides the Redis-backed key-value store the policies
// read and the status signals mutate.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Config configures the cache client.
type Config struct {
	// RedisURL is the Redis connection URL.
	RedisURL string
	// Prefix is prepended to every key.
	Prefix string
	// StatusPrefix is the extra prefix of status-cache keys.
	StatusPrefix string
	// StatusTimeout is the TTL of status-cache entries.
	StatusTimeout time.Duration
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisURL:      "redis://localhost:6379/0",
		Prefix:        "ms",
		StatusPrefix:  "status",
		StatusTimeout: 15 * 24 * time.Hour,
	}
}

// Cache is a thin wrapper over the Redis client, scoped to the
// configured prefix.
type Cache struct {
	client *redis.Client
	config Config
}

// New connects to Redis and returns a Cache.
func New(cfg Config) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client, config: cfg}, nil
}

// NewFromClient wraps an existing client; tests use this with miniredis.
func NewFromClient(client *redis.Client, cfg Config) *Cache {
	return &Cache{client: client, config: cfg}
}

// Key builds a full key under the configured prefix.
func (c *Cache) Key(parts ...string) string {
	key := c.config.Prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// StatusKey builds a full key under the status-cache prefix.
func (c *Cache) StatusKey(parts ...string) string {
	return c.Key(append([]string{c.config.StatusPrefix}, parts...)...)
}

// StatusTimeout returns the TTL applied to status-cache entries.
func (c *Cache) StatusTimeout() time.Duration { return c.config.StatusTimeout }

// Get returns the string value at key, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

// GetInt returns the integer value at key, or ErrNotFound.
func (c *Cache) GetInt(ctx context.Context, key string) (int64, error) {
	v, err := c.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache: non-integer value at %s: %w", key, err)
	}
	return n, nil
}

// Set stores value at key with a TTL; ttl 0 means no expiry.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// SetNX stores value at key only when absent. Returns true when stored.
func (c *Cache) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

// Del removes keys, returning how many existed.
func (c *Cache) Del(ctx context.Context, keys ...string) (int64, error) {
	return c.client.Del(ctx, keys...).Result()
}

// Incr atomically increments the counter at key.
func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// IncrBy atomically adds delta to the counter at key.
func (c *Cache) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.client.IncrBy(ctx, key, delta).Result()
}

// Decr atomically decrements the counter at key.
func (c *Cache) Decr(ctx context.Context, key string) (int64, error) {
	return c.client.Decr(ctx, key).Result()
}

// ZAdd adds a scored member to a sorted set and refreshes its TTL to the
// status-cache timeout.
func (c *Cache) ZAdd(ctx context.Context, key string, score float64, member string) error {
	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	pipe.Expire(ctx, key, c.config.StatusTimeout)
	_, err := pipe.Exec(ctx)
	return err
}

// ZRangeByScore returns the members scored within [min, +inf) when max
// is NaN-free "+inf", ordered ascending by score.
func (c *Cache) ZRangeByScore(ctx context.Context, key string, min float64) ([]string, error) {
	return c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: "+inf",
	}).Result()
}

// HSet stores a hash field.
func (c *Cache) HSet(ctx context.Context, key, field string, value any) error {
	return c.client.HSet(ctx, key, field, value).Err()
}

// HGet returns a hash field, or ErrNotFound.
func (c *Cache) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

// HGetAll returns every field of a hash.
func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, key).Result()
}

// HDel removes hash fields.
func (c *Cache) HDel(ctx context.Context, key string, fields ...string) error {
	return c.client.HDel(ctx, key, fields...).Err()
}

// Scan iterates keys matching pattern, invoking fn for each.
func (c *Cache) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
