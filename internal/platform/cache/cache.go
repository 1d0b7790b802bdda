// Package cache provides the Dragonfly/Redis client used for completion sets.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every key written by this service.
const KeyPrefix = "learn:"

// Cache wraps a Redis/Dragonfly client and the expiry applied to the keys it
// writes.
type Cache struct {
	Client *redis.Client
	TTL    time.Duration // 0 keeps keys forever
}

// ParseURL validates a Redis connection URL.
func ParseURL(url string) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("cache URL is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid cache URL: %w", err)
	}
	return opts, nil
}

// New connects to the cache and verifies the connection.
func New(ctx context.Context, url string, ttl time.Duration) (*Cache, error) {
	opts, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging cache: %w", err)
	}

	return &Cache{Client: client, TTL: ttl}, nil
}

// Key joins parts under KeyPrefix, e.g. Key("completions", "u1", "go-101")
// gives "learn:completions:u1:go-101".
func Key(parts ...string) string {
	return KeyPrefix + strings.Join(parts, ":")
}

// Expire queues an expiry for each key on pipe when a TTL is configured.
func (c *Cache) Expire(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if c.TTL <= 0 {
		return
	}
	for _, k := range keys {
		pipe.Expire(ctx, k, c.TTL)
	}
}

// Close shuts down the cache client.
func (c *Cache) Close() error {
	return c.Client.Close()
}

// HealthCheck verifies the cache connection is alive.
func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}
