// Package redisidem implements the TTL-bounded idempotency cache on Redis.
package redisidem

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "idempotency:"

// Cache maps client idempotency keys to job ids.
type Cache struct{ rdb *redis.Client }

// New builds a Cache from a Redis URL.
func New(redisURL string) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=idempotency.new: %w", err)
	}
	return &Cache{rdb: redis.NewClient(opt)}, nil
}

// NewWithClient wraps an existing client (shared with the chord store).
func NewWithClient(rdb *redis.Client) *Cache { return &Cache{rdb: rdb} }

// Check returns the job id recorded for key, or "" on miss.
func (c *Cache) Check(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("op=idempotency.check: %w", err)
	}
	return v, nil
}

// Set records key -> jobID with the given TTL using set-if-absent, so at
// most one concurrent submission wins. The winner's job id is returned;
// losers receive the value the winner stored.
func (c *Cache) Set(ctx context.Context, key, jobID string, ttl time.Duration) (string, error) {
	ok, err := c.rdb.SetNX(ctx, keyPrefix+key, jobID, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("op=idempotency.set: %w", err)
	}
	if ok {
		return jobID, nil
	}
	winner, err := c.rdb.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		return "", fmt.Errorf("op=idempotency.set: %w", err)
	}
	return winner, nil
}

// Ping verifies connectivity for health checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
