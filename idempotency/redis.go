package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "sagaflow:processed:"
	defaultTTL = 24 * time.Hour
)

// RedisCache remembers processed correlation ids for a bounded time.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache keeps entries for ttl, or a day when ttl <= 0.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(consumer, correlationID string) string {
	return keyPrefix + consumer + ":" + correlationID
}

func (c *RedisCache) Seen(ctx context.Context, consumer, correlationID string) (bool, error) {
	n, err := c.client.Exists(ctx, cacheKey(consumer, correlationID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (c *RedisCache) Remember(ctx context.Context, consumer, correlationID string) error {
	if err := c.client.Set(ctx, cacheKey(consumer, correlationID), 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
