package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/lomismoney/Mir01-sub000/internal/domain"
)

type RedisTimeSeriesCache struct {
	client *redis.Client
}

func NewRedisTimeSeriesCache(client *redis.Client) *RedisTimeSeriesCache {
	return &RedisTimeSeriesCache{client: client}
}

func (c *RedisTimeSeriesCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTimeSeriesCache) Get(ctx context.Context, key string) ([]domain.TimeSeriesPoint, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var points []domain.TimeSeriesPoint
	if err := json.Unmarshal([]byte(val), &points); err != nil {
		return nil, false, err
	}
	return points, true, nil
}

func (c *RedisTimeSeriesCache) Set(ctx context.Context, key string, value []domain.TimeSeriesPoint, ttl time.Duration) error {
	if len(value) == 0 {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisTimeSeriesCache) Invalidate(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
