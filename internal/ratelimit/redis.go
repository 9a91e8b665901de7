package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares one counter per key and window across every instance
// pointing at the same Redis.
type RedisLimiter struct {
	client *redis.Client
	prefix string

	Now func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "ratelimit",
		Now:    time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limitPerMinute, burst int) (Decision, error) {
	now := l.Now()
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, window(now))

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, 2*windowSeconds*time.Second)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}

	return decide(incr.Val(), now, limitPerMinute, burst), nil
}
