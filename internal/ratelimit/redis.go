package ratelimit

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// Hash the key for privacy
	hashed := fmt.Sprintf("ratelimit:%x", sha256.Sum256([]byte(key)))

	// INCR plus EXPIRE on first hit gives a fixed window that resets when
	// the key lapses.
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, hashed)
	pipe.ExpireNX(ctx, hashed, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		// On Redis error, allow the request (fail open)
		return true, nil
	}

	return incr.Val() <= int64(l.limit), nil
}
