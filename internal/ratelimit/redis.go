package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter backed by Redis, for deployments
// where admission control must span processes. It satisfies the same Limiter
// interface as the in-process KeyedLimiter.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter from a redis URL.
func NewRedisLimiter(redisURL string, cfg Config) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisLimiter{
		client: redis.NewClient(opts),
		cfg:    cfg.withDefaults(),
		prefix: "ratelimit",
	}, nil
}

// NewRedisLimiterWithClient wraps an existing client (used in tests).
func NewRedisLimiterWithClient(client *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg.withDefaults(), prefix: "ratelimit"}
}

// TryAcquire increments the key's window counter and rejects once the window
// budget is spent. The window key expires on its own, which doubles as
// garbage collection.
func (l *RedisLimiter) TryAcquire(ctx context.Context, key string) (bool, error) {
	windowKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, time.Now().UnixNano()/int64(l.cfg.Window))

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, l.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit incr %s: %w", key, err)
	}

	return count.Val() <= int64(l.cfg.MaxTokens), nil
}

// Close releases the underlying client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
