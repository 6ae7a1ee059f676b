package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a Limiter backed by a shared Redis instance, so every server
// process sees the same counters. INCR plus a TTL set only on the first
// increment gives the same fixed-window semantics as MemoryLimiter.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter returns a limiter using client. prefix namespaces the keys
// (e.g. "ratelimit"); pass "" for the default.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

// Allow implements Limiter. Errors from Redis are returned to the caller,
// which surfaces them as retryable storage failures rather than silently
// letting traffic through.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	k := l.prefix + ":" + key

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return Decision{}, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, window).Err(); err != nil {
			return Decision{}, err
		}
	}
	if count > int64(limit) {
		ttl, err := l.client.TTL(ctx, k).Result()
		if err != nil {
			return Decision{}, err
		}
		if ttl < 0 {
			// Key lost its TTL (e.g. Expire failed between INCR calls); restore
			// it so the window eventually resets.
			_ = l.client.Expire(ctx, k, window).Err()
			ttl = window
		}
		return Decision{Allowed: false, RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true}, nil
}
