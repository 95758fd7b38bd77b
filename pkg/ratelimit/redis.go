package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter implements rate limiting using Redis so the count is shared
// across instances. Keys are aligned to the wall-clock hour window and
// expire shortly after the window closes.
//
// Unlike a general traffic limiter, a Redis failure here fails closed: an
// unreachable counter must never grant unmetered access.
type RedisLimiter struct {
	redis  *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a new Redis-backed limiter
func NewRedisLimiter(redisClient *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}

	return &RedisLimiter{
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
	}
}

// Allow atomically increments the token's window counter and compares it
// against the limit.
func (l *RedisLimiter) Allow(ctx context.Context, tokenID string, limit int) (Decision, error) {
	start := windowStart(l.now())
	reset := start.Add(Window)
	key := l.key(tokenID, start)

	// Pipeline keeps the increment and expiry in one round trip. INCR is
	// atomic, so concurrent requests each observe a distinct count.
	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	// Keep the key a little past the window close so WindowCount can
	// still observe a just-finished window.
	pipe.ExpireAt(ctx, key, reset.Add(time.Minute))

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis rate limit check failed: %w", err)
	}

	n := incr.Val()
	d := Decision{
		Allowed: n <= int64(limit),
		Limit:   limit,
		ResetAt: reset,
	}
	if remaining := int64(limit) - n; remaining > 0 {
		d.Remaining = int(remaining)
	}
	return d, nil
}

// WindowCount returns the shared count for the given window
func (l *RedisLimiter) WindowCount(ctx context.Context, tokenID string, start time.Time) (int, error) {
	count, err := l.redis.Get(ctx, l.key(tokenID, start)).Int()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("redis window count failed: %w", err)
	}
	return count, nil
}

// Reset clears the counter for a token (for testing or admin purposes)
func (l *RedisLimiter) Reset(ctx context.Context, tokenID string) error {
	start := windowStart(l.now())
	return l.redis.Del(ctx, l.key(tokenID, start)).Err()
}

func (l *RedisLimiter) key(tokenID string, start time.Time) string {
	return fmt.Sprintf("%s:%s:%d", l.prefix, tokenID, start.Unix())
}
