package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// UsageCounter is the slice of the token store the persistent limiter
// needs: counting verified calls within the trailing window.
type UsageCounter interface {
	CountUsageSince(ctx context.Context, tokenID string, since time.Time) (int, error)
}

// StoreLimiter counts usage records in the persistent store. It is the
// source of truth: always correct, but every check costs a round trip.
// Wrap it in a CachedLimiter on the hot path.
type StoreLimiter struct {
	counter UsageCounter
	now     func() time.Time
}

// NewStoreLimiter creates a limiter backed by the usage table
func NewStoreLimiter(counter UsageCounter) *StoreLimiter {
	return &StoreLimiter{
		counter: counter,
		now:     time.Now,
	}
}

// Allow counts prior requests in the current window and admits the request
// if the count is below the limit.
func (l *StoreLimiter) Allow(ctx context.Context, tokenID string, limit int) (Decision, error) {
	now := l.now()
	start := windowStart(now)

	used, err := l.counter.CountUsageSince(ctx, tokenID, start)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count usage: %w", err)
	}

	d := Decision{
		Allowed: used < limit,
		Limit:   limit,
		ResetAt: start.Add(Window),
	}
	if d.Allowed {
		d.Remaining = limit - used - 1
	}
	return d, nil
}

// WindowCount reports the durable request count since windowStart
func (l *StoreLimiter) WindowCount(ctx context.Context, tokenID string, start time.Time) (int, error) {
	return l.counter.CountUsageSince(ctx, tokenID, start)
}
