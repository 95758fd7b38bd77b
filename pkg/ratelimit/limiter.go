package ratelimit

import (
	"context"
	"time"
)

// Window is the fixed rate-limit window. Counters are aligned to wall-clock
// hour boundaries; a burst straddling a boundary can momentarily admit
// slightly more than the limit. That trade-off is accepted in exchange for
// verification latency.
const Window = time.Hour

// Decision reports the outcome of a rate limit check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long the caller should wait before retrying
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Limiter decides whether one more request is admitted for a token within
// the current window. Implementations must make the increment-and-compare
// atomic per token: two concurrent requests at count = limit-1 must not
// both be admitted.
type Limiter interface {
	Allow(ctx context.Context, tokenID string, limit int) (Decision, error)
}

// Source is a limiter that can also report the durable request count for a
// window. The caching decorator seeds its local counters from it and never
// writes back, so WindowCount must grow through a path independent of the
// decorator (StoreLimiter counts the usage trail). A counter advanced only
// by its own Allow calls, like RedisLimiter, must be used directly, never
// behind the cache.
type Source interface {
	Limiter

	// WindowCount returns the number of requests already observed for the
	// token since windowStart.
	WindowCount(ctx context.Context, tokenID string, windowStart time.Time) (int, error)
}

// windowStart aligns a point in time to the enclosing wall-clock window
func windowStart(now time.Time) time.Time {
	return now.UTC().Truncate(Window)
}
