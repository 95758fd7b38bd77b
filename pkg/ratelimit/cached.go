package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheSize = 8192
	defaultCacheTTL  = 30 * time.Second
)

// entry is the transient per-token counter for one window. The count may
// drift slightly from the durable count; the cache TTL bounds the drift by
// forcing a periodic reconcile with the source.
type entry struct {
	windowStart time.Time
	count       atomic.Int64
}

// CachedLimiter decorates a Source with a short-TTL in-memory cache so the
// hot path increments a local atomic counter instead of querying the store
// on every request. On a miss, or after the window rolls over, the counter
// is re-seeded from the durable count; singleflight collapses a burst of
// cold misses for the same token into one store query.
//
// The decorator is read-only toward its Source: it reconciles via
// WindowCount and never increments the durable count itself. The Source
// must therefore observe admitted requests on its own (see Source), or
// re-seeding after an eviction would hand out the full budget again.
type CachedLimiter struct {
	source  Source
	entries *lru.LRU[string, *entry]
	group   singleflight.Group
	now     func() time.Time

	// onHit / onMiss are metrics hooks
	onHit  func()
	onMiss func()
}

// CachedLimiterOption configures a CachedLimiter
type CachedLimiterOption func(*CachedLimiter)

// WithCacheHooks registers callbacks for cache hits and misses
func WithCacheHooks(onHit, onMiss func()) CachedLimiterOption {
	return func(c *CachedLimiter) {
		c.onHit = onHit
		c.onMiss = onMiss
	}
}

// WithClock overrides the limiter's clock
func WithClock(now func() time.Time) CachedLimiterOption {
	return func(c *CachedLimiter) {
		c.now = now
	}
}

// NewCachedLimiter creates the caching decorator. size caps the number of
// tracked tokens; ttl bounds how stale a local counter may get before it is
// reconciled with the source.
func NewCachedLimiter(source Source, size int, ttl time.Duration, opts ...CachedLimiterOption) *CachedLimiter {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	c := &CachedLimiter{
		source:  source,
		entries: lru.NewLRU[string, *entry](size, nil, ttl),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Allow admits or rejects one request. The increment-and-compare is atomic
// per token, so 2N concurrent requests against a limit of N admit exactly N.
func (c *CachedLimiter) Allow(ctx context.Context, tokenID string, limit int) (Decision, error) {
	now := c.now()
	start := windowStart(now)

	e, ok := c.entries.Get(tokenID)
	if !ok || !e.windowStart.Equal(start) {
		var err error
		e, err = c.seed(ctx, tokenID, start)
		if err != nil {
			return Decision{}, err
		}
		if c.onMiss != nil {
			c.onMiss()
		}
	} else if c.onHit != nil {
		c.onHit()
	}

	n := e.count.Add(1)
	d := Decision{
		Allowed: n <= int64(limit),
		Limit:   limit,
		ResetAt: start.Add(Window),
	}
	if remaining := int64(limit) - n; remaining > 0 {
		d.Remaining = int(remaining)
	}
	return d, nil
}

// seed loads the durable window count and installs a fresh counter. The
// singleflight key includes the window start so a rollover never shares a
// stale seed.
func (c *CachedLimiter) seed(ctx context.Context, tokenID string, start time.Time) (*entry, error) {
	key := fmt.Sprintf("%s:%d", tokenID, start.Unix())

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have installed
		// the entry between our Get and Do.
		if e, ok := c.entries.Get(tokenID); ok && e.windowStart.Equal(start) {
			return e, nil
		}

		used, err := c.source.WindowCount(ctx, tokenID, start)
		if err != nil {
			return nil, fmt.Errorf("failed to reconcile window count: %w", err)
		}

		e := &entry{windowStart: start}
		e.count.Store(int64(used))
		c.entries.Add(tokenID, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// Invalidate drops the cached counter for a token (admin/testing hook)
func (c *CachedLimiter) Invalidate(tokenID string) {
	c.entries.Remove(tokenID)
}
