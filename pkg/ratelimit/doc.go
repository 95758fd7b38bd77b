// Package ratelimit enforces per-token request budgets over a fixed
// one-hour window aligned to wall-clock hour boundaries.
//
// StoreLimiter is the durable source of truth. CachedLimiter decorates any
// Source with per-token atomic counters held in an expirable LRU so the
// verification hot path stays in memory; its counters may drift from the
// durable count for at most one cache TTL. RedisLimiter shares one counter
// across instances and fails closed when Redis is unreachable.
package ratelimit
