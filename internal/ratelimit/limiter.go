// Package ratelimit provides fixed-window request counting for the ingestion
// endpoint. Two scopes share one Limiter: per source address and per tenant;
// the scope is encoded in the key ("ip:<addr>", "tenant:<id>").
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed bool
	// RetryAfter is the time until the window resets; only meaningful when
	// Allowed is false.
	RetryAfter time.Duration
}

// Limiter counts requests per key over a fixed window. The window is a
// reset-timestamp approximation, not a true sliding log: good enough for abuse
// mitigation, not billing-grade precision.
type Limiter interface {
	// Allow records one request for key and reports whether it is within limit
	// for the window. The counter resets once the window elapses.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

type window struct {
	count   int
	resetAt time.Time
}

// sweepEvery is how many Allow calls pass between expired-window sweeps.
// Without the sweep, distinct keys (an attacker cycling source addresses)
// would grow the map without bound.
const sweepEvery = 1024

// MemoryLimiter is a per-process in-memory Limiter. State is lost on restart,
// which is an accepted degradation for abuse mitigation. Multi-instance
// deployments should use RedisLimiter so counters are shared.
type MemoryLimiter struct {
	mu   sync.Mutex
	m    map[string]window
	ops  int
	nowF func() time.Time
}

// NewMemoryLimiter returns a new in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		m:    make(map[string]window),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

// Allow implements Limiter. Increment-or-reset is done under one lock so
// concurrent requests never lose updates.
func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int, windowDur time.Duration) (Decision, error) {
	now := l.nowF()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ops++
	if l.ops >= sweepEvery {
		l.ops = 0
		for k, w := range l.m {
			if !now.Before(w.resetAt) {
				delete(l.m, k)
			}
		}
	}

	w, ok := l.m[key]
	if !ok || !now.Before(w.resetAt) {
		l.m[key] = window{count: 1, resetAt: now.Add(windowDur)}
		return Decision{Allowed: true}, nil
	}
	w.count++
	l.m[key] = w
	if w.count > limit {
		return Decision{Allowed: false, RetryAfter: w.resetAt.Sub(now)}, nil
	}
	return Decision{Allowed: true}, nil
}
