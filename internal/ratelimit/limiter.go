// Package ratelimit throttles calls to a remote API, caches short-lived
// results and runs bounded polling loops.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"printstreamer/internal/platform/metrics"
)

// DefaultInterval is the minimum spacing between two calls.
const DefaultInterval = 500 * time.Millisecond

type entry struct {
	value     any
	fetchedAt time.Time
	ttl       time.Duration
}

func (e entry) fresh(now time.Time) bool {
	return now.Sub(e.fetchedAt) < e.ttl
}

// Limiter spaces calls at a fixed minimum interval. Callers pass the barrier
// in the order they reserved a slot.
type Limiter struct {
	interval time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
	group    singleflight.Group

	mu    sync.Mutex
	next  time.Time
	cache map[string]entry
}

// New returns a Limiter. interval <= 0 selects DefaultInterval.
func New(interval time.Duration, m *metrics.Metrics) *Limiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Limiter{
		interval: interval,
		metrics:  m,
		now:      time.Now,
		cache:    make(map[string]entry),
	}
}

// Wait blocks until the caller's slot comes up or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	slot := l.next
	if slot.Before(now) {
		slot = now
	}
	l.next = slot.Add(l.interval)
	l.mu.Unlock()

	d := slot.Sub(now)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Invalidate drops the cached value for key.
func (l *Limiter) Invalidate(key string) {
	l.mu.Lock()
	delete(l.cache, key)
	l.mu.Unlock()
}

func (l *Limiter) cached(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.cache[key]
	if !ok {
		return nil, false
	}
	if !e.fresh(l.now()) {
		delete(l.cache, key)
		return nil, false
	}
	return e.value, true
}

func (l *Limiter) store(key string, v any, ttl time.Duration) {
	l.mu.Lock()
	l.cache[key] = entry{value: v, fetchedAt: l.now(), ttl: ttl}
	l.mu.Unlock()
}

func (l *Limiter) call(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if err := l.Wait(ctx); err != nil {
		return nil, err
	}
	v, err := fn(ctx)
	l.metrics.ProviderCall(err != nil)
	return v, err
}

// Execute runs fn through the limiter. With a non-empty key and ttl > 0 a
// result cached within ttl is returned without calling fn, and concurrent
// callers with the same key share one call. Errors are never cached.
func Execute[T any](ctx context.Context, l *Limiter, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	wrapped := func(ctx context.Context) (any, error) { return fn(ctx) }

	if key == "" || ttl <= 0 {
		v, err := l.call(ctx, wrapped)
		if err != nil {
			return zero, err
		}
		return v.(T), nil
	}

	if v, ok := l.cached(key); ok {
		l.metrics.CacheHit()
		return v.(T), nil
	}

	// The shared call outlives any single caller; each caller still gives
	// up on its own ctx below.
	shared := context.WithoutCancel(ctx)
	ch := l.group.DoChan(key, func() (any, error) {
		if v, ok := l.cached(key); ok {
			return v, nil
		}
		v, err := l.call(shared, wrapped)
		if err != nil {
			return nil, err
		}
		l.store(key, v, ttl)
		return v, nil
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// PollUntil calls fetch through the limiter every interval until pred holds,
// timeout elapses or ctx is done. It returns the last value and whether pred
// was satisfied. A fetch error does not end the loop; the last one is
// returned if the deadline passes without success.
func PollUntil[T any](ctx context.Context, l *Limiter, fetch func(context.Context) (T, error), pred func(T) bool, timeout, interval time.Duration) (T, bool, error) {
	deadline := time.Now().Add(timeout)
	var (
		last    T
		lastErr error
	)
	for {
		v, err := Execute(ctx, l, "", 0, fetch)
		if err == nil {
			last, lastErr = v, nil
			if pred(v) {
				return v, true, nil
			}
		} else {
			if ctx.Err() != nil {
				return last, false, ctx.Err()
			}
			lastErr = err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return last, false, lastErr
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return last, false, ctx.Err()
		case <-t.C:
		}
	}
}
