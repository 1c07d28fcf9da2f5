// Package cache is the time-bounded, request-coalescing memo used in front
// of the statistics aggregator.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vanshika/refnet/backend/internal/domain"
)

// DefaultTTL applies when callers pass a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// FetchFunc loads the value for a missing or expired key.
type FetchFunc func(ctx context.Context) (any, error)

type entry struct {
	value     any
	expiresAt time.Time
}

// flight marks a fetch in progress. An invalidation while it runs makes it
// stale, and a stale result is returned to its waiters but never stored.
type flight struct {
	stale bool
}

// Metrics is a point-in-time view of the cache.
type Metrics struct {
	Size    int     `json:"size"`
	Valid   int     `json:"valid"`
	Expired int     `json:"expired"`
	Pending int     `json:"pending"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

// Cache memoises values with an expiry and coalesces concurrent misses for
// the same key into one fetch.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	flights    map[string]*flight
	group      singleflight.Group
	defaultTTL time.Duration
	nowFn      func() time.Time
	hits       atomic.Uint64
	misses     atomic.Uint64
	pending    atomic.Int64
}

// New returns an empty Cache. defaultTTL <= 0 selects DefaultTTL.
func New(defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Cache{
		entries:    make(map[string]entry),
		flights:    make(map[string]*flight),
		defaultTTL: defaultTTL,
		nowFn:      time.Now,
	}
}

// WithClock overrides the time provider (used primarily in tests).
func (c *Cache) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		c.nowFn = nowFn
	}
}

// Get returns the cached value for key, or calls fetch once for all
// concurrent callers of a missing key. Errors are not cached. Each caller
// stops waiting when its own ctx is done.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (any, error) {
	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.load(ctx, key, ttl, fetch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, domain.NewError(domain.CodeCacheFailed, "fetch cache entry", res.Err, "key", key)
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load runs inside the singleflight group. A value stored by a flight that
// finished after the caller's lookup is returned without fetching again.
func (c *Cache) load(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (any, error) {
	c.mu.Lock()
	if v, ok := c.lookupLocked(key); ok {
		c.mu.Unlock()
		return v, nil
	}
	f := &flight{}
	c.flights[key] = f
	c.mu.Unlock()

	c.pending.Add(1)
	defer c.pending.Add(-1)
	// Detached from the initiating caller's cancellation.
	v, err := fetch(context.WithoutCancel(ctx))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	if err != nil {
		return nil, err
	}
	if !f.stale {
		c.entries[key] = entry{value: v, expiresAt: c.nowFn().Add(ttl)}
	}
	return v, nil
}

func (c *Cache) lookup(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupLocked(key)
}

func (c *Cache) lookupLocked(key string) (any, bool) {
	e, ok := c.entries[key]
	if !ok || !c.nowFn().Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Fetch is the typed form of Cache.Get.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.Get(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, domain.NewError(domain.CodeCacheFailed, fmt.Sprintf("cached value has type %T", v), nil, "key", key)
	}
	return typed, nil
}

// Invalidate drops key. A fetch for key already in flight still answers its
// waiters but does not store its result, and later callers start a new fetch.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	if f, ok := c.flights[key]; ok {
		f.stale = true
		delete(c.flights, key)
	}
	c.group.Forget(key)
}

// Clear drops every entry and resets the hit counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
	for key, f := range c.flights {
		f.stale = true
		c.group.Forget(key)
	}
	c.flights = make(map[string]*flight)
	c.hits.Store(0)
	c.misses.Store(0)
}

// CleanupExpired removes expired entries and returns how many were removed.
func (c *Cache) CleanupExpired() int {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Metrics reports size, validity split, in-flight fetches and hit rate.
func (c *Cache) Metrics() Metrics {
	now := c.nowFn()
	c.mu.RLock()
	m := Metrics{Size: len(c.entries)}
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			m.Valid++
		} else {
			m.Expired++
		}
	}
	c.mu.RUnlock()

	m.Pending = int(c.pending.Load())
	m.Hits = c.hits.Load()
	m.Misses = c.misses.Load()
	if total := m.Hits + m.Misses; total > 0 {
		m.HitRate = float64(m.Hits) / float64(total)
	}
	return m
}
