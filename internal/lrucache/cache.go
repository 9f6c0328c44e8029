// Package lrucache provides a bounded, TTL-aware LRU cache with single-flight
// computation of missing entries. It backs both the response cache and the
// artifact parse cache.
package lrucache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/dispatchkit/internal/domain"
)

// ComputeError reports a failed GetOrCompute factory. Every caller that
// shared the flight receives the same *ComputeError.
type ComputeError struct {
	Key string
	Err error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("cache compute %q: %v", e.Key, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// Options configures a Cache.
type Options struct {
	MaxSize    int
	DefaultTTL time.Duration // 0 = entries never expire unless Set with a ttl
	Now        func() time.Time
}

// Stats are cumulative counters since construction or the last Reset.
type Stats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
	Computes  int64 `json:"computes"`
	InFlight  int   `json:"in_flight"`
}

type entry[V any] struct {
	value       V
	createdAt   time.Time
	ttl         time.Duration
	accessCount int64
}

func (e *entry[V]) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// flight tracks the callers waiting on one in-progress computation.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Cache is safe for concurrent use. All operations are O(1) except Sweep.
type Cache[V any] struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, *entry[V]]
	maxSize    int
	defaultTTL time.Duration
	now        func() time.Time

	group   singleflight.Group
	flights map[string]*flight

	stats       Stats
	closed      bool
	stopJanitor func()
}

// New returns an empty cache holding at most opts.MaxSize entries.
func New[V any](opts Options) (*Cache[V], error) {
	if opts.MaxSize < 1 {
		return nil, fmt.Errorf("lrucache: max size must be >= 1, got %d", opts.MaxSize)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l, err := simplelru.NewLRU[string, *entry[V]](opts.MaxSize, nil)
	if err != nil {
		return nil, fmt.Errorf("lrucache: %w", err)
	}
	return &Cache[V]{
		lru:        l,
		maxSize:    opts.MaxSize,
		defaultTTL: opts.DefaultTTL,
		now:        opts.Now,
		flights:    make(map[string]*flight),
	}, nil
}

// Get returns the value for key. Expired entries are dropped on access.
// A hit refreshes recency and increments the entry's access count.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if e.expired(c.now()) {
		c.lru.Remove(key)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	e.accessCount++
	c.stats.Hits++
	return e.value, true
}

// Peek returns the value without touching recency or counters.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.lru.Peek(key)
	if !ok || e.expired(c.now()) {
		return zero, false
	}
	return e.value, true
}

// AccessCount returns how many times key has been read through Get.
func (c *Cache[V]) AccessCount(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Peek(key); ok {
		return e.accessCount
	}
	return 0
}

// Set stores value under key. A zero ttl uses the default; a negative ttl
// never expires. Inserting a new key into a full cache evicts exactly the
// least-recently-used entry.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.setLocked(key, value, ttl)
}

func (c *Cache[V]) setLocked(key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	if c.lru.Add(key, &entry[V]{value: value, createdAt: c.now(), ttl: ttl}) {
		c.stats.Evictions++
	}
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Len returns the number of resident entries, including expired ones not
// yet observed.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// GetOrCompute returns the cached value for key or runs factory to produce
// it. Concurrent callers for the same missing key share one factory run.
// Each caller stops waiting when its own ctx is done; the factory's context
// is cancelled once every waiter has left. A failed factory stores nothing.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, factory func(context.Context) (V, error), ttl time.Duration) (V, error) {
	var zero V

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, domain.ErrClosed
	}
	if v, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		return v, nil
	}
	f := c.flights[key]
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	// DoChan only spawns the call; holding c.mu keeps flights and the
	// singleflight group in step.
	ch := c.group.DoChan(key, func() (any, error) {
		return c.compute(key, f, factory, ttl)
	})
	c.mu.Unlock()

	select {
	case res := <-ch:
		c.leave(key, f, false)
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		c.leave(key, f, true)
		return zero, ctx.Err()
	}
}

func (c *Cache[V]) compute(key string, f *flight, factory func(context.Context) (V, error), ttl time.Duration) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ComputeError{Key: key, Err: fmt.Errorf("panic: %v", r)}
		}
		c.mu.Lock()
		if c.flights[key] == f {
			delete(c.flights, key)
			c.group.Forget(key)
		}
		c.mu.Unlock()
	}()

	c.mu.Lock()
	c.stats.Computes++
	if v, ok := c.lru.Peek(key); ok && !v.expired(c.now()) {
		c.mu.Unlock()
		return v.value, nil
	}
	c.mu.Unlock()

	v, ferr := factory(f.ctx)
	if ferr != nil {
		return nil, &ComputeError{Key: key, Err: ferr}
	}

	c.mu.Lock()
	if !c.closed {
		c.setLocked(key, v, ttl)
	}
	c.mu.Unlock()
	return v, nil
}

// leave drops one waiter. When the last waiter abandons a flight the
// computation is cancelled and detached so later callers start afresh.
func (c *Cache[V]) leave(key string, f *flight, abandoned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if abandoned && c.flights[key] == f {
		delete(c.flights, key)
		c.group.Forget(key)
	}
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && e.expired(now) {
			c.lru.Remove(k)
			removed++
		}
	}
	c.stats.Expired += int64(removed)
	return removed
}

// StartJanitor sweeps expired entries every interval until the returned
// function is called or the cache is disposed.
func (c *Cache[V]) StartJanitor(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()

	c.mu.Lock()
	prev := c.stopJanitor
	c.stopJanitor = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
	return cancel
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.lru.Len()
	s.MaxSize = c.maxSize
	s.InFlight = len(c.flights)
	return s
}

// Reset drops all entries and zeroes the counters. In-flight computations
// continue and may repopulate their keys.
func (c *Cache[V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.stats = Stats{}
}

// Dispose stops the janitor, cancels in-flight computations and empties the
// cache. Afterwards Set is a no-op and GetOrCompute returns domain.ErrClosed.
func (c *Cache[V]) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.stopJanitor != nil {
		c.stopJanitor()
		c.stopJanitor = nil
	}
	for key, f := range c.flights {
		f.cancel()
		delete(c.flights, key)
		c.group.Forget(key)
	}
	c.lru.Purge()
}
