package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cfotel "github.com/Strob0t/dispatchkit/internal/adapter/otel"
	"github.com/Strob0t/dispatchkit/internal/domain"
)

// DefaultDebounce is the quiet period used when Submit passes no delay.
const DefaultDebounce = 300 * time.Millisecond

// CoalesceError reports a factory that panicked. Every waiter of the
// execution receives the same value.
type CoalesceError struct {
	Key string
	Err error
}

func (e *CoalesceError) Error() string {
	return fmt.Sprintf("coalesce %q: %v", e.Key, e.Err)
}

func (e *CoalesceError) Unwrap() error { return e.Err }

type coalesceResult struct {
	val any
	err error
}

type coalesceWaiter struct {
	batch *coalesceBatch // nil once removed or delivered; guarded by Coalescer.mu
	ch    chan coalesceResult
}

// coalesceBatch is one debounce window and, later, its execution.
type coalesceBatch struct {
	factory func(context.Context) (any, error)
	waiters map[*coalesceWaiter]struct{}
	timer   *time.Timer
	gen     uint64
	ready   bool // window elapsed while the previous execution was still running
	cancel  context.CancelFunc
}

type coalesceKey struct {
	pending *coalesceBatch
	running *coalesceBatch
}

// Coalescer collapses bursts of submissions per key into one trailing
// execution. Each submission restarts the quiet period and replaces the
// factory; when the period elapses the latest factory runs once and every
// waiter of the window receives its outcome. Executions for one key never
// overlap.
type Coalescer struct {
	delay   time.Duration
	metrics *cfotel.Metrics
	log     *slog.Logger

	mu         sync.Mutex
	keys       map[string]*coalesceKey
	executions int64
	closed     bool
}

// NewCoalescer returns a Coalescer. A non-positive delay uses DefaultDebounce.
func NewCoalescer(delay time.Duration, metrics *cfotel.Metrics) *Coalescer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Coalescer{
		delay:   delay,
		metrics: metrics,
		log:     slog.Default(),
		keys:    make(map[string]*coalesceKey),
	}
}

// WithLogger sets the coalescer logger.
func (c *Coalescer) WithLogger(l *slog.Logger) *Coalescer {
	c.log = l
	return c
}

// Submit joins the current window for key and waits for its execution.
// A non-positive delay uses the coalescer default. When ctx ends the caller
// leaves the window; a window with no waiters left is dropped, and an
// execution with no waiters left has its context cancelled.
func (c *Coalescer) Submit(ctx context.Context, key string, factory func(context.Context) (any, error), delay time.Duration) (any, error) {
	if delay <= 0 {
		delay = c.delay
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrClosed
	}
	k := c.keys[key]
	if k == nil {
		k = &coalesceKey{}
		c.keys[key] = k
	}
	b := k.pending
	if b == nil {
		b = &coalesceBatch{waiters: make(map[*coalesceWaiter]struct{})}
		k.pending = b
	}
	b.factory = factory
	w := &coalesceWaiter{batch: b, ch: make(chan coalesceResult, 1)}
	b.waiters[w] = struct{}{}

	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	b.ready = false
	gen := b.gen
	b.timer = time.AfterFunc(delay, func() { c.fire(key, b, gen) })
	c.mu.Unlock()

	select {
	case r := <-w.ch:
		return r.val, r.err
	case <-ctx.Done():
		if !c.leave(key, w) {
			// Delivery won the race.
			r := <-w.ch
			return r.val, r.err
		}
		return nil, ctx.Err()
	}
}

func (c *Coalescer) fire(key string, b *coalesceBatch, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.keys[key]
	if k == nil || k.pending != b || b.gen != gen || c.closed {
		return
	}
	if k.running != nil {
		b.ready = true
		return
	}
	c.startLocked(key, k)
}

func (c *Coalescer) startLocked(key string, k *coalesceKey) {
	b := k.pending
	k.pending = nil
	k.running = b

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	c.executions++
	c.metrics.CoalescedExecution(ctx, len(b.waiters))
	c.log.Debug("coalesced execution", "key", key, "waiters", len(b.waiters))

	go c.execute(ctx, key, k, b)
}

func (c *Coalescer) execute(ctx context.Context, key string, k *coalesceKey, b *coalesceBatch) {
	res := c.run(ctx, key, b.factory)

	c.mu.Lock()
	k.running = nil
	waiters := make([]*coalesceWaiter, 0, len(b.waiters))
	for w := range b.waiters {
		w.batch = nil
		waiters = append(waiters, w)
	}
	b.waiters = nil
	switch {
	case k.pending != nil && k.pending.ready && !c.closed:
		c.startLocked(key, k)
	case k.pending == nil && c.keys[key] == k:
		delete(c.keys, key)
	}
	c.mu.Unlock()

	b.cancel()
	for _, w := range waiters {
		w.ch <- res
	}
}

func (c *Coalescer) run(ctx context.Context, key string, factory func(context.Context) (any, error)) (res coalesceResult) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("coalesced factory panicked", "key", key, "panic", r)
			res = coalesceResult{err: &CoalesceError{Key: key, Err: fmt.Errorf("panic: %v", r)}}
		}
	}()
	v, err := factory(ctx)
	return coalesceResult{val: v, err: err}
}

// leave removes w from its batch. It reports false if w had already been
// delivered to.
func (c *Coalescer) leave(key string, w *coalesceWaiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := w.batch
	if b == nil {
		return false
	}
	delete(b.waiters, w)
	w.batch = nil
	if len(b.waiters) > 0 {
		return true
	}

	k := c.keys[key]
	if k == nil {
		return true
	}
	switch b {
	case k.pending:
		b.timer.Stop()
		b.gen++
		k.pending = nil
	case k.running:
		b.cancel()
	}
	if k.pending == nil && k.running == nil {
		delete(c.keys, key)
	}
	return true
}

// Executions returns how many factory runs have started.
func (c *Coalescer) Executions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executions
}

// Pending returns the number of waiters in key's open window.
func (c *Coalescer) Pending(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k := c.keys[key]; k != nil && k.pending != nil {
		return len(k.pending.waiters)
	}
	return 0
}

// Close drops every open window with domain.ErrClosed and cancels running
// executions. Later Submits fail with domain.ErrClosed.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var dropped []*coalesceWaiter
	for key, k := range c.keys {
		if b := k.pending; b != nil {
			b.timer.Stop()
			for w := range b.waiters {
				w.batch = nil
				dropped = append(dropped, w)
			}
			b.waiters = nil
			k.pending = nil
		}
		if k.running != nil {
			k.running.cancel()
		} else {
			delete(c.keys, key)
		}
	}
	c.mu.Unlock()

	for _, w := range dropped {
		w.ch <- coalesceResult{err: domain.ErrClosed}
	}
}
