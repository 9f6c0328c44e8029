package lrucache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Strob0t/dispatchkit/internal/domain"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newCache[V any](t *testing.T, size int, ttl time.Duration) (*Cache[V], *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c, err := New[V](Options{MaxSize: size, DefaultTTL: ttl, Now: clk.Now})
	require.NoError(t, err)
	return c, clk
}

func TestNewRejectsZeroSize(t *testing.T) {
	_, err := New[string](Options{MaxSize: 0})
	require.Error(t, err)
}

func TestSetGet(t *testing.T) {
	c, _ := newCache[string](t, 4, 0)

	c.Set("a", "alpha", 0)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, 4, s.MaxSize)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newCache[int](t, 3, 0)

	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Set("c", 3, 0)

	// Touch "a" so "b" becomes the oldest.
	_, _ = c.Get("a")

	c.Set("d", 4, 0)

	assert.Equal(t, 3, c.Len())
	_, ok := c.Peek("b")
	assert.False(t, ok, "b should have been evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Peek(k)
		assert.True(t, ok, "%s should still be resident", k)
	}
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c, _ := newCache[int](t, 2, 0)
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Set("a", 10, 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	assert.Equal(t, 2, c.Len())
	assert.Zero(t, c.Stats().Evictions)
}

func TestTTLExpiresLazily(t *testing.T) {
	c, clk := newCache[string](t, 4, time.Minute)

	c.Set("a", "alpha", 0)
	c.Set("b", "beta", 5*time.Minute)
	c.Set("forever", "x", -1)

	clk.Advance(2 * time.Minute)

	_, ok := c.Get("a")
	assert.False(t, ok, "default ttl should have expired")
	_, ok = c.Get("b")
	assert.True(t, ok, "explicit ttl should outlive the default")

	clk.Advance(time.Hour)
	_, ok = c.Get("forever")
	assert.True(t, ok, "negative ttl never expires")

	assert.Equal(t, int64(1), c.Stats().Expired)
}

func TestSweep(t *testing.T) {
	c, clk := newCache[int](t, 8, time.Second)
	for i, k := range []string{"a", "b", "c"} {
		c.Set(k, i, 0)
	}
	c.Set("keep", 9, time.Hour)

	clk.Advance(2 * time.Second)
	assert.Equal(t, 3, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestAccessCount(t *testing.T) {
	c, _ := newCache[int](t, 2, 0)
	c.Set("a", 1, 0)
	for range 3 {
		_, _ = c.Get("a")
	}
	_, _ = c.Peek("a")
	assert.Equal(t, int64(3), c.AccessCount("a"))
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c, _ := newCache[string](t, 4, 0)

	var calls atomic.Int32
	release := make(chan struct{})
	factory := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "computed", nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(context.Background(), "k", factory, 0)
		}()
	}

	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "factory must run exactly once")
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "computed", results[i])
	}

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "computed", v)
}

func TestGetOrComputeSharedError(t *testing.T) {
	c, _ := newCache[int](t, 4, 0)

	boom := errors.New("backend down")
	release := make(chan struct{})
	var calls atomic.Int32
	factory := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 0, boom
	}

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.GetOrCompute(context.Background(), "k", factory, 0)
		}()
	}
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	var first *ComputeError
	require.ErrorAs(t, errs[0], &first)
	for _, err := range errs {
		var ce *ComputeError
		require.ErrorAs(t, err, &ce)
		assert.Same(t, first, ce, "all waiters receive the same error value")
		assert.ErrorIs(t, err, boom)
	}

	_, ok := c.Peek("k")
	assert.False(t, ok, "failed computation must not be cached")

	// The next call recomputes.
	v, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (int, error) { return 7, nil }, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestGetOrComputePanicBecomesError(t *testing.T) {
	c, _ := newCache[int](t, 4, 0)
	_, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (int, error) {
		panic("kaboom")
	}, 0)
	var ce *ComputeError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "kaboom")
}

func TestGetOrComputeWaiterCancellation(t *testing.T) {
	c, _ := newCache[int](t, 4, 0)

	factoryCtx := make(chan context.Context, 1)
	factory := func(ctx context.Context) (int, error) {
		factoryCtx <- ctx
		<-ctx.Done()
		return 0, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, "k", factory, 0)
		done <- err
	}()

	fctx := <-factoryCtx
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter did not observe its own cancellation")
	}

	select {
	case <-fctx.Done():
	case <-time.After(time.Second):
		t.Fatal("factory context should be cancelled once every waiter left")
	}

	require.Eventually(t, func() bool { return c.Stats().InFlight == 0 }, time.Second, time.Millisecond)

	v, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (int, error) { return 3, nil }, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestGetOrComputeOneWaiterLeavingKeepsFlight(t *testing.T) {
	c, _ := newCache[int](t, 4, 0)

	release := make(chan struct{})
	started := make(chan struct{})
	factory := func(ctx context.Context) (int, error) {
		close(started)
		select {
		case <-release:
			return 42, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	leaverCtx, leave := context.WithCancel(context.Background())
	leaverDone := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(leaverCtx, "k", factory, 0)
		leaverDone <- err
	}()
	<-started

	stayerDone := make(chan int, 1)
	go func() {
		v, _ := c.GetOrCompute(context.Background(), "k", factory, 0)
		stayerDone <- v
	}()
	time.Sleep(20 * time.Millisecond)

	leave()
	assert.ErrorIs(t, <-leaverDone, context.Canceled)

	close(release)
	select {
	case v := <-stayerDone:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("remaining waiter never received the result")
	}
}

func TestGetOrComputeHitSkipsFactory(t *testing.T) {
	c, _ := newCache[int](t, 4, 0)
	c.Set("k", 1, 0)
	v, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (int, error) {
		t.Fatal("factory must not run on a hit")
		return 0, nil
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestResetAndDispose(t *testing.T) {
	c, _ := newCache[int](t, 4, 0)
	c.Set("a", 1, 0)
	_, _ = c.Get("a")

	c.Reset()
	assert.Zero(t, c.Len())
	assert.Zero(t, c.Stats().Hits)

	stop := c.StartJanitor(time.Hour)
	defer stop()

	c.Set("b", 2, 0)
	c.Dispose()
	assert.Zero(t, c.Len())

	c.Set("c", 3, 0)
	assert.Zero(t, c.Len(), "Set after Dispose is a no-op")

	_, err := c.GetOrCompute(context.Background(), "c", func(context.Context) (int, error) { return 3, nil }, 0)
	assert.ErrorIs(t, err, domain.ErrClosed)

	c.Dispose() // idempotent
}
