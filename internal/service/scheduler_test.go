package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/dispatchkit/internal/domain"
	"github.com/Strob0t/dispatchkit/internal/domain/event"
	"github.com/Strob0t/dispatchkit/internal/domain/task"
)

func newTestScheduler(t *testing.T, limit int) (*Scheduler, *recordingBroadcaster) {
	t.Helper()
	rec := &recordingBroadcaster{}
	s := NewScheduler(SchedulerConfig{ConcurrencyLimit: limit}, rec, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s, rec
}

func mustSchedule(t *testing.T, s *Scheduler, tk *task.Task) *TaskHandle {
	t.Helper()
	h, err := s.Schedule(tk)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	return h
}

func waitResult(t *testing.T, h *TaskHandle) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	v, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatalf("task %s never resolved", h.ID())
	}
	return v, err
}

func sleepWork(d time.Duration, v any) task.Work {
	return func(ctx context.Context) (any, error) {
		select {
		case <-time.After(d):
			return v, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestSchedulerRespectsConcurrencyLimit(t *testing.T) {
	s, _ := newTestScheduler(t, 3)

	var running, peak atomic.Int32
	work := func(ctx context.Context) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer running.Add(-1)
		select {
		case <-time.After(100 * time.Millisecond):
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	start := time.Now()
	handles := make([]*TaskHandle, 5)
	for i := range handles {
		handles[i] = mustSchedule(t, s, task.New(task.PriorityNormal, time.Second, 0, work))
	}
	for _, h := range handles {
		if _, err := waitResult(t, h); err != nil {
			t.Fatalf("task %s: %v", h.ID(), err)
		}
	}
	elapsed := time.Since(start)

	if got := peak.Load(); got != 3 {
		t.Errorf("peak concurrency = %d, want 3", got)
	}
	if elapsed < 190*time.Millisecond || elapsed > 400*time.Millisecond {
		t.Errorf("5 tasks at limit 3 took %v, want about 200ms", elapsed)
	}

	st := s.Stats()
	if st.Completed != 5 || st.Running != 0 || st.Queued != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSchedulerTimeoutRetriesThenFails(t *testing.T) {
	s, rec := newTestScheduler(t, 1)

	var attempts atomic.Int32
	tk := task.New(task.PriorityNormal, 50*time.Millisecond, 1, func(ctx context.Context) (any, error) {
		attempts.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := mustSchedule(t, s, tk)

	_, err := waitResult(t, h)
	if !errors.Is(err, task.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if h.Attempts() != 2 {
		t.Errorf("handle attempts = %d, want 2", h.Attempts())
	}
	if h.Status() != task.StatusFailed {
		t.Errorf("status = %s, want failed", h.Status())
	}

	var path []string
	for _, tr := range rec.transitions(event.KindTask, h.ID()) {
		path = append(path, tr.To)
	}
	want := []string{"queued", "running", "retrying", "running", "failed"}
	if fmt.Sprint(path) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", path, want)
	}
	if s.Stats().Retries != 1 {
		t.Errorf("retries = %d, want 1", s.Stats().Retries)
	}
}

func TestSchedulerWorkErrorIsWrapped(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	boom := errors.New("backend said no")
	h := mustSchedule(t, s, task.New(task.PriorityNormal, time.Second, 0, func(context.Context) (any, error) {
		return nil, boom
	}))

	_, err := waitResult(t, h)
	if !errors.Is(err, task.ErrFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrFailed wrapping cause, got %v", err)
	}
}

func TestSchedulerPermanentErrorSkipsRetries(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	var attempts atomic.Int32
	h := mustSchedule(t, s, task.New(task.PriorityNormal, time.Second, 3, func(context.Context) (any, error) {
		attempts.Add(1)
		return nil, task.Permanent(errors.New("partial output already delivered"))
	}))

	_, err := waitResult(t, h)
	if !task.IsPermanent(err) || !errors.Is(err, task.ErrFailed) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestSchedulerRetrySucceeds(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	var attempts atomic.Int32
	h := mustSchedule(t, s, task.New(task.PriorityNormal, time.Second, 2, func(context.Context) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return "second time lucky", nil
	}))

	v, err := waitResult(t, h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "second time lucky" {
		t.Errorf("result = %v", v)
	}
}

func TestSchedulerRetryRunsBeforeQueuedPeer(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	var (
		mu    sync.Mutex
		order []string
	)
	started := make(chan struct{})
	gate := make(chan struct{})
	var attempts atomic.Int32
	a := mustSchedule(t, s, task.New(task.PriorityNormal, time.Second, 1, func(context.Context) (any, error) {
		mu.Lock()
		order = append(order, "A")
		mu.Unlock()
		if attempts.Add(1) == 1 {
			close(started)
			<-gate
			return nil, errors.New("transient")
		}
		return "a", nil
	}))
	<-started

	b := mustSchedule(t, s, task.New(task.PriorityNormal, time.Second, 0, func(context.Context) (any, error) {
		mu.Lock()
		order = append(order, "B")
		mu.Unlock()
		return "b", nil
	}))
	if q := s.Stats().Queued; q != 1 {
		t.Fatalf("queued = %d, want 1", q)
	}

	close(gate)
	if v, err := waitResult(t, a); err != nil || v != "a" {
		t.Fatalf("A: v=%v err=%v", v, err)
	}
	if _, err := waitResult(t, b); err != nil {
		t.Fatalf("B: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != "[A A B]" {
		t.Errorf("order = %v, want [A A B]", order)
	}
}

func TestSchedulerPriorityOrder(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	// Occupy the only slot so everything else queues.
	gate := make(chan struct{})
	blocker := mustSchedule(t, s, task.New(task.PriorityNormal, 0, 0, func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}))

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) task.Work {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	var handles []*TaskHandle
	for _, tc := range []struct {
		name string
		p    task.Priority
	}{
		{"low-1", task.PriorityLow},
		{"normal-1", task.PriorityNormal},
		{"high-1", task.PriorityHigh},
		{"normal-2", task.PriorityNormal},
		{"high-2", task.PriorityHigh},
	} {
		handles = append(handles, mustSchedule(t, s, task.New(tc.p, 0, 0, record(tc.name))))
	}
	if q := s.Stats().Queued; q != 5 {
		t.Fatalf("queued = %d, want 5", q)
	}

	close(gate)
	if _, err := waitResult(t, blocker); err != nil {
		t.Fatal(err)
	}
	for _, h := range handles {
		if _, err := waitResult(t, h); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestSchedulerCancelRunningReleasesSlot(t *testing.T) {
	s, rec := newTestScheduler(t, 1)

	// The work ignores cancellation so only the scheduler can free the slot.
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	running := make(chan struct{})
	h := mustSchedule(t, s, task.New(task.PriorityNormal, 0, 0, func(context.Context) (any, error) {
		close(running)
		<-stuck
		return "too late", nil
	}))
	<-running

	next := mustSchedule(t, s, task.New(task.PriorityNormal, time.Second, 0, sleepWork(10*time.Millisecond, "next")))

	if !s.Cancel(h) {
		t.Fatal("Cancel returned false for a running task")
	}
	if s.Cancel(h) {
		t.Error("second Cancel should report false")
	}

	v, err := waitResult(t, next)
	if err != nil || v != "next" {
		t.Fatalf("queued task should run after cancel freed the slot, got %v, %v", v, err)
	}

	v, err = waitResult(t, h)
	if !errors.Is(err, task.ErrCancelled) || v != nil {
		t.Fatalf("cancelled task resolved with %v, %v", v, err)
	}
	if h.Status() != task.StatusCancelled {
		t.Errorf("status = %s", h.Status())
	}

	trs := rec.transitions(event.KindTask, h.ID())
	if last := trs[len(trs)-1]; last.From != "running" || last.To != "cancelled" {
		t.Errorf("last transition = %+v", last)
	}
}

func TestSchedulerCancelQueued(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	gate := make(chan struct{})
	defer close(gate)
	mustSchedule(t, s, task.New(task.PriorityNormal, 0, 0, func(context.Context) (any, error) {
		<-gate
		return nil, nil
	}))

	var ran atomic.Bool
	h := mustSchedule(t, s, task.New(task.PriorityNormal, 0, 0, func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}))
	if !s.CancelByID(h.ID()) {
		t.Fatal("CancelByID returned false")
	}
	if _, err := waitResult(t, h); !errors.Is(err, task.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if s.Stats().Queued != 0 {
		t.Errorf("cancelled task still queued")
	}
	if ran.Load() {
		t.Error("cancelled task ran")
	}
}

func TestSchedulerCancelledTaskNeverSucceeds(t *testing.T) {
	s, _ := newTestScheduler(t, 4)

	for range 50 {
		h := mustSchedule(t, s, task.New(task.PriorityNormal, 0, 0, sleepWork(time.Millisecond, "done")))
		cancelled := s.Cancel(h)
		v, err := waitResult(t, h)
		if cancelled && (err == nil || v != nil) {
			t.Fatalf("cancelled task resolved successfully: %v, %v", v, err)
		}
	}
}

func TestSchedulerRejectsDuplicateAndInvalid(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	if _, err := s.Schedule(&task.Task{ID: "x"}); err == nil {
		t.Error("expected error for task without work")
	}

	gate := make(chan struct{})
	defer close(gate)
	tk := &task.Task{ID: "dup", Work: func(context.Context) (any, error) { <-gate; return nil, nil }}
	mustSchedule(t, s, tk)
	if _, err := s.Schedule(&task.Task{ID: "dup", Work: tk.Work}); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestSchedulerCloseCancelsEverything(t *testing.T) {
	rec := &recordingBroadcaster{}
	s := NewScheduler(SchedulerConfig{ConcurrencyLimit: 1}, rec, nil)

	running := mustSchedule(t, s, task.New(task.PriorityNormal, 0, 0, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	queued := mustSchedule(t, s, task.New(task.PriorityLow, 0, 0, sleepWork(time.Millisecond, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, h := range []*TaskHandle{running, queued} {
		_, err := waitResult(t, h)
		if !errors.Is(err, task.ErrCancelled) || !errors.Is(err, domain.ErrClosed) {
			t.Errorf("task %s: expected cancelled+closed, got %v", h.ID(), err)
		}
	}
	if _, err := s.Schedule(task.New(task.PriorityNormal, 0, 0, sleepWork(0, nil))); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("Schedule after Close: %v", err)
	}
}

func TestSchedulerPanicBecomesFailure(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	h := mustSchedule(t, s, task.New(task.PriorityNormal, time.Second, 0, func(context.Context) (any, error) {
		panic("bad work")
	}))
	_, err := waitResult(t, h)
	if !errors.Is(err, task.ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
}
