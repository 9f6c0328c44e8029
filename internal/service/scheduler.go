package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	cfotel "github.com/Strob0t/dispatchkit/internal/adapter/otel"
	"github.com/Strob0t/dispatchkit/internal/domain"
	"github.com/Strob0t/dispatchkit/internal/domain/event"
	"github.com/Strob0t/dispatchkit/internal/domain/task"
	"github.com/Strob0t/dispatchkit/internal/port/broadcast"
)

// DefaultConcurrencyLimit is used when SchedulerConfig leaves it unset.
const DefaultConcurrencyLimit = 3

const priorityTiers = int(task.PriorityLow) + 1

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	ConcurrencyLimit int
	DefaultTimeout   time.Duration // applied to tasks with no Timeout; 0 = none
}

// SchedulerStats is a point-in-time view of the scheduler.
type SchedulerStats struct {
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Limit     int   `json:"limit"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Retries   int64 `json:"retries"`
}

// Scheduler runs tasks by priority, FIFO within a tier, with at most
// ConcurrencyLimit attempts holding a slot at once. Failed attempts are
// retried from the front of their tier while retries remain.
type Scheduler struct {
	cfg     SchedulerConfig
	sem     *semaphore.Weighted
	events  broadcast.Broadcaster
	metrics *cfotel.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	tiers   [priorityTiers][]*TaskHandle
	byID    map[string]*TaskHandle
	running int
	closed  bool
	stats   SchedulerStats

	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler. events and metrics may be nil.
func NewScheduler(cfg SchedulerConfig, events broadcast.Broadcaster, metrics *cfotel.Metrics) *Scheduler {
	if cfg.ConcurrencyLimit < 1 {
		cfg.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if events == nil {
		events = broadcast.Nop{}
	}
	return &Scheduler{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.ConcurrencyLimit)),
		events:  events,
		metrics: metrics,
		log:     slog.Default(),
		byID:    make(map[string]*TaskHandle),
	}
}

// WithLogger sets the scheduler logger.
func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	s.log = l
	return s
}

// TaskHandle is the caller's view of a scheduled task. It resolves exactly once.
type TaskHandle struct {
	task     *task.Task
	ctx      context.Context
	cancel   context.CancelFunc
	admitted time.Time
	done     chan struct{}
	once     sync.Once

	mu       sync.Mutex
	status   task.Status
	attempts int
	result   any
	err      error

	// holdsSlot is guarded by Scheduler.mu.
	holdsSlot bool
}

// ID returns the task ID.
func (h *TaskHandle) ID() string { return h.task.ID }

// SessionID returns the session the task streams into, if any.
func (h *TaskHandle) SessionID() string { return h.task.SessionID }

// Done is closed once the task resolves.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Status returns the current lifecycle status.
func (h *TaskHandle) Status() task.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Attempts returns how many times the work has been started.
func (h *TaskHandle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// Result returns the outcome and whether the task has resolved.
func (h *TaskHandle) Result() (any, error, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err, true
	default:
		return nil, nil, false
	}
}

// Wait blocks until the task resolves or ctx is done. Abandoning the wait
// does not cancel the task.
func (h *TaskHandle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *TaskHandle) resolved() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// resolve records the terminal outcome. It reports false if the handle had
// already resolved.
func (h *TaskHandle) resolve(result any, err error, status task.Status) bool {
	won := false
	h.once.Do(func() {
		h.mu.Lock()
		h.result, h.err, h.status = result, err, status
		h.mu.Unlock()
		close(h.done)
		won = true
	})
	return won
}

func (h *TaskHandle) setStatus(st task.Status) task.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.status
	h.status = st
	return prev
}

// Schedule admits t. The scheduler owns t from here on; callers use the
// returned handle.
func (s *Scheduler) Schedule(t *task.Task) (*TaskHandle, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.ID == "" {
		return nil, errors.New("task id is required")
	}
	if t.Timeout <= 0 {
		t.Timeout = s.cfg.DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &TaskHandle{
		task:     t,
		ctx:      ctx,
		cancel:   cancel,
		admitted: time.Now(),
		done:     make(chan struct{}),
		status:   task.StatusQueued,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, domain.ErrClosed
	}
	if _, dup := s.byID[t.ID]; dup {
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("task %s already scheduled", t.ID)
	}
	s.byID[t.ID] = h
	s.tiers[t.Priority] = append(s.tiers[t.Priority], h)
	s.mu.Unlock()

	s.metrics.TaskScheduled(ctx, t.Priority.String())
	s.emit(h, "", task.StatusQueued, 0, nil)
	s.log.Debug("task queued", "task_id", t.ID, "priority", t.Priority.String(), "session_id", t.SessionID)

	s.pump()
	return h, nil
}

// Cancel cancels the task behind h. A queued task is dropped; a running task
// has its context cancelled and its slot released immediately. Returns false
// if the task had already resolved.
func (s *Scheduler) Cancel(h *TaskHandle) bool {
	return s.cancel(h, task.ErrCancelled)
}

// CancelByID is Cancel by task ID.
func (s *Scheduler) CancelByID(id string) bool {
	s.mu.Lock()
	h := s.byID[id]
	s.mu.Unlock()
	if h == nil {
		return false
	}
	return s.Cancel(h)
}

func (s *Scheduler) cancel(h *TaskHandle, cause error) bool {
	s.mu.Lock()
	s.removeQueuedLocked(h)
	s.mu.Unlock()

	prev := h.Status()
	if !h.resolve(nil, cause, task.StatusCancelled) {
		return false
	}
	h.cancel()

	s.mu.Lock()
	s.stats.Cancelled++
	delete(s.byID, h.task.ID)
	s.mu.Unlock()

	s.metrics.TaskResolved(h.ctx, string(task.StatusCancelled), time.Since(h.admitted))
	s.emit(h, prev, task.StatusCancelled, h.Attempts(), cause)
	s.log.Info("task cancelled", "task_id", h.task.ID, "session_id", h.task.SessionID)

	if s.releaseSlot(h) {
		s.pump()
	}
	return true
}

// pump starts queued tasks while slots are free.
func (s *Scheduler) pump() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		h := s.nextLocked()
		if h == nil {
			s.mu.Unlock()
			return
		}
		if !s.sem.TryAcquire(1) {
			s.mu.Unlock()
			return
		}
		s.popLocked(h)
		h.holdsSlot = true
		s.running++
		s.wg.Add(1)
		s.mu.Unlock()

		s.metrics.TaskStarted(h.ctx)
		go s.run(h)
	}
}

// nextLocked returns the head of the highest non-empty tier, discarding
// handles that resolved while queued.
func (s *Scheduler) nextLocked() *TaskHandle {
	for p := range s.tiers {
		for len(s.tiers[p]) > 0 {
			h := s.tiers[p][0]
			if !h.resolved() {
				return h
			}
			s.tiers[p] = s.tiers[p][1:]
		}
	}
	return nil
}

func (s *Scheduler) popLocked(h *TaskHandle) {
	p := h.task.Priority
	s.tiers[p][0] = nil
	s.tiers[p] = s.tiers[p][1:]
}

func (s *Scheduler) removeQueuedLocked(h *TaskHandle) {
	p := h.task.Priority
	q := s.tiers[p]
	for i, qh := range q {
		if qh == h {
			s.tiers[p] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

// releaseSlot returns h's slot to the pool. It reports false if h held none.
func (s *Scheduler) releaseSlot(h *TaskHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseSlotLocked(h)
}

func (s *Scheduler) releaseSlotLocked(h *TaskHandle) bool {
	if !h.holdsSlot {
		return false
	}
	h.holdsSlot = false
	s.running--
	s.sem.Release(1)
	s.metrics.TaskStopped(h.ctx)
	return true
}

type attemptOutcome struct {
	result any
	err    error
}

func (s *Scheduler) run(h *TaskHandle) {
	defer s.wg.Done()

	if h.resolved() {
		if s.releaseSlot(h) {
			s.pump()
		}
		return
	}

	h.mu.Lock()
	h.attempts++
	attempt := h.attempts
	prev := h.status
	h.status = task.StatusRunning
	h.mu.Unlock()
	s.emit(h, prev, task.StatusRunning, attempt, nil)

	t := h.task
	var (
		actx    context.Context
		acancel context.CancelFunc
	)
	if t.Timeout > 0 {
		actx, acancel = context.WithTimeout(h.ctx, t.Timeout)
	} else {
		actx, acancel = context.WithCancel(h.ctx)
	}
	actx, span := cfotel.StartTaskSpan(actx, t.ID, t.Priority.String(), attempt)

	outCh := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outCh <- attemptOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := t.Work(actx)
		outCh <- attemptOutcome{result: v, err: err}
	}()

	var out attemptOutcome
	select {
	case out = <-outCh:
	case <-actx.Done():
		out.err = actx.Err()
	}
	timedOut := errors.Is(actx.Err(), context.DeadlineExceeded) && h.ctx.Err() == nil
	acancel()

	if h.ctx.Err() != nil {
		// Cancelled: Cancel already resolved the handle and freed the slot.
		cfotel.EndSpan(span, task.ErrCancelled)
		return
	}

	err := out.err
	if err != nil && timedOut && errors.Is(err, context.DeadlineExceeded) {
		err = task.Timeout(t.Timeout)
	}
	cfotel.EndSpan(span, err)

	if err == nil {
		s.finish(h, out.result, nil, task.StatusSucceeded)
		return
	}

	err = classify(err)
	if t.RetriesRemaining > 0 && !task.IsPermanent(err) {
		s.retry(h, attempt, err)
		return
	}
	s.finish(h, nil, err, task.StatusFailed)
}

// classify maps a raw work error into the task taxonomy.
func classify(err error) error {
	if errors.Is(err, task.ErrTimeout) || errors.Is(err, task.ErrFailed) || errors.Is(err, task.ErrCancelled) {
		return err
	}
	return task.Failed(err)
}

func (s *Scheduler) retry(h *TaskHandle, attempt int, cause error) {
	t := h.task
	t.RetriesRemaining--
	prev := h.setStatus(task.StatusRetrying)

	s.metrics.TaskRetried(h.ctx, t.Priority.String())
	s.emit(h, prev, task.StatusRetrying, attempt, cause)
	s.log.Warn("task attempt failed, retrying",
		"task_id", t.ID, "attempt", attempt, "retries_remaining", t.RetriesRemaining, "error", cause)

	// Requeue and release together so no queued task can take the slot
	// ahead of the retry.
	s.mu.Lock()
	s.stats.Retries++
	if !h.resolved() {
		s.tiers[t.Priority] = append([]*TaskHandle{h}, s.tiers[t.Priority]...)
	}
	s.releaseSlotLocked(h)
	s.mu.Unlock()

	s.pump()
}

func (s *Scheduler) finish(h *TaskHandle, result any, err error, status task.Status) {
	if !h.resolve(result, err, status) {
		if s.releaseSlot(h) {
			s.pump()
		}
		return
	}
	h.cancel()

	s.mu.Lock()
	if status == task.StatusSucceeded {
		s.stats.Completed++
	} else {
		s.stats.Failed++
	}
	delete(s.byID, h.task.ID)
	s.mu.Unlock()

	s.metrics.TaskResolved(h.ctx, string(status), time.Since(h.admitted))
	s.emit(h, task.StatusRunning, status, h.Attempts(), err)
	if err != nil {
		s.log.Warn("task failed", "task_id", h.task.ID, "attempts", h.Attempts(), "error", err)
	} else {
		s.log.Debug("task succeeded", "task_id", h.task.ID, "attempts", h.Attempts())
	}

	if s.releaseSlot(h) {
		s.pump()
	}
}

func (s *Scheduler) emit(h *TaskHandle, from, to task.Status, attempt int, err error) {
	tr := event.NewTransition(event.KindTask, h.task.ID, h.task.SessionID, string(from), string(to), time.Now())
	tr.Attempt = attempt
	if err != nil {
		tr.Error = err.Error()
	}
	s.events.BroadcastEvent(context.Background(), string(event.TypeTaskTransition), tr)
}

// Stats returns a snapshot of queue depth, slot usage and outcome counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	for p := range s.tiers {
		st.Queued += len(s.tiers[p])
	}
	st.Running = s.running
	st.Limit = s.cfg.ConcurrencyLimit
	return st
}

// Close stops admission, cancels every queued and running task, and waits
// for attempt goroutines to exit or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handles := make([]*TaskHandle, 0, len(s.byID))
	for _, h := range s.byID {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	cause := fmt.Errorf("%w: %w", task.ErrCancelled, domain.ErrClosed)
	for _, h := range handles {
		s.cancel(h, cause)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
