package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	cfotel "github.com/Strob0t/dispatchkit/internal/adapter/otel"
	"github.com/Strob0t/dispatchkit/internal/domain"
	"github.com/Strob0t/dispatchkit/internal/domain/event"
	"github.com/Strob0t/dispatchkit/internal/domain/session"
	"github.com/Strob0t/dispatchkit/internal/port/broadcast"
)

// ErrPendingTimeout is the terminal error of a session that saw no output
// within its pending timeout.
var ErrPendingTimeout = errors.New("session received no output in time")

// SessionTrackerConfig configures a SessionTracker.
type SessionTrackerConfig struct {
	Retention      time.Duration // terminal sessions older than this are swept
	PendingTimeout time.Duration // 0 disables the watchdog
	Now            func() time.Time
}

type trackedSession struct {
	s        *session.Session
	seq      int
	watchdog *time.Timer
}

// SessionTracker owns the live streaming sessions and reports every state
// change as an event.
type SessionTracker struct {
	cfg     SessionTrackerConfig
	events  broadcast.Broadcaster
	metrics *cfotel.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*trackedSession
}

// NewSessionTracker creates a SessionTracker. events and metrics may be nil.
func NewSessionTracker(cfg SessionTrackerConfig, events broadcast.Broadcaster, metrics *cfotel.Metrics) *SessionTracker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if events == nil {
		events = broadcast.Nop{}
	}
	return &SessionTracker{
		cfg:      cfg,
		events:   events,
		metrics:  metrics,
		log:      slog.Default(),
		sessions: make(map[string]*trackedSession),
	}
}

// WithLogger sets the tracker logger.
func (t *SessionTracker) WithLogger(l *slog.Logger) *SessionTracker {
	t.log = l
	return t
}

// Create registers a new session and moves it to optimistic with a
// placeholder derived from input. An empty id is generated.
func (t *SessionTracker) Create(id, input string) (*session.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s := session.New(id, input, t.cfg.Now)
	ts := &trackedSession{s: s}

	t.mu.Lock()
	if _, dup := t.sessions[id]; dup {
		t.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrConflict)
	}
	t.sessions[id] = ts
	if t.cfg.PendingTimeout > 0 {
		ts.watchdog = time.AfterFunc(t.cfg.PendingTimeout, func() { t.expirePending(id) })
	}
	t.mu.Unlock()

	t.emit(id, "", session.StatePending, s.CreatedAt(), "")
	tr, err := s.Optimistic(session.Placeholder(input))
	if err != nil {
		return nil, err
	}
	t.emitTransition(id, tr, "")
	return s, nil
}

// Get returns the session with id or domain.ErrNotFound.
func (t *SessionTracker) Get(id string) (*session.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return ts.s, nil
}

func (t *SessionTracker) lookup(id string) (*trackedSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return ts, nil
}

// Append adds a chunk to session id and emits the chunk event.
func (t *SessionTracker) Append(id, chunk string) error {
	ts, err := t.lookup(id)
	if err != nil {
		return err
	}
	trs, err := ts.s.Append(chunk)
	if err != nil {
		return err
	}

	t.mu.Lock()
	seq := ts.seq
	ts.seq++
	if len(trs) > 0 && ts.watchdog != nil {
		ts.watchdog.Stop()
	}
	t.mu.Unlock()

	for _, tr := range trs {
		t.emitTransition(id, tr, "")
	}
	t.events.BroadcastEvent(context.Background(), string(event.TypeSessionChunk), event.Chunk{
		SessionID: id,
		Seq:       seq,
		Delta:     chunk,
	})
	return nil
}

// MarkCached flags session id as served from the response cache.
func (t *SessionTracker) MarkCached(id string) error {
	ts, err := t.lookup(id)
	if err != nil {
		return err
	}
	ts.s.MarkCached()
	return nil
}

// Complete finishes session id successfully.
func (t *SessionTracker) Complete(id string) error {
	ts, err := t.lookup(id)
	if err != nil {
		return err
	}
	trs, err := ts.s.Complete()
	if err != nil {
		return err
	}
	for _, tr := range trs {
		t.emitTransition(id, tr, "")
	}
	t.finished(ts)
	return nil
}

// Fail moves session id to errored, keeping any partial text.
func (t *SessionTracker) Fail(id string, cause error) error {
	ts, err := t.lookup(id)
	if err != nil {
		return err
	}
	tr, err := ts.s.Fail(cause)
	if err != nil {
		return err
	}
	t.emitTransition(id, tr, cause.Error())
	t.finished(ts)
	return nil
}

// Cancel moves session id to cancelled.
func (t *SessionTracker) Cancel(id string) error {
	ts, err := t.lookup(id)
	if err != nil {
		return err
	}
	tr, err := ts.s.Cancel()
	if err != nil {
		return err
	}
	t.emitTransition(id, tr, "")
	t.finished(ts)
	return nil
}

// Remove forgets session id regardless of state.
func (t *SessionTracker) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.sessions[id]
	if !ok {
		return false
	}
	if ts.watchdog != nil {
		ts.watchdog.Stop()
	}
	delete(t.sessions, id)
	return true
}

// Len returns the number of tracked sessions.
func (t *SessionTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Sweep drops terminal sessions that ended more than the retention window
// before now and returns how many were removed.
func (t *SessionTracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, ts := range t.sessions {
		if !ts.s.State().IsTerminal() {
			continue
		}
		if now.Sub(ts.s.EndedAt()) > t.cfg.Retention {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps every interval until the returned function is called.
func (t *SessionTracker) StartJanitor(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := t.Sweep(t.cfg.Now()); n > 0 {
					t.log.Debug("swept finished sessions", "removed", n)
				}
			}
		}
	}()
	return cancel
}

// Close stops every pending watchdog.
func (t *SessionTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ts := range t.sessions {
		if ts.watchdog != nil {
			ts.watchdog.Stop()
		}
	}
}

func (t *SessionTracker) expirePending(id string) {
	ts, err := t.lookup(id)
	if err != nil {
		return
	}
	if st := ts.s.State(); st != session.StatePending && st != session.StateOptimistic {
		return
	}
	cause := fmt.Errorf("%w after %s", ErrPendingTimeout, t.cfg.PendingTimeout)
	if err := t.Fail(id, cause); err == nil {
		t.log.Warn("session timed out waiting for output", "session_id", id, "timeout", t.cfg.PendingTimeout)
	}
}

func (t *SessionTracker) finished(ts *trackedSession) {
	t.mu.Lock()
	if ts.watchdog != nil {
		ts.watchdog.Stop()
	}
	t.mu.Unlock()

	snap := ts.s.Snapshot()
	t.metrics.SessionFinished(context.Background(), string(snap.State),
		snap.Metrics.TimeToFirstChunk, snap.Metrics.Duration, snap.Metrics.ChunkCount, snap.Metrics.Bytes)
	t.log.Debug("session finished",
		"session_id", snap.ID, "state", snap.State, "chunks", snap.Metrics.ChunkCount,
		"ttfc", snap.Metrics.TimeToFirstChunk, "duration", snap.Metrics.Duration)
}

func (t *SessionTracker) emitTransition(id string, tr session.Transition, errText string) {
	t.emit(id, tr.From, tr.To, tr.At, errText)
}

func (t *SessionTracker) emit(id string, from, to session.State, at time.Time, errText string) {
	ev := event.NewTransition(event.KindSession, id, id, string(from), string(to), at)
	ev.Error = errText
	t.events.BroadcastEvent(context.Background(), string(event.TypeSessionTransition), ev)
}
