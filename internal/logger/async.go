package logger

import (
	"context"
	"log/slog"
	"maps"
	"sync"
)

// maxDropSessions bounds the per-session drop table. Drops for sessions
// beyond it still count toward the total.
const maxDropSessions = 1024

// Closer flushes buffered records on shutdown and reports records lost
// to back-pressure.
type Closer interface {
	Close()
	Dropped() DropStats
}

// nopCloser is a no-op Closer for synchronous mode.
type nopCloser struct{}

func (nopCloser) Close()             {}
func (nopCloser) Dropped() DropStats { return DropStats{} }

// DropStats counts records the async handler discarded because its buffer
// was full. BySession is keyed by the session_id the record belonged to.
type DropStats struct {
	Total     int64            `json:"total"`
	BySession map[string]int64 `json:"by_session,omitempty"`
}

type dropLedger struct {
	mu        sync.Mutex
	total     int64
	bySession map[string]int64
}

func (l *dropLedger) add(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	if sessionID == "" {
		return
	}
	if _, ok := l.bySession[sessionID]; ok || len(l.bySession) < maxDropSessions {
		l.bySession[sessionID]++
	}
}

func (l *dropLedger) snapshot() DropStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := DropStats{Total: l.total}
	if len(l.bySession) > 0 {
		st.BySession = maps.Clone(l.bySession)
	}
	return st
}

// entry is one queued record together with the handler chain and the
// context values it was logged with.
type entry struct {
	inner slog.Handler
	ctx   context.Context
	rec   slog.Record
}

// AsyncHandler wraps an slog.Handler with a buffered channel and worker pool.
// A full buffer drops the record instead of blocking the dispatch path.
type AsyncHandler struct {
	inner slog.Handler
	// sessionID is set when a session_id attribute was bound via WithAttrs.
	sessionID string
	ch        chan entry
	wg        *sync.WaitGroup
	drops     *dropLedger
}

// NewAsyncHandler creates an AsyncHandler with the given channel capacity and worker count.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	h := &AsyncHandler{
		inner: inner,
		ch:    make(chan entry, chanSize),
		wg:    &sync.WaitGroup{},
		drops: &dropLedger{bySession: make(map[string]int64)},
	}
	for range workers {
		h.wg.Add(1)
		go h.drain()
	}
	return h
}

func (h *AsyncHandler) drain() {
	defer h.wg.Done()
	for e := range h.ch {
		_ = e.inner.Handle(e.ctx, e.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. Drops it and charges the owning session
// if the channel is full.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.ch <- entry{inner: h.inner, ctx: context.WithoutCancel(ctx), rec: rec.Clone()}:
	default:
		h.drops.add(h.sessionOf(ctx, rec))
	}
	return nil
}

// sessionOf resolves the session a record belongs to: the context first,
// then a bound attribute, then the record's own attributes.
func (h *AsyncHandler) sessionOf(ctx context.Context, rec slog.Record) string { //nolint:gocritic // record is passed by value throughout slog
	if id := SessionID(ctx); id != "" {
		return id
	}
	if h.sessionID != "" {
		return h.sessionID
	}
	var id string
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "session_id" {
			id = a.Value.String()
			return false
		}
		return true
	})
	return id
}

// WithAttrs returns a new AsyncHandler sharing the same channel but wrapping a new inner handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone(h.inner.WithAttrs(attrs))
	for _, a := range attrs {
		if a.Key == "session_id" {
			c.sessionID = a.Value.String()
		}
	}
	return c
}

// WithGroup returns a new AsyncHandler sharing the same channel but wrapping a new inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return h.clone(h.inner.WithGroup(name))
}

func (h *AsyncHandler) clone(inner slog.Handler) *AsyncHandler {
	return &AsyncHandler{
		inner:     inner,
		sessionID: h.sessionID,
		ch:        h.ch,
		wg:        h.wg,
		drops:     h.drops,
	}
}

// Dropped returns the drop counters shared by this handler and every
// handler derived from it.
func (h *AsyncHandler) Dropped() DropStats {
	return h.drops.snapshot()
}

// Close closes the channel and waits for all workers to drain.
// Nothing may log through the handler afterwards.
func (h *AsyncHandler) Close() {
	close(h.ch)
	h.wg.Wait()
}
