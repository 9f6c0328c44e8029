package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/dispatchkit/internal/config"
)

// recordingHandler collects records and the session each was logged under.
// When gate is set, Handle signals started and blocks until gate closes.
type recordingHandler struct {
	mu       sync.Mutex
	records  []slog.Record
	sessions []string
	started  chan struct{}
	gate     chan struct{}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.gate != nil {
		select {
		case h.started <- struct{}{}:
		default:
		}
		<-h.gate
	}
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.sessions = append(h.sessions, SessionID(ctx))
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func newGatedHandler() *recordingHandler {
	return &recordingHandler{started: make(chan struct{}, 1), gate: make(chan struct{})}
}

func record(msg string, attrs ...slog.Attr) slog.Record {
	rec := slog.NewRecord(time.Now(), slog.LevelInfo, msg, 0)
	rec.AddAttrs(attrs...)
	return rec
}

func TestAsyncHandlerCarriesSessionToWorker(t *testing.T) {
	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, 16, 1)

	ctx, cancel := context.WithCancel(WithSessionID(context.Background(), "sess-1"))
	if err := ah.Handle(ctx, record("chunk")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// The session outlives the caller's cancellation.
	cancel()
	ah.Close()

	if got := inner.count(); got != 1 {
		t.Fatalf("expected 1 record, got %d", got)
	}
	if inner.sessions[0] != "sess-1" {
		t.Errorf("worker saw session %q, want sess-1", inner.sessions[0])
	}
}

func TestAsyncHandlerDropsChargedToSession(t *testing.T) {
	inner := newGatedHandler()
	ah := NewAsyncHandler(inner, 1, 1)

	// Occupy the worker, then fill the one-slot buffer.
	_ = ah.Handle(context.Background(), record("first"))
	<-inner.started
	_ = ah.Handle(context.Background(), record("buffered"))

	_ = ah.Handle(WithSessionID(context.Background(), "ctx-sess"), record("dropped"))
	bound := ah.WithAttrs([]slog.Attr{slog.String("session_id", "bound-sess")})
	_ = bound.Handle(context.Background(), record("dropped"))
	_ = bound.Handle(context.Background(), record("dropped"))
	_ = ah.Handle(context.Background(), record("dropped", slog.String("session_id", "attr-sess")))
	_ = ah.Handle(context.Background(), record("dropped"))

	close(inner.gate)
	ah.Close()

	st := ah.Dropped()
	if st.Total != 5 {
		t.Fatalf("total drops = %d, want 5", st.Total)
	}
	want := map[string]int64{"ctx-sess": 1, "bound-sess": 2, "attr-sess": 1}
	if len(st.BySession) != len(want) {
		t.Fatalf("by session = %v, want %v", st.BySession, want)
	}
	for id, n := range want {
		if st.BySession[id] != n {
			t.Errorf("drops[%s] = %d, want %d", id, st.BySession[id], n)
		}
	}
	if got := inner.count(); got != 2 {
		t.Errorf("expected the 2 accepted records to be written, got %d", got)
	}
}

func TestAsyncHandlerDerivedHandlersShareCounters(t *testing.T) {
	inner := newGatedHandler()
	ah := NewAsyncHandler(inner, 1, 1)
	_ = ah.Handle(context.Background(), record("first"))
	<-inner.started
	_ = ah.Handle(context.Background(), record("buffered"))

	grouped := ah.WithGroup("dispatch")
	_ = grouped.Handle(WithSessionID(context.Background(), "s-9"), record("dropped"))

	if st := ah.Dropped(); st.Total != 1 || st.BySession["s-9"] != 1 {
		t.Errorf("root handler did not see derived drop: %+v", st)
	}
	close(inner.gate)
	ah.Close()
}

func TestDropLedgerBoundsSessions(t *testing.T) {
	l := &dropLedger{bySession: make(map[string]int64)}
	for i := range maxDropSessions + 10 {
		l.add(fmt.Sprintf("s-%d", i))
	}
	l.add("s-0")
	l.add("")

	st := l.snapshot()
	if st.Total != maxDropSessions+12 {
		t.Errorf("total = %d, want %d", st.Total, maxDropSessions+12)
	}
	if len(st.BySession) != maxDropSessions {
		t.Errorf("tracked sessions = %d, want %d", len(st.BySession), maxDropSessions)
	}
	if st.BySession["s-0"] != 2 {
		t.Errorf("known session should keep counting, got %d", st.BySession["s-0"])
	}
}

func TestAsyncHandlerConcurrentWrites(t *testing.T) {
	const goroutines = 50
	const perGoroutine = 100

	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, goroutines*perGoroutine, 4)

	var wg sync.WaitGroup
	for g := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := WithSessionID(context.Background(), fmt.Sprintf("s-%d", g))
			for range perGoroutine {
				_ = ah.Handle(ctx, record("delta"))
			}
		}()
	}
	wg.Wait()
	ah.Close()

	if got := inner.count(); got != goroutines*perGoroutine {
		t.Fatalf("expected %d records, got %d", goroutines*perGoroutine, got)
	}
	if st := ah.Dropped(); st.Total != 0 {
		t.Errorf("unexpected drops: %+v", st)
	}
}

// syncBuffer lets the test read what the workers wrote after Close.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func TestAsyncLoggerKeepsAttrsAndContext(t *testing.T) {
	out := &syncBuffer{}
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "svc", Async: true}, out)

	ctx := WithSessionID(WithRequestID(context.Background(), "req-1"), "sess-1")
	l.With("attempt", 2).InfoContext(ctx, "backend call")
	closer.Close()

	line := strings.TrimSpace(out.buf.String())
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	for key, want := range map[string]any{"service": "svc", "attempt": float64(2), "request_id": "req-1", "session_id": "sess-1"} {
		if rec[key] != want {
			t.Errorf("%s = %v, want %v", key, rec[key], want)
		}
	}
	if st := closer.Dropped(); st.Total != 0 {
		t.Errorf("unexpected drops: %+v", st)
	}
}
