package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/dispatchkit/internal/domain"
	"github.com/Strob0t/dispatchkit/internal/domain/artifact"
	"github.com/Strob0t/dispatchkit/internal/domain/event"
	"github.com/Strob0t/dispatchkit/internal/domain/session"
	"github.com/Strob0t/dispatchkit/internal/domain/task"
	"github.com/Strob0t/dispatchkit/internal/logger"
	"github.com/Strob0t/dispatchkit/internal/lrucache"
	"github.com/Strob0t/dispatchkit/internal/port/backend"
	"github.com/Strob0t/dispatchkit/internal/port/cache"
	"github.com/Strob0t/dispatchkit/internal/port/completion"
)

// --- fakes ---

type scriptedBackend struct {
	calls atomic.Int32
	send  func(call int, ctx context.Context, req backend.Request) (<-chan backend.Chunk, error)
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Send(ctx context.Context, req backend.Request) (<-chan backend.Chunk, error) {
	return b.send(int(b.calls.Add(1)), ctx, req)
}

func streamOf(ctx context.Context, chunks ...backend.Chunk) <-chan backend.Chunk {
	ch := make(chan backend.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func deltas(parts ...string) []backend.Chunk {
	out := make([]backend.Chunk, len(parts))
	for i, p := range parts {
		out[i] = backend.Chunk{Delta: p}
	}
	return out
}

// echoBackend answers "echo: <last message>" in word-sized chunks.
func echoBackend() *scriptedBackend {
	return &scriptedBackend{send: func(_ int, ctx context.Context, req backend.Request) (<-chan backend.Chunk, error) {
		reply := "echo: " + req.Messages[len(req.Messages)-1].Content
		var parts []string
		for i, w := range strings.SplitAfter(reply, " ") {
			if i == 0 || w != "" {
				parts = append(parts, w)
			}
		}
		return streamOf(ctx, deltas(parts...)...), nil
	}}
}

// hangingBackend never produces output and only ends with ctx.
func hangingBackend() *scriptedBackend {
	return &scriptedBackend{send: func(_ int, ctx context.Context, _ backend.Request) (<-chan backend.Chunk, error) {
		ch := make(chan backend.Chunk)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}}
}

type recordingSink struct {
	mu      sync.Mutex
	records []completion.Record
}

func (s *recordingSink) Store(_ context.Context, rec completion.Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type memShared struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memShared) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memShared) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memShared) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var _ cache.Cache = (*memShared)(nil)

type testPipeline struct {
	*Pipeline
	events *recordingBroadcaster
	sink   *recordingSink
}

func newTestPipeline(t *testing.T, be backend.Backend, shared cache.Cache, mutate func(*PipelineConfig)) *testPipeline {
	t.Helper()
	cfg := PipelineConfig{
		Debounce:     50 * time.Millisecond,
		ChatTimeout:  time.Second,
		QueryTimeout: time.Second,
		RetryCount:   1,
		Model:        "test-model",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	responses, err := lrucache.New[string](lrucache.Options{MaxSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	parse, err := lrucache.New[artifact.Result](lrucache.Options{MaxSize: 16})
	if err != nil {
		t.Fatal(err)
	}

	rec := &recordingBroadcaster{}
	sink := &recordingSink{}
	p, err := NewPipeline(PipelineDeps{
		Backend:    be,
		Scheduler:  NewScheduler(SchedulerConfig{ConcurrencyLimit: 3}, rec, nil),
		Coalescer:  NewCoalescer(cfg.Debounce, nil),
		Sessions:   NewSessionTracker(SessionTrackerConfig{Retention: time.Minute}, rec, nil),
		Responses:  responses,
		ParseCache: parse,
		Extractor:  artifact.NewExtractor(artifact.ExtractorOptions{Cache: parse}),
		Shared:     shared,
		Sink:       sink,
		Events:     rec,
	}, cfg)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return &testPipeline{Pipeline: p, events: rec, sink: sink}
}

// --- tests ---

func TestPipelineDispatchStreamsAndCompletes(t *testing.T) {
	be := echoBackend()
	p := newTestPipeline(t, be, nil, nil)

	res, err := p.Dispatch(context.Background(), DispatchRequest{SessionID: "s1", Input: "hello there world"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Text != "echo: hello there world" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Cached || res.Coalesced {
		t.Errorf("fresh dispatch flagged cached=%v coalesced=%v", res.Cached, res.Coalesced)
	}

	snap, err := p.Session("s1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != session.StateCompleted {
		t.Errorf("state = %s", snap.State)
	}
	if len(snap.Chunks) != 4 {
		t.Errorf("chunks = %q, want 4 streamed chunks", snap.Chunks)
	}
	if got, want := statePath(p.events, "s1"), "[pending optimistic streaming completed]"; got != want {
		t.Errorf("transitions = %s, want %s", got, want)
	}
	if p.sink.len() != 1 {
		t.Errorf("sink records = %d, want 1", p.sink.len())
	}
}

func TestPipelineCacheHitSkipsBackendAndSink(t *testing.T) {
	be := echoBackend()
	p := newTestPipeline(t, be, nil, nil)
	ctx := context.Background()

	if _, err := p.Dispatch(ctx, DispatchRequest{Input: "same question"}); err != nil {
		t.Fatal(err)
	}
	// Surrounding whitespace is not part of the key.
	res, err := p.Dispatch(ctx, DispatchRequest{SessionID: "again", Input: "  same question \n"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached {
		t.Error("second dispatch should be served from cache")
	}
	if be.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", be.calls.Load())
	}
	if p.sink.len() != 1 {
		t.Errorf("cached responses must not reach the sink, records = %d", p.sink.len())
	}

	snap, _ := p.Session("again")
	if !snap.Cached || len(snap.Chunks) != 1 || snap.State != session.StateCompleted {
		t.Errorf("cached session = %+v", snap)
	}
	if st := p.Stats(); st.CacheHits != 1 || st.Dispatches != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipelineConcurrentIdenticalRequestsShareOneExecution(t *testing.T) {
	release := make(chan struct{})
	be := &scriptedBackend{send: func(_ int, ctx context.Context, _ backend.Request) (<-chan backend.Chunk, error) {
		ch := make(chan backend.Chunk)
		go func() {
			defer close(ch)
			select {
			case <-release:
			case <-ctx.Done():
				return
			}
			for _, c := range deltas("shared ", "answer") {
				ch <- c
			}
		}()
		return ch, nil
	}}
	p := newTestPipeline(t, be, nil, nil)

	ids := []string{"a", "b", "c"}
	results := make([]*Result, len(ids))
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = p.Dispatch(context.Background(), DispatchRequest{SessionID: id, Input: "q"})
		}()
	}
	deadline := time.Now().Add(time.Second)
	for p.Stats().Responses.InFlight != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	executed := 0
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("dispatch %s: %v", ids[i], errs[i])
		}
		if results[i].Text != "shared answer" {
			t.Errorf("dispatch %s text = %q", ids[i], results[i].Text)
		}
		if !results[i].Coalesced {
			executed++
		}
		snap, _ := p.Session(ids[i])
		if snap.State != session.StateCompleted || snap.Text != "shared answer" {
			t.Errorf("session %s = %s %q", ids[i], snap.State, snap.Text)
		}
	}
	if executed != 1 {
		t.Errorf("executing dispatches = %d, want 1", executed)
	}
	if be.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", be.calls.Load())
	}
	if p.sink.len() != 1 {
		t.Errorf("sink records = %d, want 1", p.sink.len())
	}
}

func TestPipelineCoalesceKeyDebouncesBursts(t *testing.T) {
	be := echoBackend()
	p := newTestPipeline(t, be, nil, func(c *PipelineConfig) { c.Debounce = 100 * time.Millisecond })

	inputs := []string{"h", "he", "hel", "hell", "hello"}
	results := make([]*Result, len(inputs))
	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Dispatch(context.Background(), DispatchRequest{Input: in, CoalesceKey: "msg1"})
			if err != nil {
				t.Errorf("dispatch %q: %v", in, err)
				return
			}
			results[i] = res
		}()
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	if be.calls.Load() != 1 {
		t.Fatalf("backend calls = %d, want 1", be.calls.Load())
	}
	for i, res := range results {
		if res != nil && res.Text != "echo: hello" {
			t.Errorf("dispatch %d text = %q, want the latest input", i, res.Text)
		}
	}
	if p.Stats().Coalesced != 1 {
		t.Errorf("coalesced executions = %d", p.Stats().Coalesced)
	}
}

func TestPipelineRetryAfterPartialOutputIsPermanent(t *testing.T) {
	boom := errors.New("connection reset")
	be := &scriptedBackend{send: func(_ int, ctx context.Context, _ backend.Request) (<-chan backend.Chunk, error) {
		return streamOf(ctx, backend.Chunk{Delta: "partial "}, backend.Chunk{Err: boom}), nil
	}}
	p := newTestPipeline(t, be, nil, func(c *PipelineConfig) { c.RetryCount = 2 })

	_, err := p.Dispatch(context.Background(), DispatchRequest{SessionID: "s1", Input: "go"})
	if !errors.Is(err, boom) || !errors.Is(err, task.ErrFailed) {
		t.Fatalf("expected failure carrying the cause, got %v", err)
	}
	if be.calls.Load() != 1 {
		t.Errorf("backend calls = %d, partial output must not be retried", be.calls.Load())
	}

	snap, _ := p.Session("s1")
	if snap.State != session.StateErrored || !snap.Incomplete || snap.Text != "partial " {
		t.Errorf("session = %s incomplete=%v text=%q", snap.State, snap.Incomplete, snap.Text)
	}
	if p.sink.len() != 0 {
		t.Error("failed dispatch reached the sink")
	}
}

func TestPipelineRetriesFailureBeforeOutput(t *testing.T) {
	be := &scriptedBackend{send: func(call int, ctx context.Context, _ backend.Request) (<-chan backend.Chunk, error) {
		if call == 1 {
			return nil, errors.New("503 from upstream")
		}
		return streamOf(ctx, deltas("ok")...), nil
	}}
	p := newTestPipeline(t, be, nil, nil)

	res, err := p.Dispatch(context.Background(), DispatchRequest{Input: "x"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Text != "ok" || be.calls.Load() != 2 {
		t.Errorf("text=%q calls=%d", res.Text, be.calls.Load())
	}
}

func TestPipelineTimeoutExhaustsRetries(t *testing.T) {
	be := hangingBackend()
	p := newTestPipeline(t, be, nil, func(c *PipelineConfig) { c.QueryTimeout = 50 * time.Millisecond })

	_, err := p.Dispatch(context.Background(), DispatchRequest{SessionID: "slow", Input: "x", Class: ClassQuery})
	if !errors.Is(err, task.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if be.calls.Load() != 2 {
		t.Errorf("backend calls = %d, want 2", be.calls.Load())
	}
	snap, _ := p.Session("slow")
	if snap.State != session.StateErrored {
		t.Errorf("state = %s", snap.State)
	}
}

func TestPipelineCancelReleasesSlot(t *testing.T) {
	be := hangingBackend()
	p := newTestPipeline(t, be, nil, func(c *PipelineConfig) { c.ChatTimeout = 0 })

	done := make(chan error, 1)
	go func() {
		_, err := p.Dispatch(context.Background(), DispatchRequest{SessionID: "c1", Input: "x"})
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for p.Stats().Scheduler.Running != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := p.Cancel("c1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, task.ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatch did not return after cancel")
	}

	snap, _ := p.Session("c1")
	if snap.State != session.StateCancelled {
		t.Errorf("state = %s", snap.State)
	}
	deadline = time.Now().Add(time.Second)
	for p.Stats().Scheduler.Running != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if st := p.Stats().Scheduler; st.Running != 0 || st.Cancelled != 1 {
		t.Errorf("scheduler stats = %+v", st)
	}

	if err := p.Cancel("unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("cancel unknown: %v", err)
	}
}

func TestPipelineDispatchAsync(t *testing.T) {
	p := newTestPipeline(t, echoBackend(), nil, nil)

	id, err := p.DispatchAsync(context.Background(), DispatchRequest{SessionID: "bg", Input: "later"})
	if err != nil || id != "bg" {
		t.Fatalf("DispatchAsync: id=%q err=%v", id, err)
	}
	if _, err := p.Session("bg"); err != nil {
		t.Fatalf("session must exist on return: %v", err)
	}
	if _, err := p.DispatchAsync(context.Background(), DispatchRequest{SessionID: "bg", Input: "again"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("reused id: expected ErrConflict, got %v", err)
	}
	if _, err := p.DispatchAsync(context.Background(), DispatchRequest{SessionID: "empty"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty input: expected ErrValidation, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _ := p.Session("bg")
		if snap.State == session.StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("async session stuck in %s", snap.State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.DispatchAsync(context.Background(), DispatchRequest{Input: "x"}); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("after close: expected ErrClosed, got %v", err)
	}
}

func TestPipelineSchedulerShutdownCancelsSession(t *testing.T) {
	be := hangingBackend()
	p := newTestPipeline(t, be, nil, func(c *PipelineConfig) { c.ChatTimeout = 0 })

	done := make(chan error, 1)
	go func() {
		_, err := p.Dispatch(context.Background(), DispatchRequest{SessionID: "sd", Input: "x"})
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for p.Stats().Scheduler.Running != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// The caller's context stays live; only the scheduler goes away.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.scheduler.Close(ctx); err != nil {
		t.Fatalf("scheduler close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, task.ErrCancelled) || !errors.Is(err, domain.ErrClosed) {
			t.Errorf("expected ErrCancelled wrapping ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatch did not return after scheduler shutdown")
	}

	snap, _ := p.Session("sd")
	if snap.State != session.StateCancelled {
		t.Errorf("state = %s, want cancelled", snap.State)
	}
	if f := p.Stats().Failures; f != 0 {
		t.Errorf("cancellation counted as failure: %d", f)
	}
}

type fixedLogDrops logger.DropStats

func (d fixedLogDrops) Dropped() logger.DropStats { return logger.DropStats(d) }

func TestPipelineStatsReportsLogDrops(t *testing.T) {
	p := newTestPipeline(t, echoBackend(), nil, nil)
	if st := p.Stats(); st.LogDrops != nil {
		t.Fatalf("log drops without a reporter: %+v", st.LogDrops)
	}

	p.logDrops = fixedLogDrops{Total: 3, BySession: map[string]int64{"s-1": 2}}
	st := p.Stats()
	if st.LogDrops == nil || st.LogDrops.Total != 3 || st.LogDrops.BySession["s-1"] != 2 {
		t.Errorf("log drops = %+v", st.LogDrops)
	}
}

func TestPipelineExtractsArtifacts(t *testing.T) {
	reply := "Here:\n```json\n[1,2,3]\n```\n```js\nconsole.log(1)\n```"
	be := &scriptedBackend{send: func(_ int, ctx context.Context, _ backend.Request) (<-chan backend.Chunk, error) {
		return streamOf(ctx, deltas(reply[:10], reply[10:])...), nil
	}}
	p := newTestPipeline(t, be, nil, nil)

	res, err := p.Dispatch(context.Background(), DispatchRequest{Input: "give me data"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Artifacts) != 2 {
		t.Fatalf("artifacts = %+v", res.Artifacts)
	}
	if res.Artifacts[0].Type != artifact.TypeDataPayload || res.Artifacts[1].Type != artifact.TypeGenericCodeBlock {
		t.Errorf("types = %s, %s", res.Artifacts[0].Type, res.Artifacts[1].Type)
	}
	if p.events.count(event.TypeSessionArtifacts) != 1 {
		t.Error("expected one artifacts event")
	}
	if recs := p.sink.records; len(recs[0].Artifacts) != 2 {
		t.Errorf("sink artifacts = %d", len(recs[0].Artifacts))
	}
}

func TestPipelineSharedTier(t *testing.T) {
	shared := &memShared{}

	first := newTestPipeline(t, echoBackend(), shared, nil)
	if _, err := first.Dispatch(context.Background(), DispatchRequest{Input: "cross process"}); err != nil {
		t.Fatal(err)
	}

	be := echoBackend()
	second := newTestPipeline(t, be, shared, nil)
	res, err := second.Dispatch(context.Background(), DispatchRequest{Input: "cross process"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached || res.Text != "echo: cross process" {
		t.Errorf("result = %+v", res)
	}
	if be.calls.Load() != 0 {
		t.Error("shared hit should not call the backend")
	}
	if second.Stats().SharedHits != 1 {
		t.Errorf("shared hits = %d", second.Stats().SharedHits)
	}
}

func TestPipelineResetClearsCaches(t *testing.T) {
	be := echoBackend()
	p := newTestPipeline(t, be, nil, nil)
	ctx := context.Background()

	_, _ = p.Dispatch(ctx, DispatchRequest{Input: "x"})
	p.Reset()
	res, err := p.Dispatch(ctx, DispatchRequest{Input: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached || be.calls.Load() != 2 {
		t.Errorf("after reset: cached=%v calls=%d", res.Cached, be.calls.Load())
	}
}

func TestPipelineRejectsInvalidRequests(t *testing.T) {
	p := newTestPipeline(t, echoBackend(), nil, nil)
	for name, req := range map[string]DispatchRequest{
		"empty":         {},
		"unknown class": {Input: "x", Class: "batch"},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := p.Dispatch(context.Background(), req); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPipelineClosed(t *testing.T) {
	p := newTestPipeline(t, echoBackend(), nil, nil)
	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Dispatch(context.Background(), DispatchRequest{Input: "x"}); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("dispatch after close: %v", err)
	}
}

func TestCacheKey(t *testing.T) {
	temp := 0.2
	base := backend.Request{Model: "m", Messages: []backend.Message{{Role: "user", Content: "hi  there"}}}

	tests := []struct {
		name string
		req  backend.Request
		same bool
	}{
		{"surrounding whitespace", backend.Request{Model: "m", Messages: []backend.Message{{Role: "User", Content: " hi  there\n"}}}, true},
		{"inner whitespace", backend.Request{Model: "m", Messages: []backend.Message{{Role: "user", Content: "hi there"}}}, false},
		{"model", backend.Request{Model: "n", Messages: base.Messages}, false},
		{"temperature", backend.Request{Model: "m", Messages: base.Messages, Temperature: &temp}, false},
		{"options", backend.Request{Model: "m", Messages: base.Messages, Options: map[string]string{"k": "v"}}, false},
		{"role", backend.Request{Model: "m", Messages: []backend.Message{{Role: "system", Content: "hi there"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CacheKey(tt.req) == CacheKey(base); got != tt.same {
				t.Errorf("same key = %v, want %v", got, tt.same)
			}
		})
	}
	code := func(body string) backend.Request {
		return backend.Request{Model: "m", Messages: []backend.Message{{Role: "user", Content: body}}}
	}
	if CacheKey(code("if x:\n    return 1\nreturn 2")) == CacheKey(code("if x:\n    return 1\n    return 2")) {
		t.Error("prompts differing only in indentation must not share a key")
	}
	if CacheKey(code("a\nb")) == CacheKey(code("a b")) {
		t.Error("newlines must not collapse into spaces")
	}
	if len(CacheKey(base)) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(CacheKey(base)))
	}
}
