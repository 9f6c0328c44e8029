package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/crypto/blake2b"

	cfotel "github.com/Strob0t/dispatchkit/internal/adapter/otel"
	"github.com/Strob0t/dispatchkit/internal/domain"
	"github.com/Strob0t/dispatchkit/internal/domain/artifact"
	"github.com/Strob0t/dispatchkit/internal/domain/event"
	"github.com/Strob0t/dispatchkit/internal/domain/session"
	"github.com/Strob0t/dispatchkit/internal/domain/task"
	"github.com/Strob0t/dispatchkit/internal/logger"
	"github.com/Strob0t/dispatchkit/internal/lrucache"
	"github.com/Strob0t/dispatchkit/internal/port/backend"
	"github.com/Strob0t/dispatchkit/internal/port/broadcast"
	"github.com/Strob0t/dispatchkit/internal/port/cache"
	"github.com/Strob0t/dispatchkit/internal/port/completion"
)

// CallClass selects the per-attempt timeout of a dispatch.
type CallClass string

const (
	ClassChat  CallClass = "chat"
	ClassQuery CallClass = "query"
)

// PipelineConfig holds the dispatch tuning knobs.
type PipelineConfig struct {
	Debounce     time.Duration
	ChatTimeout  time.Duration
	QueryTimeout time.Duration
	RetryCount   int
	CacheTTL     time.Duration // 0 = response cache default
	SharedTTL    time.Duration
	Model        string // used when a request names none
}

func (c PipelineConfig) timeout(class CallClass) time.Duration {
	if class == ClassQuery {
		return c.QueryTimeout
	}
	return c.ChatTimeout
}

// PipelineDeps are the collaborators of a Pipeline. Shared, Sink, ParseCache,
// Events and Metrics are optional.
type PipelineDeps struct {
	Backend    backend.Backend
	Scheduler  *Scheduler
	Coalescer  *Coalescer
	Sessions   *SessionTracker
	Responses  *lrucache.Cache[string]
	ParseCache *lrucache.Cache[artifact.Result]
	Extractor  *artifact.Extractor
	Shared     cache.Cache
	Sink       completion.Sink
	Events     broadcast.Broadcaster
	Metrics    *cfotel.Metrics
	Logger     *slog.Logger
	// LogDrops reports log records lost to a full async buffer, per session.
	LogDrops LogDropReporter
}

// LogDropReporter is satisfied by the closer logger.New returns.
type LogDropReporter interface {
	Dropped() logger.DropStats
}

// DispatchRequest is one generation request entering the pipeline.
type DispatchRequest struct {
	SessionID   string            `json:"session_id,omitempty"`
	Input       string            `json:"input,omitempty"`
	Messages    []backend.Message `json:"messages,omitempty"`
	Model       string            `json:"model,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	Class       CallClass         `json:"class,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	// CoalesceKey debounces requests sharing it; the latest one in a quiet
	// window is sent. Empty skips debouncing.
	CoalesceKey string `json:"coalesce_key,omitempty"`
}

// Result is the outcome of a successful dispatch.
type Result struct {
	SessionID string              `json:"session_id"`
	Text      string              `json:"text"`
	Artifacts []artifact.Artifact `json:"artifacts"`
	Cached    bool                `json:"cached"`
	// Coalesced is set when another caller's execution produced the text.
	Coalesced bool            `json:"coalesced"`
	Metrics   session.Metrics `json:"metrics"`
}

// PipelineStats aggregates the counters of the pipeline and its components.
type PipelineStats struct {
	Dispatches int64             `json:"dispatches"`
	CacheHits  int64             `json:"cache_hits"`
	SharedHits int64             `json:"shared_hits"`
	Failures   int64             `json:"failures"`
	Active     int               `json:"active"`
	Sessions   int               `json:"sessions"`
	Coalesced  int64             `json:"coalesced_executions"`
	Scheduler  SchedulerStats    `json:"scheduler"`
	Responses  lrucache.Stats    `json:"response_cache"`
	ParseCache *lrucache.Stats   `json:"parse_cache,omitempty"`
	LogDrops   *logger.DropStats `json:"log_drops,omitempty"`
}

// storedResponse is the shared-tier encoding of a cached response.
type storedResponse struct {
	Text     string    `json:"text"`
	Model    string    `json:"model,omitempty"`
	StoredAt time.Time `json:"stored_at"`
}

const sharedKeyPrefix = "resp:"

// Pipeline routes requests through the response cache, the coalescer and
// the scheduler into streaming sessions.
type Pipeline struct {
	backend    backend.Backend
	scheduler  *Scheduler
	coalescer  *Coalescer
	sessions   *SessionTracker
	responses  *lrucache.Cache[string]
	parseCache *lrucache.Cache[artifact.Result]
	extractor  *artifact.Extractor
	shared     cache.Cache
	sink       completion.Sink
	events     broadcast.Broadcaster
	metrics    *cfotel.Metrics
	log        *slog.Logger
	logDrops   LogDropReporter
	cfg        PipelineConfig

	mu     sync.Mutex
	active map[string]context.CancelFunc
	closed bool
	// background tracks DispatchAsync runs.
	background sync.WaitGroup

	dispatches atomic.Int64
	cacheHits  atomic.Int64
	sharedHits atomic.Int64
	failures   atomic.Int64
}

// NewPipeline wires a Pipeline from its collaborators.
func NewPipeline(deps PipelineDeps, cfg PipelineConfig) (*Pipeline, error) {
	switch {
	case deps.Backend == nil:
		return nil, errors.New("pipeline: backend is required")
	case deps.Scheduler == nil:
		return nil, errors.New("pipeline: scheduler is required")
	case deps.Coalescer == nil:
		return nil, errors.New("pipeline: coalescer is required")
	case deps.Sessions == nil:
		return nil, errors.New("pipeline: session tracker is required")
	case deps.Responses == nil:
		return nil, errors.New("pipeline: response cache is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	}
	if deps.Events == nil {
		deps.Events = broadcast.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{
		backend:    deps.Backend,
		scheduler:  deps.Scheduler,
		coalescer:  deps.Coalescer,
		sessions:   deps.Sessions,
		responses:  deps.Responses,
		parseCache: deps.ParseCache,
		extractor:  deps.Extractor,
		shared:     deps.Shared,
		sink:       deps.Sink,
		events:     deps.Events,
		metrics:    deps.Metrics,
		log:        deps.Logger,
		logDrops:   deps.LogDrops,
		cfg:        cfg,
		active:     make(map[string]context.CancelFunc),
	}, nil
}

// dispatchCall is the per-Dispatch state shared with the factories it hands
// to the coalescer and the response cache.
type dispatchCall struct {
	sessionID   string
	input       string
	class       CallClass
	priority    task.Priority
	coalesceKey string
	key         string
	req         backend.Request
	executed    atomic.Bool
}

// Dispatch runs req to completion and returns the final text and artifacts.
// The session is created up front so observers can follow it by ID. On
// failure the session is errored with any partial text kept, and the last
// failure cause is returned.
func (p *Pipeline) Dispatch(ctx context.Context, req DispatchRequest) (*Result, error) {
	_, run, err := p.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	return run()
}

// DispatchAsync admits req and runs it in the background, returning the
// session ID. Invalid requests, a reused session ID and a closed pipeline
// are reported here; later failures land on the session and in the log.
// Cancellation of ctx does not stop the background run; use Cancel.
func (p *Pipeline) DispatchAsync(ctx context.Context, req DispatchRequest) (string, error) {
	// Add under mu so Close never waits on a counter that is still growing.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", domain.ErrClosed
	}
	p.background.Add(1)
	p.mu.Unlock()

	id, run, err := p.admit(context.WithoutCancel(ctx), req)
	if err != nil {
		p.background.Done()
		return "", err
	}
	go func() {
		defer p.background.Done()
		if _, err := run(); err != nil {
			p.log.Warn("async dispatch failed", "session_id", id, "error", err)
		}
	}()
	return id, nil
}

// admit validates req, creates its session and registers it as active. The
// returned run executes the dispatch and must be called exactly once.
func (p *Pipeline) admit(ctx context.Context, req DispatchRequest) (string, func() (*Result, error), error) {
	breq, err := p.buildRequest(req)
	if err != nil {
		return "", nil, err
	}
	input := lastUserInput(breq.Messages)

	s, err := p.sessions.Create(req.SessionID, input)
	if err != nil {
		return "", nil, err
	}
	id := s.ID()

	ctx = logger.WithSessionID(ctx, id)
	log := logger.FromContext(ctx, p.log)
	class := req.Class
	if class == "" {
		class = ClassChat
	}
	ctx, span := cfotel.StartDispatchSpan(ctx, id, string(class))

	dctx, cancel := context.WithCancel(ctx)
	if !p.register(id, cancel) {
		cancel()
		_ = p.sessions.Fail(id, domain.ErrClosed)
		cfotel.EndSpan(span, domain.ErrClosed)
		return "", nil, domain.ErrClosed
	}
	p.dispatches.Add(1)

	call := &dispatchCall{
		sessionID: id,
		input:     input,
		class:     class,
		priority:  task.ParsePriority(req.Priority),
		key:       CacheKey(breq),
		req:       breq,
	}
	if req.CoalesceKey != "" {
		call.coalesceKey = "coalesce:" + req.CoalesceKey
	}
	log.Debug("dispatch started", "class", class, "key", call.key)

	run := func() (*Result, error) {
		defer cancel()
		defer p.unregister(id)
		res, err := p.dispatch(dctx, call, log)
		cfotel.EndSpan(span, err)
		return res, err
	}
	return id, run, nil
}

func (p *Pipeline) dispatch(ctx context.Context, call *dispatchCall, log *slog.Logger) (*Result, error) {
	if text, ok := p.lookup(ctx, call.key, log); ok {
		p.cacheHits.Add(1)
		_ = p.sessions.MarkCached(call.sessionID)
		return p.finish(ctx, call, text, true, log)
	}

	var (
		text string
		err  error
	)
	if call.coalesceKey != "" {
		var v any
		v, err = p.coalescer.Submit(ctx, call.coalesceKey, func(fctx context.Context) (any, error) {
			return p.compute(fctx, call)
		}, p.cfg.Debounce)
		text, _ = v.(string)
	} else {
		text, err = p.compute(ctx, call)
	}
	if err != nil {
		return nil, p.fail(ctx, call, err, log)
	}
	return p.finish(ctx, call, text, false, log)
}

// compute returns the response for call.key, running at most one backend
// execution per key at a time.
func (p *Pipeline) compute(ctx context.Context, call *dispatchCall) (string, error) {
	return p.responses.GetOrCompute(ctx, call.key, func(cctx context.Context) (string, error) {
		call.executed.Store(true)
		return p.execute(cctx, call)
	}, p.cfg.CacheTTL)
}

func (p *Pipeline) execute(ctx context.Context, call *dispatchCall) (string, error) {
	t := task.New(call.priority, p.cfg.timeout(call.class), p.cfg.RetryCount, p.streamWork(call))
	t.SessionID = call.sessionID

	h, err := p.scheduler.Schedule(t)
	if err != nil {
		return "", &CoalesceError{Key: call.key, Err: err}
	}

	v, err := h.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			p.scheduler.Cancel(h)
			return "", fmt.Errorf("%w: %w", task.ErrCancelled, ctx.Err())
		}
		return "", err
	}
	text, _ := v.(string)
	p.storeShared(ctx, call, text)
	return text, nil
}

// streamWork streams the backend response into the caller's session. Once
// any chunk has reached the session, further attempts fail permanently with
// the earlier cause so no chunk is delivered twice.
func (p *Pipeline) streamWork(call *dispatchCall) task.Work {
	var (
		mu       sync.Mutex
		streamed bool
		lastErr  error
	)
	timeout := p.cfg.timeout(call.class)

	return func(ctx context.Context) (any, error) {
		mu.Lock()
		if streamed {
			cause := lastErr
			mu.Unlock()
			if cause == nil {
				cause = task.Timeout(timeout)
			}
			return nil, task.Permanent(cause)
		}
		mu.Unlock()

		bctx, span := cfotel.StartBackendSpan(ctx, call.req.Model)
		text, err := p.stream(bctx, call, func() {
			mu.Lock()
			streamed = true
			mu.Unlock()
		})
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = task.Timeout(timeout)
		}
		cfotel.EndSpan(span, err)
		if err == nil {
			return text, nil
		}

		mu.Lock()
		lastErr = err
		partial := streamed
		mu.Unlock()
		if partial {
			return nil, task.Permanent(err)
		}
		return nil, err
	}
}

func (p *Pipeline) stream(ctx context.Context, call *dispatchCall, delivered func()) (string, error) {
	ch, err := p.backend.Send(ctx, call.req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case c, ok := <-ch:
			if !ok {
				return sb.String(), nil
			}
			if c.Err != nil {
				return sb.String(), c.Err
			}
			sb.WriteString(c.Delta)
			// A session that already ended (cancelled, timed out) stops
			// receiving chunks; the response still completes for other waiters.
			if p.sessions.Append(call.sessionID, c.Delta) == nil {
				delivered()
			}
		}
	}
}

// finish delivers text to a session that did not stream it live, extracts
// artifacts and completes the session.
func (p *Pipeline) finish(ctx context.Context, call *dispatchCall, text string, cached bool, log *slog.Logger) (*Result, error) {
	id := call.sessionID
	s, err := p.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if s.State() != session.StateStreaming {
		if err := p.sessions.Append(id, text); err != nil {
			return nil, p.ended(s, err)
		}
	}

	arts := p.extractor.Extract(text)
	if err := p.sessions.Complete(id); err != nil {
		return nil, p.ended(s, err)
	}

	if len(arts) > 0 {
		ev := event.Artifacts{SessionID: id}
		for _, a := range arts {
			ev.IDs = append(ev.IDs, a.ID)
			ev.Types = append(ev.Types, string(a.Type))
		}
		p.events.BroadcastEvent(ctx, string(event.TypeSessionArtifacts), ev)
	}

	executed := call.executed.Load()
	if !cached && executed && p.sink != nil {
		rec := completion.Record{
			SessionID:   id,
			CacheKey:    call.key,
			Class:       string(call.class),
			Input:       call.input,
			Text:        text,
			Artifacts:   arts,
			CompletedAt: time.Now().UTC(),
		}
		if err := p.sink.Store(context.WithoutCancel(ctx), rec); err != nil {
			log.Warn("completion sink failed", "error", err)
		}
	}

	log.Info("dispatch completed",
		"cached", cached, "coalesced", !cached && !executed, "artifacts", len(arts), "bytes", len(text))
	return &Result{
		SessionID: id,
		Text:      text,
		Artifacts: arts,
		Cached:    cached,
		Coalesced: !cached && !executed,
		Metrics:   s.Metrics(),
	}, nil
}

// fail records a terminal dispatch failure on the session. Cancellation,
// whether by the caller or by the scheduler shutting down, cancels the
// session instead of erroring it.
func (p *Pipeline) fail(ctx context.Context, call *dispatchCall, err error, log *slog.Logger) error {
	if ctx.Err() != nil || errors.Is(err, task.ErrCancelled) {
		if cerr := p.sessions.Cancel(call.sessionID); cerr != nil && !errors.Is(cerr, session.ErrTerminal) {
			log.Warn("session cancel transition rejected", "error", cerr)
		}
		log.Info("dispatch cancelled", "error", err)
		if errors.Is(err, task.ErrCancelled) {
			return err
		}
		return fmt.Errorf("%w: %w", task.ErrCancelled, ctx.Err())
	}
	p.failures.Add(1)
	if ferr := p.sessions.Fail(call.sessionID, err); ferr != nil && !errors.Is(ferr, session.ErrTerminal) {
		log.Warn("session fail transition rejected", "error", ferr)
	}
	log.Warn("dispatch failed", "error", err)
	return err
}

// ended maps a rejected session mutation to the session's own outcome.
func (p *Pipeline) ended(s *session.Session, err error) error {
	switch s.State() {
	case session.StateCancelled:
		return task.ErrCancelled
	case session.StateErrored:
		p.failures.Add(1)
		return s.Err()
	default:
		return err
	}
}

func (p *Pipeline) lookup(ctx context.Context, key string, log *slog.Logger) (string, bool) {
	if text, ok := p.responses.Get(key); ok {
		p.metrics.CacheLookup(ctx, "response", true)
		return text, true
	}
	p.metrics.CacheLookup(ctx, "response", false)
	if p.shared == nil {
		return "", false
	}

	raw, ok, err := p.shared.Get(ctx, sharedKeyPrefix+key)
	if err != nil {
		log.Warn("shared cache lookup failed", "key", key, "error", err)
		return "", false
	}
	p.metrics.CacheLookup(ctx, "shared", ok)
	if !ok {
		return "", false
	}
	var stored storedResponse
	if err := sonic.Unmarshal(raw, &stored); err != nil {
		log.Warn("shared cache entry undecodable", "key", key, "error", err)
		return "", false
	}
	p.responses.Set(key, stored.Text, p.cfg.CacheTTL)
	p.sharedHits.Add(1)
	return stored.Text, true
}

func (p *Pipeline) storeShared(ctx context.Context, call *dispatchCall, text string) {
	if p.shared == nil {
		return
	}
	raw, err := sonic.Marshal(storedResponse{Text: text, Model: call.req.Model, StoredAt: time.Now().UTC()})
	if err != nil {
		p.log.Warn("shared cache encode failed", "key", call.key, "error", err)
		return
	}
	if err := p.shared.Set(context.WithoutCancel(ctx), sharedKeyPrefix+call.key, raw, p.cfg.SharedTTL); err != nil {
		p.log.Warn("shared cache write failed", "key", call.key, "error", err)
	}
}

func (p *Pipeline) buildRequest(req DispatchRequest) (backend.Request, error) {
	msgs := req.Messages
	if len(msgs) == 0 && req.Input != "" {
		msgs = []backend.Message{{Role: "user", Content: req.Input}}
	}
	if len(msgs) == 0 {
		return backend.Request{}, fmt.Errorf("%w: input or messages required", domain.ErrValidation)
	}
	switch req.Class {
	case "", ClassChat, ClassQuery:
	default:
		return backend.Request{}, fmt.Errorf("%w: unknown call class %q", domain.ErrValidation, req.Class)
	}
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	return backend.Request{
		Messages:    msgs,
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Options:     req.Options,
	}, nil
}

func lastUserInput(msgs []backend.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	if len(msgs) > 0 {
		return msgs[len(msgs)-1].Content
	}
	return ""
}

// CacheKey derives the response cache key: BLAKE2b-256 over the model, the
// messages and the sampling options. Only leading and trailing whitespace of
// a message is ignored; inner spacing and indentation are part of the key.
func CacheKey(req backend.Request) string {
	h, _ := blake2b.New256(nil) // only fails for oversized keys
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	write(req.Model)
	write(strconv.Itoa(len(req.Messages)))
	for _, m := range req.Messages {
		write(strings.ToLower(strings.TrimSpace(m.Role)))
		write(strings.TrimSpace(m.Content))
	}
	if req.Temperature != nil {
		write(strconv.FormatFloat(*req.Temperature, 'g', -1, 64))
	} else {
		write("")
	}
	write(strconv.Itoa(req.MaxTokens))
	for _, k := range slices.Sorted(maps.Keys(req.Options)) {
		write(k)
		write(req.Options[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Pipeline) register(id string, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.active[id] = cancel
	return true
}

func (p *Pipeline) unregister(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

// Cancel stops the dispatch behind sessionID and moves its session to
// cancelled. The backend task is cancelled once no other caller shares it.
func (p *Pipeline) Cancel(sessionID string) error {
	p.mu.Lock()
	cancel, active := p.active[sessionID]
	p.mu.Unlock()

	err := p.sessions.Cancel(sessionID)
	if active {
		cancel()
		return nil
	}
	return err
}

// Session returns a snapshot of the session with id.
func (p *Pipeline) Session(id string) (session.Snapshot, error) {
	s, err := p.sessions.Get(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Stats returns a snapshot of pipeline and component counters.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	active := len(p.active)
	p.mu.Unlock()

	st := PipelineStats{
		Dispatches: p.dispatches.Load(),
		CacheHits:  p.cacheHits.Load(),
		SharedHits: p.sharedHits.Load(),
		Failures:   p.failures.Load(),
		Active:     active,
		Sessions:   p.sessions.Len(),
		Coalesced:  p.coalescer.Executions(),
		Scheduler:  p.scheduler.Stats(),
		Responses:  p.responses.Stats(),
	}
	if p.parseCache != nil {
		ps := p.parseCache.Stats()
		st.ParseCache = &ps
	}
	if p.logDrops != nil {
		ds := p.logDrops.Dropped()
		st.LogDrops = &ds
	}
	return st
}

// Reset empties the response and parse caches. In-flight work is unaffected.
func (p *Pipeline) Reset() {
	p.responses.Reset()
	if p.parseCache != nil {
		p.parseCache.Reset()
	}
	p.log.Info("pipeline caches reset")
}

// Close cancels active dispatches, shuts down the coalescer and scheduler,
// and disposes the caches.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, cancel := range p.active {
		cancel()
	}
	p.mu.Unlock()

	p.coalescer.Close()
	err := p.scheduler.Close(ctx)
	if werr := waitGroup(ctx, &p.background); err == nil {
		err = werr
	}
	p.responses.Dispose()
	if p.parseCache != nil {
		p.parseCache.Dispose()
	}
	p.sessions.Close()
	return err
}

// waitGroup waits for wg or until ctx is done.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
