// Package session models the lifecycle of one streamed response:
// pending, an optional optimistic placeholder, incremental chunks, and a
// terminal completed, errored or cancelled state.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is a streaming session lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateOptimistic State = "optimistic"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateErrored    State = "errored"
	StateCancelled  State = "cancelled"
)

// IsTerminal reports whether s accepts no further transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

// ErrTerminal is returned when mutating a session that already finished.
var ErrTerminal = errors.New("session is terminal")

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateOptimistic || to == StateErrored || to == StateCancelled
	case StateOptimistic:
		return to == StateStreaming || to == StateErrored || to == StateCancelled
	case StateStreaming:
		return to == StateCompleted || to == StateErrored || to == StateCancelled
	default:
		return false
	}
}

// Transition records one state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Metrics are observability figures for one session. They never drive control flow.
type Metrics struct {
	TimeToFirstChunk time.Duration `json:"time_to_first_chunk_ns"`
	Duration         time.Duration `json:"duration_ns"`
	ChunkCount       int           `json:"chunk_count"`
	Bytes            int           `json:"bytes"`
}

// Session is safe for concurrent use. Chunks are appended in call order.
type Session struct {
	mu sync.Mutex

	id          string
	input       string
	state       State
	placeholder string
	chunks      []string
	text        strings.Builder
	err         error
	incomplete  bool
	cached      bool

	createdAt    time.Time
	firstChunkAt time.Time
	endedAt      time.Time

	now func() time.Time
}

// New returns a pending session. A nil now uses time.Now.
func New(id, input string, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{
		id:        id,
		input:     input,
		state:     StatePending,
		createdAt: now(),
		now:       now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreatedAt returns when the session was admitted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// EndedAt returns when the session reached a terminal state, or the zero time.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Optimistic attaches a placeholder while the real request is in flight.
func (s *Session) Optimistic(placeholder string) (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, err := s.move(StateOptimistic)
	if err != nil {
		return Transition{}, err
	}
	s.placeholder = placeholder
	return tr, nil
}

// Append adds a chunk. The first chunk, even an empty one, moves the session
// to streaming and discards the placeholder; the returned slice then holds
// the transitions taken.
func (s *Session) Append(chunk string) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var trs []Transition
	if s.state != StateStreaming {
		var err error
		if trs, err = s.startStreamingLocked(); err != nil {
			return nil, err
		}
	}
	s.chunks = append(s.chunks, chunk)
	s.text.WriteString(chunk)
	return trs, nil
}

// startStreamingLocked moves the session to streaming. A pending session
// passes through optimistic first.
func (s *Session) startStreamingLocked() ([]Transition, error) {
	var trs []Transition
	if s.state == StatePending {
		tr, err := s.move(StateOptimistic)
		if err != nil {
			return nil, err
		}
		trs = append(trs, tr)
	}
	tr, err := s.move(StateStreaming)
	if err != nil {
		return nil, err
	}
	s.placeholder = ""
	s.firstChunkAt = tr.At
	return append(trs, tr), nil
}

// MarkCached flags the session as served from cache.
func (s *Session) MarkCached() {
	s.mu.Lock()
	s.cached = true
	s.mu.Unlock()
}

// Complete freezes the accumulated text. A session that never streamed
// passes through streaming first so the edge order is preserved.
func (s *Session) Complete() ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var trs []Transition
	if s.state == StatePending || s.state == StateOptimistic {
		var err error
		if trs, err = s.startStreamingLocked(); err != nil {
			return nil, err
		}
	}
	tr, err := s.move(StateCompleted)
	if err != nil {
		return nil, err
	}
	s.endedAt = tr.At
	return append(trs, tr), nil
}

// Fail records cause as the terminal error. Any accumulated text is kept and
// flagged incomplete.
func (s *Session) Fail(cause error) (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, err := s.move(StateErrored)
	if err != nil {
		return Transition{}, err
	}
	s.err = cause
	s.incomplete = true
	s.placeholder = ""
	s.endedAt = tr.At
	return tr, nil
}

// Cancel ends the session at the caller's request.
func (s *Session) Cancel() (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, err := s.move(StateCancelled)
	if err != nil {
		return Transition{}, err
	}
	s.incomplete = s.text.Len() > 0
	s.placeholder = ""
	s.endedAt = tr.At
	return tr, nil
}

// Text returns the accumulated text so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Err returns the terminal error of an errored session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Metrics computes the observability figures as of now.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsLocked()
}

func (s *Session) metricsLocked() Metrics {
	m := Metrics{ChunkCount: len(s.chunks), Bytes: s.text.Len()}
	if !s.firstChunkAt.IsZero() {
		m.TimeToFirstChunk = s.firstChunkAt.Sub(s.createdAt)
	}
	end := s.endedAt
	if end.IsZero() {
		end = s.now()
	}
	m.Duration = end.Sub(s.createdAt)
	return m
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	Input       string    `json:"input,omitempty"`
	Placeholder string    `json:"placeholder,omitempty"`
	Chunks      []string  `json:"chunks"`
	Text        string    `json:"text"`
	Error       string    `json:"error,omitempty"`
	Incomplete  bool      `json:"incomplete"`
	Cached      bool      `json:"cached"`
	CreatedAt   time.Time `json:"created_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	Metrics     Metrics   `json:"metrics"`
}

// Snapshot copies the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:          s.id,
		State:       s.state,
		Input:       s.input,
		Placeholder: s.placeholder,
		Chunks:      append([]string(nil), s.chunks...),
		Text:        s.text.String(),
		Incomplete:  s.incomplete,
		Cached:      s.cached,
		CreatedAt:   s.createdAt,
		EndedAt:     s.endedAt,
		Metrics:     s.metricsLocked(),
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// move must be called with s.mu held.
func (s *Session) move(to State) (Transition, error) {
	from := s.state
	if from.IsTerminal() {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrTerminal, from, to)
	}
	if !CanTransition(from, to) {
		return Transition{}, fmt.Errorf("session %s: disallowed transition %s -> %s", s.id, from, to)
	}
	s.state = to
	return Transition{From: from, To: to, At: s.now()}, nil
}

// Placeholder derives the optimistic text shown for an input before any
// real output arrives.
func Placeholder(input string) string {
	in := strings.ToLower(strings.TrimSpace(input))
	switch {
	case in == "":
		return "Generating a response…"
	case strings.Contains(in, "```") || strings.Contains(in, "code") || strings.Contains(in, "function"):
		return "Writing code…"
	case strings.HasSuffix(in, "?"):
		return "Looking into that…"
	case strings.Contains(in, "summar"):
		return "Summarizing…"
	default:
		return "Generating a response…"
	}
}
