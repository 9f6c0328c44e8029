// Package event defines the observability events emitted by the dispatch
// pipeline. Consumers subscribe through a broadcast.Broadcaster and never
// influence control flow.
package event

import "time"

// Type identifies the kind of pipeline event.
type Type string

const (
	TypeSessionTransition Type = "session.transition"
	TypeSessionChunk      Type = "session.chunk"
	TypeSessionArtifacts  Type = "session.artifacts"
	TypeTaskTransition    Type = "task.transition"
	TypeBreakerState      Type = "backend.breaker"
)

// Kind tells which state machine a Transition belongs to.
type Kind string

const (
	KindSession Kind = "session"
	KindTask    Kind = "task"
)

// Transition is emitted on every scheduler task and streaming session state change.
type Transition struct {
	Kind        Kind   `json:"kind"`
	ID          string `json:"id"`
	SessionID   string `json:"session_id,omitempty"`
	From        string `json:"from_state"`
	To          string `json:"to_state"`
	TimestampMs int64  `json:"timestamp_ms"`
	Attempt     int    `json:"attempt,omitempty"`
	Error       string `json:"error,omitempty"`
}

// NewTransition stamps a transition at ts.
func NewTransition(kind Kind, id, sessionID, from, to string, ts time.Time) Transition {
	return Transition{
		Kind:        kind,
		ID:          id,
		SessionID:   sessionID,
		From:        from,
		To:          to,
		TimestampMs: ts.UnixMilli(),
	}
}

// Chunk carries one streamed delta, numbered from zero per session.
type Chunk struct {
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	Delta     string `json:"delta"`
}

// Artifacts announces the artifacts extracted from a completed session.
type Artifacts struct {
	SessionID string   `json:"session_id"`
	IDs       []string `json:"ids"`
	Types     []string `json:"types"`
}

// BreakerState announces a backend circuit breaker change.
type BreakerState struct {
	From string `json:"from"`
	To   string `json:"to"`
}
