// Package completion defines the persistence boundary for finished responses.
package completion

import (
	"context"
	"time"

	"github.com/Strob0t/dispatchkit/internal/domain/artifact"
)

// Record is what the pipeline hands over once a non-cached response completes.
type Record struct {
	SessionID   string
	CacheKey    string
	Class       string
	Input       string
	Text        string
	Artifacts   []artifact.Artifact
	CompletedAt time.Time
}

// Sink receives completed responses. Persistence is the sink's concern; a
// failing sink never fails the dispatch.
type Sink interface {
	Store(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

// Store implements Sink.
func (f SinkFunc) Store(ctx context.Context, rec Record) error { return f(ctx, rec) }
