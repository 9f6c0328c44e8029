// Package backend defines the port to the remote generative-text backend.
// The pipeline assumes only that chunks arrive in order and that the stream
// ends with exactly one terminal signal.
package backend

import (
	"context"
	"time"
)

// Message is one conversational turn sent to the backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single generation request.
type Request struct {
	Messages    []Message         `json:"messages"`
	Model       string            `json:"model,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// Chunk is one element of a response stream. A chunk with a non-nil Err is
// the terminal failure signal; the channel closes after it. A channel that
// closes without an error chunk is the terminal success signal.
type Chunk struct {
	Delta string
	Err   error
}

// Backend is the port interface for streaming generation.
type Backend interface {
	// Name returns the unique identifier for this backend (e.g. "openai", "echo").
	Name() string

	// Send starts a stream. Errors establishing the stream are returned
	// directly; errors mid-stream arrive as a Chunk. The stream stops once
	// ctx is done.
	Send(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Func adapts a plain function to the Backend interface.
type Func func(ctx context.Context, req Request) (<-chan Chunk, error)

// Name implements Backend.
func (Func) Name() string { return "func" }

// Send implements Backend.
func (f Func) Send(ctx context.Context, req Request) (<-chan Chunk, error) {
	return f(ctx, req)
}

// Options configures a backend constructed through the registry.
type Options struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
	// KeyFunc, when set, is consulted per request instead of APIKey so
	// rotated credentials apply without rebuilding the backend.
	KeyFunc func() string
}

// Collect drains a stream into a single string. It returns the text gathered
// before any terminal error alongside that error.
func Collect(ctx context.Context, ch <-chan Chunk) (string, error) {
	var out []byte
	for {
		select {
		case <-ctx.Done():
			return string(out), ctx.Err()
		case c, ok := <-ch:
			if !ok {
				return string(out), nil
			}
			if c.Err != nil {
				return string(out), c.Err
			}
			out = append(out, c.Delta...)
		}
	}
}

// HealthChecker is implemented by backends that can report reachability.
type HealthChecker interface {
	Health(ctx context.Context) (bool, error)
}
