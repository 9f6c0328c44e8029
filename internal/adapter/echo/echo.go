// Package echo implements a local backend that streams the last message back
// word by word. It needs no network and is meant for development and demos.
package echo

import (
	"context"
	"strings"
	"time"

	"github.com/Strob0t/dispatchkit/internal/port/backend"
)

const backendName = "echo"

// Backend streams "echo: <last message>".
type Backend struct {
	delay time.Duration // pause before each chunk
}

// New creates an echo backend pausing delay before each chunk.
func New(delay time.Duration) *Backend {
	return &Backend{delay: delay}
}

// Register registers the "echo" backend factory with the given per-chunk delay.
func Register(delay time.Duration) {
	backend.Register(backendName, func(backend.Options) (backend.Backend, error) {
		return New(delay), nil
	})
}

// Name returns "echo".
func (b *Backend) Name() string { return backendName }

// Send implements backend.Backend.
func (b *Backend) Send(ctx context.Context, req backend.Request) (<-chan backend.Chunk, error) {
	var last string
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1].Content
	}
	words := strings.SplitAfter("echo: "+last, " ")

	ch := make(chan backend.Chunk)
	go func() {
		defer close(ch)
		for _, w := range words {
			if w == "" {
				continue
			}
			if b.delay > 0 {
				select {
				case <-time.After(b.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- backend.Chunk{Delta: w}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Health always reports healthy.
func (b *Backend) Health(context.Context) (bool, error) { return true, nil }
