// Package logger provides structured logging setup for dispatchkit.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Strob0t/dispatchkit/internal/config"
)

const (
	asyncBufferSize = 4096
	asyncWorkers    = 2
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
// When cfg.Async is set, records pass through an AsyncHandler and the
// returned Closer must be closed on shutdown to flush them.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	return newWithWriter(cfg, os.Stdout)
}

func newWithWriter(cfg config.Logging, w io.Writer) (*slog.Logger, Closer) {
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	handler = contextHandler{inner: handler}

	var closer Closer = nopCloser{}
	if cfg.Async {
		ah := NewAsyncHandler(handler, asyncBufferSize, asyncWorkers)
		handler = ah
		closer = ah
	}

	return slog.New(handler).With("service", cfg.Service), closer
}

// contextHandler copies request and session identifiers from the context
// onto each record, unless the logger already carries them as attributes
// (see FromContext).
type contextHandler struct {
	inner          slog.Handler
	boundRequestID bool
	boundSessionID bool
}

func (h contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h contextHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if id := RequestID(ctx); id != "" && !h.boundRequestID {
		rec.AddAttrs(slog.String("request_id", id))
	}
	if id := SessionID(ctx); id != "" && !h.boundSessionID {
		rec.AddAttrs(slog.String("session_id", id))
	}
	return h.inner.Handle(ctx, rec)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := contextHandler{inner: h.inner.WithAttrs(attrs), boundRequestID: h.boundRequestID, boundSessionID: h.boundSessionID}
	for _, a := range attrs {
		switch a.Key {
		case "request_id":
			c.boundRequestID = true
		case "session_id":
			c.boundSessionID = true
		}
	}
	return c
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{inner: h.inner.WithGroup(name), boundRequestID: h.boundRequestID, boundSessionID: h.boundSessionID}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
