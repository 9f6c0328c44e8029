// Package nats publishes pipeline events to NATS JetStream so that other
// processes can observe sessions and tasks.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/dispatchkit/internal/logger"
)

const (
	streamName      = "DISPATCH_EVENTS"
	headerRequestID = "X-Request-ID"
	headerEventType = "X-Event-Type"
	maxAsyncPending = 4096
	flushTimeout    = 5 * time.Second
)

// Publisher implements broadcast.Broadcaster over JetStream. Events go to
// "<prefix>.<event type>".
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// Connect establishes a connection to NATS and ensures the event stream exists.
func Connect(ctx context.Context, url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("dispatchd"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc,
		jetstream.WithPublishAsyncMaxPending(maxAsyncPending),
		jetstream.WithPublishAsyncErrHandler(func(_ jetstream.JetStream, msg *nats.Msg, err error) {
			slog.Warn("nats event publish failed", "subject", msg.Subject, "error", err)
		}),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	prefix = strings.TrimSuffix(prefix, ".")
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{prefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName, "prefix", prefix)
	return &Publisher{nc: nc, js: js, prefix: prefix}, nil
}

// JetStream returns the JetStream handle, e.g. to open a KV cache bucket.
func (p *Publisher) JetStream() jetstream.JetStream { return p.js }

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Publish sends data on subject and waits for the stream acknowledgement.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := p.js.PublishMsg(ctx, newMsg(ctx, subject, "", data)); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// BroadcastEvent publishes payload as JSON without waiting for the
// acknowledgement. Failures are logged.
func (p *Publisher) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("nats event marshal failed", "event_type", eventType, "error", err)
		return
	}
	if _, err := p.js.PublishMsgAsync(newMsg(ctx, p.Subject(eventType), eventType, data)); err != nil {
		slog.Warn("nats event publish failed", "event_type", eventType, "error", err)
	}
}

func newMsg(ctx context.Context, subject, eventType string, data []byte) *nats.Msg {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if eventType != "" {
		msg.Header.Set(headerEventType, eventType)
	}
	return msg
}

// IsConnected reports whether the underlying connection is up.
func (p *Publisher) IsConnected() bool {
	return p.nc.IsConnected()
}

// Close flushes pending async publishes and closes the connection.
func (p *Publisher) Close() error {
	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(flushTimeout):
		slog.Warn("nats close: pending event publishes dropped", "pending", p.js.PublishAsyncPending())
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
