// Package broadcast defines the port for publishing pipeline events to
// observers such as WebSocket clients and the NATS event stream.
package broadcast

import "context"

// Broadcaster sends typed events to every subscriber. Implementations must
// not block the caller on slow subscribers.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Fanout delivers each event to every non-nil Broadcaster in order.
type Fanout []Broadcaster

// BroadcastEvent implements Broadcaster.
func (f Fanout) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	for _, b := range f {
		if b != nil {
			b.BroadcastEvent(ctx, eventType, payload)
		}
	}
}

// Nop discards every event.
type Nop struct{}

// BroadcastEvent implements Broadcaster.
func (Nop) BroadcastEvent(context.Context, string, any) {}
