package service

import (
	"context"
	"sync"

	"github.com/Strob0t/dispatchkit/internal/domain/event"
	"github.com/Strob0t/dispatchkit/internal/port/broadcast"
)

var _ broadcast.Broadcaster = (*recordingBroadcaster)(nil)

type recordedEvent struct {
	eventType string
	payload   any
}

// recordingBroadcaster is safe for the concurrent emits of the scheduler.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingBroadcaster) BroadcastEvent(_ context.Context, eventType string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{eventType, payload})
	r.mu.Unlock()
}

// transitions returns the recorded transitions of the given kind for id, in order.
func (r *recordingBroadcaster) transitions(kind event.Kind, id string) []event.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Transition
	for _, e := range r.events {
		tr, ok := e.payload.(event.Transition)
		if ok && tr.Kind == kind && tr.ID == id {
			out = append(out, tr)
		}
	}
	return out
}

func (r *recordingBroadcaster) count(eventType event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.eventType == string(eventType) {
			n++
		}
	}
	return n
}
