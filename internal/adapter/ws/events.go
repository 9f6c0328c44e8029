package ws

import (
	"context"
	"encoding/json"

	"github.com/Strob0t/dispatchkit/internal/domain/event"
)

// BroadcastEvent implements broadcast.Broadcaster.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, sessionOf(payload), Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

// sessionOf returns the session an event belongs to, or "" for global events.
func sessionOf(payload any) string {
	switch p := payload.(type) {
	case event.Transition:
		if p.Kind == event.KindSession {
			return p.ID
		}
		return p.SessionID
	case event.Chunk:
		return p.SessionID
	case event.Artifacts:
		return p.SessionID
	default:
		return ""
	}
}
