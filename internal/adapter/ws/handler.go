// Package ws streams pipeline events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/dispatchkit/internal/logger"
)

const (
	sendQueueSize = 256
	writeTimeout  = 5 * time.Second
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection. An empty sessionID subscribes to
// every session.
type conn struct {
	ws        *websocket.Conn
	cancel    context.CancelFunc
	sessionID string
	send      chan []byte
}

// Hub manages all active WebSocket connections and broadcasts messages.
// Each connection has its own bounded queue; a client that falls behind is
// disconnected instead of stalling the pipeline.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
	log   *slog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		conns: make(map[*conn]struct{}),
		log:   log,
	}
}

func subscription(r *http.Request) string {
	if id := logger.SessionID(r.Context()); id != "" {
		return id
	}
	return r.URL.Query().Get("session")
}

// HandleWS upgrades the request to a WebSocket. A session ID on the request
// context (see middleware.RequestID) or the "session" query parameter
// restricts the stream to that session's events.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		h.log.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:        ws,
		cancel:    cancel,
		sessionID: subscription(r),
		send:      make(chan []byte, sendQueueSize),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.log.Info("websocket connected", "remote", r.RemoteAddr, "session_id", c.sessionID)

	go h.writeLoop(ctx, c)

	// Read loop detects disconnects and consumes pings.
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.log.Debug("websocket write failed", "error", err)
				h.remove(c)
				return
			}
		}
	}
}

// Broadcast queues msg for every client subscribed to sessionID. An empty
// sessionID reaches only unfiltered clients.
func (h *Hub) Broadcast(_ context.Context, sessionID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("websocket marshal failed", "error", err)
		return
	}

	var slow []*conn
	h.mu.RLock()
	for c := range h.conns {
		if c.sessionID != "" && c.sessionID != sessionID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("websocket client too slow, disconnecting", "session_id", c.sessionID)
		h.remove(c)
		if c.ws != nil {
			_ = c.ws.Close(websocket.StatusPolicyViolation, "send queue full")
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	for c := range conns {
		c.cancel()
		if c.ws != nil {
			_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		h.log.Info("websocket disconnected", "session_id", c.sessionID)
	}
}
