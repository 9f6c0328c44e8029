package http

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/dispatchkit/internal/domain/session"
	"github.com/Strob0t/dispatchkit/internal/port/backend"
	"github.com/Strob0t/dispatchkit/internal/service"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Dispatcher is the pipeline surface the handlers need.
type Dispatcher interface {
	Dispatch(ctx context.Context, req service.DispatchRequest) (*service.Result, error)
	// DispatchAsync creates the session before returning and runs the
	// dispatch in the background.
	DispatchAsync(ctx context.Context, req service.DispatchRequest) (string, error)
	Cancel(sessionID string) error
	Session(id string) (session.Snapshot, error)
	Stats() service.PipelineStats
	Reset()
}

// ConnCounter reports live WebSocket clients.
type ConnCounter interface {
	ConnectionCount() int
}

// Handlers holds the HTTP handlers' dependencies.
type Handlers struct {
	Pipeline Dispatcher
	Backend  backend.Backend
	Clients  ConnCounter // optional
	Version  string
}

// dispatchBody is the POST /dispatch payload. Async returns 202 with the
// session ID once the session exists; progress is observable over /ws and
// GET /sessions.
type dispatchBody struct {
	service.DispatchRequest
	Async bool `json:"async,omitempty"`
}

type acceptedResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// Dispatch handles POST /api/v1/dispatch.
func (h *Handlers) Dispatch(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[dispatchBody](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	req := body.DispatchRequest
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	if body.Async {
		id, err := h.Pipeline.DispatchAsync(r.Context(), req)
		if err != nil {
			writeDomainError(w, err, req.SessionID)
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{SessionID: id, Status: "accepted"})
		return
	}

	res, err := h.Pipeline.Dispatch(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, req.SessionID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetSession handles GET /api/v1/sessions/{id}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	snap, err := h.Pipeline.Session(id)
	if err != nil {
		writeDomainError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// CancelSession handles DELETE /api/v1/sessions/{id}.
func (h *Handlers) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Pipeline.Cancel(id); err != nil {
		writeDomainError(w, err, id)
		return
	}
	snap, err := h.Pipeline.Session(id)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Stats handles GET /api/v1/stats.
func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Pipeline.Stats())
}

// ResetCache handles POST /api/v1/cache/reset.
func (h *Handlers) ResetCache(w http.ResponseWriter, _ *http.Request) {
	h.Pipeline.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type healthStatus struct {
	Status    string `json:"status"`
	Backend   string `json:"backend"`
	Provider  string `json:"provider"`
	WSClients int    `json:"ws_clients"`
	Error     string `json:"error,omitempty"`
}

// Health handles GET /health. A backend that cannot report health counts as up.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	st := healthStatus{Status: "ok", Backend: "up"}
	if h.Backend != nil {
		st.Provider = h.Backend.Name()
		if hc, ok := h.Backend.(backend.HealthChecker); ok {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			healthy, err := hc.Health(ctx)
			cancel()
			if !healthy {
				st.Status = "degraded"
				st.Backend = "down"
				if err != nil {
					st.Error = err.Error()
				}
			}
		}
	}
	if h.Clients != nil {
		st.WSClients = h.Clients.ConnectionCount()
	}

	code := http.StatusOK
	if st.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}
