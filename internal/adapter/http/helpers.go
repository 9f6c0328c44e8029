package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/dispatchkit/internal/domain"
	"github.com/Strob0t/dispatchkit/internal/domain/session"
	"github.com/Strob0t/dispatchkit/internal/domain/task"
	"github.com/Strob0t/dispatchkit/internal/resilience"
)

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error     string `json:"error"`
	SessionID string `json:"session_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorStatus maps pipeline and domain errors to an HTTP status and a
// client-safe message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "session already exists"
	case errors.Is(err, session.ErrTerminal):
		return http.StatusConflict, "session already finished"
	case errors.Is(err, domain.ErrClosed):
		return http.StatusServiceUnavailable, "service shutting down"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "backend unavailable"
	case errors.Is(err, task.ErrCancelled):
		return http.StatusConflict, "dispatch cancelled"
	case errors.Is(err, task.ErrTimeout):
		return http.StatusGatewayTimeout, "backend timed out"
	case errors.Is(err, task.ErrFailed):
		return http.StatusBadGateway, "backend request failed"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// writeDomainError logs server-side failures and writes the mapped status.
func writeDomainError(w http.ResponseWriter, err error, sessionID string) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "error", err, "session_id", sessionID)
	}
	writeJSON(w, status, errorResponse{Error: msg, SessionID: sessionID})
}
