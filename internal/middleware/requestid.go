// Package middleware provides HTTP middleware for the dispatch API.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/Strob0t/dispatchkit/internal/logger"
)

const (
	headerRequestID = "X-Request-ID"
	headerSessionID = "X-Session-ID"
	querySessionID  = "session_id"

	// maxSessionIDLen caps client-supplied session IDs accepted into logs.
	maxSessionIDLen = 128
)

// RequestID is HTTP middleware that extracts X-Request-ID from the request
// header or generates a new one. The ID is stored in the context and set
// on the response header.
//
// A session ID sent as X-Session-ID or as the session_id query parameter
// is stored too, so every log line of a session-scoped call (cancel, poll,
// WebSocket filter) carries it. The header wins over the query parameter.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = generateID()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		if sid := sessionID(r); sid != "" {
			ctx = logger.WithSessionID(ctx, sid)
			w.Header().Set(headerSessionID, sid)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionID returns the caller-named session, or "" when none is given or
// the value is not a plausible ID.
func sessionID(r *http.Request) string {
	sid := r.Header.Get(headerSessionID)
	if sid == "" {
		sid = r.URL.Query().Get(querySessionID)
	}
	if len(sid) > maxSessionIDLen {
		return ""
	}
	for i := range len(sid) {
		if c := sid[i]; c < 0x21 || c > 0x7e {
			return ""
		}
	}
	return sid
}

// generateID returns a 16-byte random hex string (32 chars).
func generateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
