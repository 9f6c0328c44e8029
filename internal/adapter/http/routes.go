package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RouteOptions carries optional per-route middleware.
type RouteOptions struct {
	// DispatchMiddleware wraps POST /dispatch only, e.g. rate limiting and
	// idempotency.
	DispatchMiddleware []func(http.Handler) http.Handler
	// WebSocket serves GET /ws when set.
	WebSocket http.HandlerFunc
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, opts RouteOptions) {
	r.Get("/health", h.Health)
	if opts.WebSocket != nil {
		r.Get("/ws", opts.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
		})

		r.With(opts.DispatchMiddleware...).Post("/dispatch", h.Dispatch)

		r.Get("/sessions/{id}", h.GetSession)
		r.Delete("/sessions/{id}", h.CancelSession)

		r.Get("/stats", h.Stats)
		r.Post("/cache/reset", h.ResetCache)
	})
}
