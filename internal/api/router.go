package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/lockgate-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.observeMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus exposition (no auth required for scraping)
	r.Handle("/metrics", promhttp.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.requirePermission(auth.PermSystemRead)).Get("/system", s.handleSystemMetrics)

			r.Route("/locks", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermLockRead)).Get("/", s.handleListLocks)

				r.Route("/{id}", func(r chi.Router) {
					r.With(s.requirePermission(auth.PermLockRead)).Get("/", s.handleGetLock)

					r.Group(func(r chi.Router) {
						r.Use(s.requirePermission(auth.PermLockOperate))
						r.Get("/status", s.handleLockStatus)
						r.Post("/unlock", s.handleUnlock)
						r.Post("/lock", s.handleLock)
					})
				})
			})

			r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAuditLogs)

			// WebSocket (token may arrive as access_token query parameter)
			r.With(s.requirePermission(auth.PermLockRead)).Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"locks":   s.locks.Stats(),
	})
}
