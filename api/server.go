/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Wires URLs to handlers for the travel-request workflow and the
  administrative/reporting surface.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/calculations/*      Previews (never audited)
  /api/travel-requests/*   Audited calculations and audit trails
  /api/admin/cache/*       Invalidation, cleanup, statistics
  /healthz                 Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind the company gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/calculations/preview", h.PreviewCalculation)

		r.Route("/travel-requests/{id}", func(r chi.Router) {
			r.Post("/calculations", h.CalculateAndAudit)
			r.Get("/audit", h.GetAuditTrail)
		})

		r.Route("/admin/cache", func(r chi.Router) {
			r.Post("/invalidate", h.InvalidateCache)
			r.Post("/cleanup", h.CleanupExpired)
			r.Get("/stats", h.CacheStats)
		})
	})

	return r
}
