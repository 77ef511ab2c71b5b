/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/events           Business event ingestion
  /api/memberships/*    Balances, ledger, tiers, postings
  /api/transactions/*   Reversals
  /api/enrollments/*    Program enrollment lifecycle
  /api/admin/*          Scheduled work on demand, catalog loading
  /api/scenarios/*      Demo scenarios
  /api/health           Liveness

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins list allows every origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/events", h.IngestEvent)

		// Membership routes
		r.Route("/memberships", func(r chi.Router) {
			r.Post("/", h.CreateMembership)
			r.Get("/{id}", h.GetMembership)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/tier", h.GetTier)
			r.Post("/{id}/evaluate", h.EvaluateTier)
			r.Post("/{id}/redemptions", h.Redeem)
			r.Post("/{id}/adjustments", h.Adjust)
			r.Post("/{id}/expirations", h.Expire)
		})

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/{id}/reverse", h.ReverseTransaction)
		})

		// Enrollment routes
		r.Route("/enrollments", func(r chi.Router) {
			r.Post("/", h.Enroll)
			r.Post("/{id}/pause", h.PauseEnrollment)
			r.Post("/{id}/resume", h.ResumeEnrollment)
			r.Post("/{id}/end", h.EndEnrollment)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/tier-evaluations", h.TriggerTierEvaluations)
			r.Post("/catalog", h.LoadCatalog)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
