/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the comp dashboard

ROUTE GROUPS:
  /api/plans/*          Comp plan configuration
  /api/employees/*      Employee records
  /api/targets, /api/actuals, /api/rates   Inbound facts
  /api/deals/*, /api/collections           Booking and collection events
  /api/runs/*           Monthly payout run lifecycle
  /api/clawbacks/*      Clawback ledger
  /api/adjustments/*    Post-finalize corrections
  /api/settlements/*    Full-and-final departure settlements
  /api/locks/{month}    Month lock status
  /api/audit            Audit trail queries
  /healthz              Liveness probe

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/compengine/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor", "X-Role"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Plan routes
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.CreatePlan)
			r.Get("/{id}", h.GetPlan)
		})

		// Employee routes
		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployees)
			r.Post("/", h.UpsertEmployee)
			r.Get("/{id}", h.GetEmployee)
		})

		// Inbound facts
		r.Post("/targets", h.UpsertTarget)
		r.Post("/actuals", h.UpsertActual)
		r.Post("/rates", h.UpsertRate)

		// Deal routes
		r.Route("/deals", func(r chi.Router) {
			r.Get("/", h.ListDeals)
			r.Post("/", h.UpsertDeal)
		})
		r.Post("/collections", h.UpsertCollection)

		// Run lifecycle routes
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.CreateRun)
			r.Get("/{id}", h.GetRun)
			r.Get("/{id}/payouts", h.GetRunPayouts)
			r.Post("/{id}/calculate", h.CalculateRun)
			r.Post("/{id}/transition", h.TransitionRun)
		})

		// Clawback ledger routes
		r.Route("/clawbacks", func(r chi.Router) {
			r.Get("/", h.ListClawbacks)
			r.Post("/{id}/waive", h.WaiveClawback)
			r.Post("/{id}/recover", h.RecoverClawback)
		})

		// Adjustment routes
		r.Route("/adjustments", func(r chi.Router) {
			r.Get("/", h.ListAdjustments)
			r.Post("/", h.CreateAdjustment)
			r.Post("/{id}/approve", h.ApproveAdjustment)
			r.Post("/{id}/reject", h.RejectAdjustment)
		})

		// Settlement routes
		r.Route("/settlements", func(r chi.Router) {
			r.Get("/", h.ListSettlements)
			r.Post("/", h.OpenSettlement)
			r.Get("/{id}", h.GetSettlement)
			r.Post("/{id}/tranches/{tranche}/calculate", h.CalculateTranche)
			r.Post("/{id}/tranches/{tranche}/finalize", h.FinalizeTranche)
		})

		// Lock status for data-entry tooling
		r.Get("/locks/{month}", h.GetLock)

		// Audit routes
		r.Get("/audit", h.QueryAudit)
	})

	return r
}
