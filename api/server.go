/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Connects URLs to handlers. The router is chi.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     X-Forwarded-For aware client address for the audit trail
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request counter and latency histogram
  6. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/parties/*        Counter-party registration, balances, statements
  /api/employees/*      Employee registration, payroll, statements
  /api/transactions/*   Create and update transaction rows
  /api/records/*        Soft delete, restore, permanent delete
  /api/recycle-bin/*    Soft-deleted rows per entity type
  /api/audit            Audit trail query and external entries
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

ACTORS:
  Every request names its actor with X-Actor-ID and X-Actor-Role. Roles
  are checked in handlers; refusals are recorded as blocked attempts.

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

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string
	Metrics     *Metrics
}

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(opts.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", opts.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Counter-party routes
		r.Route("/parties", func(r chi.Router) {
			r.Post("/", h.RegisterCounterParty)
			r.Get("/{kind}/{id}", h.GetCounterParty)
			r.Get("/{kind}/{id}/balance", h.GetBalance)
			r.Get("/{kind}/{id}/statement", h.GetStatement)
		})

		// Employee routes
		r.Route("/employees", func(r chi.Router) {
			r.Post("/", h.RegisterEmployee)
			r.Get("/{id}", h.GetEmployee)
			r.Get("/{id}/payroll", h.GetPayroll)
			r.Get("/{id}/statement", h.GetEmployeeStatement)
		})

		// Transaction routes
		r.Route("/transactions/{kind}", func(r chi.Router) {
			r.Post("/", h.CreateTransaction)
			r.Put("/{id}", h.UpdateTransaction)
		})

		// Recycle bin routes
		r.Route("/records/{type}/{id}", func(r chi.Router) {
			r.Delete("/", h.SoftDelete)
			r.Post("/restore", h.Restore)
			r.Delete("/permanent", h.PermanentDelete)
		})
		r.Get("/recycle-bin/{type}", h.ListDeleted)

		// Audit routes
		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.QueryAudit)
			r.Post("/", h.AppendAudit)
		})
	})

	return r
}
