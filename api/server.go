/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RequestLogger:  zerolog line per request (middleware.go)
  3. Recoverer:      Panic recovery (500 instead of crash)
  4. CORS:           Cross-origin requests for frontends

ROUTE GROUPS:
  /api/clients/*     Clients, usage, ledger
  /api/tasks/*       Tasks
  /api/entries/*     Time entry lifecycle
  /api/admin/*       Admin operations
  /api/scenarios/*   Demo scenarios
  /healthz           Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

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

// RouterOptions configures cross-origin access.
type RouterOptions struct {
	AllowedOrigins []string
	CORSMaxAge     int // seconds
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         opts.CORSMaxAge,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Client routes
		r.Route("/clients", func(r chi.Router) {
			r.Get("/", h.ListClients)
			r.Post("/", h.CreateClient)
			r.Get("/{id}", h.GetClient)
			r.Put("/{id}/allowance", h.SetAllowance)
			r.Get("/{id}/entries", h.ListClientEntries)
			r.Get("/{id}/movements", h.ListMovements)
			r.Post("/{id}/reconcile", h.ReconcileClient)
			r.Post("/{id}/reset", h.ResetClientYear)
		})

		// Task routes
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.CreateTask)
			r.Get("/{id}", h.GetTask)
		})

		// Entry routes
		r.Route("/entries", func(r chi.Router) {
			r.Post("/", h.StartEntry)
			r.Get("/{id}", h.GetEntry)
			r.Put("/{id}", h.EditEntry)
			r.Delete("/{id}", h.DeleteEntry)
			r.Post("/{id}/stop", h.StopEntry)
			r.Post("/{id}/status", h.SetEntryStatus)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/year-reset", h.TriggerYearReset)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
