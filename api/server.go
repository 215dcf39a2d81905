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
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/applications/*   Application lifecycle
  /api/employees/*      Employee insurance profiles
  /api/rate-tables/*    Rate table versions
  /api/scenarios/*      Demo data loaders (development only)
  /health               Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.
  Callers assert their own actor identity in request bodies.

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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Application lifecycle
		r.Route("/applications", func(r chi.Router) {
			r.Get("/", h.ListApplications)
			r.Post("/", h.CreateApplication)
			r.Get("/overdue", h.ListOverdueApplications)
			r.Get("/{id}", h.GetApplication)
			r.Put("/{id}", h.UpdateApplication)
			r.Delete("/{id}", h.DeleteApplication)
			r.Post("/{id}/transitions", h.TransitionApplication)
			r.Post("/{id}/external-status", h.SetExternalStatus)
			r.Get("/{id}/has-changes", h.GetHasChanges)
			r.Post("/{id}/reflect", h.ReflectApplication)
		})

		// Employee profiles
		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployees)
			r.Post("/", h.SaveEmployeeProfile)
			r.Get("/{id}", h.GetEmployeeProfile)
		})

		// Rate tables
		r.Route("/rate-tables", func(r chi.Router) {
			r.Get("/active", h.GetActiveRateTable)
			r.Get("/windows", h.ListRateWindows)
			r.Post("/", h.PublishRateTable)
		})

		// Demo scenarios (development only)
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	return r
}
