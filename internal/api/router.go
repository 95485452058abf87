package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentoven/sandboxctl/internal/api/handlers"
	"github.com/agentoven/sandboxctl/internal/api/middleware"
	"github.com/agentoven/sandboxctl/pkg/contracts"
)

// NewRouter builds the HTTP router for the control plane's full surface:
// healthz, project/workspace/run endpoints, evidence download, metrics,
// and the ops GC trigger.
func NewRouter(deps *handlers.Deps, authChain contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.RequestContext)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", handlers.Healthz)

	auth := middleware.NewAuthMiddleware(authChain)
	r.Group(func(r chi.Router) {
		r.Use(auth.Handler)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", deps.ListProjects)
			r.Post("/", deps.CreateProject)

			r.Route("/{projectID}", func(r chi.Router) {
				r.Post("/open", deps.OpenProject)
				r.Post("/message", deps.SendMessage)
				r.Post("/message/stream", deps.StreamMessage)
				r.Get("/runs", deps.ListRuns)
			})
		})

		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", deps.GetRun)
			r.Get("/evidence", deps.GetEvidence)
		})

		r.Get("/metrics", deps.GetMetrics)
		r.Post("/ops/gc", deps.RunGC)
	})

	return r
}
