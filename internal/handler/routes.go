package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/forgeline/sandboxd/internal/config"
	"github.com/forgeline/sandboxd/internal/metrics"
	"github.com/forgeline/sandboxd/internal/middleware"
	"github.com/forgeline/sandboxd/internal/version"
)

// Router builds the HTTP routes.
func (h *Handler) Router(cfg *config.Config, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		h.JSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Get()})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireToken(cfg.APIToken))

		r.Post("/projects", h.CreateProject)
		r.Route("/projects/{projectId}", func(r chi.Router) {
			r.Get("/", h.GetProject)
			r.Get("/sessions", h.ListSessions)
			r.Post("/sessions", h.CreateSession)
			r.Get("/sandboxes", h.ListProjectSandboxes)
			r.Delete("/sandboxes", h.DestroyProjectSandboxes)
		})

		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Get("/messages", h.ListMessages)
			r.Post("/plan", h.Plan)
			r.Post("/commands", h.RunCommand)

			r.Get("/sandbox", h.GetSandbox)
			r.Post("/sandbox", h.CreateSandbox)
			r.Delete("/sandbox", h.DestroySandbox)
			r.Post("/sandbox/stop", h.StopSandbox)
			r.Post("/sandbox/restart", h.RestartSandbox)
			r.Post("/sandbox/update", h.UpdateSandbox)
		})

		r.Get("/builds/{buildJobId}", h.GetBuild)
		r.Post("/builds/{buildJobId}/cancel", h.CancelBuild)
	})

	return r
}
