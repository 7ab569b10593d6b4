package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bader1919/freepik-ai-orchestrator/services/orchestrator/middleware"
)

const maxBodyBytes = 1 << 20

// NewRouter mounts the REST API and the provider webhook.
func NewRouter(rest *REST, webhook *Webhook, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(maxBodyBytes))

	r.Get("/healthz", rest.Healthz)
	r.Get("/readyz", rest.Readyz)
	r.Post("/webhooks/freepik", webhook.Freepik)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", rest.Status)
		r.Post("/runs", rest.StartRun)
		r.Get("/runs/{id}", rest.GetRun)
		r.Delete("/runs/{id}", rest.CancelRun)
		r.Get("/tasks/{id}", rest.GetTask)
		r.Get("/templates", rest.ListTemplates)
		r.Get("/templates/{id}/estimate", rest.EstimateTemplate)
	})
	return r
}
