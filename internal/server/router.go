package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sevigo/hookci/internal/core"
	"github.com/sevigo/hookci/internal/server/handler"
)

// NewRouter creates and configures the HTTP router with middleware, the
// webhook endpoint, and the health endpoint.
func NewRouter(secret string, dispatcher core.EventDispatcher, health core.HealthReporter, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health reports ingestion liveness, worker pool saturation, and state
	// store size for readiness probes.
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		snapshot := health.Health()
		status := "ok"
		if snapshot.Degraded {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status string `json:"status"`
			core.Health
		}{Status: status, Health: snapshot})
	})

	r.Route("/api/v1", func(r chi.Router) {
		webhookHandler := handler.NewWebhookHandler(secret, dispatcher, logger)
		r.Post("/webhook/github", webhookHandler.Handle)
	})

	return r
}
