// Package api serves the ops HTTP surface: probes, status and metrics.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/tiermem/config"
	"github.com/goclaw/tiermem/pkg/api/handlers"
	"github.com/goclaw/tiermem/pkg/api/middleware"
	"github.com/goclaw/tiermem/pkg/api/response"
	"github.com/goclaw/tiermem/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Health handles the probe and status endpoints.
	Health *handlers.HealthHandler

	// Metrics serves the Prometheus exposition; nil leaves /metrics unrouted.
	Metrics http.Handler

	// Recorder is the optional HTTP metrics recorder.
	Recorder middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()
	metricsPath := cfg.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log, "/healthz", "/readyz", metricsPath))
	r.Use(middleware.Recovery(log))
	if h.Recorder != nil {
		r.Use(middleware.Metrics(h.Recorder, metricsPath))
	}
	r.Use(middleware.Timeout(cfg.Storage.OpTimeout))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "route not found", middleware.GetRequestID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed, "method not allowed", middleware.GetRequestID(r.Context()))
	})

	RegisterRoutes(r, h, metricsPath)
	return r
}

// RegisterRoutes registers the ops routes.
func RegisterRoutes(r chi.Router, h *Handlers, metricsPath string) {
	if h.Health != nil {
		r.Get("/healthz", h.Health.Health)
		r.Get("/readyz", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}
	if h.Metrics != nil {
		r.Method(http.MethodGet, metricsPath, h.Metrics)
	}
}
