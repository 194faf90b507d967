// Package handlers provides the ops HTTP handlers.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/goclaw/tiermem/pkg/api/middleware"
	"github.com/goclaw/tiermem/pkg/api/response"
	"github.com/goclaw/tiermem/pkg/memory"
	"github.com/goclaw/tiermem/pkg/storage"
	"github.com/goclaw/tiermem/pkg/version"
)

// HealthChecker reports aggregated tier and engine health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) memory.Health
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checker HealthChecker
	started time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker, started: time.Now()}
}

// StatusResponse is the body of /status.
type StatusResponse struct {
	memory.Health
	Version version.Build `json:"version"`
	Uptime  string            `json:"uptime"`
}

// Health handles the /healthz endpoint (liveness probe). It does not touch
// the backends.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// Ready handles the /readyz endpoint (readiness probe). Degraded tiers
// still serve traffic; only an unhealthy tier fails readiness.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	report, ok := h.check(w, r)
	if !ok {
		return
	}

	status := http.StatusOK
	if report.Status == storage.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, map[string]interface{}{
		"ready":  status == http.StatusOK,
		"status": report.Status,
	})
}

// Status handles the /status endpoint (detailed per-tier status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	report, ok := h.check(w, r)
	if !ok {
		return
	}

	status := http.StatusOK
	if report.Status == storage.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, StatusResponse{
		Health:  report,
		Version: version.Current(),
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *HealthHandler) check(w http.ResponseWriter, r *http.Request) (memory.Health, bool) {
	report := h.checker.HealthCheck(r.Context())
	if err := r.Context().Err(); err != nil {
		response.HandleError(w, err, requestID(r))
		return report, false
	}
	return report, true
}

func requestID(r *http.Request) string {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		return id
	}
	return "unknown"
}
