package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ninjasquad/sensai/internal/config"
	"github.com/ninjasquad/sensai/internal/store"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Repository
	cfg  *config.Config
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, cfg *config.Config) *HealthHandler {
	return &HealthHandler{repo: repo, cfg: cfg}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	healthCheckTimeout := 5 * time.Second
	if h.cfg != nil && h.cfg.Timeout.HealthCheck > 0 {
		healthCheckTimeout = h.cfg.Timeout.HealthCheck
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if h.repo == nil {
		status["checks"].(map[string]string)["database"] = "disabled"
	} else if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
