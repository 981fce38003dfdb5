package handlers

import (
	"net/http"

	"github.com/emsassist/protocolguide/internal/resilience"
)

// HealthHandler exposes the subsystem health snapshot. Degraded still serves
// (200); only unhealthy returns 503.
type HealthHandler struct {
	checker *resilience.HealthChecker
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(checker *resilience.HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Check handles GET /health
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	health := h.checker.Check(r.Context())

	status := http.StatusOK
	if health.Status == resilience.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, health)
}
