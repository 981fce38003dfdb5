package routes

import (
	"net/http"

	"github.com/emsassist/protocolguide/internal/api/handlers"
	"github.com/emsassist/protocolguide/internal/api/middleware"
	"github.com/emsassist/protocolguide/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	protocolHandler *handlers.ProtocolHandler
	healthHandler   *handlers.HealthHandler

	metrics *observability.Metrics
}

// NewRouter creates a new router
func NewRouter(
	protocolHandler *handlers.ProtocolHandler,
	healthHandler *handlers.HealthHandler,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:             http.NewServeMux(),
		protocolHandler: protocolHandler,
		healthHandler:   healthHandler,
		metrics:         metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /health", r.healthHandler.Check)

	// Retrieval and validation endpoints
	r.mux.HandleFunc("POST /api/protocols/retrieve", r.protocolHandler.Retrieve)
	r.mux.HandleFunc("POST /api/protocols/validate-context", r.protocolHandler.ValidateContext)
	r.mux.HandleFunc("POST /api/protocols/validate-answer", r.protocolHandler.ValidateAnswer)

	// Analytics endpoints
	r.mux.HandleFunc("GET /api/analytics/zero-result-queries", r.protocolHandler.GetZeroResultQueries)

	// Apply middleware in reverse order (last middleware wraps first)
	var handler http.Handler = r.mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)

	return handler
}
