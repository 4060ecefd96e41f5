package routes

import (
	"net/http"

	"github.com/zatekoja/enrichswarm/internal/api/handlers"
	"github.com/zatekoja/enrichswarm/internal/api/middleware"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	enrichmentHandler *handlers.EnrichmentHandler
	agentHandler      *handlers.AgentHandler
	swarmHandler      *handlers.SwarmHandler
	datasetHandler    *handlers.DatasetHandler
	sseHandler        *handlers.SSEHandler
	healthHandler     *handlers.HealthHandler

	allowedOrigins []string
	metrics        *observability.Metrics
}

// NewRouter creates a new router. sseHandler may be nil to disable streaming.
func NewRouter(
	enrichmentHandler *handlers.EnrichmentHandler,
	agentHandler *handlers.AgentHandler,
	swarmHandler *handlers.SwarmHandler,
	datasetHandler *handlers.DatasetHandler,
	sseHandler *handlers.SSEHandler,
	allowedOrigins []string,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:               http.NewServeMux(),
		enrichmentHandler: enrichmentHandler,
		agentHandler:      agentHandler,
		swarmHandler:      swarmHandler,
		datasetHandler:    datasetHandler,
		sseHandler:        sseHandler,
		allowedOrigins:    allowedOrigins,
		metrics:           metrics,
	}
}

// WithHealth replaces the default backend-less health handler.
func (r *Router) WithHealth(h *handlers.HealthHandler) *Router {
	r.healthHandler = h
	return r
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	if r.healthHandler == nil {
		r.healthHandler = handlers.NewHealthHandler(nil, 0)
	}
	r.mux.HandleFunc("GET /health", r.healthHandler.Health)

	// Enrichment jobs
	r.mux.HandleFunc("POST /api/datasets/{datasetId}/enrich", r.enrichmentHandler.EnrichCells)
	r.mux.HandleFunc("GET /api/jobs/{jobId}", r.enrichmentHandler.GetJobStatus)
	r.mux.HandleFunc("POST /api/jobs/{jobId}/pause", r.enrichmentHandler.PauseJob)
	r.mux.HandleFunc("POST /api/jobs/{jobId}/resume", r.enrichmentHandler.ResumeJob)
	r.mux.HandleFunc("POST /api/jobs/{jobId}/stop", r.enrichmentHandler.StopJob)

	// Agents
	r.mux.HandleFunc("POST /api/agents", r.agentHandler.RegisterAgent)
	r.mux.HandleFunc("GET /api/agents", r.agentHandler.ListAgents)
	r.mux.HandleFunc("GET /api/agents/available", r.agentHandler.ListAvailable)
	r.mux.HandleFunc("POST /api/agents/{agentId}/heartbeat", r.agentHandler.Heartbeat)
	r.mux.HandleFunc("POST /api/agents/{agentId}/workload", r.agentHandler.ReportWorkload)

	// Monitoring and control
	r.mux.HandleFunc("GET /api/swarm/metrics", r.swarmHandler.GetMetrics)
	r.mux.HandleFunc("GET /api/swarm/metrics/history", r.swarmHandler.GetMetricsHistory)
	r.mux.HandleFunc("POST /api/swarm/control", r.swarmHandler.ExecuteControl)
	r.mux.HandleFunc("GET /api/swarm/breakers", r.swarmHandler.ListBreakers)
	r.mux.HandleFunc("POST /api/swarm/breakers/{targetId}/reset", r.swarmHandler.ResetBreaker)
	r.mux.HandleFunc("GET /api/swarm/failures", r.swarmHandler.ListFailures)

	r.mux.HandleFunc("GET /api/datasets/{datasetId}/consistency", r.datasetHandler.ValidateConsistency)

	if r.sseHandler != nil {
		r.mux.HandleFunc("GET /api/stream/datasets/{datasetId}", r.sseHandler.StreamDatasetEvents)
		r.mux.HandleFunc("GET /api/stream/control", r.sseHandler.StreamControlEvents)
	}

	// Observability sits directly on the mux so it sees the matched pattern.
	var handler http.Handler = r.mux
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)
	handler = middleware.LoggingMiddleware(handler)

	// CORS wraps everything so preflights never reach the handlers
	handler = middleware.CORSMiddleware(r.allowedOrigins)(handler)

	return handler
}
