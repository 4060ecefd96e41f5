package handlers

import (
	"net/http"
	"strconv"

	"github.com/zatekoja/enrichswarm/internal/application/services"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
)

const defaultHistoryHours = 1

// SwarmHandler exposes monitoring, operator control and resilience state
type SwarmHandler struct {
	monitor    *services.MonitoringService
	resilience *services.ResilienceCoordinator
}

// NewSwarmHandler creates a new swarm handler
func NewSwarmHandler(monitor *services.MonitoringService, resilience *services.ResilienceCoordinator) *SwarmHandler {
	return &SwarmHandler{monitor: monitor, resilience: resilience}
}

// GetMetrics handles GET /api/swarm/metrics
func (h *SwarmHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.monitor.CollectMetrics(r.Context())
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, metrics)
}

// GetMetricsHistory handles GET /api/swarm/metrics/history?hours=N
func (h *SwarmHandler) GetMetricsHistory(w http.ResponseWriter, r *http.Request) {
	hours := defaultHistoryHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondWithError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = parsed
	}

	samples := h.monitor.GetHistoricalMetrics(hours)
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"hours":   hours,
		"samples": samples,
		"count":   len(samples),
	})
}

// ExecuteControl handles POST /api/swarm/control
func (h *SwarmHandler) ExecuteControl(w http.ResponseWriter, r *http.Request) {
	var cmd entities.ControlCommand
	if err := decodeJSON(w, r, &cmd); err != nil {
		respondWithAppError(w, r, err)
		return
	}

	ok, err := h.monitor.ExecuteControlCommand(r.Context(), cmd)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": ok,
		"command": cmd.Type,
	})
}

// ListBreakers handles GET /api/swarm/breakers
func (h *SwarmHandler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	breakers, err := h.resilience.ListBreakers(r.Context())
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": breakers,
		"count":    len(breakers),
	})
}

// ResetBreaker handles POST /api/swarm/breakers/{targetId}/reset
func (h *SwarmHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	targetID := r.PathValue("targetId")
	if err := h.resilience.ResetCircuitBreaker(r.Context(), targetID); err != nil {
		respondWithAppError(w, r, err)
		return
	}
	breaker, err := h.resilience.GetBreaker(r.Context(), targetID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, breaker)
}

// ListFailures handles GET /api/swarm/failures
func (h *SwarmHandler) ListFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := h.resilience.ListFailures(r.Context())
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"failures": failures,
		"count":    len(failures),
	})
}
