package handlers

import (
	"net/http"

	"github.com/zatekoja/enrichswarm/internal/application/services"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
)

// AgentHandler exposes the agent registry
type AgentHandler struct {
	registry *services.AgentRegistry
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(registry *services.AgentRegistry) *AgentHandler {
	return &AgentHandler{registry: registry}
}

type registerAgentRequest struct {
	AgentID      string              `json:"agent_id"`
	Capabilities []entities.TaskType `json:"capabilities"`
}

type workloadRequest struct {
	Workload *int `json:"workload"`
}

// RegisterAgent handles POST /api/agents
func (h *AgentHandler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body registerAgentRequest
	if err := decodeJSON(w, r, &body); err != nil {
		respondWithAppError(w, r, err)
		return
	}

	agent, err := h.registry.RegisterAgent(r.Context(), body.AgentID, body.Capabilities)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, agent)
}

// Heartbeat handles POST /api/agents/{agentId}/heartbeat
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.UpdateHeartbeat(r.Context(), r.PathValue("agentId")); err != nil {
		respondWithAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReportWorkload handles POST /api/agents/{agentId}/workload
func (h *AgentHandler) ReportWorkload(w http.ResponseWriter, r *http.Request) {
	var body workloadRequest
	if err := decodeJSON(w, r, &body); err != nil {
		respondWithAppError(w, r, err)
		return
	}
	if body.Workload == nil {
		respondWithError(w, http.StatusBadRequest, "workload is required")
		return
	}

	if err := h.registry.ReportWorkload(r.Context(), r.PathValue("agentId"), *body.Workload); err != nil {
		respondWithAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAgents handles GET /api/agents
func (h *AgentHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.GetStatus(r.Context())
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	})
}

// ListAvailable handles GET /api/agents/available
func (h *AgentHandler) ListAvailable(w http.ResponseWriter, r *http.Request) {
	ids := h.registry.ListAvailable(r.Context())
	if ids == nil {
		ids = []string{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"agent_ids": ids,
		"count":     len(ids),
	})
}
