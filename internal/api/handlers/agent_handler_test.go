package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/enrichswarm/internal/api/handlers"
	"github.com/zatekoja/enrichswarm/internal/application/services"
)

func agentRequest(method, target, agentID, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if agentID != "" {
		req.SetPathValue("agentId", agentID)
	}
	return req
}

func TestAgentHandler_RegisterAndList(t *testing.T) {
	registry := services.NewAgentRegistry(5, time.Minute)
	handler := handlers.NewAgentHandler(registry)

	w := httptest.NewRecorder()
	handler.RegisterAgent(w, agentRequest(http.MethodPost, "/api/agents", "",
		`{"agent_id":"agent-a","capabilities":["search","extraction"]}`))

	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "agent-a", body["agent_id"])
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, []interface{}{"search", "extraction"}, body["capabilities"])

	w = httptest.NewRecorder()
	handler.ListAgents(w, agentRequest(http.MethodGet, "/api/agents", "", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = httptest.NewRecorder()
	handler.ListAvailable(w, agentRequest(http.MethodGet, "/api/agents/available", "", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"agent-a"}, decodeBody(t, w)["agent_ids"])
}

func TestAgentHandler_RegisterRejectsBadInput(t *testing.T) {
	handler := handlers.NewAgentHandler(services.NewAgentRegistry(5, time.Minute))

	for _, body := range []string{
		`{"agent_id":"","capabilities":["search"]}`,
		`{"agent_id":"agent-a","capabilities":["teleport"]}`,
		`not json`,
	} {
		w := httptest.NewRecorder()
		handler.RegisterAgent(w, agentRequest(http.MethodPost, "/api/agents", "", body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestAgentHandler_WorkloadControlsAvailability(t *testing.T) {
	registry := services.NewAgentRegistry(5, time.Minute)
	_, err := registry.RegisterAgent(context.Background(), "agent-a", nil)
	require.NoError(t, err)
	handler := handlers.NewAgentHandler(registry)

	w := httptest.NewRecorder()
	handler.ReportWorkload(w, agentRequest(http.MethodPost, "/api/agents/agent-a/workload", "agent-a", `{"workload":5}`))
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, registry.ListAvailable(context.Background()))

	w = httptest.NewRecorder()
	handler.ListAvailable(w, agentRequest(http.MethodGet, "/api/agents/available", "", ""))
	assert.Equal(t, []interface{}{}, decodeBody(t, w)["agent_ids"])

	w = httptest.NewRecorder()
	handler.ReportWorkload(w, agentRequest(http.MethodPost, "/api/agents/agent-a/workload", "agent-a", `{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	handler.ReportWorkload(w, agentRequest(http.MethodPost, "/api/agents/agent-a/workload", "agent-a", `{"workload":-1}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentHandler_Heartbeat(t *testing.T) {
	registry := services.NewAgentRegistry(5, time.Minute)
	_, err := registry.RegisterAgent(context.Background(), "agent-a", nil)
	require.NoError(t, err)
	handler := handlers.NewAgentHandler(registry)

	w := httptest.NewRecorder()
	handler.Heartbeat(w, agentRequest(http.MethodPost, "/api/agents/agent-a/heartbeat", "agent-a", ""))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	handler.Heartbeat(w, agentRequest(http.MethodPost, "/api/agents/ghost/heartbeat", "ghost", ""))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
