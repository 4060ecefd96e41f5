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
	"github.com/zatekoja/enrichswarm/internal/adapters/coordination"
	"github.com/zatekoja/enrichswarm/internal/adapters/events"
	memqueue "github.com/zatekoja/enrichswarm/internal/adapters/queue"
	"github.com/zatekoja/enrichswarm/internal/api/handlers"
	"github.com/zatekoja/enrichswarm/internal/application/services"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
)

type swarmFixture struct {
	queue      *memqueue.MemoryQueue
	monitor    *services.MonitoringService
	resilience *services.ResilienceCoordinator
	handler    *handlers.SwarmHandler
}

func newSwarmFixture() *swarmFixture {
	queue := memqueue.NewMemoryQueue()
	registry := services.NewAgentRegistry(5, time.Minute)
	bus := events.NewMemoryEventBus()
	f := &swarmFixture{
		queue:      queue,
		monitor:    services.NewMonitoringService(queue, registry, bus, 4),
		resilience: services.NewResilienceCoordinator(coordination.NewMemoryStore(), queue, registry, bus, nil, services.DefaultResilienceConfig()),
	}
	f.handler = handlers.NewSwarmHandler(f.monitor, f.resilience)
	return f
}

func TestSwarmHandler_GetMetrics(t *testing.T) {
	f := newSwarmFixture()
	_, err := f.queue.Enqueue(context.Background(), entities.JobNameRow, entities.JobPayload{Rows: []int{0}}, providers.EnqueueOptions{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	f.handler.GetMetrics(w, httptest.NewRequest(http.MethodGet, "/api/swarm/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["total_jobs"])
	assert.Equal(t, float64(1), body["waiting_jobs"])
	assert.Equal(t, float64(4), body["concurrency_target"])
}

func TestSwarmHandler_GetMetricsHistory(t *testing.T) {
	f := newSwarmFixture()
	_, err := f.monitor.Sample(context.Background())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	f.handler.GetMetricsHistory(w, httptest.NewRequest(http.MethodGet, "/api/swarm/metrics/history?hours=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["hours"])
	assert.Equal(t, float64(1), body["count"])

	for _, q := range []string{"hours=0", "hours=abc"} {
		w = httptest.NewRecorder()
		f.handler.GetMetricsHistory(w, httptest.NewRequest(http.MethodGet, "/api/swarm/metrics/history?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestSwarmHandler_ExecuteControl(t *testing.T) {
	f := newSwarmFixture()

	w := httptest.NewRecorder()
	f.handler.ExecuteControl(w, httptest.NewRequest(http.MethodPost, "/api/swarm/control",
		strings.NewReader(`{"type":"adjust_concurrency","parameters":{"concurrency":9}}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["success"])
	assert.Equal(t, 9, f.monitor.ConcurrencyTarget())

	w = httptest.NewRecorder()
	f.handler.ExecuteControl(w, httptest.NewRequest(http.MethodPost, "/api/swarm/control",
		strings.NewReader(`{"type":"pause"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	paused, err := f.queue.IsPaused(context.Background())
	require.NoError(t, err)
	assert.True(t, paused)

	w = httptest.NewRecorder()
	f.handler.ExecuteControl(w, httptest.NewRequest(http.MethodPost, "/api/swarm/control",
		strings.NewReader(`{"type":"reboot"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	f.handler.ExecuteControl(w, httptest.NewRequest(http.MethodPost, "/api/swarm/control",
		strings.NewReader(`{"type":"pause","job_id":"missing"}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSwarmHandler_Breakers(t *testing.T) {
	f := newSwarmFixture()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job, err := f.queue.Enqueue(ctx, entities.JobNameRow, entities.JobPayload{Rows: []int{i}}, providers.EnqueueOptions{})
		require.NoError(t, err)
		_, err = f.queue.Claim(ctx, "")
		require.NoError(t, err)
		_, err = f.resilience.RecordFailure(ctx, job.ID, entities.FailureAPIError, "boom", "openai")
		require.NoError(t, err)
	}

	w := httptest.NewRecorder()
	f.handler.ListBreakers(w, httptest.NewRequest(http.MethodGet, "/api/swarm/breakers", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, float64(1), body["count"])
	breaker := body["breakers"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "open", breaker["state"])

	w = httptest.NewRecorder()
	f.handler.ListFailures(w, httptest.NewRequest(http.MethodGet, "/api/swarm/failures", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(5), decodeBody(t, w)["count"])

	req := httptest.NewRequest(http.MethodPost, "/api/swarm/breakers/openai/reset", nil)
	req.SetPathValue("targetId", "openai")
	w = httptest.NewRecorder()
	f.handler.ResetBreaker(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", decodeBody(t, w)["state"])

	available, err := f.resilience.IsAvailable(ctx, "openai")
	require.NoError(t, err)
	assert.True(t, available)
}
