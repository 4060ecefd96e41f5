package services_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/enrichswarm/internal/application/services"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
)

func startPool(t *testing.T, e *engine, workers int) *services.WorkerPool {
	t.Helper()
	pool := services.NewWorkerPool(e.queue, e.writer, e.resilience, e.registry, e.monitor, e.bus, nil, services.WorkerPoolConfig{
		Workers:            workers,
		IdleInterval:       5 * time.Millisecond,
		ParentPollInterval: 10 * time.Millisecond,
		RowTimeout:         5 * time.Second,
		HeartbeatInterval:  50 * time.Millisecond,
	})
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { pool.Stop(context.Background()) })
	return pool
}

// settled advances the fake clock on every poll so delayed jobs become due
func (e *engine) settled(jobID string) func() bool {
	return func() bool {
		e.clock.Advance(time.Second)
		job, err := e.queue.GetJob(context.Background(), jobID)
		return err == nil && job.Status.IsTerminal()
	}
}

func TestWorkerPool_EnrichesEveryRow(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.gateway.RegisterLanguageModel(NewMockLanguageModel(testModel, extractionReply(`{"value": "https://acme.example.com", "confidence": 0.8}`)))
	startPool(t, e, 3)

	jobID, err := e.enrichment.EnrichCells(ctx, e.request(rowsUpTo(10)...))
	require.NoError(t, err)
	require.Eventually(t, e.settled(jobID), 10*time.Second, 10*time.Millisecond)

	parent, err := e.queue.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusCompleted, parent.Status)
	require.NotNil(t, parent.Result)
	assert.Equal(t, 10, parent.Result.Succeeded)
	assert.Equal(t, 0, parent.Result.Failed)
	assert.InDelta(t, 100.0, parent.Progress, 1e-9)

	for row := 0; row < 10; row++ {
		cell, err := e.repo.ReadCell(ctx, testDataset, row, testColumn)
		require.NoError(t, err, "row %d", row)
		assert.Equal(t, 1, cell.Version)
	}
	assert.Len(t, e.registry.GetStatus(ctx), 3)
}

func TestWorkerPool_RetriesFailedRow(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	var failures atomic.Int32
	e.gateway.RegisterLanguageModel(NewMockLanguageModel(testModel, func(req providers.CompletionRequest) (string, error) {
		if strings.HasPrefix(req.Prompt, "Row 3,") && req.JSONMode && failures.Load() < 2 {
			failures.Add(1)
			return "", &providers.ProviderError{Provider: testModel, Kind: providers.ProviderErrorRateLimit}
		}
		return extractionReply(`{"value": "https://acme.example.com", "confidence": 0.8}`)(req)
	}))
	startPool(t, e, 2)

	jobID, err := e.enrichment.EnrichCells(ctx, e.request(rowsUpTo(6)...))
	require.NoError(t, err)
	require.Eventually(t, e.settled(jobID), 10*time.Second, 10*time.Millisecond)

	parent, err := e.queue.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusCompleted, parent.Status)
	assert.Equal(t, 6, parent.Result.Succeeded)
	assert.Equal(t, int32(2), failures.Load())

	_, err = e.repo.ReadCell(ctx, testDataset, 3, testColumn)
	require.NoError(t, err)

	records, err := e.resilience.ListFailures(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	recovered := 0
	for _, rec := range records {
		assert.Equal(t, entities.FailureAPIError, rec.FailureType)
		assert.Equal(t, testModel, rec.TargetID)
		if rec.Status == entities.FailureStatusRecovered {
			recovered++
		}
	}
	assert.Equal(t, 1, recovered)

	children, err := e.queue.Children(ctx, jobID)
	require.NoError(t, err)
	retries := 0
	for _, c := range children {
		if c.RetryOf != "" {
			retries++
			assert.Equal(t, []int{3}, c.Payload.Rows)
		}
	}
	assert.Equal(t, 2, retries)
}

func TestWorkerPool_TimedOutAgentStaysDeprioritized(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	var timeouts atomic.Int32
	e.gateway.RegisterLanguageModel(NewMockLanguageModel(testModel, func(req providers.CompletionRequest) (string, error) {
		if req.JSONMode && timeouts.Load() == 0 {
			timeouts.Add(1)
			return "", context.DeadlineExceeded
		}
		return extractionReply(`{"value": "https://acme.example.com", "confidence": 0.8}`)(req)
	}))
	startPool(t, e, 1)
	agents := e.registry.GetStatus(ctx)
	require.Len(t, agents, 1)
	agentID := agents[0].AgentID

	_, err := e.enrichment.EnrichCells(ctx, e.request(0))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		records, err := e.resilience.ListFailures(ctx)
		if err != nil || len(records) == 0 {
			return false
		}
		agent, err := e.registry.Get(ctx, agentID)
		return err == nil && agent.Workload == 0
	}, 5*time.Second, 10*time.Millisecond)

	records, err := e.resilience.ListFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, entities.FailureAgentTimeout, records[0].FailureType)

	agent, err := e.registry.Get(ctx, agentID)
	require.NoError(t, err)
	require.NotNil(t, agent.DeprioritizedUntil)
	assert.NotContains(t, e.registry.ListAvailable(ctx), agentID, "finishing the job keeps the penalty")

	e.clock.Advance(time.Minute)
	assert.Contains(t, e.registry.ListAvailable(ctx), agentID)
}

func TestWorkerPool_AllRowsFail(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.gateway.RegisterLanguageModel(NewMockLanguageModel(testModel, func(req providers.CompletionRequest) (string, error) {
		return "", errors.New("model crashed")
	}))
	startPool(t, e, 2)

	jobID, err := e.enrichment.EnrichCells(ctx, e.request(0, 1))
	require.NoError(t, err)
	require.Eventually(t, e.settled(jobID), 15*time.Second, 10*time.Millisecond)

	parent, err := e.queue.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusFailed, parent.Status)
	assert.True(t, strings.HasPrefix(parent.FailedReason, "all 2 rows failed"), parent.FailedReason)

	records, err := e.resilience.ListFailures(ctx)
	require.NoError(t, err)
	for _, rec := range records {
		assert.LessOrEqual(t, rec.RetryCount, 3)
	}
}

func TestWorkerPool_DatasetDeleted(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	jobID, err := e.enrichment.EnrichCells(ctx, e.request(rowsUpTo(4)...))
	require.NoError(t, err)
	e.repo.DeleteDataset(ctx, testDataset)
	startPool(t, e, 2)

	require.Eventually(t, e.settled(jobID), 10*time.Second, 10*time.Millisecond)
	parent, err := e.queue.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusFailed, parent.Status)

	cells, err := e.repo.ListCells(ctx, testDataset)
	require.NoError(t, err)
	assert.Empty(t, cells)
}

func TestWorkerPool_PausedJobWaitsForResume(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	jobID, err := e.enrichment.EnrichCells(ctx, e.request(rowsUpTo(3)...))
	require.NoError(t, err)
	require.NoError(t, e.enrichment.PauseJob(ctx, jobID, testOwner))
	startPool(t, e, 2)

	require.Never(t, func() bool {
		cells, _ := e.repo.ListCells(ctx, testDataset)
		return len(cells) > 0
	}, 200*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, e.enrichment.ResumeJob(ctx, jobID, testOwner))
	require.Eventually(t, e.settled(jobID), 10*time.Second, 10*time.Millisecond)

	parent, err := e.queue.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusCompleted, parent.Status)
	cells, err := e.repo.ListCells(ctx, testDataset)
	require.NoError(t, err)
	assert.Len(t, cells, 3)
}

func TestWorkerPool_StopMarksAgentsOffline(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	pool := startPool(t, e, 2)

	assert.ElementsMatch(t, []string{"worker-0", "worker-1"}, e.registry.ListAvailable(ctx))
	pool.Stop(ctx)
	assert.Empty(t, e.registry.ListAvailable(ctx))
	for _, a := range e.registry.GetStatus(ctx) {
		assert.Equal(t, entities.AgentStatusOffline, a.Status)
	}
}
