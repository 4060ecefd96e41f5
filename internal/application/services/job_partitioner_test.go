package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/enrichswarm/internal/application/services"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
)

func TestDetermineOptimalPartitioning(t *testing.T) {
	tests := []struct {
		rows     int
		wantCfg  entities.PartitionConfig
		wantSize int
	}{
		{5, entities.PartitionConfig{MaxChunkSize: 3, MinChunkSize: 1, MaxConcurrency: 2}, 3},
		{10, entities.PartitionConfig{MaxChunkSize: 3, MinChunkSize: 1, MaxConcurrency: 2}, 3},
		{11, entities.PartitionConfig{MaxChunkSize: 8, MinChunkSize: 2, MaxConcurrency: 4}, 3},
		{50, entities.PartitionConfig{MaxChunkSize: 8, MinChunkSize: 2, MaxConcurrency: 4}, 8},
		{51, entities.PartitionConfig{MaxChunkSize: 15, MinChunkSize: 3, MaxConcurrency: 8}, 7},
		{1000, entities.PartitionConfig{MaxChunkSize: 15, MinChunkSize: 3, MaxConcurrency: 8}, 15},
	}
	for _, tt := range tests {
		cfg := services.DetermineOptimalPartitioning(tt.rows)
		assert.Equal(t, tt.wantCfg, cfg, "rows=%d", tt.rows)
		assert.Equal(t, tt.wantSize, services.ChunkSize(tt.rows, cfg), "rows=%d", tt.rows)
	}
}

func TestChunkSize_MinimumApplies(t *testing.T) {
	cfg := entities.PartitionConfig{MaxChunkSize: 15, MinChunkSize: 3, MaxConcurrency: 8}
	assert.Equal(t, 3, services.ChunkSize(4, cfg))
	assert.Equal(t, 1, services.ChunkSize(1, entities.PartitionConfig{MaxConcurrency: 0}))
}

func TestChunkRows_CoversEveryRowOnce(t *testing.T) {
	for n := 1; n <= 120; n++ {
		rows := rowsUpTo(n)
		cfg := services.DetermineOptimalPartitioning(n)
		size := services.ChunkSize(n, cfg)
		chunks := services.ChunkRows(rows, cfg)

		require.Len(t, chunks, (n+size-1)/size, "rows=%d", n)
		var flat []int
		for i, c := range chunks {
			assert.LessOrEqual(t, len(c), cfg.MaxChunkSize, "rows=%d chunk=%d", n, i)
			if i < len(chunks)-1 {
				assert.Len(t, c, size, "rows=%d chunk=%d", n, i)
			}
			flat = append(flat, c...)
		}
		assert.Equal(t, rows, flat, "rows=%d", n)
	}
}

func TestPartitionJob_FiftyRows(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	req := e.request(rowsUpTo(50)...)
	parentID, err := e.partitioner.PartitionJob(ctx, req, services.DetermineOptimalPartitioning(50), services.PartitionOptions{
		Priority: entities.PriorityHigh,
	})
	require.NoError(t, err)

	parent, err := e.queue.GetJob(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobNameParent, parent.Name)
	assert.Equal(t, 50, parent.Payload.TotalRows)
	assert.Equal(t, 7, parent.Payload.ChunkCount)
	assert.Equal(t, entities.PriorityHigh, parent.Payload.Priority)
	assert.Empty(t, parent.ParentID)

	children, err := e.queue.Children(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, children, 7)

	covered := make(map[int]int)
	for i, c := range children {
		assert.Equal(t, entities.JobNameChunk, c.Name)
		assert.Equal(t, parentID, c.ParentID)
		assert.Equal(t, parentID, c.Payload.ParentJobID)
		assert.Equal(t, i, c.Payload.ChunkIndex)
		assert.Equal(t, 7, c.Payload.TotalChunks)
		assert.Equal(t, 50, c.Payload.TotalRows)
		assert.Equal(t, c.Payload.Rows, c.Payload.Request.Rows)
		assert.Equal(t, 3, c.MaxAttempts)
		for _, r := range c.Payload.Rows {
			covered[r]++
		}
	}
	assert.Len(t, children[6].Payload.Rows, 2)
	assert.Len(t, covered, 50)
	for row, n := range covered {
		assert.Equal(t, 1, n, "row %d", row)
	}
}

func TestPartitionJob_FiveRows(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	parentID, err := e.partitioner.PartitionJob(ctx, e.request(rowsUpTo(5)...), services.DetermineOptimalPartitioning(5), services.PartitionOptions{})
	require.NoError(t, err)

	children, err := e.queue.Children(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, []int{0, 1, 2}, children[0].Payload.Rows)
	assert.Equal(t, []int{3, 4}, children[1].Payload.Rows)
}

func TestPartitionJob_PlanAffinity(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	plan := &entities.OrchestrationPlan{
		Strategy:   entities.StrategyParallel,
		Confidence: 0.8,
		Assignments: []entities.TaskAssignment{
			{AgentID: "agent-a", TaskType: entities.TaskTypeExtraction, Payload: entities.TaskPayload{Rows: []int{0, 1, 2}}},
			{AgentID: "agent-b", TaskType: entities.TaskTypeExtraction, Payload: entities.TaskPayload{Rows: []int{3, 4}}},
		},
	}
	parentID, err := e.partitioner.PartitionJob(ctx, e.request(rowsUpTo(5)...), services.DetermineOptimalPartitioning(5), services.PartitionOptions{
		Plan:        plan,
		ParentJobID: "request-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "request-42", parentID)

	parent, err := e.queue.GetJob(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, entities.StrategyParallel, parent.Payload.Strategy)
	assert.InDelta(t, 0.8, parent.Payload.Confidence, 1e-9)

	children, err := e.queue.Children(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "agent-a", children[0].AgentID)
	assert.Equal(t, "agent-b", children[1].AgentID)
}

func TestPartitionJob_DuplicateParentID(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	opts := services.PartitionOptions{ParentJobID: "fixed"}

	_, err := e.partitioner.PartitionJob(ctx, e.request(0), services.DetermineOptimalPartitioning(1), opts)
	require.NoError(t, err)
	_, err = e.partitioner.PartitionJob(ctx, e.request(0), services.DetermineOptimalPartitioning(1), opts)
	require.Error(t, err)
}

func TestPartitionJob_NoRows(t *testing.T) {
	e := newEngine(t)
	_, err := e.partitioner.PartitionJob(context.Background(), e.request(), services.DetermineOptimalPartitioning(0), services.PartitionOptions{})
	require.Error(t, err)
}

func TestSubmitRows(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	parentID, err := e.partitioner.SubmitRows(ctx, e.request(4, 9, 2), services.PartitionOptions{})
	require.NoError(t, err)

	parent, err := e.queue.GetJob(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, 3, parent.Payload.TotalRows)
	assert.Equal(t, 3, parent.Payload.ChunkCount)

	children, err := e.queue.Children(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	for i, row := range []int{4, 9, 2} {
		assert.Equal(t, entities.JobNameRow, children[i].Name)
		assert.Equal(t, []int{row}, children[i].Payload.Rows)
		assert.Equal(t, row, children[i].AsRow().Row)
		assert.Equal(t, 1, children[i].MaxAttempts)
		assert.Empty(t, children[i].AgentID)
	}
}
