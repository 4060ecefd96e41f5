package services

import (
	"context"
	"fmt"

	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

// chunkAttempts is the queue-level retry budget of a chunk job. Row
// failures are retried by the resilience coordinator instead.
const chunkAttempts = 3

// PartitionOptions carries the planner output and affinity into the jobs the
// partitioner creates
type PartitionOptions struct {
	Plan     *entities.OrchestrationPlan
	Priority entities.Priority
	// ParentJobID pre-assigns the parent id
	ParentJobID string
}

// JobPartitioner splits bulk requests into a parent tracking job and bounded
// chunk jobs
type JobPartitioner struct {
	queue   providers.WorkQueue
	metrics *observability.Metrics
}

// NewJobPartitioner creates a new job partitioner
func NewJobPartitioner(queue providers.WorkQueue, metrics *observability.Metrics) *JobPartitioner {
	return &JobPartitioner{queue: queue, metrics: metrics}
}

// DetermineOptimalPartitioning picks chunk bounds by request volume
func DetermineOptimalPartitioning(totalRows int) entities.PartitionConfig {
	switch {
	case totalRows <= 10:
		return entities.PartitionConfig{MaxChunkSize: 3, MinChunkSize: 1, MaxConcurrency: 2}
	case totalRows <= 50:
		return entities.PartitionConfig{MaxChunkSize: 8, MinChunkSize: 2, MaxConcurrency: 4}
	default:
		return entities.PartitionConfig{MaxChunkSize: 15, MinChunkSize: 3, MaxConcurrency: 8}
	}
}

// ChunkSize returns clamp(ceil(totalRows/maxConcurrency), min, max)
func ChunkSize(totalRows int, cfg entities.PartitionConfig) int {
	conc := cfg.MaxConcurrency
	if conc < 1 {
		conc = 1
	}
	size := (totalRows + conc - 1) / conc
	if size < cfg.MinChunkSize {
		size = cfg.MinChunkSize
	}
	if cfg.MaxChunkSize > 0 && size > cfg.MaxChunkSize {
		size = cfg.MaxChunkSize
	}
	if size < 1 {
		size = 1
	}
	return size
}

// ChunkRows slices rows in order into chunks of ChunkSize. The last chunk may
// be shorter.
func ChunkRows(rows []int, cfg entities.PartitionConfig) [][]int {
	if len(rows) == 0 {
		return nil
	}
	size := ChunkSize(len(rows), cfg)
	chunks := make([][]int, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, append([]int(nil), rows[start:end]...))
	}
	return chunks
}

// PartitionJob enqueues the parent tracking job and one chunk job per slice
// and returns the parent id
func (p *JobPartitioner) PartitionJob(ctx context.Context, req entities.EnrichmentRequest, cfg entities.PartitionConfig, opts PartitionOptions) (string, error) {
	chunks := ChunkRows(req.Rows, cfg)
	if len(chunks) == 0 {
		return "", apperrors.NewValidationError("at least one row is required")
	}
	payloads := make([]entities.JobPayload, len(chunks))
	for i, rows := range chunks {
		payloads[i] = entities.JobPayload{
			Request:     req.ForRows(rows),
			Rows:        rows,
			ChunkIndex:  i,
			TotalChunks: len(chunks),
			Priority:    opts.Priority,
		}
	}
	parentID, err := p.enqueueTree(ctx, req, entities.JobNameChunk, payloads, opts)
	if err != nil {
		return "", err
	}

	observability.LoggerFromContext(ctx).Info().
		Str("job_id", parentID).
		Str("dataset_id", req.DatasetID).
		Int("total_rows", len(req.Rows)).
		Int("chunks", len(chunks)).
		Int("chunk_size", ChunkSize(len(req.Rows), cfg)).
		Msg("Request partitioned")
	return parentID, nil
}

// SubmitRows enqueues one row job per row under a parent tracking job, with
// no agent affinity. Used when no agent is available.
func (p *JobPartitioner) SubmitRows(ctx context.Context, req entities.EnrichmentRequest, opts PartitionOptions) (string, error) {
	if len(req.Rows) == 0 {
		return "", apperrors.NewValidationError("at least one row is required")
	}
	payloads := make([]entities.JobPayload, len(req.Rows))
	for i, row := range req.Rows {
		payloads[i] = entities.JobPayload{
			Request:     req.ForRows([]int{row}),
			Rows:        []int{row},
			ChunkIndex:  i,
			TotalChunks: len(req.Rows),
			Priority:    opts.Priority,
		}
	}
	opts.Plan = nil
	parentID, err := p.enqueueTree(ctx, req, entities.JobNameRow, payloads, opts)
	if err != nil {
		return "", err
	}

	observability.LoggerFromContext(ctx).Info().
		Str("job_id", parentID).
		Str("dataset_id", req.DatasetID).
		Int("total_rows", len(req.Rows)).
		Msg("Request submitted as direct row jobs")
	return parentID, nil
}

func (p *JobPartitioner) enqueueTree(ctx context.Context, req entities.EnrichmentRequest, childName entities.JobName, children []entities.JobPayload, opts PartitionOptions) (string, error) {
	parentPayload := entities.JobPayload{
		Request:    req,
		TotalRows:  len(req.Rows),
		ChunkCount: len(children),
		Priority:   opts.Priority,
	}
	if opts.Plan != nil {
		parentPayload.Strategy = opts.Plan.Strategy
		parentPayload.Confidence = opts.Plan.Confidence
	}

	parent, err := p.queue.Enqueue(ctx, entities.JobNameParent, parentPayload, providers.EnqueueOptions{
		JobID:    opts.ParentJobID,
		Attempts: 1,
	})
	if err != nil {
		return "", apperrors.NewInternalError("failed to enqueue parent job", err)
	}
	observability.RecordJobEnqueued(ctx, p.metrics, string(entities.JobNameParent))

	for i, payload := range children {
		payload.ParentJobID = parent.ID
		payload.TotalRows = len(req.Rows)

		enqOpts := providers.EnqueueOptions{ParentID: parent.ID, Attempts: chunkAttempts}
		if childName == entities.JobNameRow {
			enqOpts.Attempts = 1
		}
		if opts.Plan != nil && len(payload.Rows) > 0 {
			if agent, ok := opts.Plan.AgentFor(payload.Rows[0], entities.TaskTypeExtraction); ok {
				enqOpts.AgentID = agent
			}
		}

		if _, err := p.queue.Enqueue(ctx, childName, payload, enqOpts); err != nil {
			// Children already queued run to completion under the parent;
			// the parent is stopped so the request surfaces as failed.
			reason := fmt.Sprintf("partitioning aborted at chunk %d: %v", i, err)
			if ferr := p.queue.ForceFail(ctx, parent.ID, reason); ferr != nil {
				observability.LoggerFromContext(ctx).Error().Err(ferr).Str("job_id", parent.ID).Msg("Failed to fail parent job")
			}
			return "", apperrors.NewInternalError("failed to enqueue chunk job", err)
		}
		observability.RecordJobEnqueued(ctx, p.metrics, string(childName))
	}
	return parent.ID, nil
}
