package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

// WorkerPoolConfig sizes the pool and its polling cadence
type WorkerPoolConfig struct {
	Workers            int
	AgentPrefix        string
	IdleInterval       time.Duration
	ParentPollInterval time.Duration
	RowTimeout         time.Duration
	HeartbeatInterval  time.Duration
}

func (c *WorkerPoolConfig) withDefaults() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.AgentPrefix == "" {
		c.AgentPrefix = "worker"
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 200 * time.Millisecond
	}
	if c.ParentPollInterval <= 0 {
		c.ParentPollInterval = time.Second
	}
	if c.RowTimeout <= 0 {
		c.RowTimeout = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
}

// WorkerPool runs workers that pull jobs off the queue. Each worker is also
// registered as an agent so it takes part in planning and health tracking.
type WorkerPool struct {
	queue      providers.WorkQueue
	writer     *CellWriter
	resilience *ResilienceCoordinator
	registry   *AgentRegistry
	monitor    *MonitoringService
	bus        providers.EventBus
	metrics    *observability.Metrics
	cfg        WorkerPoolConfig

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	heartbeat *PeriodicTask
}

// NewWorkerPool creates a stopped pool. monitor, bus and metrics may be nil.
func NewWorkerPool(
	queue providers.WorkQueue,
	writer *CellWriter,
	resilience *ResilienceCoordinator,
	registry *AgentRegistry,
	monitor *MonitoringService,
	bus providers.EventBus,
	metrics *observability.Metrics,
	cfg WorkerPoolConfig,
) *WorkerPool {
	cfg.withDefaults()
	return &WorkerPool{
		queue:      queue,
		writer:     writer,
		resilience: resilience,
		registry:   registry,
		monitor:    monitor,
		bus:        bus,
		metrics:    metrics,
		cfg:        cfg,
	}
}

func (p *WorkerPool) agentID(i int) string {
	return fmt.Sprintf("%s-%d", p.cfg.AgentPrefix, i)
}

var allTaskTypes = []entities.TaskType{
	entities.TaskTypeSearch,
	entities.TaskTypeExtraction,
	entities.TaskTypeVerification,
	entities.TaskTypeAggregation,
}

// Start registers the workers and launches them
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return nil
	}
	for i := 0; i < p.cfg.Workers; i++ {
		if _, err := p.registry.RegisterAgent(ctx, p.agentID(i), allTaskTypes); err != nil {
			return fmt.Errorf("register worker %d: %w", i, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.heartbeat = NewPeriodicTask("worker-heartbeat", p.cfg.HeartbeatInterval, func(ctx context.Context) {
		for i := 0; i < p.cfg.Workers; i++ {
			if err := p.registry.UpdateHeartbeat(ctx, p.agentID(i)); err != nil {
				observability.LoggerFromContext(ctx).Warn().Err(err).Str("agent_id", p.agentID(i)).Msg("Heartbeat failed")
			}
		}
	})
	p.heartbeat.Start(runCtx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(runCtx, i)
	}

	observability.LoggerFromContext(ctx).Info().Int("workers", p.cfg.Workers).Msg("Worker pool started")
	return nil
}

// Stop cancels the workers and waits for in-flight rows to return
func (p *WorkerPool) Stop(ctx context.Context) {
	p.mu.Lock()
	cancel, heartbeat := p.cancel, p.heartbeat
	p.cancel, p.heartbeat = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	heartbeat.Stop()
	cancel()
	p.wg.Wait()

	for i := 0; i < p.cfg.Workers; i++ {
		_ = p.registry.MarkOffline(ctx, p.agentID(i))
	}
	observability.LoggerFromContext(ctx).Info().Msg("Worker pool stopped")
}

func (p *WorkerPool) idle(ctx context.Context) bool {
	timer := time.NewTimer(p.cfg.IdleInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *WorkerPool) run(ctx context.Context, index int) {
	defer p.wg.Done()
	agentID := p.agentID(index)
	logger := observability.LoggerFromContext(ctx).With().Str("agent_id", agentID).Logger()

	for ctx.Err() == nil {
		if p.monitor != nil && index >= p.monitor.ConcurrencyTarget() {
			if !p.idle(ctx) {
				return
			}
			continue
		}

		job, err := p.queue.Claim(ctx, agentID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to claim job")
		}
		if job == nil {
			if !p.idle(ctx) {
				return
			}
			continue
		}

		_ = p.registry.AdjustWorkload(ctx, agentID, 1)
		p.process(logger.WithContext(ctx), agentID, job)
		_ = p.registry.AdjustWorkload(ctx, agentID, -1)
	}
}

func (p *WorkerPool) process(ctx context.Context, agentID string, job *entities.QueueJob) {
	defer func() {
		if r := recover(); r != nil {
			observability.LoggerFromContext(ctx).Error().Interface("panic", r).Str("job_id", job.ID).Msg("Worker panicked")
			if err := p.queue.Fail(context.WithoutCancel(ctx), job.ID, "internal worker error"); err != nil && !errors.Is(err, providers.ErrJobNotActive) {
				observability.LoggerFromContext(ctx).Error().Err(err).Str("job_id", job.ID).Msg("Failed to fail job")
			}
		}
	}()

	switch job.Name {
	case entities.JobNameParent:
		p.processParent(ctx, job)
	case entities.JobNameChunk:
		p.processChunk(ctx, agentID, job)
	case entities.JobNameRow:
		p.processRow(ctx, agentID, job)
	default:
		_ = p.queue.ForceFail(ctx, job.ID, fmt.Sprintf("unknown job type %s", job.Name))
	}
}

// stillRunnable reports whether job is still held by a worker
func (p *WorkerPool) stillRunnable(ctx context.Context, jobID string) (entities.JobStatus, bool) {
	cur, err := p.queue.GetJob(ctx, jobID)
	if err != nil {
		return "", false
	}
	return cur.Status, cur.Status == entities.JobStatusActive
}

func (p *WorkerPool) enrichRow(ctx context.Context, job *entities.QueueJob, row int) error {
	rowCtx, cancel := context.WithTimeout(ctx, p.cfg.RowTimeout)
	defer cancel()

	_, err := p.writer.EnrichCell(rowCtx, job.Payload.Request, row)
	observability.RecordRowProcessed(ctx, p.metrics, job.DatasetID(), err == nil)
	return err
}

// reportRowFailure hands a failed row to the resilience coordinator. row is
// nil when the whole job is the row.
func (p *WorkerPool) reportRowFailure(ctx context.Context, agentID string, job *entities.QueueJob, row *int, err error) {
	if !apperrors.IsRetryable(err) {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("job_id", job.ID).Msg("Row failed permanently, not retried")
		return
	}
	report := FailureReport{
		JobID:       job.ID,
		FailureType: ClassifyProviderError(err),
		Details:     err.Error(),
		TargetID:    TargetOf(err),
		Row:         row,
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		report.FailureType = entities.FailureAPIError
		report.SkipBreaker = true
	case errors.Is(err, ErrLockNotAcquired):
		report.FailureType = entities.FailureProcessingError
		report.TargetID = ""
	case report.FailureType == entities.FailureAgentTimeout:
		report.TargetID = agentID
	}
	if _, rerr := p.resilience.Report(ctx, report); rerr != nil {
		observability.LoggerFromContext(ctx).Error().Err(rerr).Str("job_id", job.ID).Msg("Failed to record failure")
	}
}

func rowError(row int, err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return fmt.Sprintf("row %d: provider %s temporarily unavailable", row, TargetOf(err))
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("row %d: timed out", row)
	case errors.Is(err, ErrLockNotAcquired):
		return fmt.Sprintf("row %d: cell busy", row)
	}
	if target := TargetOf(err); target != "" {
		if kind, ok := providers.ProviderErrorKindOf(err); ok {
			return fmt.Sprintf("row %d: provider %s failed (%s)", row, target, kind)
		}
		return fmt.Sprintf("row %d: provider %s failed", row, target)
	}
	return fmt.Sprintf("row %d: enrichment failed", row)
}

func (p *WorkerPool) processChunk(ctx context.Context, agentID string, job *entities.QueueJob) {
	logger := observability.LoggerFromContext(ctx).With().Str("job_id", job.ID).Logger()
	rows := job.Payload.Rows

	result := entities.JobResult{}
	if job.Result != nil {
		result = *job.Result
		result.Errors = append([]string(nil), job.Result.Errors...)
	}

	for i := job.Payload.Cursor; i < len(rows); i++ {
		if ctx.Err() != nil {
			return
		}
		if status, ok := p.stillRunnable(ctx, job.ID); !ok {
			if status == entities.JobStatusPaused {
				_ = p.queue.SaveCheckpoint(ctx, job.ID, i, &result)
				logger.Info().Int("cursor", i).Msg("Chunk paused")
			} else {
				logger.Info().Str("status", string(status)).Msg("Chunk no longer runnable, remaining rows dropped")
			}
			return
		}

		row := rows[i]
		err := p.enrichRow(ctx, job, row)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrDatasetGone) {
			logger.Warn().Err(err).Msg("Chunk aborted")
			_ = p.queue.ForceFail(ctx, job.ID, "dataset or target column no longer exists")
			return
		}

		result.Processed++
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, rowError(row, err))
			if status, ok := p.stillRunnable(ctx, job.ID); ok || status == entities.JobStatusPaused {
				p.reportRowFailure(ctx, agentID, job, &row, err)
			}
		} else {
			result.Succeeded++
		}

		if err := p.queue.SaveCheckpoint(ctx, job.ID, i+1, &result); err != nil {
			logger.Error().Err(err).Msg("Failed to checkpoint chunk")
		}
		_ = p.queue.UpdateProgress(ctx, job.ID, float64(i+1)/float64(len(rows))*100)
	}

	if err := p.queue.Complete(ctx, job.ID, &result); err != nil {
		if errors.Is(err, providers.ErrJobNotActive) {
			logger.Info().Msg("Chunk finished after leaving active state, result kept for resume or discarded")
			return
		}
		logger.Error().Err(err).Msg("Failed to complete chunk")
		return
	}
	logger.Debug().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("Chunk completed")
}

func (p *WorkerPool) processRow(ctx context.Context, agentID string, job *entities.QueueJob) {
	logger := observability.LoggerFromContext(ctx).With().Str("job_id", job.ID).Logger()
	if len(job.Payload.Rows) == 0 {
		_ = p.queue.ForceFail(ctx, job.ID, "row job without a row")
		return
	}
	row := job.Payload.Rows[0]

	err := p.enrichRow(ctx, job, row)
	if ctx.Err() != nil {
		return
	}
	if _, ok := p.stillRunnable(ctx, job.ID); !ok {
		logger.Info().Msg("Row job no longer runnable, result discarded")
		return
	}

	switch {
	case err == nil:
		if cerr := p.queue.Complete(ctx, job.ID, &entities.JobResult{Processed: 1, Succeeded: 1}); cerr != nil {
			logger.Error().Err(cerr).Msg("Failed to complete row job")
			return
		}
		if job.Payload.FailureID != "" {
			if merr := p.resilience.MarkRecovered(ctx, job.Payload.FailureID); merr != nil {
				logger.Warn().Err(merr).Msg("Failed to mark failure recovered")
			}
		}
	case errors.Is(err, ErrDatasetGone):
		_ = p.queue.ForceFail(ctx, job.ID, "dataset or target column no longer exists")
	default:
		p.reportRowFailure(ctx, agentID, job, nil, err)
		if ferr := p.queue.Fail(ctx, job.ID, rowError(row, err)); ferr != nil {
			logger.Error().Err(ferr).Msg("Failed to fail row job")
		}
	}
}

func (p *WorkerPool) processParent(ctx context.Context, job *entities.QueueJob) {
	logger := observability.LoggerFromContext(ctx).With().Str("job_id", job.ID).Logger()

	children, err := p.queue.Children(ctx, job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list children")
		_ = p.queue.Delay(ctx, job.ID, p.cfg.ParentPollInterval)
		return
	}

	total := job.Payload.TotalRows
	processed, terminal := 0, 0
	result := entities.JobResult{Processed: total}
	for _, child := range children {
		if child.Status.IsTerminal() {
			terminal++
		}
		if child.Result != nil {
			if child.RetryOf == "" {
				processed += child.Result.Processed
			}
			result.Succeeded += child.Result.Succeeded
		}
		if child.Status == entities.JobStatusFailed && child.FailedReason != "" {
			result.Errors = append(result.Errors, child.FailedReason)
		}
	}

	progress := 0.0
	if total > 0 {
		progress = float64(processed) / float64(total) * 100
	}
	if progress > 100 {
		progress = 100
	}
	_ = p.queue.UpdateProgress(ctx, job.ID, progress)
	if cur, err := p.queue.GetJob(ctx, job.ID); err == nil {
		progress = cur.Progress
	}

	// Children are enqueued after the parent, so a parent can be claimed
	// before all of them exist.
	if terminal < len(children) || len(children) < job.Payload.ChunkCount {
		p.publishProgress(ctx, job, entities.SwarmEventProgress, progress, nil)
		if err := p.queue.Delay(ctx, job.ID, p.cfg.ParentPollInterval); err != nil && !errors.Is(err, providers.ErrJobNotActive) {
			logger.Error().Err(err).Msg("Failed to reschedule parent job")
		}
		return
	}

	result.Failed = total - result.Succeeded
	if result.Failed < 0 {
		result.Failed = 0
	}

	if total > 0 && result.Succeeded == 0 {
		reason := fmt.Sprintf("all %d rows failed", total)
		if len(result.Errors) > 0 {
			reason += ": " + result.Errors[0]
		}
		if err := p.queue.Fail(ctx, job.ID, reason); err != nil {
			logger.Error().Err(err).Msg("Failed to fail parent job")
			return
		}
		p.publishProgress(ctx, job, entities.SwarmEventJobFailed, progress, &result)
		logger.Warn().Str("reason", reason).Msg("Enrichment job failed")
		return
	}

	if err := p.queue.Complete(ctx, job.ID, &result); err != nil {
		if !errors.Is(err, providers.ErrJobNotActive) {
			logger.Error().Err(err).Msg("Failed to complete parent job")
		}
		return
	}
	p.publishProgress(ctx, job, entities.SwarmEventJobCompleted, 100, &result)
	logger.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("Enrichment job completed")
}

func (p *WorkerPool) publishProgress(ctx context.Context, job *entities.QueueJob, eventType entities.SwarmEventType, progress float64, result *entities.JobResult) {
	if p.bus == nil {
		return
	}
	data := map[string]interface{}{
		"progress":    progress,
		"total_rows":  job.Payload.TotalRows,
		"chunk_count": job.Payload.ChunkCount,
	}
	if result != nil {
		data["succeeded"] = result.Succeeded
		data["failed"] = result.Failed
	}
	event := entities.NewSwarmEvent(eventType, job.DatasetID(), job.ID, data)
	if err := p.bus.Publish(ctx, entities.ProgressChannel(job.DatasetID()), event); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish progress")
	}
}
