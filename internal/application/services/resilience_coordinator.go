package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
	"github.com/zatekoja/enrichswarm/pkg/retry"
)

const (
	breakerKeyPrefix = "swarm:breaker:"
	failureKeyPrefix = "swarm:failure:"
)

// ResilienceConfig holds breaker and retry policy
type ResilienceConfig struct {
	Threshold       int
	Cooldown        time.Duration
	MaxRetries      int
	BaseBackoff     time.Duration
	ConnectionDelay time.Duration
	Retention       time.Duration
}

// DefaultResilienceConfig returns the standard policy: open after 5
// failures for 60s, at most 3 retries backing off from 2s.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Threshold:       5,
		Cooldown:        60 * time.Second,
		MaxRetries:      3,
		BaseBackoff:     2 * time.Second,
		ConnectionDelay: 5 * time.Second,
		Retention:       24 * time.Hour,
	}
}

// FailureReport describes one caught failure
type FailureReport struct {
	JobID       string
	FailureType entities.FailureType
	Details     string
	// TargetID is the agent or provider to charge the failure to. Empty
	// means no breaker is touched.
	TargetID string
	// Row narrows the retry to a single row of a multi-row job
	Row *int
	// SkipBreaker records the failure without counting it against the
	// target, for calls that never reached it.
	SkipBreaker bool
}

// ResilienceCoordinator owns the circuit breakers and the failure records,
// and schedules recovery for every caught failure. All state lives in the
// coordination store.
type ResilienceCoordinator struct {
	store    providers.CoordinationStore
	queue    providers.WorkQueue
	registry *AgentRegistry
	bus      providers.EventBus
	metrics  *observability.Metrics
	cfg      ResilienceConfig
	now      func() time.Time
	pick     func(n int) int
}

// NewResilienceCoordinator creates a coordinator. bus and metrics may be nil.
func NewResilienceCoordinator(
	store providers.CoordinationStore,
	queue providers.WorkQueue,
	registry *AgentRegistry,
	bus providers.EventBus,
	metrics *observability.Metrics,
	cfg ResilienceConfig,
) *ResilienceCoordinator {
	def := DefaultResilienceConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.ConnectionDelay <= 0 {
		cfg.ConnectionDelay = def.ConnectionDelay
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &ResilienceCoordinator{
		store:    store,
		queue:    queue,
		registry: registry,
		bus:      bus,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		pick:     rand.IntN,
	}
}

// SetClock replaces the time source
func (c *ResilienceCoordinator) SetClock(now func() time.Time) {
	c.now = now
}

// SetPicker replaces the random choice used when reassigning timed-out work
func (c *ResilienceCoordinator) SetPicker(pick func(n int) int) {
	c.pick = pick
}

// Config returns the active policy
func (c *ResilienceCoordinator) Config() ResilienceConfig {
	return c.cfg
}

func decodeBreaker(raw string) (entities.CircuitBreakerState, error) {
	var st entities.CircuitBreakerState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return st, fmt.Errorf("decode breaker state: %w", err)
	}
	return st, nil
}

func encodeBreaker(st entities.CircuitBreakerState) (string, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("encode breaker state: %w", err)
	}
	return string(b), nil
}

// updateBreaker applies fn to the stored breaker of target. fn returns false
// to leave the state untouched. Missing breakers are passed in closed.
func (c *ResilienceCoordinator) updateBreaker(ctx context.Context, targetID string, create bool, fn func(st *entities.CircuitBreakerState) bool) error {
	_, err := c.store.Update(ctx, breakerKeyPrefix+targetID, 0, func(current string, exists bool) (string, error) {
		if !exists && !create {
			fn(nil)
			return "", providers.ErrUpdateAborted
		}
		st := entities.CircuitBreakerState{TargetID: targetID, State: entities.BreakerClosed, Threshold: c.cfg.Threshold}
		if exists {
			decoded, err := decodeBreaker(current)
			if err != nil {
				return "", err
			}
			st = decoded
		}
		if !fn(&st) {
			return "", providers.ErrUpdateAborted
		}
		return encodeBreaker(st)
	})
	if err != nil {
		return fmt.Errorf("update breaker %s: %w", targetID, err)
	}
	return nil
}

// IsAvailable reports whether target may be called. An open breaker whose
// cooldown has elapsed moves to half_open and admits exactly one probe; the
// probe window is bounded by another cooldown.
func (c *ResilienceCoordinator) IsAvailable(ctx context.Context, targetID string) (bool, error) {
	var (
		available bool
		changed   *entities.CircuitBreakerState
	)
	err := c.updateBreaker(ctx, targetID, false, func(st *entities.CircuitBreakerState) bool {
		available, changed = false, nil
		if st == nil {
			available = true
			return false
		}
		now := c.now()
		switch st.State {
		case entities.BreakerClosed:
			available = true
			return false
		case entities.BreakerOpen, entities.BreakerHalfOpen:
			if now.Before(st.NextAttemptTime) {
				return false
			}
			st.State = entities.BreakerHalfOpen
			st.NextAttemptTime = now.Add(c.cfg.Cooldown)
			available = true
			snapshot := *st
			changed = &snapshot
			return true
		}
		return false
	})
	if err != nil {
		return false, err
	}
	if changed != nil {
		observability.LoggerFromContext(ctx).Info().Str("target_id", targetID).Msg("Circuit breaker half-open")
		c.publishBreaker(ctx, *changed)
	}
	return available, nil
}

// OnSuccess closes a half_open breaker. A success while closed or open does
// not touch the failure count; an open breaker only closes after a probe.
func (c *ResilienceCoordinator) OnSuccess(ctx context.Context, targetID string) error {
	var closed *entities.CircuitBreakerState
	err := c.updateBreaker(ctx, targetID, false, func(st *entities.CircuitBreakerState) bool {
		closed = nil
		if st == nil || st.State != entities.BreakerHalfOpen {
			return false
		}
		st.State = entities.BreakerClosed
		st.FailureCount = 0
		st.NextAttemptTime = time.Time{}
		snapshot := *st
		closed = &snapshot
		return true
	})
	if err != nil {
		return err
	}
	if closed != nil {
		observability.LoggerFromContext(ctx).Info().Str("target_id", targetID).Msg("Circuit breaker closed")
		c.publishBreaker(ctx, *closed)
	}
	return nil
}

// chargeBreaker counts one failure against target
func (c *ResilienceCoordinator) chargeBreaker(ctx context.Context, targetID string) (entities.CircuitBreakerState, error) {
	var (
		result entities.CircuitBreakerState
		opened bool
	)
	err := c.updateBreaker(ctx, targetID, true, func(st *entities.CircuitBreakerState) bool {
		now := c.now()
		opened = false
		st.FailureCount++
		st.LastFailureTime = now
		switch st.State {
		case entities.BreakerHalfOpen:
			st.State = entities.BreakerOpen
			st.NextAttemptTime = now.Add(c.cfg.Cooldown)
			opened = true
		case entities.BreakerClosed:
			if st.FailureCount >= st.Threshold {
				st.State = entities.BreakerOpen
				st.NextAttemptTime = now.Add(c.cfg.Cooldown)
				opened = true
			}
		}
		result = *st
		return true
	})
	if err != nil {
		return result, err
	}
	if opened {
		observability.RecordBreakerOpened(ctx, c.metrics, targetID)
		observability.LoggerFromContext(ctx).Warn().
			Str("target_id", targetID).
			Int("failure_count", result.FailureCount).
			Time("next_attempt", result.NextAttemptTime).
			Msg("Circuit breaker opened")
		c.publishBreaker(ctx, result)
	}
	return result, nil
}

// ResetCircuitBreaker force-closes the breaker of target
func (c *ResilienceCoordinator) ResetCircuitBreaker(ctx context.Context, targetID string) error {
	if strings.TrimSpace(targetID) == "" {
		return apperrors.NewValidationError("target id is required")
	}
	st := entities.CircuitBreakerState{TargetID: targetID, State: entities.BreakerClosed, Threshold: c.cfg.Threshold}
	raw, err := encodeBreaker(st)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, breakerKeyPrefix+targetID, raw, 0); err != nil {
		return fmt.Errorf("reset breaker %s: %w", targetID, err)
	}
	observability.LoggerFromContext(ctx).Info().Str("target_id", targetID).Msg("Circuit breaker reset")
	c.publishBreaker(ctx, st)
	return nil
}

// GetBreaker returns the state of target. Unknown targets are closed.
func (c *ResilienceCoordinator) GetBreaker(ctx context.Context, targetID string) (entities.CircuitBreakerState, error) {
	raw, ok, err := c.store.Get(ctx, breakerKeyPrefix+targetID)
	if err != nil {
		return entities.CircuitBreakerState{}, fmt.Errorf("get breaker %s: %w", targetID, err)
	}
	if !ok {
		return entities.CircuitBreakerState{TargetID: targetID, State: entities.BreakerClosed, Threshold: c.cfg.Threshold}, nil
	}
	return decodeBreaker(raw)
}

// ListBreakers returns every stored breaker
func (c *ResilienceCoordinator) ListBreakers(ctx context.Context) ([]entities.CircuitBreakerState, error) {
	keys, err := c.store.Keys(ctx, breakerKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	out := make([]entities.CircuitBreakerState, 0, len(keys))
	for _, key := range keys {
		st, err := c.GetBreaker(ctx, strings.TrimPrefix(key, breakerKeyPrefix))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (c *ResilienceCoordinator) publishBreaker(ctx context.Context, st entities.CircuitBreakerState) {
	if c.bus == nil {
		return
	}
	event := entities.NewSwarmEvent(entities.SwarmEventBreakerChanged, "", "", map[string]interface{}{
		"target_id":     st.TargetID,
		"state":         string(st.State),
		"failure_count": st.FailureCount,
	})
	if err := c.bus.Publish(ctx, entities.ControlChannel, event); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("target_id", st.TargetID).Msg("Failed to publish breaker event")
	}
}

// ClassifyProviderError maps an error from a provider or agent call to the
// failure type that drives recovery
func ClassifyProviderError(err error) entities.FailureType {
	if errors.Is(err, context.DeadlineExceeded) {
		return entities.FailureAgentTimeout
	}
	if kind, ok := providers.ProviderErrorKindOf(err); ok {
		if kind == providers.ProviderErrorConnection {
			return entities.FailureConnectionLost
		}
		return entities.FailureAPIError
	}
	return entities.FailureProcessingError
}

// RecordFailure records a failure of a whole job and schedules its retry
func (c *ResilienceCoordinator) RecordFailure(ctx context.Context, jobID string, failureType entities.FailureType, details, targetID string) (*entities.FailureRecord, error) {
	return c.Report(ctx, FailureReport{
		JobID:       jobID,
		FailureType: failureType,
		Details:     details,
		TargetID:    targetID,
	})
}

// Report records a failure, charges the target breaker and dispatches the
// recovery action for its type. After MaxRetries the record is terminal.
func (c *ResilienceCoordinator) Report(ctx context.Context, report FailureReport) (*entities.FailureRecord, error) {
	logger := observability.LoggerFromContext(ctx)

	job, err := c.queue.GetJob(ctx, report.JobID)
	if err != nil && !errors.Is(err, providers.ErrJobNotFound) {
		return nil, fmt.Errorf("load failed job %s: %w", report.JobID, err)
	}

	rec := &entities.FailureRecord{
		ID:          uuid.New().String(),
		JobID:       report.JobID,
		TargetID:    report.TargetID,
		FailureType: report.FailureType,
		Details:     report.Details,
		Timestamp:   c.now(),
		Status:      entities.FailureStatusPending,
	}
	if job != nil {
		rec.AgentID = job.AgentID
		rec.RetryCount = job.Payload.RetryCount
	}
	if rec.AgentID == "" && report.FailureType == entities.FailureAgentTimeout {
		rec.AgentID = report.TargetID
	}

	observability.RecordFailure(ctx, c.metrics, string(report.FailureType))

	var breaker *entities.CircuitBreakerState
	if report.TargetID != "" {
		if report.SkipBreaker {
			st, err := c.GetBreaker(ctx, report.TargetID)
			if err == nil {
				breaker = &st
			}
		} else {
			st, err := c.chargeBreaker(ctx, report.TargetID)
			if err != nil {
				logger.Error().Err(err).Str("target_id", report.TargetID).Msg("Failed to update circuit breaker")
			} else {
				breaker = &st
			}
		}
	}

	parent := c.parentOf(ctx, job)

	switch {
	case job == nil:
		rec.Status = entities.FailureStatusFailed
		rec.Details = report.Details + " (job no longer exists)"
	case parent != nil && parent.Status.IsTerminal():
		rec.Status = entities.FailureStatusFailed
		rec.Details = fmt.Sprintf("%s (parent job %s)", report.Details, parent.Status)
	case rec.RetryCount >= c.cfg.MaxRetries:
		rec.Status = entities.FailureStatusFailed
	default:
		if err := c.scheduleRetry(ctx, job, parent, rec, report, breaker); err != nil {
			logger.Error().Err(err).Str("job_id", report.JobID).Msg("Failed to schedule retry")
			rec.Status = entities.FailureStatusFailed
			rec.Details = fmt.Sprintf("%s (retry not scheduled: %v)", report.Details, err)
		}
	}

	if err := c.saveFailure(ctx, rec); err != nil {
		return rec, err
	}

	event := logger.Warn()
	if rec.Status == entities.FailureStatusFailed {
		event = logger.Error()
	}
	event.
		Str("failure_id", rec.ID).
		Str("job_id", rec.JobID).
		Str("agent_id", rec.AgentID).
		Str("target_id", rec.TargetID).
		Str("failure_type", string(rec.FailureType)).
		Int("retry_count", rec.RetryCount).
		Str("status", string(rec.Status)).
		Str("retry_job_id", rec.RetryJobID).
		Msg("Failure recorded")

	return rec, nil
}

// parentOf loads the parent tracking job of job, if it has one
func (c *ResilienceCoordinator) parentOf(ctx context.Context, job *entities.QueueJob) *entities.QueueJob {
	if job == nil || job.ParentID == "" {
		return nil
	}
	parent, err := c.queue.GetJob(ctx, job.ParentID)
	if err != nil {
		return nil
	}
	return parent
}

func (c *ResilienceCoordinator) scheduleRetry(ctx context.Context, job, parent *entities.QueueJob, rec *entities.FailureRecord, report FailureReport, breaker *entities.CircuitBreakerState) error {
	var (
		delay   time.Duration
		agentID = job.AgentID
	)

	switch report.FailureType {
	case entities.FailureAgentTimeout:
		failing := rec.AgentID
		if failing != "" && c.registry != nil {
			if err := c.registry.Deprioritize(ctx, failing); err != nil && !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
				return err
			}
		}
		var candidates []entities.AgentRecord
		if c.registry != nil {
			candidates = c.registry.OnlineAgents(ctx, failing)
		}
		if len(candidates) > 0 {
			agentID = candidates[c.pick(len(candidates))].AgentID
		} else {
			delay = retry.ExponentialDelay(c.cfg.BaseBackoff, rec.RetryCount)
		}
	case entities.FailureConnectionLost:
		delay = c.cfg.ConnectionDelay
	default:
		delay = retry.ExponentialDelay(c.cfg.BaseBackoff, rec.RetryCount)
	}

	// Do not wake up before the target can be called again.
	if breaker != nil && breaker.State == entities.BreakerOpen {
		if wait := breaker.NextAttemptTime.Sub(c.now()); wait > delay {
			delay = wait
		}
	}

	name := job.Name
	payload := job.Payload
	if report.Row != nil {
		name = entities.JobNameRow
		payload.Rows = []int{*report.Row}
		payload.Request = payload.Request.ForRows(payload.Rows)
		payload.Cursor = 0
		payload.ChunkIndex = 0
		payload.TotalChunks = 0
	}
	payload.RetryCount = rec.RetryCount + 1
	payload.FailureID = rec.ID

	retryJob, err := c.queue.Enqueue(ctx, name, payload, providers.EnqueueOptions{
		ParentID: job.ParentID,
		RetryOf:  job.ID,
		AgentID:  agentID,
		Attempts: 1,
		Delay:    delay,
	})
	if err != nil {
		return err
	}
	observability.RecordJobEnqueued(ctx, c.metrics, string(name))

	// A retry born under a paused request waits for the request to resume.
	if parent != nil && parent.Status == entities.JobStatusPaused {
		if err := c.queue.Pause(ctx, retryJob.ID); err != nil {
			observability.LoggerFromContext(ctx).Warn().Err(err).Str("job_id", retryJob.ID).Msg("Failed to pause retry job")
		}
	}

	rec.Status = entities.FailureStatusRetrying
	rec.RetryJobID = retryJob.ID
	rec.RetryDelay = delay
	return nil
}

func (c *ResilienceCoordinator) saveFailure(ctx context.Context, rec *entities.FailureRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode failure record: %w", err)
	}
	if err := c.store.Set(ctx, failureKeyPrefix+rec.ID, string(b), c.cfg.Retention); err != nil {
		return fmt.Errorf("save failure record %s: %w", rec.ID, err)
	}
	return nil
}

// GetFailure returns one failure record
func (c *ResilienceCoordinator) GetFailure(ctx context.Context, failureID string) (*entities.FailureRecord, error) {
	raw, ok, err := c.store.Get(ctx, failureKeyPrefix+failureID)
	if err != nil {
		return nil, fmt.Errorf("get failure %s: %w", failureID, err)
	}
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("failure %s not found", failureID))
	}
	var rec entities.FailureRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode failure %s: %w", failureID, err)
	}
	return &rec, nil
}

// ListFailures returns retained failure records, newest first
func (c *ResilienceCoordinator) ListFailures(ctx context.Context) ([]entities.FailureRecord, error) {
	keys, err := c.store.Keys(ctx, failureKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	out := make([]entities.FailureRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := c.GetFailure(ctx, strings.TrimPrefix(key, failureKeyPrefix))
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// MarkRecovered flags a retrying failure as recovered once its retry succeeds
func (c *ResilienceCoordinator) MarkRecovered(ctx context.Context, failureID string) error {
	_, err := c.store.Update(ctx, failureKeyPrefix+failureID, c.cfg.Retention, func(current string, exists bool) (string, error) {
		if !exists {
			return "", providers.ErrUpdateAborted
		}
		var rec entities.FailureRecord
		if err := json.Unmarshal([]byte(current), &rec); err != nil {
			return "", err
		}
		if rec.Status != entities.FailureStatusRetrying {
			return "", providers.ErrUpdateAborted
		}
		rec.Status = entities.FailureStatusRecovered
		b, err := json.Marshal(rec)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})
	if err != nil {
		return fmt.Errorf("mark failure %s recovered: %w", failureID, err)
	}
	return nil
}

// PurgeExpired deletes failure records older than the retention window
func (c *ResilienceCoordinator) PurgeExpired(ctx context.Context) (int, error) {
	records, err := c.ListFailures(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := c.now().Add(-c.cfg.Retention)
	purged := 0
	for _, rec := range records {
		if rec.Timestamp.Before(cutoff) {
			if err := c.store.Delete(ctx, failureKeyPrefix+rec.ID); err != nil {
				return purged, fmt.Errorf("purge failure %s: %w", rec.ID, err)
			}
			purged++
		}
	}
	return purged, nil
}
