package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

// MetricsHistorySize bounds the retained samples
const MetricsHistorySize = 100

// ConcurrencyParameter is the adjust_concurrency parameter name
const ConcurrencyParameter = "concurrency"

// MonitoringService samples queue and agent state and executes operator
// control commands
type MonitoringService struct {
	queue    providers.WorkQueue
	registry *AgentRegistry
	bus      providers.EventBus
	now      func() time.Time

	concurrency atomic.Int64

	mu            sync.Mutex
	history       []entities.SwarmMetrics
	next          int
	lastCompleted int
	sampled       bool
}

// NewMonitoringService creates a monitoring service. concurrency is the
// initial advisory worker target.
func NewMonitoringService(queue providers.WorkQueue, registry *AgentRegistry, bus providers.EventBus, concurrency int) *MonitoringService {
	m := &MonitoringService{
		queue:    queue,
		registry: registry,
		bus:      bus,
		now:      time.Now,
		history:  make([]entities.SwarmMetrics, 0, MetricsHistorySize),
	}
	if concurrency < 1 {
		concurrency = 1
	}
	m.concurrency.Store(int64(concurrency))
	return m
}

// SetClock replaces the time source
func (m *MonitoringService) SetClock(now func() time.Time) {
	m.now = now
}

// CollectMetrics builds a snapshot without recording it. Throughput is
// measured against the last recorded sample.
func (m *MonitoringService) CollectMetrics(ctx context.Context) (entities.SwarmMetrics, error) {
	counts, err := m.queue.Counts(ctx)
	if err != nil {
		return entities.SwarmMetrics{}, apperrors.NewInternalError("failed to read queue counts", err)
	}
	paused, err := m.queue.IsPaused(ctx)
	if err != nil {
		return entities.SwarmMetrics{}, apperrors.NewInternalError("failed to read queue state", err)
	}

	snap := entities.SwarmMetrics{
		Timestamp:             m.now(),
		TotalJobs:             counts.Total(),
		ActiveJobs:            counts.Active,
		WaitingJobs:           counts.Waiting,
		DelayedJobs:           counts.Delayed,
		PausedJobs:            counts.Paused,
		CompletedJobs:         counts.Completed,
		FailedJobs:            counts.Failed,
		AverageProcessingTime: float64(counts.AverageProcessingTime) / float64(time.Millisecond),
		QueuePaused:           paused,
		ConcurrencyTarget:     m.ConcurrencyTarget(),
	}
	if snap.TotalJobs > 0 {
		snap.ErrorRate = float64(snap.FailedJobs) / float64(snap.TotalJobs) * 100
	}

	if m.registry != nil {
		agents := m.registry.GetStatus(ctx)
		snap.TotalAgents = len(agents)
		for _, a := range agents {
			if a.Status == entities.AgentStatusOnline && a.Workload > 0 {
				snap.ActiveAgents++
			}
		}
		if snap.TotalAgents > 0 {
			snap.AgentUtilization = float64(snap.ActiveAgents) / float64(snap.TotalAgents) * 100
		}
	}

	m.mu.Lock()
	if m.sampled && snap.CompletedJobs > m.lastCompleted {
		snap.Throughput = snap.CompletedJobs - m.lastCompleted
	} else if !m.sampled {
		snap.Throughput = snap.CompletedJobs
	}
	m.mu.Unlock()

	return snap, nil
}

// Sample collects a snapshot and appends it to the history ring
func (m *MonitoringService) Sample(ctx context.Context) (entities.SwarmMetrics, error) {
	snap, err := m.CollectMetrics(ctx)
	if err != nil {
		return snap, err
	}

	m.mu.Lock()
	if len(m.history) < MetricsHistorySize {
		m.history = append(m.history, snap)
	} else {
		m.history[m.next] = snap
	}
	m.next = (m.next + 1) % MetricsHistorySize
	m.lastCompleted = snap.CompletedJobs
	m.sampled = true
	m.mu.Unlock()

	observability.LoggerFromContext(ctx).Debug().
		Int("active_jobs", snap.ActiveJobs).
		Int("waiting_jobs", snap.WaitingJobs).
		Int("throughput", snap.Throughput).
		Float64("error_rate", snap.ErrorRate).
		Msg("Swarm metrics sampled")
	return snap, nil
}

// GetHistoricalMetrics returns retained samples from the last hours, oldest
// first. hours <= 0 returns everything retained.
func (m *MonitoringService) GetHistoricalMetrics(hours int) []entities.SwarmMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := make([]entities.SwarmMetrics, 0, len(m.history))
	if len(m.history) < MetricsHistorySize {
		ordered = append(ordered, m.history...)
	} else {
		ordered = append(ordered, m.history[m.next:]...)
		ordered = append(ordered, m.history[:m.next]...)
	}
	if hours <= 0 {
		return ordered
	}

	cutoff := m.now().Add(-time.Duration(hours) * time.Hour)
	out := ordered[:0]
	for _, s := range ordered {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// ConcurrencyTarget is the advisory worker count set by operators
func (m *MonitoringService) ConcurrencyTarget() int {
	return int(m.concurrency.Load())
}

// ExecuteControlCommand runs an operator command. An empty JobID targets the
// whole queue. A control event is published whether or not the command
// succeeded.
func (m *MonitoringService) ExecuteControlCommand(ctx context.Context, cmd entities.ControlCommand) (bool, error) {
	err := m.execute(ctx, cmd)
	m.publishControl(ctx, cmd, err)

	logger := observability.LoggerFromContext(ctx)
	if err != nil {
		logger.Warn().Err(err).Str("command", string(cmd.Type)).Str("job_id", cmd.JobID).Msg("Control command failed")
		return false, err
	}
	logger.Info().Str("command", string(cmd.Type)).Str("job_id", cmd.JobID).Msg("Control command executed")
	return true, nil
}

func (m *MonitoringService) execute(ctx context.Context, cmd entities.ControlCommand) error {
	switch cmd.Type {
	case entities.CommandPause:
		if cmd.JobID == "" {
			return m.queue.PauseQueue(ctx)
		}
		return pauseTree(ctx, m.queue, cmd.JobID)
	case entities.CommandResume:
		if cmd.JobID == "" {
			return m.queue.ResumeQueue(ctx)
		}
		return resumeTree(ctx, m.queue, cmd.JobID)
	case entities.CommandStop:
		if cmd.JobID == "" {
			return m.queue.PauseQueue(ctx)
		}
		return stopTree(ctx, m.queue, cmd.JobID)
	case entities.CommandAdjustConcurrency:
		n, ok := cmd.Parameters[ConcurrencyParameter]
		if !ok || n < 1 {
			return apperrors.NewValidationError("adjust_concurrency needs a positive concurrency parameter")
		}
		m.concurrency.Store(int64(n))
		return nil
	}
	return apperrors.NewValidationError(fmt.Sprintf("unknown control command %q", cmd.Type))
}

func (m *MonitoringService) publishControl(ctx context.Context, cmd entities.ControlCommand, cmdErr error) {
	if m.bus == nil {
		return
	}
	data := map[string]interface{}{
		"command": string(cmd.Type),
		"success": cmdErr == nil,
	}
	if len(cmd.Parameters) > 0 {
		params := make(map[string]interface{}, len(cmd.Parameters))
		for k, v := range cmd.Parameters {
			params[k] = v
		}
		data["parameters"] = params
	}
	if cmdErr != nil {
		data["error"] = apperrors.MessageOf(cmdErr)
	}
	event := entities.NewSwarmEvent(entities.SwarmEventControl, "", cmd.JobID, data)
	if err := m.bus.Publish(ctx, entities.ControlChannel, event); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Msg("Failed to publish control event")
	}
}
