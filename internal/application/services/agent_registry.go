package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

const (
	// DefaultMaxAgentWorkload is the per-agent concurrency ceiling
	DefaultMaxAgentWorkload = 5
	// DefaultHeartbeatTimeout is how long an agent may stay silent
	DefaultHeartbeatTimeout = 30 * time.Second
)

// AgentRegistry tracks known agents, their capabilities, workload and
// liveness. Records are never deleted.
type AgentRegistry struct {
	mu          sync.RWMutex
	agents      map[string]*entities.AgentRecord
	maxWorkload int
	timeout     time.Duration
	now         func() time.Time
}

// NewAgentRegistry creates a registry. Non-positive arguments fall back to
// the defaults.
func NewAgentRegistry(maxWorkload int, heartbeatTimeout time.Duration) *AgentRegistry {
	return NewAgentRegistryWithClock(maxWorkload, heartbeatTimeout, time.Now)
}

// NewAgentRegistryWithClock creates a registry with an injectable clock
func NewAgentRegistryWithClock(maxWorkload int, heartbeatTimeout time.Duration, now func() time.Time) *AgentRegistry {
	if maxWorkload <= 0 {
		maxWorkload = DefaultMaxAgentWorkload
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &AgentRegistry{
		agents:      make(map[string]*entities.AgentRecord),
		maxWorkload: maxWorkload,
		timeout:     heartbeatTimeout,
		now:         now,
	}
}

func copyAgent(a *entities.AgentRecord) entities.AgentRecord {
	out := *a
	out.Capabilities = append([]entities.TaskType(nil), a.Capabilities...)
	if a.DeprioritizedUntil != nil {
		until := *a.DeprioritizedUntil
		out.DeprioritizedUntil = &until
	}
	return out
}

// RegisterAgent adds an agent or, for a known id, replaces its capabilities
// and marks it online.
func (r *AgentRegistry) RegisterAgent(ctx context.Context, agentID string, capabilities []entities.TaskType) (*entities.AgentRecord, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, apperrors.NewValidationError("agent id is required")
	}
	caps := make([]entities.TaskType, 0, len(capabilities))
	seen := make(map[entities.TaskType]struct{}, len(capabilities))
	for _, c := range capabilities {
		if !c.Valid() {
			return nil, apperrors.NewValidationError(fmt.Sprintf("unknown capability %q", c))
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		caps = append(caps, c)
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		agent = &entities.AgentRecord{AgentID: agentID, RegisteredAt: now}
		r.agents[agentID] = agent
	}
	agent.Capabilities = caps
	agent.Status = entities.AgentStatusOnline
	agent.LastHeartbeat = now

	observability.LoggerFromContext(ctx).Info().
		Str("agent_id", agentID).
		Bool("existing", ok).
		Int("capabilities", len(caps)).
		Msg("Agent registered")

	out := copyAgent(agent)
	return &out, nil
}

func (r *AgentRegistry) lookup(agentID string) (*entities.AgentRecord, error) {
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("agent %s not found", agentID))
	}
	return agent, nil
}

// UpdateHeartbeat refreshes liveness and brings the agent back online
func (r *AgentRegistry) UpdateHeartbeat(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.lookup(agentID)
	if err != nil {
		return err
	}
	if agent.Status == entities.AgentStatusUnresponsive {
		observability.LoggerFromContext(ctx).Info().Str("agent_id", agentID).Msg("Agent recovered")
	}
	agent.LastHeartbeat = r.now()
	agent.Status = entities.AgentStatusOnline
	return nil
}

// ReportWorkload records the in-flight count the agent reports for itself.
// A self-report ends any deprioritization window.
func (r *AgentRegistry) ReportWorkload(ctx context.Context, agentID string, workload int) error {
	if workload < 0 {
		return apperrors.NewValidationError("workload must not be negative")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.lookup(agentID)
	if err != nil {
		return err
	}
	agent.Workload = workload
	agent.DeprioritizedUntil = nil
	return nil
}

// AdjustWorkload moves the workload by delta, never below zero. Used by
// in-process workers around each job; it leaves deprioritization alone.
func (r *AgentRegistry) AdjustWorkload(ctx context.Context, agentID string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.lookup(agentID)
	if err != nil {
		return err
	}
	agent.Workload += delta
	if agent.Workload < 0 {
		agent.Workload = 0
	}
	return nil
}

// Deprioritize keeps the agent out of availability for one heartbeat
// timeout, or until it next reports its own workload
func (r *AgentRegistry) Deprioritize(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.lookup(agentID)
	if err != nil {
		return err
	}
	until := r.now().Add(r.timeout)
	agent.DeprioritizedUntil = &until
	observability.LoggerFromContext(ctx).Warn().Str("agent_id", agentID).Time("until", until).Msg("Agent deprioritized")
	return nil
}

// MarkOffline takes an agent out of rotation, e.g. on graceful shutdown
func (r *AgentRegistry) MarkOffline(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.lookup(agentID)
	if err != nil {
		return err
	}
	agent.Status = entities.AgentStatusOffline
	return nil
}

func (r *AgentRegistry) available(a *entities.AgentRecord, now time.Time) bool {
	return a.Status == entities.AgentStatusOnline && a.Workload < r.maxWorkload && !a.Deprioritized(now)
}

func (r *AgentRegistry) collect(keep func(*entities.AgentRecord) bool) []entities.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entities.AgentRecord, 0, len(r.agents))
	for _, a := range r.agents {
		if keep(a) {
			out = append(out, copyAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ListAvailable returns the ids of agents that can take more work
func (r *AgentRegistry) ListAvailable(ctx context.Context) []string {
	agents := r.AvailableAgents(ctx)
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.AgentID
	}
	return ids
}

// AvailableAgents returns the records behind ListAvailable
func (r *AgentRegistry) AvailableAgents(ctx context.Context) []entities.AgentRecord {
	now := r.now()
	return r.collect(func(a *entities.AgentRecord) bool { return r.available(a, now) })
}

// OnlineAgents returns online agents other than exclude, regardless of load
func (r *AgentRegistry) OnlineAgents(ctx context.Context, exclude string) []entities.AgentRecord {
	return r.collect(func(a *entities.AgentRecord) bool {
		return a.Status == entities.AgentStatusOnline && a.AgentID != exclude
	})
}

// GetStatus returns every known agent
func (r *AgentRegistry) GetStatus(ctx context.Context) []entities.AgentRecord {
	return r.collect(func(*entities.AgentRecord) bool { return true })
}

// Get returns one agent
func (r *AgentRegistry) Get(ctx context.Context, agentID string) (*entities.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, err := r.lookup(agentID)
	if err != nil {
		return nil, err
	}
	out := copyAgent(agent)
	return &out, nil
}

// SweepUnresponsive marks online agents with a stale heartbeat as
// unresponsive and returns how many changed
func (r *AgentRegistry) SweepUnresponsive(ctx context.Context) int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	marked := 0
	for _, a := range r.agents {
		if a.Status == entities.AgentStatusOnline && now.Sub(a.LastHeartbeat) > r.timeout {
			a.Status = entities.AgentStatusUnresponsive
			marked++
			observability.LoggerFromContext(ctx).Warn().
				Str("agent_id", a.AgentID).
				Time("last_heartbeat", a.LastHeartbeat).
				Msg("Agent marked unresponsive")
		}
	}
	return marked
}

// MaxWorkload returns the availability ceiling
func (r *AgentRegistry) MaxWorkload() int {
	return r.maxWorkload
}
