package entities

import "time"

// AgentStatus represents agent liveness
type AgentStatus string

const (
	AgentStatusOnline       AgentStatus = "online"
	AgentStatusOffline      AgentStatus = "offline"
	AgentStatusUnresponsive AgentStatus = "unresponsive"
)

// AgentRecord tracks one logical executor
type AgentRecord struct {
	AgentID       string      `json:"agent_id"`
	Capabilities  []TaskType  `json:"capabilities"`
	Workload      int         `json:"workload"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at"`

	// DeprioritizedUntil keeps the agent out of availability after a timeout
	DeprioritizedUntil *time.Time `json:"deprioritized_until,omitempty"`
}

// Deprioritized reports whether the agent is inside a deprioritization window
func (a *AgentRecord) Deprioritized(now time.Time) bool {
	return a.DeprioritizedUntil != nil && now.Before(*a.DeprioritizedUntil)
}

// HasCapability reports whether the agent declared the task type.
func (a *AgentRecord) HasCapability(t TaskType) bool {
	for _, c := range a.Capabilities {
		if c == t {
			return true
		}
	}
	return false
}
