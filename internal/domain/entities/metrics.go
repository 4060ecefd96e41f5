package entities

import "time"

// SwarmMetrics is one monitoring sample
type SwarmMetrics struct {
	Timestamp             time.Time `json:"timestamp"`
	TotalJobs             int       `json:"total_jobs"`
	ActiveJobs            int       `json:"active_jobs"`
	WaitingJobs           int       `json:"waiting_jobs"`
	DelayedJobs           int       `json:"delayed_jobs"`
	PausedJobs            int       `json:"paused_jobs"`
	CompletedJobs         int       `json:"completed_jobs"`
	FailedJobs            int       `json:"failed_jobs"`
	TotalAgents           int       `json:"total_agents"`
	ActiveAgents          int       `json:"active_agents"`
	AgentUtilization      float64   `json:"agent_utilization"`
	ErrorRate             float64   `json:"error_rate"`
	Throughput            int       `json:"throughput"`
	AverageProcessingTime float64   `json:"average_processing_time_ms"`
	QueuePaused           bool      `json:"queue_paused"`
	ConcurrencyTarget     int       `json:"concurrency_target"`
}

// ControlCommandType names an operator command
type ControlCommandType string

const (
	CommandPause             ControlCommandType = "pause"
	CommandResume            ControlCommandType = "resume"
	CommandStop              ControlCommandType = "stop"
	CommandAdjustConcurrency ControlCommandType = "adjust_concurrency"
)

// ControlCommand is an operator instruction. An empty JobID targets the
// whole queue.
type ControlCommand struct {
	Type       ControlCommandType `json:"type"`
	JobID      string             `json:"job_id,omitempty"`
	Parameters map[string]int     `json:"parameters,omitempty"`
}
