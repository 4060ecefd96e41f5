package entities

import "time"

// FailureType classifies caught failures; each maps to a recovery action
type FailureType string

const (
	FailureAgentTimeout    FailureType = "agent_timeout"
	FailureAPIError        FailureType = "api_error"
	FailureProcessingError FailureType = "processing_error"
	FailureConnectionLost  FailureType = "connection_lost"
)

// FailureStatus is the recovery state of a failure record
type FailureStatus string

const (
	FailureStatusPending   FailureStatus = "pending"
	FailureStatusRetrying  FailureStatus = "retrying"
	FailureStatusFailed    FailureStatus = "failed"
	FailureStatusRecovered FailureStatus = "recovered"
)

// FailureRecord is created for every caught failure
type FailureRecord struct {
	ID          string        `json:"id"`
	JobID       string        `json:"job_id"`
	AgentID     string        `json:"agent_id,omitempty"`
	TargetID    string        `json:"target_id,omitempty"`
	FailureType FailureType   `json:"failure_type"`
	Details     string        `json:"details"`
	Timestamp   time.Time     `json:"timestamp"`
	RetryCount  int           `json:"retry_count"`
	Status      FailureStatus `json:"status"`
	RetryJobID  string        `json:"retry_job_id,omitempty"`
	RetryDelay  time.Duration `json:"retry_delay,omitempty"`
}

// BreakerState is the circuit breaker position
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState gates calls to one agent or provider
type CircuitBreakerState struct {
	TargetID        string       `json:"target_id"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	Threshold       int          `json:"threshold"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	NextAttemptTime time.Time    `json:"next_attempt_time"`
}
