package entities

// TaskType tags both agent capabilities and assignments
type TaskType string

const (
	TaskTypeSearch       TaskType = "search"
	TaskTypeExtraction   TaskType = "extraction"
	TaskTypeVerification TaskType = "verification"
	TaskTypeAggregation  TaskType = "aggregation"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeSearch, TaskTypeExtraction, TaskTypeVerification, TaskTypeAggregation:
		return true
	}
	return false
}

// SecondsPerRow is the duration estimate constant for the task type.
func (t TaskType) SecondsPerRow() int {
	switch t {
	case TaskTypeSearch:
		return 3
	case TaskTypeExtraction:
		return 8
	case TaskTypeVerification:
		return 5
	case TaskTypeAggregation:
		return 10
	}
	return 0
}

// Priority of a task assignment
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Strategy is how a request is distributed across agents
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyHybrid     Strategy = "hybrid"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyParallel || s == StrategySequential || s == StrategyHybrid
}

// TaskPayload is the work description inside an assignment
type TaskPayload struct {
	DatasetID    string `json:"dataset_id"`
	TargetColumn string `json:"target_column"`
	Rows         []int  `json:"rows"`
	Instruction  string `json:"instruction"`
	Phase        string `json:"phase,omitempty"`
}

// TaskAssignment binds a slice of work to an agent
type TaskAssignment struct {
	TaskID                   string      `json:"task_id"`
	AgentID                  string      `json:"agent_id"`
	TaskType                 TaskType    `json:"task_type"`
	Priority                 Priority    `json:"priority"`
	EstimatedDurationSeconds int         `json:"estimated_duration_seconds"`
	Payload                  TaskPayload `json:"payload"`
}

// OrchestrationPlan is the planner's decision for one request
type OrchestrationPlan struct {
	Assignments []TaskAssignment `json:"assignments"`
	Strategy    Strategy         `json:"strategy"`
	Confidence  float64          `json:"confidence"`
	Reasoning   string           `json:"reasoning,omitempty"`
}

// AgentFor returns the agent assigned to row for the given task type, if any.
func (p *OrchestrationPlan) AgentFor(row int, taskType TaskType) (string, bool) {
	for _, a := range p.Assignments {
		if a.TaskType != taskType {
			continue
		}
		for _, r := range a.Payload.Rows {
			if r == row {
				return a.AgentID, true
			}
		}
	}
	return "", false
}
