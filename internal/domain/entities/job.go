package entities

import "time"

// JobStatus represents the lifecycle state of a queued job
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further work will be scheduled for the job.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanPause reports whether a job in this state may be paused.
func (s JobStatus) CanPause() bool {
	return s == JobStatusActive || s == JobStatusWaiting || s == JobStatusDelayed
}

// ManualStopReason is the terminal failure reason of operator-stopped jobs.
const ManualStopReason = "manual-stop"

// JobName identifies what a worker does with a job
type JobName string

const (
	JobNameParent JobName = "enrich-parent"
	JobNameChunk  JobName = "enrich-chunk"
	JobNameRow    JobName = "enrich-row"
)

// JobPayload carries the data every job kind needs. Fields irrelevant to a
// kind are left zero.
type JobPayload struct {
	Request     EnrichmentRequest `json:"request"`
	Rows        []int             `json:"rows,omitempty"`
	ChunkIndex  int               `json:"chunk_index"`
	TotalChunks int               `json:"total_chunks"`
	TotalRows   int               `json:"total_rows"`
	ChunkCount  int               `json:"chunk_count"`
	Strategy    Strategy          `json:"strategy,omitempty"`
	Confidence  float64           `json:"confidence,omitempty"`
	Priority    Priority          `json:"priority,omitempty"`
	RetryCount  int               `json:"retry_count"`
	FailureID   string            `json:"failure_id,omitempty"`
	ParentJobID string            `json:"parent_job_id,omitempty"`
	// Cursor is the index into Rows of the next row to process, so a paused
	// chunk resumes where it stopped.
	Cursor int `json:"cursor"`
}

// JobResult aggregates row outcomes for a chunk or parent job
type JobResult struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Add folds other into r.
func (r *JobResult) Add(other JobResult) {
	r.Processed += other.Processed
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.Errors = append(r.Errors, other.Errors...)
}

// QueueJob is a unit of work on the work queue
type QueueJob struct {
	ID           string        `json:"id"`
	Name         JobName       `json:"name"`
	Payload      JobPayload    `json:"payload"`
	ParentID     string        `json:"parent_id,omitempty"`
	RetryOf      string        `json:"retry_of,omitempty"`
	AgentID      string        `json:"agent_id,omitempty"`
	Status       JobStatus     `json:"status"`
	Progress     float64       `json:"progress"`
	Result       *JobResult    `json:"result,omitempty"`
	FailedReason string        `json:"failed_reason,omitempty"`
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"max_attempts"`
	Backoff      time.Duration `json:"backoff"`
	ProcessAfter time.Time     `json:"process_after"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// DatasetID returns the dataset the job writes to.
func (j *QueueJob) DatasetID() string {
	return j.Payload.Request.DatasetID
}

// ProcessingTime returns how long the job ran, or zero if it has not finished.
func (j *QueueJob) ProcessingTime() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// ParentJob is the tracking node of a partitioned request
type ParentJob struct {
	ID              string    `json:"id"`
	TotalRows       int       `json:"total_rows"`
	ChunkCount      int       `json:"chunk_count"`
	Status          JobStatus `json:"status"`
	ProgressPercent float64   `json:"progress_percent"`
}

// ChunkJob is one bounded slice of a parent's rows
type ChunkJob struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parent_id"`
	Rows        []int     `json:"rows"`
	ChunkIndex  int       `json:"chunk_index"`
	TotalChunks int       `json:"total_chunks"`
	Status      JobStatus `json:"status"`
}

// AsParent views a parent-tracking queue job as a ParentJob.
func (j *QueueJob) AsParent() ParentJob {
	return ParentJob{
		ID:              j.ID,
		TotalRows:       j.Payload.TotalRows,
		ChunkCount:      j.Payload.ChunkCount,
		Status:          j.Status,
		ProgressPercent: j.Progress,
	}
}

// AsChunk views a chunk queue job as a ChunkJob.
func (j *QueueJob) AsChunk() ChunkJob {
	return ChunkJob{
		ID:          j.ID,
		ParentID:    j.ParentID,
		Rows:        j.Payload.Rows,
		ChunkIndex:  j.Payload.ChunkIndex,
		TotalChunks: j.Payload.TotalChunks,
		Status:      j.Status,
	}
}

// JobStatusView is what callers of getJobStatus see
type JobStatusView struct {
	JobID    string     `json:"job_id"`
	State    JobStatus  `json:"state"`
	Progress float64    `json:"progress"`
	Result   *JobResult `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// QueueCounts summarises the queue for monitoring
type QueueCounts struct {
	Waiting               int           `json:"waiting"`
	Active                int           `json:"active"`
	Delayed               int           `json:"delayed"`
	Paused                int           `json:"paused"`
	Completed             int           `json:"completed"`
	Failed                int           `json:"failed"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
}

// Total returns the number of jobs the queue knows about.
func (c QueueCounts) Total() int {
	return c.Waiting + c.Active + c.Delayed + c.Paused + c.Completed + c.Failed
}

// RowJob is a single-row job used when no agents are available and for retries
type RowJob struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id,omitempty"`
	RetryOf    string    `json:"retry_of,omitempty"`
	Row        int       `json:"row"`
	RetryCount int       `json:"retry_count"`
	Status     JobStatus `json:"status"`
}

// AsRow views a single-row queue job as a RowJob.
func (j *QueueJob) AsRow() RowJob {
	row := -1
	if len(j.Payload.Rows) > 0 {
		row = j.Payload.Rows[0]
	}
	return RowJob{
		ID:         j.ID,
		ParentID:   j.ParentID,
		RetryOf:    j.RetryOf,
		Row:        row,
		RetryCount: j.Payload.RetryCount,
		Status:     j.Status,
	}
}
