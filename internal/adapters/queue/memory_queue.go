package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
	"github.com/zatekoja/enrichswarm/pkg/retry"
)

const (
	defaultAttempts = 1
	defaultBackoff  = 2 * time.Second
)

// MemoryQueue implements providers.WorkQueue in process. Jobs are claimed in
// insertion order.
type MemoryQueue struct {
	mu       sync.Mutex
	jobs     map[string]*entities.QueueJob
	order    []string
	children map[string][]string
	paused   bool
	now      func() time.Time
}

// NewMemoryQueue creates an empty queue using the wall clock
func NewMemoryQueue() *MemoryQueue {
	return NewMemoryQueueWithClock(time.Now)
}

// NewMemoryQueueWithClock creates an empty queue reading time from now
func NewMemoryQueueWithClock(now func() time.Time) *MemoryQueue {
	return &MemoryQueue{
		jobs:     make(map[string]*entities.QueueJob),
		children: make(map[string][]string),
		now:      now,
	}
}

var _ providers.WorkQueue = (*MemoryQueue)(nil)

func cloneJob(j *entities.QueueJob) *entities.QueueJob {
	c := *j
	c.Payload.Rows = append([]int(nil), j.Payload.Rows...)
	c.Payload.Request.Rows = append([]int(nil), j.Payload.Request.Rows...)
	if j.Result != nil {
		r := *j.Result
		r.Errors = append([]string(nil), j.Result.Errors...)
		c.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func (q *MemoryQueue) Enqueue(ctx context.Context, name entities.JobName, payload entities.JobPayload, opts providers.EnqueueOptions) (*entities.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := q.jobs[id]; exists {
		return nil, apperrors.NewConflictError(fmt.Sprintf("job %s already exists", id))
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	now := q.now()
	job := &entities.QueueJob{
		ID:          id,
		Name:        name,
		Payload:     payload,
		ParentID:    opts.ParentID,
		RetryOf:     opts.RetryOf,
		AgentID:     opts.AgentID,
		Status:      entities.JobStatusWaiting,
		MaxAttempts: attempts,
		Backoff:     backoff,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.Delay > 0 {
		job.Status = entities.JobStatusDelayed
		job.ProcessAfter = now.Add(opts.Delay)
	}

	q.jobs[id] = job
	q.order = append(q.order, id)
	if opts.ParentID != "" {
		q.children[opts.ParentID] = append(q.children[opts.ParentID], id)
	}
	return cloneJob(job), nil
}

// promote moves due delayed jobs back to waiting. Callers hold mu.
func (q *MemoryQueue) promote(now time.Time) {
	for _, id := range q.order {
		job := q.jobs[id]
		if job.Status == entities.JobStatusDelayed && !now.Before(job.ProcessAfter) {
			job.Status = entities.JobStatusWaiting
			job.UpdatedAt = now
		}
	}
}

func (q *MemoryQueue) Claim(ctx context.Context, consumer string) (*entities.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil, nil
	}

	now := q.now()
	q.promote(now)

	var own, free, other *entities.QueueJob
	for _, id := range q.order {
		job := q.jobs[id]
		if job.Status != entities.JobStatusWaiting {
			continue
		}
		switch {
		case job.AgentID == consumer && own == nil:
			own = job
		case job.AgentID == "" && free == nil:
			free = job
		case other == nil:
			other = job
		}
		if own != nil {
			break
		}
	}

	job := own
	if job == nil {
		job = free
	}
	if job == nil {
		job = other
	}
	if job == nil {
		return nil, nil
	}

	job.Status = entities.JobStatusActive
	job.Attempts++
	job.UpdatedAt = now
	if job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	return cloneJob(job), nil
}

// active returns the job if it is held by a worker. Callers hold mu.
func (q *MemoryQueue) active(jobID string) (*entities.QueueJob, error) {
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, providers.ErrJobNotFound
	}
	if job.Status != entities.JobStatusActive {
		return nil, providers.ErrJobNotActive
	}
	return job, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, jobID string, result *entities.JobResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.active(jobID)
	if err != nil {
		return err
	}

	now := q.now()
	job.Status = entities.JobStatusCompleted
	job.Progress = 100
	if result != nil {
		r := *result
		job.Result = &r
	}
	job.FailedReason = ""
	job.UpdatedAt = now
	job.FinishedAt = &now
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.active(jobID)
	if err != nil {
		return err
	}

	now := q.now()
	job.FailedReason = reason
	job.UpdatedAt = now
	if job.Attempts < job.MaxAttempts {
		job.Status = entities.JobStatusDelayed
		job.ProcessAfter = now.Add(retry.ExponentialDelay(job.Backoff, job.Attempts-1))
		return nil
	}

	job.Status = entities.JobStatusFailed
	job.FinishedAt = &now
	return nil
}

func (q *MemoryQueue) UpdateProgress(ctx context.Context, jobID string, progress float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return providers.ErrJobNotFound
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if progress > job.Progress {
		job.Progress = progress
		job.UpdatedAt = q.now()
	}
	return nil
}

func (q *MemoryQueue) SaveCheckpoint(ctx context.Context, jobID string, cursor int, partial *entities.JobResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return providers.ErrJobNotFound
	}
	job.Payload.Cursor = cursor
	if partial != nil {
		r := *partial
		r.Errors = append([]string(nil), partial.Errors...)
		job.Result = &r
	}
	job.UpdatedAt = q.now()
	return nil
}

func (q *MemoryQueue) Delay(ctx context.Context, jobID string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.active(jobID)
	if err != nil {
		return err
	}
	now := q.now()
	job.Status = entities.JobStatusDelayed
	job.ProcessAfter = now.Add(d)
	job.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) GetJob(ctx context.Context, jobID string) (*entities.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, providers.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (q *MemoryQueue) Children(ctx context.Context, parentID string) ([]*entities.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.children[parentID]
	out := make([]*entities.QueueJob, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneJob(q.jobs[id]))
	}
	return out, nil
}

func (q *MemoryQueue) Pause(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return providers.ErrJobNotFound
	}
	if !job.Status.CanPause() {
		return apperrors.NewConflictError(fmt.Sprintf("cannot pause job in state %s", job.Status))
	}
	job.Status = entities.JobStatusPaused
	job.UpdatedAt = q.now()
	return nil
}

func (q *MemoryQueue) Resume(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return providers.ErrJobNotFound
	}
	if job.Status != entities.JobStatusPaused {
		return apperrors.NewConflictError(fmt.Sprintf("cannot resume job in state %s", job.Status))
	}
	job.Status = entities.JobStatusWaiting
	job.UpdatedAt = q.now()
	return nil
}

// ForceFail moves a non-terminal job straight to failed. Terminal jobs are left alone.
func (q *MemoryQueue) ForceFail(ctx context.Context, jobID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return providers.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	now := q.now()
	job.Status = entities.JobStatusFailed
	job.FailedReason = reason
	job.UpdatedAt = now
	job.FinishedAt = &now
	return nil
}

func (q *MemoryQueue) PauseQueue(ctx context.Context) error {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) ResumeQueue(ctx context.Context) error {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) IsPaused(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused, nil
}

func (q *MemoryQueue) Counts(ctx context.Context) (entities.QueueCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var counts entities.QueueCounts
	var total time.Duration
	finished := 0
	for _, job := range q.jobs {
		switch job.Status {
		case entities.JobStatusWaiting:
			counts.Waiting++
		case entities.JobStatusActive:
			counts.Active++
		case entities.JobStatusDelayed:
			counts.Delayed++
		case entities.JobStatusPaused:
			counts.Paused++
		case entities.JobStatusCompleted:
			counts.Completed++
			if d := job.ProcessingTime(); d > 0 {
				total += d
				finished++
			}
		case entities.JobStatusFailed:
			counts.Failed++
		}
	}
	if finished > 0 {
		counts.AverageProcessingTime = total / time.Duration(finished)
	}
	return counts, nil
}
