package providers

import (
	"context"
	"errors"
	"time"

	"github.com/zatekoja/enrichswarm/internal/domain/entities"
)

var (
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("work queue: job not found")

	// ErrJobNotActive is returned when completing or failing a job that is
	// no longer held by a worker, e.g. after a manual stop.
	ErrJobNotActive = errors.New("work queue: job not active")
)

// EnqueueOptions controls how a job is queued
type EnqueueOptions struct {
	// JobID lets callers pre-assign the id. Empty means generate one.
	JobID    string
	ParentID string
	RetryOf  string
	// AgentID is an affinity hint: the named consumer claims the job first.
	AgentID  string
	Attempts int
	Backoff  time.Duration
	Delay    time.Duration
}

// WorkQueue is the job queue workers pull from
type WorkQueue interface {
	Enqueue(ctx context.Context, name entities.JobName, payload entities.JobPayload, opts EnqueueOptions) (*entities.QueueJob, error)

	// Claim hands the next runnable job to consumer and marks it active.
	// It returns nil when nothing is runnable.
	Claim(ctx context.Context, consumer string) (*entities.QueueJob, error)

	Complete(ctx context.Context, jobID string, result *entities.JobResult) error

	// Fail records a failed attempt. The job is requeued with backoff while
	// attempts remain.
	Fail(ctx context.Context, jobID string, reason string) error

	// UpdateProgress stores progress in [0,100]. Progress never decreases.
	UpdateProgress(ctx context.Context, jobID string, progress float64) error

	// SaveCheckpoint persists the chunk cursor and its partial result.
	SaveCheckpoint(ctx context.Context, jobID string, cursor int, partial *entities.JobResult) error

	// Delay parks an active job until d has elapsed.
	Delay(ctx context.Context, jobID string, d time.Duration) error

	GetJob(ctx context.Context, jobID string) (*entities.QueueJob, error)
	Children(ctx context.Context, parentID string) ([]*entities.QueueJob, error)

	Pause(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
	ForceFail(ctx context.Context, jobID string, reason string) error

	PauseQueue(ctx context.Context) error
	ResumeQueue(ctx context.Context) error
	IsPaused(ctx context.Context) (bool, error)

	Counts(ctx context.Context) (entities.QueueCounts, error)
}
