package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

// loadJob maps queue lookups to application errors
func loadJob(ctx context.Context, queue providers.WorkQueue, jobID string) (*entities.QueueJob, error) {
	job, err := queue.GetJob(ctx, jobID)
	if errors.Is(err, providers.ErrJobNotFound) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("job %s not found", jobID))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load job", err)
	}
	return job, nil
}

// pauseTree pauses a job and every child that can still be paused
func pauseTree(ctx context.Context, queue providers.WorkQueue, jobID string) error {
	job, err := loadJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if !job.Status.CanPause() {
		return apperrors.NewConflictError(fmt.Sprintf("job %s is %s and cannot be paused", jobID, job.Status))
	}
	if err := queue.Pause(ctx, jobID); err != nil {
		return err
	}
	return eachChild(ctx, queue, jobID, func(child *entities.QueueJob) error {
		if !child.Status.CanPause() {
			return nil
		}
		return queue.Pause(ctx, child.ID)
	})
}

// resumeTree resumes a paused job and its paused children
func resumeTree(ctx context.Context, queue providers.WorkQueue, jobID string) error {
	job, err := loadJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if job.Status != entities.JobStatusPaused {
		return apperrors.NewConflictError(fmt.Sprintf("job %s is %s and cannot be resumed", jobID, job.Status))
	}
	if err := queue.Resume(ctx, jobID); err != nil {
		return err
	}
	return eachChild(ctx, queue, jobID, func(child *entities.QueueJob) error {
		if child.Status != entities.JobStatusPaused {
			return nil
		}
		return queue.Resume(ctx, child.ID)
	})
}

// stopTree force-fails a job and its unfinished children with the
// manual-stop reason. In-flight rows finish but their results are dropped.
func stopTree(ctx context.Context, queue providers.WorkQueue, jobID string) error {
	job, err := loadJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return apperrors.NewConflictError(fmt.Sprintf("job %s is already %s", jobID, job.Status))
	}
	if err := queue.ForceFail(ctx, jobID, entities.ManualStopReason); err != nil {
		return err
	}
	return eachChild(ctx, queue, jobID, func(child *entities.QueueJob) error {
		return queue.ForceFail(ctx, child.ID, entities.ManualStopReason)
	})
}

func eachChild(ctx context.Context, queue providers.WorkQueue, parentID string, fn func(child *entities.QueueJob) error) error {
	children, err := queue.Children(ctx, parentID)
	if err != nil {
		return apperrors.NewInternalError("failed to list child jobs", err)
	}
	var errs []error
	for _, child := range children {
		if err := fn(child); err != nil {
			errs = append(errs, fmt.Errorf("child %s: %w", child.ID, err))
		}
	}
	return errors.Join(errs...)
}
