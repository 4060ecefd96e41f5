package services

import (
	"context"
	"fmt"

	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	"github.com/zatekoja/enrichswarm/internal/domain/repositories"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

// EnrichmentDefaults fills provider ids a request leaves empty
type EnrichmentDefaults struct {
	LanguageProviderID string
	SearchProviderID   string
}

// EnrichmentService is the entry point for bulk enrichment requests and
// their lifecycle
type EnrichmentService struct {
	repo        repositories.DatasetRepository
	queue       providers.WorkQueue
	partitioner *JobPartitioner
	planner     *OrchestrationPlanner
	registry    *AgentRegistry
	defaults    EnrichmentDefaults
}

// NewEnrichmentService creates a new enrichment service
func NewEnrichmentService(
	repo repositories.DatasetRepository,
	queue providers.WorkQueue,
	partitioner *JobPartitioner,
	planner *OrchestrationPlanner,
	registry *AgentRegistry,
	defaults EnrichmentDefaults,
) *EnrichmentService {
	return &EnrichmentService{
		repo:        repo,
		queue:       queue,
		partitioner: partitioner,
		planner:     planner,
		registry:    registry,
		defaults:    defaults,
	}
}

// authorize checks that requesterID owns datasetID
func (s *EnrichmentService) authorize(ctx context.Context, datasetID, requesterID string) error {
	owner, err := s.repo.DatasetOwner(ctx, datasetID)
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return err
		}
		return apperrors.NewInternalError("failed to load dataset owner", err)
	}
	if owner != requesterID {
		return apperrors.NewForbiddenError(fmt.Sprintf("requester %s does not own dataset %s", requesterID, datasetID))
	}
	return nil
}

// EnrichCells validates a request and queues it, returning the parent job
// id without waiting for any row
func (s *EnrichmentService) EnrichCells(ctx context.Context, req entities.EnrichmentRequest) (string, error) {
	ctx, span := observability.StartSpan(ctx, "EnrichmentService.EnrichCells")
	defer span.End()

	if req.LanguageProviderID == "" {
		req.LanguageProviderID = s.defaults.LanguageProviderID
	}
	if req.SearchProviderID == "" {
		req.SearchProviderID = s.defaults.SearchProviderID
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.LanguageProviderID == "" {
		return "", apperrors.NewValidationError("language provider id is required")
	}

	exists, err := s.repo.DatasetExists(ctx, req.DatasetID)
	if err != nil {
		return "", apperrors.NewInternalError("failed to check dataset", err)
	}
	if !exists {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("dataset %s not found", req.DatasetID))
	}
	if err := s.authorize(ctx, req.DatasetID, req.RequesterID); err != nil {
		return "", err
	}

	schema, err := s.repo.GetColumnSchema(ctx, req.DatasetID)
	if err != nil {
		return "", err
	}
	if _, ok := findColumn(schema, req.TargetColumn); !ok {
		return "", apperrors.NewValidationError(fmt.Sprintf("column %s does not exist in dataset %s", req.TargetColumn, req.DatasetID))
	}

	cfg := DetermineOptimalPartitioning(len(req.Rows))
	opts := PartitionOptions{Priority: ScorePriority(req.InstructionText, len(req.Rows))}

	agents := s.registry.AvailableAgents(ctx)
	var jobID string
	if len(agents) == 0 {
		observability.LoggerFromContext(ctx).Warn().
			Str("dataset_id", req.DatasetID).
			Int("rows", len(req.Rows)).
			Msg("No agents available, submitting rows directly")
		jobID, err = s.partitioner.SubmitRows(ctx, req, opts)
	} else {
		plan := s.planner.OrchestrateTask(ctx, req, agents)
		opts.Plan = &plan
		jobID, err = s.partitioner.PartitionJob(ctx, req, cfg, opts)
	}
	if err != nil {
		observability.RecordError(span, err)
		return "", err
	}
	return jobID, nil
}

// GetJobStatus reports the state of any job
func (s *EnrichmentService) GetJobStatus(ctx context.Context, jobID string) (*entities.JobStatusView, error) {
	job, err := loadJob(ctx, s.queue, jobID)
	if err != nil {
		return nil, err
	}
	return &entities.JobStatusView{
		JobID:    job.ID,
		State:    job.Status,
		Progress: job.Progress,
		Result:   job.Result,
		Error:    job.FailedReason,
	}, nil
}

func (s *EnrichmentService) controlled(ctx context.Context, jobID, requesterID string) error {
	if requesterID == "" {
		return apperrors.NewUnauthorizedError("requester id is required")
	}
	job, err := loadJob(ctx, s.queue, jobID)
	if err != nil {
		return err
	}
	return s.authorize(ctx, job.DatasetID(), requesterID)
}

// PauseJob pauses a waiting, active or delayed job and its children
func (s *EnrichmentService) PauseJob(ctx context.Context, jobID, requesterID string) error {
	if err := s.controlled(ctx, jobID, requesterID); err != nil {
		return err
	}
	return pauseTree(ctx, s.queue, jobID)
}

// ResumeJob resumes a paused job and its children
func (s *EnrichmentService) ResumeJob(ctx context.Context, jobID, requesterID string) error {
	if err := s.controlled(ctx, jobID, requesterID); err != nil {
		return err
	}
	return resumeTree(ctx, s.queue, jobID)
}

// StopJob terminally fails a job and its unfinished children
func (s *EnrichmentService) StopJob(ctx context.Context, jobID, requesterID string) error {
	if err := s.controlled(ctx, jobID, requesterID); err != nil {
		return err
	}
	if err := stopTree(ctx, s.queue, jobID); err != nil {
		return err
	}
	observability.LoggerFromContext(ctx).Info().Str("job_id", jobID).Str("requester_id", requesterID).Msg("Job stopped")
	return nil
}
