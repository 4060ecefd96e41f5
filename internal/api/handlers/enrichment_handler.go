package handlers

import (
	"context"
	"net/http"

	"github.com/zatekoja/enrichswarm/internal/domain/entities"
)

// JobService is the enrichment surface the handler drives
type JobService interface {
	EnrichCells(ctx context.Context, req entities.EnrichmentRequest) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (*entities.JobStatusView, error)
	PauseJob(ctx context.Context, jobID, requesterID string) error
	ResumeJob(ctx context.Context, jobID, requesterID string) error
	StopJob(ctx context.Context, jobID, requesterID string) error
}

// EnrichmentHandler handles enrichment job requests
type EnrichmentHandler struct {
	jobs JobService
}

// NewEnrichmentHandler creates a new enrichment handler
func NewEnrichmentHandler(jobs JobService) *EnrichmentHandler {
	return &EnrichmentHandler{jobs: jobs}
}

type enrichCellsRequest struct {
	TargetColumn       string `json:"target_column"`
	Rows               []int  `json:"rows"`
	InstructionText    string `json:"instruction_text"`
	LanguageProviderID string `json:"language_provider_id"`
	SearchProviderID   string `json:"search_provider_id"`
}

// EnrichCells handles POST /api/datasets/{datasetId}/enrich
func (h *EnrichmentHandler) EnrichCells(w http.ResponseWriter, r *http.Request) {
	requester, err := requesterOf(r)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	var body enrichCellsRequest
	if err := decodeJSON(w, r, &body); err != nil {
		respondWithAppError(w, r, err)
		return
	}

	jobID, err := h.jobs.EnrichCells(r.Context(), entities.EnrichmentRequest{
		DatasetID:          r.PathValue("datasetId"),
		TargetColumn:       body.TargetColumn,
		Rows:               body.Rows,
		InstructionText:    body.InstructionText,
		LanguageProviderID: body.LanguageProviderID,
		SearchProviderID:   body.SearchProviderID,
		RequesterID:        requester,
	})
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// GetJobStatus handles GET /api/jobs/{jobId}
func (h *EnrichmentHandler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.jobs.GetJobStatus(r.Context(), r.PathValue("jobId"))
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

// PauseJob handles POST /api/jobs/{jobId}/pause
func (h *EnrichmentHandler) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "paused", h.jobs.PauseJob)
}

// ResumeJob handles POST /api/jobs/{jobId}/resume
func (h *EnrichmentHandler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "resumed", h.jobs.ResumeJob)
}

// StopJob handles POST /api/jobs/{jobId}/stop
func (h *EnrichmentHandler) StopJob(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "stopped", h.jobs.StopJob)
}

func (h *EnrichmentHandler) control(w http.ResponseWriter, r *http.Request, outcome string, fn func(ctx context.Context, jobID, requesterID string) error) {
	requester, err := requesterOf(r)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	jobID := r.PathValue("jobId")
	if err := fn(r.Context(), jobID, requester); err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": outcome,
	})
}
