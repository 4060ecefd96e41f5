package entities

import (
	"strings"

	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

// EnrichmentRequest asks the engine to fill TargetColumn for every row in Rows.
// It is immutable once accepted.
type EnrichmentRequest struct {
	DatasetID          string `json:"dataset_id"`
	TargetColumn       string `json:"target_column"`
	Rows               []int  `json:"rows"`
	InstructionText    string `json:"instruction_text"`
	LanguageProviderID string `json:"language_provider_id"`
	SearchProviderID   string `json:"search_provider_id"`
	RequesterID        string `json:"requester_id"`
}

// Validate checks the request shape. Schema checks against the dataset happen
// in the enrichment service.
func (r *EnrichmentRequest) Validate() error {
	if strings.TrimSpace(r.DatasetID) == "" {
		return apperrors.NewValidationError("dataset id is required")
	}
	if strings.TrimSpace(r.TargetColumn) == "" {
		return apperrors.NewValidationError("target column is required")
	}
	if strings.TrimSpace(r.RequesterID) == "" {
		return apperrors.NewValidationError("requester id is required")
	}
	if len(r.Rows) == 0 {
		return apperrors.NewValidationError("at least one row is required")
	}
	seen := make(map[int]struct{}, len(r.Rows))
	for _, row := range r.Rows {
		if row < 0 {
			return apperrors.NewValidationError("row indices must not be negative")
		}
		if _, dup := seen[row]; dup {
			return apperrors.NewValidationError("row indices must be unique")
		}
		seen[row] = struct{}{}
	}
	return nil
}

// ForRows returns a copy of the request limited to rows.
func (r EnrichmentRequest) ForRows(rows []int) EnrichmentRequest {
	r.Rows = append([]int(nil), rows...)
	return r
}

// PartitionConfig bounds chunk sizing for one request.
type PartitionConfig struct {
	MaxChunkSize   int `json:"max_chunk_size"`
	MinChunkSize   int `json:"min_chunk_size"`
	MaxConcurrency int `json:"max_concurrency"`
}
