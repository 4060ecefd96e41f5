package handlers

import (
	"net/http"

	"github.com/zatekoja/enrichswarm/internal/application/services"
)

// DatasetHandler serves dataset level checks
type DatasetHandler struct {
	resolver *services.ConflictResolver
}

// NewDatasetHandler creates a new dataset handler
func NewDatasetHandler(resolver *services.ConflictResolver) *DatasetHandler {
	return &DatasetHandler{resolver: resolver}
}

// ValidateConsistency handles GET /api/datasets/{datasetId}/consistency
func (h *DatasetHandler) ValidateConsistency(w http.ResponseWriter, r *http.Request) {
	report, err := h.resolver.ValidateDataConsistency(r.Context(), r.PathValue("datasetId"))
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}
