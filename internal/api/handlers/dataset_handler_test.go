package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/enrichswarm/internal/adapters/database"
	"github.com/zatekoja/enrichswarm/internal/api/handlers"
	"github.com/zatekoja/enrichswarm/internal/application/services"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
)

func TestDatasetHandler_ValidateConsistency(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryDatasetAdapter()
	require.NoError(t, repo.CreateDataset(ctx, &entities.Dataset{
		ID:      "ds-1",
		OwnerID: "owner-1",
		Columns: []entities.ColumnSchema{
			{ID: "website", Name: "Website", Type: entities.ColumnTypeURL},
			{ID: "employees", Name: "Employees", Type: entities.ColumnTypeNumber},
		},
	}))
	require.NoError(t, repo.WriteCell(ctx, &entities.Cell{DatasetID: "ds-1", Row: 0, ColumnID: "website", Value: entities.StringValue("https://acme.example.com"), Version: 1}))
	require.NoError(t, repo.WriteCell(ctx, &entities.Cell{DatasetID: "ds-1", Row: 0, ColumnID: "employees", Value: entities.StringValue("many"), Version: 1}))

	handler := handlers.NewDatasetHandler(services.NewConflictResolver(repo))

	req := httptest.NewRequest(http.MethodGet, "/api/datasets/ds-1/consistency", nil)
	req.SetPathValue("datasetId", "ds-1")
	w := httptest.NewRecorder()
	handler.ValidateConsistency(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["is_valid"])
	assert.Equal(t, float64(2), body["checked_cells"])
	issues := body["issues"].([]interface{})
	require.Len(t, issues, 1)
	assert.Equal(t, "type_mismatch", issues[0].(map[string]interface{})["type"])
}
