package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

func newMockAdapter(t *testing.T) (*DatasetAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDatasetAdapter(postgres.NewClientFromDB(db), nil), mock
}

func TestDatasetAdapter_ReadCell(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "dataset_id", "row_index", "column_id", "value", "confidence", "version", "metadata", "created_at", "updated_at"}).
		AddRow("ds-1:3:ceo", "ds-1", 3, "ceo", []byte(`{"name":"Jane","tenure":4}`), 0.9, 2, []byte(`{"source":"search"}`), now, now)
	mock.ExpectQuery(`SELECT .+ FROM "cells" WHERE`).WillReturnRows(rows)

	cell, err := adapter.ReadCell(context.Background(), "ds-1", 3, "ceo")
	require.NoError(t, err)

	assert.Equal(t, 3, cell.Row)
	assert.Equal(t, 2, cell.Version)
	require.NotNil(t, cell.Confidence)
	assert.Equal(t, 0.9, *cell.Confidence)
	assert.Equal(t, entities.KindObject, cell.Value.Kind())
	name, _ := cell.Value.Field("name")
	s, ok := name.AsString()
	assert.True(t, ok)
	assert.Equal(t, "Jane", s)
	assert.Equal(t, "search", cell.Metadata["source"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDatasetAdapter_ReadCellNotFound(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	mock.ExpectQuery(`SELECT .+ FROM "cells"`).WillReturnError(sql.ErrNoRows)

	_, err := adapter.ReadCell(context.Background(), "ds-1", 9, "ceo")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestDatasetAdapter_WriteCellUpserts(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	mock.ExpectExec(`INSERT INTO "cells" .+ ON CONFLICT \(dataset_id, row_index, column_id\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cell := &entities.Cell{
		DatasetID:  "ds-1",
		Row:        3,
		ColumnID:   "ceo",
		Value:      entities.StringValue("Jane Doe"),
		Confidence: entities.Float64Ptr(0.8),
		Version:    1,
	}
	require.NoError(t, adapter.WriteCell(context.Background(), cell))
	assert.Equal(t, "ds-1:3:ceo", cell.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDatasetAdapter_GetColumnSchemas(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	rows := sqlmock.NewRows([]string{"id", "id", "name", "type", "required"}).
		AddRow("ds-1", "name", "Name", "string", true).
		AddRow("ds-1", "website", "Website", "url", false).
		AddRow("ds-2", nil, nil, nil, nil)
	mock.ExpectQuery(`SELECT .+ FROM "datasets" AS "d" LEFT JOIN "dataset_columns" AS "c"`).WillReturnRows(rows)

	schemas, err := adapter.GetColumnSchemas(context.Background(), []string{"ds-1", "ds-2", "ds-3"})
	require.NoError(t, err)

	require.Len(t, schemas["ds-1"], 2)
	assert.Equal(t, entities.ColumnTypeURL, schemas["ds-1"][1].Type)
	assert.True(t, schemas["ds-1"][0].Required)
	cols, ok := schemas["ds-2"]
	assert.True(t, ok, "dataset without columns still exists")
	assert.Empty(t, cols)
	_, ok = schemas["ds-3"]
	assert.False(t, ok)
}

func TestDatasetAdapter_DatasetOwner(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	mock.ExpectQuery(`SELECT "owner_id" FROM "datasets"`).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("user-1"))
	mock.ExpectQuery(`SELECT "owner_id" FROM "datasets"`).WillReturnError(sql.ErrNoRows)

	owner, err := adapter.DatasetOwner(context.Background(), "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", owner)

	exists, err := adapter.DatasetExists(context.Background(), "ds-x")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDatasetAdapter_CreateDatasetTransaction(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "datasets"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "dataset_columns"`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := adapter.CreateDataset(context.Background(), &entities.Dataset{
		ID:      "ds-1",
		Name:    "Companies",
		OwnerID: "user-1",
		Columns: []entities.ColumnSchema{
			{ID: "name", Name: "Name", Type: entities.ColumnTypeString, Required: true},
			{ID: "ceo", Name: "CEO", Type: entities.ColumnTypeString},
		},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDatasetAdapter_AppendCitations(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	mock.ExpectExec(`INSERT INTO "cell_citations"`).WillReturnResult(sqlmock.NewResult(0, 2))

	err := adapter.AppendCitations(context.Background(), "ds-1:3:ceo", []entities.Citation{
		{URL: "https://acme.example/team", Title: "Team", ProviderID: "typesense"},
		{URL: "https://news.example/acme", Title: "News", ProviderID: "typesense"},
	})
	require.NoError(t, err)

	require.NoError(t, adapter.AppendCitations(context.Background(), "ds-1:3:ceo", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDatasetAdapter_CreateDatasetRollsBack(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "datasets"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "dataset_columns"`).WillReturnError(errors.New("duplicate column"))
	mock.ExpectRollback()

	err := adapter.CreateDataset(context.Background(), &entities.Dataset{
		ID:      "ds-1",
		OwnerID: "user-1",
		Columns: []entities.ColumnSchema{{ID: "name", Name: "Name", Type: entities.ColumnTypeString}},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternal))
	require.NoError(t, mock.ExpectationsWereMet())
}
