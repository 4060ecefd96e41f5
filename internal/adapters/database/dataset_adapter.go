package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/repositories"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

// DatasetAdapter implements DatasetRepository on PostgreSQL.
type DatasetAdapter struct {
	client  *postgres.Client
	db      *goqu.Database
	metrics *observability.Metrics
}

// NewDatasetAdapter creates a new adapter. metrics may be nil.
func NewDatasetAdapter(client *postgres.Client, metrics *observability.Metrics) *DatasetAdapter {
	return &DatasetAdapter{
		client:  client,
		db:      goqu.New("postgres", client.DB()),
		metrics: metrics,
	}
}

var (
	_ repositories.DatasetRepository = (*DatasetAdapter)(nil)
	_ SchemaBatchSource              = (*DatasetAdapter)(nil)
)

var cellColumns = []interface{}{
	"id", "dataset_id", "row_index", "column_id", "value", "confidence", "version", "metadata", "created_at", "updated_at",
}

func (a *DatasetAdapter) observe(ctx context.Context, operation string, start time.Time) {
	observability.RecordDBMetric(ctx, a.metrics, operation, time.Since(start))
}

// CreateDataset inserts the dataset and its columns in one transaction.
func (a *DatasetAdapter) CreateDataset(ctx context.Context, dataset *entities.Dataset) error {
	if dataset == nil || dataset.ID == "" {
		return apperrors.NewValidationError("dataset id is required")
	}
	defer a.observe(ctx, "create_dataset", time.Now())

	if dataset.CreatedAt.IsZero() {
		dataset.CreatedAt = time.Now()
	}

	datasetQuery, datasetArgs, err := a.db.Insert("datasets").Rows(goqu.Record{
		"id":         dataset.ID,
		"name":       dataset.Name,
		"owner_id":   dataset.OwnerID,
		"created_at": dataset.CreatedAt,
	}).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build dataset insert", err)
	}

	var columnQuery string
	var columnArgs []interface{}
	if len(dataset.Columns) > 0 {
		rows := make([]interface{}, 0, len(dataset.Columns))
		for i, col := range dataset.Columns {
			rows = append(rows, goqu.Record{
				"dataset_id": dataset.ID,
				"id":         col.ID,
				"name":       col.Name,
				"type":       string(col.Type),
				"required":   col.Required,
				"position":   i,
			})
		}
		columnQuery, columnArgs, err = a.db.Insert("dataset_columns").Rows(rows...).ToSQL()
		if err != nil {
			return apperrors.NewInternalError("failed to build column insert", err)
		}
	}

	err = a.client.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, datasetQuery, datasetArgs...); err != nil {
			return err
		}
		if columnQuery == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx, columnQuery, columnArgs...)
		return err
	})
	if err != nil {
		return apperrors.NewInternalError("failed to create dataset", err)
	}
	return nil
}

// DatasetExists reports whether the dataset row exists.
func (a *DatasetAdapter) DatasetExists(ctx context.Context, datasetID string) (bool, error) {
	_, err := a.DatasetOwner(ctx, datasetID)
	if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DatasetOwner returns the owner of a dataset.
func (a *DatasetAdapter) DatasetOwner(ctx context.Context, datasetID string) (string, error) {
	defer a.observe(ctx, "dataset_owner", time.Now())

	query, args, err := a.db.From("datasets").
		Select("owner_id").
		Where(goqu.Ex{"id": datasetID}).
		ToSQL()
	if err != nil {
		return "", apperrors.NewInternalError("failed to build dataset query", err)
	}

	var owner string
	err = a.client.DB().QueryRowContext(ctx, query, args...).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("dataset %s not found", datasetID))
	}
	if err != nil {
		return "", apperrors.NewInternalError("failed to get dataset owner", err)
	}
	return owner, nil
}

// GetColumnSchema returns the ordered column schema of a dataset.
func (a *DatasetAdapter) GetColumnSchema(ctx context.Context, datasetID string) ([]entities.ColumnSchema, error) {
	schemas, err := a.GetColumnSchemas(ctx, []string{datasetID})
	if err != nil {
		return nil, err
	}
	cols, ok := schemas[datasetID]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("dataset %s not found", datasetID))
	}
	return cols, nil
}

// GetColumnSchemas loads the schema of several datasets in one query.
// Datasets that do not exist are absent from the result.
func (a *DatasetAdapter) GetColumnSchemas(ctx context.Context, datasetIDs []string) (map[string][]entities.ColumnSchema, error) {
	defer a.observe(ctx, "get_column_schemas", time.Now())

	query, args, err := a.db.From(goqu.T("datasets").As("d")).
		LeftJoin(goqu.T("dataset_columns").As("c"), goqu.On(goqu.Ex{"c.dataset_id": goqu.I("d.id")})).
		Select("d.id", "c.id", "c.name", "c.type", "c.required").
		Where(goqu.Ex{"d.id": datasetIDs}).
		Order(goqu.I("d.id").Asc(), goqu.I("c.position").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build schema query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to query column schema", err)
	}
	defer rows.Close()

	out := make(map[string][]entities.ColumnSchema, len(datasetIDs))
	for rows.Next() {
		var datasetID string
		var colID, colName, colType sql.NullString
		var required sql.NullBool
		if err := rows.Scan(&datasetID, &colID, &colName, &colType, &required); err != nil {
			return nil, apperrors.NewInternalError("failed to scan column schema", err)
		}
		if _, ok := out[datasetID]; !ok {
			out[datasetID] = []entities.ColumnSchema{}
		}
		if !colID.Valid {
			continue
		}
		out[datasetID] = append(out[datasetID], entities.ColumnSchema{
			ID:       colID.String,
			Name:     colName.String,
			Type:     entities.ColumnType(colType.String),
			Required: required.Bool,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to read column schema", err)
	}
	return out, nil
}

type cellScanner interface {
	Scan(dest ...interface{}) error
}

func scanCell(row cellScanner) (*entities.Cell, error) {
	var valueRaw, metadataRaw []byte
	var confidence sql.NullFloat64
	cell := &entities.Cell{}

	if err := row.Scan(
		&cell.ID,
		&cell.DatasetID,
		&cell.Row,
		&cell.ColumnID,
		&valueRaw,
		&confidence,
		&cell.Version,
		&metadataRaw,
		&cell.CreatedAt,
		&cell.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(valueRaw) > 0 {
		if err := json.Unmarshal(valueRaw, &cell.Value); err != nil {
			return nil, fmt.Errorf("failed to decode cell value: %w", err)
		}
	}
	if confidence.Valid {
		cell.Confidence = entities.Float64Ptr(confidence.Float64)
	}
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &cell.Metadata)
	}
	return cell, nil
}

// ReadCell retrieves one cell.
func (a *DatasetAdapter) ReadCell(ctx context.Context, datasetID string, row int, columnID string) (*entities.Cell, error) {
	defer a.observe(ctx, "read_cell", time.Now())

	query, args, err := a.db.From("cells").
		Select(cellColumns...).
		Where(goqu.Ex{"dataset_id": datasetID, "row_index": row, "column_id": columnID}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build cell query", err)
	}

	cell, err := scanCell(a.client.DB().QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("cell %s not found", entities.CellID(datasetID, row, columnID)))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to read cell", err)
	}
	return cell, nil
}

// WriteCell upserts a cell. The caller owns versioning.
func (a *DatasetAdapter) WriteCell(ctx context.Context, cell *entities.Cell) error {
	if cell == nil {
		return apperrors.NewValidationError("cell is required")
	}
	defer a.observe(ctx, "write_cell", time.Now())

	valueBytes, err := json.Marshal(cell.Value)
	if err != nil {
		return apperrors.NewValidationError("cell value is not encodable")
	}
	metadataBytes, _ := json.Marshal(cell.Metadata)

	now := time.Now()
	if cell.CreatedAt.IsZero() {
		cell.CreatedAt = now
	}
	if cell.UpdatedAt.IsZero() {
		cell.UpdatedAt = now
	}
	cell.ID = entities.CellID(cell.DatasetID, cell.Row, cell.ColumnID)

	var confidence interface{}
	if cell.Confidence != nil {
		confidence = *cell.Confidence
	}

	query, args, err := a.db.Insert("cells").
		Rows(goqu.Record{
			"id":         cell.ID,
			"dataset_id": cell.DatasetID,
			"row_index":  cell.Row,
			"column_id":  cell.ColumnID,
			"value":      string(valueBytes),
			"confidence": confidence,
			"version":    cell.Version,
			"metadata":   string(metadataBytes),
			"created_at": cell.CreatedAt,
			"updated_at": cell.UpdatedAt,
		}).
		OnConflict(goqu.DoUpdate("dataset_id, row_index, column_id", goqu.Record{
			"value":      goqu.I("EXCLUDED.value"),
			"confidence": goqu.I("EXCLUDED.confidence"),
			"version":    goqu.I("EXCLUDED.version"),
			"metadata":   goqu.I("EXCLUDED.metadata"),
			"updated_at": goqu.I("EXCLUDED.updated_at"),
		})).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build cell upsert", err)
	}

	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to write cell", err)
	}
	return nil
}

// ListCells returns every stored cell of a dataset, including orphans whose
// dataset row no longer exists.
func (a *DatasetAdapter) ListCells(ctx context.Context, datasetID string) ([]*entities.Cell, error) {
	defer a.observe(ctx, "list_cells", time.Now())

	query, args, err := a.db.From("cells").
		Select(cellColumns...).
		Where(goqu.Ex{"dataset_id": datasetID}).
		Order(goqu.I("row_index").Asc(), goqu.I("column_id").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build cell list query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list cells", err)
	}
	defer rows.Close()

	cells := make([]*entities.Cell, 0)
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan cell", err)
		}
		cells = append(cells, cell)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to read cells", err)
	}
	return cells, nil
}

// AppendCitations stores the sources behind a cell value.
func (a *DatasetAdapter) AppendCitations(ctx context.Context, cellID string, citations []entities.Citation) error {
	if len(citations) == 0 {
		return nil
	}
	defer a.observe(ctx, "append_citations", time.Now())

	now := time.Now()
	rows := make([]interface{}, 0, len(citations))
	for _, c := range citations {
		rows = append(rows, goqu.Record{
			"id":          uuid.New().String(),
			"cell_id":     cellID,
			"url":         c.URL,
			"title":       c.Title,
			"snippet":     c.Snippet,
			"provider_id": c.ProviderID,
			"created_at":  now,
		})
	}

	query, args, err := a.db.Insert("cell_citations").Rows(rows...).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build citation insert", err)
	}
	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to append citations", err)
	}
	return nil
}

// ListCitations returns the citations of a cell, oldest first.
func (a *DatasetAdapter) ListCitations(ctx context.Context, cellID string) ([]entities.Citation, error) {
	defer a.observe(ctx, "list_citations", time.Now())

	query, args, err := a.db.From("cell_citations").
		Select("url", "title", "snippet", "provider_id").
		Where(goqu.Ex{"cell_id": cellID}).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build citation query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list citations", err)
	}
	defer rows.Close()

	citations := make([]entities.Citation, 0)
	for rows.Next() {
		var c entities.Citation
		if err := rows.Scan(&c.URL, &c.Title, &c.Snippet, &c.ProviderID); err != nil {
			return nil, apperrors.NewInternalError("failed to scan citation", err)
		}
		citations = append(citations, c)
	}
	return citations, rows.Err()
}
