package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/repositories"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

// MemoryDatasetAdapter keeps datasets and cells in process.
type MemoryDatasetAdapter struct {
	mu        sync.RWMutex
	datasets  map[string]*entities.Dataset
	cells     map[string]*entities.Cell
	citations map[string][]entities.Citation
}

// NewMemoryDatasetAdapter creates an empty in-memory dataset store.
func NewMemoryDatasetAdapter() *MemoryDatasetAdapter {
	return &MemoryDatasetAdapter{
		datasets:  make(map[string]*entities.Dataset),
		cells:     make(map[string]*entities.Cell),
		citations: make(map[string][]entities.Citation),
	}
}

var (
	_ repositories.DatasetRepository = (*MemoryDatasetAdapter)(nil)
	_ SchemaBatchSource              = (*MemoryDatasetAdapter)(nil)
)

func copyCell(c *entities.Cell) *entities.Cell {
	out := *c
	if c.Confidence != nil {
		v := *c.Confidence
		out.Confidence = &v
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (a *MemoryDatasetAdapter) CreateDataset(ctx context.Context, dataset *entities.Dataset) error {
	if dataset == nil || dataset.ID == "" {
		return apperrors.NewValidationError("dataset id is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.datasets[dataset.ID]; exists {
		return apperrors.NewConflictError(fmt.Sprintf("dataset %s already exists", dataset.ID))
	}
	d := *dataset
	d.Columns = append([]entities.ColumnSchema(nil), dataset.Columns...)
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	a.datasets[d.ID] = &d
	return nil
}

// DeleteDataset removes the dataset but keeps its cells, which then become
// orphans. Used to simulate a dataset vanishing mid-job.
func (a *MemoryDatasetAdapter) DeleteDataset(ctx context.Context, datasetID string) {
	a.mu.Lock()
	delete(a.datasets, datasetID)
	a.mu.Unlock()
}

func (a *MemoryDatasetAdapter) DatasetExists(ctx context.Context, datasetID string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.datasets[datasetID]
	return ok, nil
}

func (a *MemoryDatasetAdapter) DatasetOwner(ctx context.Context, datasetID string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.datasets[datasetID]
	if !ok {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("dataset %s not found", datasetID))
	}
	return d.OwnerID, nil
}

func (a *MemoryDatasetAdapter) GetColumnSchema(ctx context.Context, datasetID string) ([]entities.ColumnSchema, error) {
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

// GetColumnSchemas returns the schema of every existing dataset in datasetIDs.
func (a *MemoryDatasetAdapter) GetColumnSchemas(ctx context.Context, datasetIDs []string) (map[string][]entities.ColumnSchema, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string][]entities.ColumnSchema, len(datasetIDs))
	for _, id := range datasetIDs {
		if d, ok := a.datasets[id]; ok {
			out[id] = append([]entities.ColumnSchema(nil), d.Columns...)
		}
	}
	return out, nil
}

func (a *MemoryDatasetAdapter) ReadCell(ctx context.Context, datasetID string, row int, columnID string) (*entities.Cell, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	id := entities.CellID(datasetID, row, columnID)
	c, ok := a.cells[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("cell %s not found", id))
	}
	return copyCell(c), nil
}

func (a *MemoryDatasetAdapter) WriteCell(ctx context.Context, cell *entities.Cell) error {
	if cell == nil {
		return apperrors.NewValidationError("cell is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	c := copyCell(cell)
	c.ID = entities.CellID(cell.DatasetID, cell.Row, cell.ColumnID)
	if existing, ok := a.cells[c.ID]; ok && c.CreatedAt.IsZero() {
		c.CreatedAt = existing.CreatedAt
	}
	a.cells[c.ID] = c
	return nil
}

func (a *MemoryDatasetAdapter) ListCells(ctx context.Context, datasetID string) ([]*entities.Cell, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*entities.Cell, 0)
	for _, c := range a.cells {
		if c.DatasetID == datasetID {
			out = append(out, copyCell(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].ColumnID < out[j].ColumnID
	})
	return out, nil
}

func (a *MemoryDatasetAdapter) AppendCitations(ctx context.Context, cellID string, citations []entities.Citation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.citations[cellID] = append(a.citations[cellID], citations...)
	return nil
}

func (a *MemoryDatasetAdapter) ListCitations(ctx context.Context, cellID string) ([]entities.Citation, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]entities.Citation(nil), a.citations[cellID]...), nil
}
