package repositories

import (
	"context"

	"github.com/zatekoja/enrichswarm/internal/domain/entities"
)

// DatasetRepository defines the interface for dataset and cell storage.
// Lookups of absent datasets or cells return a NOT_FOUND AppError.
type DatasetRepository interface {
	CreateDataset(ctx context.Context, dataset *entities.Dataset) error
	DatasetExists(ctx context.Context, datasetID string) (bool, error)
	DatasetOwner(ctx context.Context, datasetID string) (string, error)
	GetColumnSchema(ctx context.Context, datasetID string) ([]entities.ColumnSchema, error)

	ReadCell(ctx context.Context, datasetID string, row int, columnID string) (*entities.Cell, error)
	// WriteCell upserts the cell as given, including its version.
	WriteCell(ctx context.Context, cell *entities.Cell) error
	ListCells(ctx context.Context, datasetID string) ([]*entities.Cell, error)

	AppendCitations(ctx context.Context, cellID string, citations []entities.Citation) error
	ListCitations(ctx context.Context, cellID string) ([]entities.Citation, error)
}
