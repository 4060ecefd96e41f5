package database

import (
	"context"
	"fmt"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/repositories"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

// SchemaBatchSource loads many dataset schemas at once
type SchemaBatchSource interface {
	GetColumnSchemas(ctx context.Context, datasetIDs []string) (map[string][]entities.ColumnSchema, error)
}

// BatchedDatasetRepository is a dataset store that can also batch schema reads
type BatchedDatasetRepository interface {
	repositories.DatasetRepository
	SchemaBatchSource
}

// SchemaLoader coalesces concurrent GetColumnSchema calls from workers into one
// batched query. Results are not cached so schema changes are seen immediately.
type SchemaLoader struct {
	repositories.DatasetRepository
	loader *dataloader.Loader[string, []entities.ColumnSchema]
}

// NewSchemaLoader wraps repo; all other calls pass straight through.
func NewSchemaLoader(repo BatchedDatasetRepository, wait time.Duration) *SchemaLoader {
	batchFn := func(ctx context.Context, keys []string) []*dataloader.Result[[]entities.ColumnSchema] {
		results := make([]*dataloader.Result[[]entities.ColumnSchema], len(keys))
		schemas, err := repo.GetColumnSchemas(ctx, keys)

		for i, key := range keys {
			if err != nil {
				results[i] = &dataloader.Result[[]entities.ColumnSchema]{Error: err}
			} else if cols, ok := schemas[key]; ok {
				results[i] = &dataloader.Result[[]entities.ColumnSchema]{Data: cols}
			} else {
				results[i] = &dataloader.Result[[]entities.ColumnSchema]{
					Error: apperrors.NewNotFoundError(fmt.Sprintf("dataset %s not found", key)),
				}
			}
		}
		return results
	}

	return &SchemaLoader{
		DatasetRepository: repo,
		loader: dataloader.NewBatchedLoader(
			batchFn,
			dataloader.WithCache[string, []entities.ColumnSchema](&dataloader.NoCache[string, []entities.ColumnSchema]{}),
			dataloader.WithWait[string, []entities.ColumnSchema](wait),
		),
	}
}

// GetColumnSchema loads through the batching loader.
func (l *SchemaLoader) GetColumnSchema(ctx context.Context, datasetID string) ([]entities.ColumnSchema, error) {
	return l.loader.Load(ctx, datasetID)()
}
