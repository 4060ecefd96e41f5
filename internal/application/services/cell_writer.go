package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	"github.com/zatekoja/enrichswarm/internal/domain/repositories"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

var (
	// ErrVersionConflict is returned when the stored cell moved past the
	// version the caller expected
	ErrVersionConflict = errors.New("cell version conflict")

	// ErrCircuitOpen is returned instead of calling a target whose breaker
	// is open
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrDatasetGone aborts a chunk: the dataset or its target column no
	// longer exists
	ErrDatasetGone = errors.New("dataset no longer available")
)

const (
	defaultCellLockTTL   = 30 * time.Second
	defaultSearchResults = 5
	fallbackConfidence   = 0.3
)

// TargetError attributes a failed call to the agent or provider it hit
type TargetError struct {
	TargetID string
	Err      error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("%s: %v", e.TargetID, e.Err)
}

func (e *TargetError) Unwrap() error {
	return e.Err
}

// TargetOf returns the target charged for err, if any
func TargetOf(err error) string {
	var te *TargetError
	if errors.As(err, &te) {
		return te.TargetID
	}
	return ""
}

// CellWriteResult describes what a guarded write did
type CellWriteResult struct {
	// Written is false when conflict resolution kept the stored value
	Written    bool
	Created    bool
	Cell       *entities.Cell
	Resolution *entities.ConflictResolutionResult
}

// CellWriter enriches and persists single cells under a per-cell lock
type CellWriter struct {
	repo       repositories.DatasetRepository
	locks      *LockManager
	resolver   *ConflictResolver
	gateway    providers.ProviderGateway
	resilience *ResilienceCoordinator
	bus        providers.EventBus
	metrics    *observability.Metrics

	holder  string
	lockTTL time.Duration
	now     func() time.Time
}

// NewCellWriter creates a cell writer. bus and metrics may be nil.
func NewCellWriter(
	repo repositories.DatasetRepository,
	locks *LockManager,
	resolver *ConflictResolver,
	gateway providers.ProviderGateway,
	resilience *ResilienceCoordinator,
	bus providers.EventBus,
	metrics *observability.Metrics,
) *CellWriter {
	return &CellWriter{
		repo:       repo,
		locks:      locks,
		resolver:   resolver,
		gateway:    gateway,
		resilience: resilience,
		bus:        bus,
		metrics:    metrics,
		holder:     "cell-writer-" + uuid.New().String()[:8],
		lockTTL:    defaultCellLockTTL,
		now:        time.Now,
	}
}

// UpdateCellWithOptimisticLock writes update to one cell and reports whether
// the stored value changed. A busy lock returns ErrLockNotAcquired and a
// stale expectedVersion returns ErrVersionConflict.
func (w *CellWriter) UpdateCellWithOptimisticLock(ctx context.Context, datasetID string, row int, columnID string, update entities.CellUpdate, expectedVersion *int) (bool, error) {
	res, err := w.WriteCell(ctx, datasetID, row, columnID, update, expectedVersion)
	if err != nil {
		return false, err
	}
	return res.Written, nil
}

// needsResolution reports whether the resolver has a rule for the pair
func needsResolution(proposed entities.CellUpdate, current *entities.Cell) bool {
	if proposed.Confidence != nil && current.Confidence != nil {
		return true
	}
	return proposed.Confidence == nil && current.Confidence == nil &&
		proposed.Value.Kind() == entities.KindObject && current.Value.Kind() == entities.KindObject
}

// WriteCell is UpdateCellWithOptimisticLock with the full outcome
func (w *CellWriter) WriteCell(ctx context.Context, datasetID string, row int, columnID string, update entities.CellUpdate, expectedVersion *int) (*CellWriteResult, error) {
	start := w.now()
	resource := CellResource(datasetID, row, columnID)
	holder := w.holder + ":" + uuid.New().String()

	var result *CellWriteResult
	err := w.locks.WithLock(ctx, resource, holder, w.lockTTL, func(ctx context.Context) error {
		current, err := w.repo.ReadCell(ctx, datasetID, row, columnID)
		if err != nil && !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return err
		}

		now := w.now()
		if current == nil {
			cell := &entities.Cell{
				ID:         entities.CellID(datasetID, row, columnID),
				DatasetID:  datasetID,
				Row:        row,
				ColumnID:   columnID,
				Value:      update.Value,
				Confidence: update.Confidence,
				Version:    1,
				Metadata:   update.Metadata,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := w.repo.WriteCell(ctx, cell); err != nil {
				return err
			}
			result = &CellWriteResult{Written: true, Created: true, Cell: cell}
			return nil
		}

		if expectedVersion != nil && *expectedVersion != current.Version {
			return fmt.Errorf("%w: expected %d, stored %d", ErrVersionConflict, *expectedVersion, current.Version)
		}

		value, confidence := update.Value, update.Confidence
		var resolution *entities.ConflictResolutionResult
		if expectedVersion == nil && !current.Value.IsNull() && needsResolution(update, current) {
			res := w.resolver.ResolveConflict(
				entities.ConflictCandidate{Value: update.Value, Confidence: update.Confidence},
				entities.ConflictCandidate{Value: current.Value, Confidence: current.Confidence},
				entities.ConflictContext{DatasetID: datasetID, Row: row, ColumnID: columnID, Source: holder},
			)
			resolution = &res
			if !res.ProposalWon {
				result = &CellWriteResult{Written: false, Cell: current, Resolution: resolution}
				return nil
			}
			value, confidence = res.ResolvedValue, res.ResolvedConfidence
		}

		next := *current
		next.Value = value
		next.Confidence = confidence
		next.Version = current.Version + 1
		next.UpdatedAt = now
		next.Metadata = mergeMetadata(current.Metadata, update.Metadata)
		if resolution != nil {
			next.Metadata = mergeMetadata(next.Metadata, map[string]string{"resolution_method": resolution.ResolutionMethod})
		}
		if err := w.repo.WriteCell(ctx, &next); err != nil {
			return err
		}
		result = &CellWriteResult{Written: true, Cell: &next, Resolution: resolution}
		return nil
	})

	observability.RecordCellWrite(ctx, w.metrics, err == nil && result != nil && result.Written, w.now().Sub(start))
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) || errors.Is(err, ErrVersionConflict) {
			observability.LoggerFromContext(ctx).Debug().Err(err).Str("resource", resource).Msg("Cell write rejected")
		}
		return nil, err
	}
	return result, nil
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// guard checks the breaker of target before a call
func (w *CellWriter) guard(ctx context.Context, target string) error {
	if w.resilience == nil {
		return nil
	}
	ok, err := w.resilience.IsAvailable(ctx, target)
	if err != nil {
		return err
	}
	if !ok {
		return &TargetError{TargetID: target, Err: ErrCircuitOpen}
	}
	return nil
}

func (w *CellWriter) succeeded(ctx context.Context, target string) {
	if w.resilience == nil {
		return
	}
	if err := w.resilience.OnSuccess(ctx, target); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("target_id", target).Msg("Failed to report success")
	}
}

func (w *CellWriter) complete(ctx context.Context, modelID string, req providers.CompletionRequest) (string, error) {
	if err := w.guard(ctx, modelID); err != nil {
		return "", err
	}
	model, err := w.gateway.LanguageModel(modelID)
	if err != nil {
		return "", &TargetError{TargetID: modelID, Err: err}
	}
	out, err := model.Complete(ctx, req)
	if err != nil {
		return "", &TargetError{TargetID: modelID, Err: err}
	}
	w.succeeded(ctx, modelID)
	return out, nil
}

func (w *CellWriter) search(ctx context.Context, providerID, query string) ([]providers.SearchResult, error) {
	if err := w.guard(ctx, providerID); err != nil {
		return nil, err
	}
	searcher, err := w.gateway.SearchProvider(providerID)
	if err != nil {
		return nil, &TargetError{TargetID: providerID, Err: err}
	}
	results, err := searcher.Search(ctx, query, defaultSearchResults)
	if err != nil {
		return nil, &TargetError{TargetID: providerID, Err: err}
	}
	w.succeeded(ctx, providerID)
	return results, nil
}

const querySystemPrompt = "You write one concise web search query. Reply with the query only."

const extractSystemPrompt = `You fill one spreadsheet cell from research sources. Reply with one JSON object:
{"value": <the cell value>, "confidence": <0..1>}`

type extractionReply struct {
	Value      json.RawMessage `json:"value"`
	Confidence interface{}     `json:"confidence"`
}

// parseExtraction turns model output into a cell value. A JSON object with
// a value key is trusted for its value even when its confidence is malformed;
// an explicit null means the model found nothing. Any other output becomes
// the trimmed raw text at low confidence.
func parseExtraction(raw string) (entities.CellValue, float64) {
	var reply extractionReply
	if err := decodeModelJSON(raw, &reply); err == nil && len(reply.Value) > 0 {
		var value interface{}
		dec := json.NewDecoder(bytes.NewReader(reply.Value))
		dec.UseNumber()
		if err := dec.Decode(&value); err == nil {
			if value == nil {
				return entities.NullValue(), 0
			}
			return entities.FromInterface(value), replyConfidence(reply.Confidence)
		}
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return entities.NullValue(), 0
	}
	return entities.StringValue(text), fallbackConfidence
}

// replyConfidence accepts numbers and numeric strings
func replyConfidence(c interface{}) float64 {
	switch t := c.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return clampConfidence(f)
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return clampConfidence(f)
		}
	}
	return fallbackConfidence
}

// EnrichCell researches and writes the target column of one row. Provider
// calls go through the circuit breakers; failures come back wrapped in a
// TargetError naming the provider.
func (w *CellWriter) EnrichCell(ctx context.Context, req entities.EnrichmentRequest, row int) (*CellWriteResult, error) {
	ctx, span := observability.StartSpan(ctx, "CellWriter.EnrichCell")
	defer span.End()

	schema, err := w.repo.GetColumnSchema(ctx, req.DatasetID)
	if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return nil, fmt.Errorf("%w: dataset %s", ErrDatasetGone, req.DatasetID)
	}
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	column, ok := findColumn(schema, req.TargetColumn)
	if !ok {
		return nil, fmt.Errorf("%w: column %s", ErrDatasetGone, req.TargetColumn)
	}

	subject := fmt.Sprintf("Row %d, column %s (%s)", row, column.Name, column.Type)

	var results []providers.SearchResult
	if req.SearchProviderID != "" {
		query, err := w.complete(ctx, req.LanguageProviderID, providers.CompletionRequest{
			SystemPrompt: querySystemPrompt,
			Prompt:       fmt.Sprintf("%s\nDataset: %s\nInstruction: %s", subject, req.DatasetID, req.InstructionText),
			MaxTokens:    64,
			Temperature:  0.2,
		})
		if err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
		query = strings.Trim(strings.TrimSpace(strings.SplitN(query, "\n", 2)[0]), `"`)
		if query == "" {
			query = req.InstructionText
		}

		results, err = w.search(ctx, req.SearchProviderID, query)
		if err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
	}

	var sources strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sources, "[%d] %s (%s): %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	raw, err := w.complete(ctx, req.LanguageProviderID, providers.CompletionRequest{
		SystemPrompt: extractSystemPrompt,
		Prompt:       fmt.Sprintf("%s\nInstruction: %s\nSources:\n%s", subject, req.InstructionText, sources.String()),
		MaxTokens:    300,
		Temperature:  0,
		JSONMode:     true,
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	value, confidence := parseExtraction(raw)
	if value.IsNull() {
		observability.LoggerFromContext(ctx).Debug().Str("dataset_id", req.DatasetID).Int("row", row).Msg("Model found no value, cell left unchanged")
		return &CellWriteResult{Written: false}, nil
	}

	res, err := w.WriteCell(ctx, req.DatasetID, row, req.TargetColumn, entities.CellUpdate{
		Value:      value,
		Confidence: entities.Float64Ptr(confidence),
		Metadata: map[string]string{
			"language_provider": req.LanguageProviderID,
			"search_provider":   req.SearchProviderID,
			"sources":           strconv.Itoa(len(results)),
		},
	}, nil)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	if res.Written {
		if len(results) > 0 {
			citations := make([]entities.Citation, len(results))
			for i, r := range results {
				citations[i] = entities.Citation{URL: r.URL, Title: r.Title, Snippet: r.Snippet, ProviderID: req.SearchProviderID}
			}
			if err := w.repo.AppendCitations(ctx, res.Cell.ID, citations); err != nil {
				observability.LoggerFromContext(ctx).Warn().Err(err).Str("cell_id", res.Cell.ID).Msg("Failed to append citations")
			}
		}
		w.publishCellUpdated(ctx, res.Cell)
	}
	return res, nil
}

func findColumn(schema []entities.ColumnSchema, id string) (entities.ColumnSchema, bool) {
	for _, c := range schema {
		if c.ID == id {
			return c, true
		}
	}
	return entities.ColumnSchema{}, false
}

func (w *CellWriter) publishCellUpdated(ctx context.Context, cell *entities.Cell) {
	if w.bus == nil {
		return
	}
	data := map[string]interface{}{
		"cell_id":   cell.ID,
		"row":       cell.Row,
		"column_id": cell.ColumnID,
		"version":   cell.Version,
		"value":     cell.Value.Interface(),
	}
	if cell.Confidence != nil {
		data["confidence"] = *cell.Confidence
	}
	event := entities.NewSwarmEvent(entities.SwarmEventCellUpdated, cell.DatasetID, "", data)
	if err := w.bus.Publish(ctx, entities.CellUpdatedChannel(cell.DatasetID), event); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("cell_id", cell.ID).Msg("Failed to publish cell update")
	}
}
