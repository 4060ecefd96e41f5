package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/enrichswarm/internal/application/services"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
)

func scored(v entities.CellValue, confidence float64) entities.CellUpdate {
	return entities.CellUpdate{Value: v, Confidence: entities.Float64Ptr(confidence)}
}

func TestWriteCell_CreatesAtVersionOne(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	res, err := e.writer.WriteCell(ctx, testDataset, 3, testColumn, scored(entities.StringValue("https://a.example"), 0.7), nil)
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.Cell.Version)

	stored, err := e.repo.ReadCell(ctx, testDataset, 3, testColumn)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
	assert.True(t, stored.Value.Equal(entities.StringValue("https://a.example")))
	assert.Equal(t, 0, e.locks.LocalLocks(), "lock is released after the write")
}

func TestUpdateCellWithOptimisticLock_VersionCheck(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	ok, err := e.writer.UpdateCellWithOptimisticLock(ctx, testDataset, 1, "name", entities.CellUpdate{Value: entities.StringValue("Acme")}, nil)
	require.NoError(t, err)
	require.True(t, ok)

	one := 1
	ok, err = e.writer.UpdateCellWithOptimisticLock(ctx, testDataset, 1, "name", entities.CellUpdate{Value: entities.StringValue("Acme Corp")}, &one)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.writer.UpdateCellWithOptimisticLock(ctx, testDataset, 1, "name", entities.CellUpdate{Value: entities.StringValue("Stale")}, &one)
	assert.False(t, ok)
	assert.ErrorIs(t, err, services.ErrVersionConflict)

	stored, err := e.repo.ReadCell(ctx, testDataset, 1, "name")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.True(t, stored.Value.Equal(entities.StringValue("Acme Corp")))
}

func TestWriteCell_LockContention(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	resource := services.CellResource(testDataset, 0, testColumn)
	ok, err := e.locks.AcquireLock(ctx, resource, "other-writer", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.writer.WriteCell(ctx, testDataset, 0, testColumn, scored(entities.StringValue("x"), 0.5), nil)
	assert.ErrorIs(t, err, services.ErrLockNotAcquired)

	_, err = e.repo.ReadCell(ctx, testDataset, 0, testColumn)
	assert.Error(t, err, "nothing was written")

	released, err := e.locks.ReleaseLock(ctx, resource, "other-writer")
	require.NoError(t, err)
	require.True(t, released)

	res, err := e.writer.WriteCell(ctx, testDataset, 0, testColumn, scored(entities.StringValue("x"), 0.5), nil)
	require.NoError(t, err)
	assert.True(t, res.Written)
}

func TestWriteCell_ConfidenceResolution(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.writer.WriteCell(ctx, testDataset, 2, testColumn, scored(entities.StringValue("https://good.example"), 0.9), nil)
	require.NoError(t, err)

	res, err := e.writer.WriteCell(ctx, testDataset, 2, testColumn, scored(entities.StringValue("https://worse.example"), 0.5), nil)
	require.NoError(t, err)
	assert.False(t, res.Written)
	require.NotNil(t, res.Resolution)
	assert.Equal(t, entities.ResolutionConfidenceBased, res.Resolution.ResolutionMethod)

	stored, _ := e.repo.ReadCell(ctx, testDataset, 2, testColumn)
	assert.Equal(t, 1, stored.Version)
	assert.True(t, stored.Value.Equal(entities.StringValue("https://good.example")))

	// Equal confidence keeps the stored value
	res, err = e.writer.WriteCell(ctx, testDataset, 2, testColumn, scored(entities.StringValue("https://tie.example"), 0.9), nil)
	require.NoError(t, err)
	assert.False(t, res.Written)

	res, err = e.writer.WriteCell(ctx, testDataset, 2, testColumn, scored(entities.StringValue("https://best.example"), 0.95), nil)
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Equal(t, 2, res.Cell.Version)
	assert.Equal(t, entities.ResolutionConfidenceBased, res.Cell.Metadata["resolution_method"])
	assert.InDelta(t, 0.95, *res.Cell.Confidence, 1e-9)
}

func TestWriteCell_DeepMergesObjects(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	current := entities.ObjectValue(map[string]entities.CellValue{
		"city":    entities.StringValue("Lagos"),
		"country": entities.StringValue("NG"),
	})
	_, err := e.writer.WriteCell(ctx, testDataset, 4, "name", entities.CellUpdate{Value: current}, nil)
	require.NoError(t, err)

	proposed := entities.ObjectValue(map[string]entities.CellValue{"city": entities.StringValue("Abuja")})
	res, err := e.writer.WriteCell(ctx, testDataset, 4, "name", entities.CellUpdate{Value: proposed}, nil)
	require.NoError(t, err)
	require.True(t, res.Written)
	assert.Equal(t, entities.ResolutionDeepMerge, res.Cell.Metadata["resolution_method"])

	city, _ := res.Cell.Value.Field("city")
	country, _ := res.Cell.Value.Field("country")
	assert.True(t, city.Equal(entities.StringValue("Abuja")))
	assert.True(t, country.Equal(entities.StringValue("NG")))
}

func TestEnrichCell_WritesValueCitationsAndEvent(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := NewMockLanguageModel(testModel, extractionReply(`{"value": "https://acme.example.com", "confidence": 0.92}`))
	e.gateway.RegisterLanguageModel(model)

	updates, err := e.bus.Subscribe(ctx, entities.CellUpdatedChannel(testDataset))
	require.NoError(t, err)

	res, err := e.writer.EnrichCell(ctx, e.request(5), 5)
	require.NoError(t, err)
	require.True(t, res.Written)
	assert.True(t, res.Cell.Value.Equal(entities.StringValue("https://acme.example.com")))
	assert.InDelta(t, 0.92, *res.Cell.Confidence, 1e-9)
	assert.Equal(t, "1", res.Cell.Metadata["sources"])
	assert.Equal(t, 2, model.Calls(), "one query prompt and one extraction prompt")

	citations, err := e.repo.ListCitations(ctx, res.Cell.ID)
	require.NoError(t, err)
	require.Len(t, citations, 1)
	assert.Equal(t, "https://acme.example.com", citations[0].URL)
	assert.Equal(t, testSearch, citations[0].ProviderID)

	select {
	case ev := <-updates:
		assert.Equal(t, entities.SwarmEventCellUpdated, ev.Type)
		assert.Equal(t, res.Cell.ID, ev.Data["cell_id"])
	case <-time.After(time.Second):
		t.Fatal("no cell_updated event")
	}
}

func TestEnrichCell_UnparseableOutputFallsBack(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.gateway.RegisterLanguageModel(NewMockLanguageModel(testModel, extractionReply("  www.acme.example.com  ")))

	res, err := e.writer.EnrichCell(ctx, e.request(0), 0)
	require.NoError(t, err)
	assert.True(t, res.Cell.Value.Equal(entities.StringValue("www.acme.example.com")))
	assert.InDelta(t, 0.3, *res.Cell.Confidence, 1e-9)
}

func TestEnrichCell_NullValueLeavesCellUnwritten(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.gateway.RegisterLanguageModel(NewMockLanguageModel(testModel, extractionReply(`{"value": null, "confidence": 0.9}`)))

	res, err := e.writer.EnrichCell(ctx, e.request(4), 4)
	require.NoError(t, err)
	assert.False(t, res.Written)
	assert.Nil(t, res.Cell)

	_, err = e.repo.ReadCell(ctx, testDataset, 4, testColumn)
	assert.Error(t, err)
}

func TestEnrichCell_LenientConfidence(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		confidence float64
	}{
		{name: "word", reply: `{"value": "Acme", "confidence": "high"}`, confidence: 0.3},
		{name: "numeric string", reply: `{"value": "Acme", "confidence": "0.8"}`, confidence: 0.8},
		{name: "number", reply: `{"value": "Acme", "confidence": 0.65}`, confidence: 0.65},
		{name: "out of range", reply: `{"value": "Acme", "confidence": 7}`, confidence: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			e.gateway.RegisterLanguageModel(NewMockLanguageModel(testModel, extractionReply(tt.reply)))

			res, err := e.writer.EnrichCell(context.Background(), e.request(0), 0)
			require.NoError(t, err)
			require.True(t, res.Written)
			assert.True(t, res.Cell.Value.Equal(entities.StringValue("Acme")))
			assert.InDelta(t, tt.confidence, *res.Cell.Confidence, 1e-9)
		})
	}
}

func TestEnrichCell_WithoutSearchProvider(t *testing.T) {
	e := newEngine(t)
	model := NewMockLanguageModel(testModel, extractionReply(`{"value": "https://acme.example.com"}`))
	e.gateway.RegisterLanguageModel(model)

	req := e.request(0)
	req.SearchProviderID = ""
	res, err := e.writer.EnrichCell(context.Background(), req, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, model.Calls())
	assert.Equal(t, "0", res.Cell.Metadata["sources"])
	assert.InDelta(t, 0.3, *res.Cell.Confidence, 1e-9)
}

func TestEnrichCell_BreakerOpenSkipsModel(t *testing.T) {
	e := newEngine(t)
	model := NewMockLanguageModel(testModel, extractionReply(`{"value": "x"}`))
	e.gateway.RegisterLanguageModel(model)
	chargeTarget(t, e, testModel, 5)

	_, err := e.writer.EnrichCell(context.Background(), e.request(0), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrCircuitOpen)
	assert.Equal(t, testModel, services.TargetOf(err))
	assert.Equal(t, 0, model.Calls())
}

func TestEnrichCell_SearchFailureNamesProvider(t *testing.T) {
	e := newEngine(t)
	e.gateway.RegisterSearchProvider(&FailingSearchProvider{
		id:  testSearch,
		err: &providers.ProviderError{Provider: testSearch, Kind: providers.ProviderErrorConnection, Err: errors.New("dial tcp: refused")},
	})

	_, err := e.writer.EnrichCell(context.Background(), e.request(0), 0)
	require.Error(t, err)
	assert.Equal(t, testSearch, services.TargetOf(err))
	assert.Equal(t, entities.FailureConnectionLost, services.ClassifyProviderError(err))
}

func TestEnrichCell_DatasetGone(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	req := e.request(0)
	req.TargetColumn = "revenue"
	_, err := e.writer.EnrichCell(ctx, req, 0)
	assert.ErrorIs(t, err, services.ErrDatasetGone)

	e.repo.DeleteDataset(ctx, testDataset)
	_, err = e.writer.EnrichCell(ctx, e.request(0), 0)
	assert.ErrorIs(t, err, services.ErrDatasetGone)
}
