package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/zatekoja/enrichswarm/internal/domain/providers"
)

// MockID is the gateway identifier of the offline providers
const MockID = "mock"

// MockLanguageModel answers prompts deterministically without network access.
// It is registered when no real model is configured.
type MockLanguageModel struct {
	id string
}

// NewMockLanguageModel creates an offline model registered under id
func NewMockLanguageModel(id string) *MockLanguageModel {
	if id == "" {
		id = MockID
	}
	return &MockLanguageModel{id: id}
}

func (m *MockLanguageModel) ID() string { return m.id }

// Complete echoes the first prompt line. JSON mode wraps it as an extraction
// answer with low confidence.
func (m *MockLanguageModel) Complete(ctx context.Context, req providers.CompletionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line := strings.TrimSpace(strings.SplitN(req.Prompt, "\n", 2)[0])
	if !req.JSONMode {
		return line, nil
	}
	out, err := json.Marshal(map[string]interface{}{"value": line, "confidence": 0.3})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// MockSearchProvider returns canned results
type MockSearchProvider struct {
	id      string
	Results []providers.SearchResult
}

// NewMockSearchProvider creates an offline search provider registered under id
func NewMockSearchProvider(id string, results ...providers.SearchResult) *MockSearchProvider {
	if id == "" {
		id = MockID
	}
	return &MockSearchProvider{id: id, Results: results}
}

func (m *MockSearchProvider) ID() string { return m.id }

func (m *MockSearchProvider) Search(ctx context.Context, query string, limit int) ([]providers.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(m.Results) > limit {
		return append([]providers.SearchResult(nil), m.Results[:limit]...), nil
	}
	return append([]providers.SearchResult(nil), m.Results...), nil
}
