package gateway

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zatekoja/enrichswarm/internal/domain/providers"
)

// Gateway resolves provider identifiers to registered clients
type Gateway struct {
	mu        sync.RWMutex
	models    map[string]providers.LanguageModel
	searchers map[string]providers.SearchProvider
}

var _ providers.ProviderGateway = (*Gateway)(nil)

// NewGateway creates an empty gateway
func NewGateway() *Gateway {
	return &Gateway{
		models:    make(map[string]providers.LanguageModel),
		searchers: make(map[string]providers.SearchProvider),
	}
}

// RegisterLanguageModel adds or replaces a language model under its ID
func (g *Gateway) RegisterLanguageModel(model providers.LanguageModel) {
	g.mu.Lock()
	g.models[model.ID()] = model
	g.mu.Unlock()
}

// RegisterSearchProvider adds or replaces a search provider under its ID
func (g *Gateway) RegisterSearchProvider(searcher providers.SearchProvider) {
	g.mu.Lock()
	g.searchers[searcher.ID()] = searcher
	g.mu.Unlock()
}

// LanguageModel implements providers.ProviderGateway
func (g *Gateway) LanguageModel(id string) (providers.LanguageModel, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if m, ok := g.models[id]; ok {
		return m, nil
	}
	return nil, &providers.ProviderError{
		Provider: id,
		Kind:     providers.ProviderErrorNotFound,
		Err:      fmt.Errorf("language model %q is not configured", id),
	}
}

// SearchProvider implements providers.ProviderGateway
func (g *Gateway) SearchProvider(id string) (providers.SearchProvider, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if s, ok := g.searchers[id]; ok {
		return s, nil
	}
	return nil, &providers.ProviderError{
		Provider: id,
		Kind:     providers.ProviderErrorNotFound,
		Err:      fmt.Errorf("search provider %q is not configured", id),
	}
}

// IDs lists registered language model and search provider ids
func (g *Gateway) IDs() (models []string, searchers []string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for id := range g.models {
		models = append(models, id)
	}
	for id := range g.searchers {
		searchers = append(searchers, id)
	}
	sort.Strings(models)
	sort.Strings(searchers)
	return models, searchers
}
