package search

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	tsclient "github.com/zatekoja/enrichswarm/internal/infrastructure/clients/typesense"
)

// ProviderID is the gateway identifier of the Typesense search provider
const ProviderID = "typesense"

const maxSnippetLength = 500

// TypesenseSearch implements providers.SearchProvider over an indexed
// document collection
type TypesenseSearch struct {
	client *tsclient.Client
}

var _ providers.SearchProvider = (*TypesenseSearch)(nil)

// NewTypesenseSearch creates a new Typesense search provider
func NewTypesenseSearch(client *tsclient.Client) *TypesenseSearch {
	return &TypesenseSearch{client: client}
}

// ID implements providers.SearchProvider
func (s *TypesenseSearch) ID() string {
	return ProviderID
}

// Search runs a full-text query against the document collection
func (s *TypesenseSearch) Search(ctx context.Context, query string, limit int) ([]providers.SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	params := &api.SearchCollectionParams{
		Q:       pointer.String(query),
		QueryBy: pointer.String("title,content"),
		PerPage: pointer.Int(limit),
	}

	result, err := s.client.Client().Collection(s.client.Collection()).Documents().Search(ctx, params)
	if err != nil {
		return nil, classifyTypesenseError(err)
	}

	results := make([]providers.SearchResult, 0, limit)
	if result.Hits == nil {
		return results, nil
	}
	for _, hit := range *result.Hits {
		if hit.Document == nil {
			continue
		}
		results = append(results, documentToResult(*hit.Document, hit.TextMatch))
	}
	return results, nil
}

func documentToResult(doc map[string]interface{}, textMatch *int64) providers.SearchResult {
	res := providers.SearchResult{
		Title:   stringField(doc, "title"),
		URL:     stringField(doc, "url"),
		Snippet: stringField(doc, "content"),
	}
	if len(res.Snippet) > maxSnippetLength {
		res.Snippet = strings.TrimSpace(res.Snippet[:maxSnippetLength]) + "..."
	}
	if textMatch != nil {
		res.Score = float64(*textMatch)
	}
	return res
}

func stringField(doc map[string]interface{}, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func classifyTypesenseError(err error) error {
	var httpErr *typesense.HTTPError
	if errors.As(err, &httpErr) {
		return &providers.ProviderError{
			Provider:   ProviderID,
			Kind:       providers.KindFromStatus(httpErr.Status),
			StatusCode: httpErr.Status,
			Err:        err,
		}
	}

	// context errors satisfy net.Error, so they are checked first
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &providers.ProviderError{Provider: ProviderID, Kind: providers.ProviderErrorConnection, Err: err}
	}
	return &providers.ProviderError{Provider: ProviderID, Kind: providers.ProviderErrorGeneric, Err: err}
}
