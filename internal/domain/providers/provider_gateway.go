package providers

import (
	"context"
	"errors"
	"fmt"
)

// ProviderErrorKind classifies failures of external providers
type ProviderErrorKind string

const (
	ProviderErrorAuth           ProviderErrorKind = "auth"
	ProviderErrorRateLimit      ProviderErrorKind = "rate_limit"
	ProviderErrorQuotaExhausted ProviderErrorKind = "quota_exhausted"
	ProviderErrorNotFound       ProviderErrorKind = "not_found"
	ProviderErrorConnection     ProviderErrorKind = "connection"
	ProviderErrorGeneric        ProviderErrorKind = "generic"
)

// ProviderError is returned by language and search providers
type ProviderError struct {
	Provider   string
	Kind       ProviderErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ProviderErrorKindOf returns the kind of the ProviderError in err, if any.
func ProviderErrorKindOf(err error) (ProviderErrorKind, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// KindFromStatus maps an HTTP status code to an error kind.
func KindFromStatus(status int) ProviderErrorKind {
	switch {
	case status == 401 || status == 403:
		return ProviderErrorAuth
	case status == 402:
		return ProviderErrorQuotaExhausted
	case status == 404:
		return ProviderErrorNotFound
	case status == 429:
		return ProviderErrorRateLimit
	case status == 502 || status == 503 || status == 504:
		return ProviderErrorConnection
	}
	return ProviderErrorGeneric
}

// CompletionRequest is a single-turn prompt to a language model
type CompletionRequest struct {
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	Temperature  float64
	JSONMode     bool
}

// LanguageModel generates text completions
type LanguageModel interface {
	ID() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// SearchResult is one hit from a search provider
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// SearchProvider runs web or index searches
type SearchProvider interface {
	ID() string
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// ProviderGateway resolves provider identifiers to clients
type ProviderGateway interface {
	LanguageModel(id string) (LanguageModel, error)
	SearchProvider(id string) (SearchProvider, error)
}
