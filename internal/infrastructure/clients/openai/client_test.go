package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	"github.com/zatekoja/enrichswarm/pkg/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&config.OpenAIConfig{
		APIKey:       "test-key",
		BaseURL:      server.URL,
		RateLimitRPM: -1,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(&config.OpenAIConfig{})
	assert.Error(t, err)
}

func TestComplete_ReturnsOutputText(t *testing.T) {
	var received map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":[{"content":[{"type":"output_text","text":"acme corp ceo"}]}]}`))
	})

	text, err := client.Complete(context.Background(), providers.CompletionRequest{
		SystemPrompt: "You write search queries.",
		Prompt:       "Company: Acme",
	})

	require.NoError(t, err)
	assert.Equal(t, "acme corp ceo", text)
	assert.Equal(t, "gpt-4o-mini", received["model"])
	assert.Len(t, received["input"], 2)
}

func TestComplete_MapsStatusToProviderError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   providers.ProviderErrorKind
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{}`, kind: providers.ProviderErrorAuth},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":{"code":"rate_limit_exceeded"}}`, kind: providers.ProviderErrorRateLimit},
		{name: "quota", status: http.StatusTooManyRequests, body: `{"error":{"code":"insufficient_quota"}}`, kind: providers.ProviderErrorQuotaExhausted},
		{name: "server error", status: http.StatusInternalServerError, body: `{}`, kind: providers.ProviderErrorGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Complete(context.Background(), providers.CompletionRequest{Prompt: "hi"})

			require.Error(t, err)
			kind, ok := providers.ProviderErrorKindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestComplete_MissingOutputText(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"output":[]}`))
	})

	_, err := client.Complete(context.Background(), providers.CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing output text")
}
