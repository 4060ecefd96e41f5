package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	"github.com/zatekoja/enrichswarm/pkg/config"
)

// ProviderID is the gateway identifier of this client
const ProviderID = "anthropic"

const defaultModel = "claude-3-5-haiku-latest"

// Client implements providers.LanguageModel against the Anthropic Messages API.
type Client struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClient creates a new Anthropic client. Retries are left to the
// resilience coordinator, so the SDK's own retry loop is disabled.
func NewClient(cfg *config.AnthropicConfig) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSuffix(cfg.BaseURL, "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base+"/"))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &Client{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
	}, nil
}

// ID implements providers.LanguageModel
func (c *Client) ID() string {
	return ProviderID
}

// Complete sends a single-turn prompt and returns the concatenated text blocks.
func (c *Client) Complete(ctx context.Context, in providers.CompletionRequest) (string, error) {
	maxTokens := c.maxTokens
	if in.MaxTokens > 0 {
		maxTokens = int64(in.MaxTokens)
	}

	prompt := in.Prompt
	if in.JSONMode {
		prompt += "\n\nRespond with a single JSON object and nothing else."
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(in.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if in.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: in.SystemPrompt}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", toProviderError(ctx, err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", &providers.ProviderError{
			Provider: ProviderID,
			Kind:     providers.ProviderErrorGeneric,
			Err:      errors.New("anthropic response missing text content"),
		}
	}
	return text, nil
}

func toProviderError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind := providers.KindFromStatus(apiErr.StatusCode)
		// 529 is Anthropic's overloaded status
		if apiErr.StatusCode == 529 || apiErr.StatusCode == http.StatusInternalServerError {
			kind = providers.ProviderErrorConnection
		}
		return &providers.ProviderError{
			Provider:   ProviderID,
			Kind:       kind,
			StatusCode: apiErr.StatusCode,
			Err:        err,
		}
	}
	return &providers.ProviderError{Provider: ProviderID, Kind: providers.ProviderErrorConnection, Err: err}
}
