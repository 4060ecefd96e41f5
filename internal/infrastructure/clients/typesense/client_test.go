package typesense

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/enrichswarm/pkg/config"
)

func TestClient_Integration(t *testing.T) {
	url := os.Getenv("TEST_TYPESENSE_URL")
	if url == "" {
		t.Skip("TEST_TYPESENSE_URL not set, skipping Typesense integration test")
	}

	cfg := &config.TypesenseConfig{
		URL:        url,
		APIKey:     "xyz",
		Collection: "web_documents_test",
	}

	client, err := NewClient(cfg)
	require.NoError(t, err)
	assert.Equal(t, "web_documents_test", client.Collection())

	ctx := context.Background()
	require.NoError(t, client.InitSchema(ctx))

	doc := map[string]interface{}{
		"id":         "doc-1",
		"title":      "Acme Corp headquarters",
		"url":        "https://acme.example/about",
		"content":    "Acme Corp is headquartered in Springfield.",
		"indexed_at": time.Now().Unix(),
	}
	assert.NoError(t, client.IndexDocument(ctx, doc))
}
