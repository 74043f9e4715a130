// Package openai implements the embedder.Provider interface using the OpenAI
// embeddings API.
package openai

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stratamem/stratamem-go/pkg/embedder"
)

const defaultDimensions = 1536

// Client is an OpenAI embedding provider.
type Client struct {
	client *goopenai.Client
	model  goopenai.EmbeddingModel
	dims   int
}

// NewClient creates an OpenAI embedder from cfg. Model defaults to
// text-embedding-ada-002 and dimensions to 1536.
func NewClient(cfg *embedder.Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("NewOpenAIEmbedder: API key is required")
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := goopenai.AdaEmbeddingV2
	if cfg.Model != "" {
		_ = model.UnmarshalText([]byte(cfg.Model))
		if model == goopenai.Unknown {
			return nil, fmt.Errorf("NewOpenAIEmbedder: unknown embedding model %q", cfg.Model)
		}
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = defaultDimensions
	}

	return &Client{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  model,
		dims:   dims,
	}, nil
}

// Embed generates an embedding for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := c.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: texts,
		Model: c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("EmbedBatch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("EmbedBatch: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float64, len(resp.Data))
	for i, data := range resp.Data {
		vec := make([]float64, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float64(v)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Dimensions returns the configured output dimensionality.
func (c *Client) Dimensions() int {
	return c.dims
}

// Close releases resources. The underlying HTTP client needs no teardown.
func (c *Client) Close() error {
	return nil
}
