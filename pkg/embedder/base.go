// Package embedder defines the embedding provider interface used to turn
// memory content into vectors for similarity search.
package embedder

import "context"

// Provider is the interface for embedding providers.
type Provider interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch generates embedding vectors for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the dimensionality of vectors this provider emits.
	Dimensions() int

	// Close releases resources held by the provider.
	Close() error
}

// Config contains common embedder configuration.
type Config struct {
	// Provider selects the implementation ("openai", "mock").
	Provider string

	// Model is the embedding model name.
	Model string

	// APIKey authenticates against the provider API.
	APIKey string

	// BaseURL overrides the provider endpoint, for proxies and
	// OpenAI-compatible services.
	BaseURL string

	// Dimensions is the expected output dimensionality.
	Dimensions int
}
