// Package llm defines the language model provider interface used for
// importance evaluation, entity extraction, and merge drafting.
package llm

import "context"

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateOptions controls a generation request.
type GenerateOptions struct {
	// Temperature controls sampling randomness.
	Temperature float32

	// MaxTokens bounds the response length. Zero means provider default.
	MaxTokens int

	// JSONMode requests a JSON object response where the provider
	// supports it.
	JSONMode bool
}

// GenerateOption mutates GenerateOptions.
type GenerateOption func(*GenerateOptions)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = t
	}
}

// WithMaxTokens sets the response length limit.
func WithMaxTokens(n int) GenerateOption {
	return func(o *GenerateOptions) {
		o.MaxTokens = n
	}
}

// WithJSONMode requests a JSON object response.
func WithJSONMode() GenerateOption {
	return func(o *GenerateOptions) {
		o.JSONMode = true
	}
}

// Provider is the interface for language model providers.
type Provider interface {
	// Generate produces a completion for a single prompt.
	Generate(ctx context.Context, prompt string, opts ...GenerateOption) (string, error)

	// GenerateWithMessages produces a completion for a chat transcript.
	GenerateWithMessages(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error)

	// Close releases resources held by the provider.
	Close() error
}

// Config contains common LLM configuration.
type Config struct {
	// Provider selects the implementation ("openai").
	Provider string

	// Model is the chat model name.
	Model string

	// APIKey authenticates against the provider API.
	APIKey string

	// BaseURL overrides the provider endpoint, for proxies and
	// OpenAI-compatible services.
	BaseURL string
}
