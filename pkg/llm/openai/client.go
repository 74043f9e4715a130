// Package openai implements the llm.Provider interface using the OpenAI chat
// completions API.
package openai

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stratamem/stratamem-go/pkg/llm"
)

const defaultModel = "gpt-4o-mini"

// Client is an OpenAI chat provider.
type Client struct {
	client *goopenai.Client
	model  string
}

// NewClient creates an OpenAI LLM client from cfg.
func NewClient(cfg *llm.Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("NewOpenAILLM: API key is required")
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &Client{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

// Generate produces a completion for a single user prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{
		{Role: "user", Content: prompt},
	}, opts...)
}

// GenerateWithMessages produces a completion for a chat transcript.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	var options llm.GenerateOptions
	for _, opt := range opts {
		opt(&options)
	}

	chatMessages := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		chatMessages[i] = goopenai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	req := goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMessages,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	}
	if options.JSONMode {
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("GenerateWithMessages: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("GenerateWithMessages: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Close releases resources. The underlying HTTP client needs no teardown.
func (c *Client) Close() error {
	return nil
}
