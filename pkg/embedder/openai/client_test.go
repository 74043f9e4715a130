package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/stratamem-go/pkg/embedder"
)

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient(&embedder.Config{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, 1536, c.Dimensions())
}

func TestNewClientModelParsing(t *testing.T) {
	c, err := NewClient(&embedder.Config{
		APIKey:     "sk-test",
		Model:      "text-embedding-ada-002",
		Dimensions: 1536,
	})
	require.NoError(t, err)
	assert.Equal(t, 1536, c.Dimensions())

	_, err = NewClient(&embedder.Config{APIKey: "sk-test", Model: "no-such-model"})
	assert.Error(t, err)
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(&embedder.Config{})
	assert.Error(t, err)
}
