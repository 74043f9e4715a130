// Package mock provides a deterministic embedder for tests and examples.
// Vectors are derived from token hashes, so texts sharing words produce
// similar vectors and identical texts produce identical vectors.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder is a deterministic, offline embedding provider.
type Embedder struct {
	dims int
}

// New creates a mock embedder emitting vectors of the given dimensionality.
func New(dims int) *Embedder {
	if dims <= 0 {
		dims = 64
	}
	return &Embedder{dims: dims}
}

// Embed maps each token onto hashed buckets and L2-normalizes the result.
func (e *Embedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := 1.0
		if (sum>>32)%2 == 1 {
			sign = -1.0
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Dimensions returns the vector dimensionality.
func (e *Embedder) Dimensions() int {
	return e.dims
}

// Close is a no-op.
func (e *Embedder) Close() error {
	return nil
}
