package mock

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestDeterministic(t *testing.T) {
	ctx := context.Background()
	e := New(64)

	a, err := e.Embed(ctx, "user prefers dark roast coffee")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "user prefers dark roast coffee")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, 64, e.Dimensions())
}

func TestIdenticalTextMaximallySimilar(t *testing.T) {
	ctx := context.Background()
	e := New(64)

	a, _ := e.Embed(ctx, "the cat sat on the mat")
	b, _ := e.Embed(ctx, "THE cat SAT on the mat!")
	assert.InDelta(t, 1.0, cosine(a, b), 1e-9, "tokenization ignores case and punctuation")
}

func TestSharedTokensMoreSimilarThanDisjoint(t *testing.T) {
	ctx := context.Background()
	e := New(64)

	base, _ := e.Embed(ctx, "user prefers dark roast coffee")
	related, _ := e.Embed(ctx, "user prefers light roast coffee")
	unrelated, _ := e.Embed(ctx, "deployment pipeline schedule changed")

	assert.Greater(t, cosine(base, related), cosine(base, unrelated))
}

func TestVectorsAreNormalized(t *testing.T) {
	ctx := context.Background()
	e := New(32)

	vec, err := e.Embed(ctx, "normalize me please")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-9)
}

func TestEmbedBatch(t *testing.T) {
	ctx := context.Background()
	e := New(16)

	vectors, err := e.EmbedBatch(ctx, []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	single, _ := e.Embed(ctx, "one")
	assert.Equal(t, single, vectors[0])
}
