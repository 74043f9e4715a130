package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/stratamem-go/pkg/embedder/mock"
	"github.com/stratamem/stratamem-go/pkg/extraction"
	"github.com/stratamem/stratamem-go/pkg/storage"
	"github.com/stratamem/stratamem-go/pkg/storage/memory"
)

// failingEmbedder makes the vector stage error.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float64, error) {
	return nil, errors.New("embedding backend down")
}
func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float64, error) {
	return nil, errors.New("embedding backend down")
}
func (failingEmbedder) Dimensions() int { return 64 }
func (failingEmbedder) Close() error    { return nil }

// failingStore errors on every search path.
type failingStore struct {
	storage.MemoryStore
}

func (failingStore) VectorSearch(context.Context, string, []float64, *storage.VectorSearchOptions) ([]*storage.Memory, error) {
	return nil, errors.New("store down")
}
func (failingStore) LexicalSearch(context.Context, string, string, *storage.LexicalSearchOptions) ([]*storage.Memory, error) {
	return nil, errors.New("store down")
}
func (failingStore) GraphTraverse(context.Context, string, []int64, int, int) ([]*storage.Memory, error) {
	return nil, errors.New("store down")
}
func (failingStore) GetEntityByName(context.Context, string, string) (*storage.Entity, error) {
	return nil, errors.New("store down")
}

func addMemory(t *testing.T, store storage.MemoryStore, emb *mock.Embedder, id int64, scope, content string) *storage.Memory {
	t.Helper()
	ctx := context.Background()
	vec, err := emb.Embed(ctx, content)
	require.NoError(t, err)
	m := &storage.Memory{
		ID:        id,
		Scope:     scope,
		Content:   content,
		Embedding: vec,
		Tier:      storage.TierShortTerm,
		CreatedAt: time.Now().Add(-time.Duration(id) * time.Minute),
	}
	require.NoError(t, store.Put(ctx, m))
	return m
}

func TestSearchRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	emb := mock.New(64)

	addMemory(t, store, emb, 1, "agent_1", "user prefers dark roast coffee")
	addMemory(t, store, emb, 2, "agent_1", "deployment pipeline runs nightly")
	addMemory(t, store, emb, 3, "agent_1", "user works at meridian labs")

	r := NewRetriever(store, emb, nil, Config{}, nil)
	results, explanation, err := r.Search(ctx, &Query{
		Scope: "agent_1",
		Text:  "user prefers dark roast coffee",
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, int64(1), results[0].Memory.ID, "identical text ranks first")
	assert.GreaterOrEqual(t, results[0].VectorScore, 0.99)

	require.Len(t, explanation.Stages, 3)
	assert.Equal(t, StatusOK, explanation.Stages[0].Status)
	assert.Equal(t, StatusOK, explanation.Stages[1].Status)
	assert.Equal(t, StatusSkipped, explanation.Stages[2].Status, "no extractor configured")
}

func TestSearchNeverReturnsDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	emb := mock.New(64)

	// The same memory matches both the vector and lexical stages.
	addMemory(t, store, emb, 1, "agent_1", "alpha beta gamma")

	r := NewRetriever(store, emb, nil, Config{}, nil)
	results, _, err := r.Search(ctx, &Query{Scope: "agent_1", Text: "alpha beta gamma"})
	require.NoError(t, err)

	seen := make(map[int64]bool)
	for _, res := range results {
		assert.False(t, seen[res.Memory.ID], "memory %d returned twice", res.Memory.ID)
		seen[res.Memory.ID] = true
	}
}

func TestSearchExcludesArchivedByDefault(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	emb := mock.New(64)

	m := addMemory(t, store, emb, 1, "agent_1", "buried fact about coffee")
	m.Tier = storage.TierArchived
	require.NoError(t, store.Put(ctx, m))

	r := NewRetriever(store, emb, nil, Config{}, nil)
	results, _, err := r.Search(ctx, &Query{Scope: "agent_1", Text: "buried fact about coffee"})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Naming the archived tier makes it visible for audits.
	results, _, err = r.Search(ctx, &Query{
		Scope: "agent_1",
		Text:  "buried fact about coffee",
		Tiers: []storage.Tier{storage.TierArchived},
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearchDegradesWhenVectorStageFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	emb := mock.New(64)

	addMemory(t, store, emb, 1, "agent_1", "the cat sat on the mat")

	r := NewRetriever(store, failingEmbedder{}, nil, Config{}, nil)
	results, explanation, err := r.Search(ctx, &Query{Scope: "agent_1", Text: "cat mat"})
	require.NoError(t, err, "one failed stage must not fail the search")
	require.NotEmpty(t, results, "lexical stage still delivers")

	assert.Equal(t, StatusError, explanation.Stages[0].Status)
	assert.Equal(t, StatusOK, explanation.Stages[1].Status)
}

func TestSearchAllStagesFailing(t *testing.T) {
	ctx := context.Background()

	r := NewRetriever(failingStore{}, failingEmbedder{}, extraction.NewKeywordExtractor(),
		Config{}, nil)
	_, explanation, err := r.Search(ctx, &Query{Scope: "agent_1", Text: "Anything About Alice"})
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
	require.NotNil(t, explanation)
	for _, s := range explanation.Stages {
		assert.Equal(t, StatusError, s.Status)
	}
}

func TestSearchFailsWithoutAnyContributingStage(t *testing.T) {
	ctx := context.Background()

	// No extractor: the graph stage is skipped, not errored. With vector
	// and lexical both down, no stage delivered any signal.
	r := NewRetriever(failingStore{}, failingEmbedder{}, nil, Config{}, nil)
	results, explanation, err := r.Search(ctx, &Query{Scope: "agent_1", Text: "anything"})
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
	assert.Empty(t, results)
	require.NotNil(t, explanation)
	assert.Equal(t, StatusError, explanation.Stages[0].Status)
	assert.Equal(t, StatusError, explanation.Stages[1].Status)
	assert.Equal(t, StatusSkipped, explanation.Stages[2].Status)
}

func TestSearchGraphStage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	emb := mock.New(64)

	m := addMemory(t, store, emb, 100, "agent_1", "Alice joined the platform team")
	require.NoError(t, store.PutEntity(ctx, &storage.Entity{ID: 1, Scope: "agent_1", Name: "Alice", Type: "person"}))
	require.NoError(t, store.PutRelationship(ctx, &storage.Relationship{
		ID: 10, Scope: "agent_1", FromEntityID: 1, MemoryID: m.ID, Type: "mentions", IsActive: true,
	}))

	r := NewRetriever(store, emb, extraction.NewKeywordExtractor(), Config{}, nil)
	results, explanation, err := r.Search(ctx, &Query{Scope: "agent_1", Text: "What team did Alice join"})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, StatusOK, explanation.Stages[2].Status)
	assert.Positive(t, explanation.Stages[2].Candidates)

	var hit *Result
	for _, res := range results {
		if res.Memory.ID == m.ID {
			hit = res
		}
	}
	require.NotNil(t, hit)
	assert.Positive(t, hit.GraphScore)
}

func TestSearchTopK(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	emb := mock.New(64)

	for i := int64(1); i <= 8; i++ {
		addMemory(t, store, emb, i, "agent_1", "coffee preference number "+string(rune('a'+i)))
	}

	r := NewRetriever(store, emb, nil, Config{}, nil)
	results, _, err := r.Search(ctx, &Query{Scope: "agent_1", Text: "coffee preference", TopK: 3})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSearchDeterministicTieBreak(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	emb := mock.New(64)

	// Identical content, identical creation time: scores tie exactly.
	created := time.Now().Add(-time.Hour)
	for _, id := range []int64{7, 3, 5} {
		vec, err := emb.Embed(ctx, "identical duplicate fact")
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, &storage.Memory{
			ID: id, Scope: "agent_1", Content: "identical duplicate fact",
			Embedding: vec, Tier: storage.TierShortTerm, CreatedAt: created,
		}))
	}

	r := NewRetriever(store, emb, nil, Config{}, nil)
	for run := 0; run < 3; run++ {
		results, _, err := r.Search(ctx, &Query{Scope: "agent_1", Text: "identical duplicate fact"})
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, int64(3), results[0].Memory.ID)
		assert.Equal(t, int64(5), results[1].Memory.ID)
		assert.Equal(t, int64(7), results[2].Memory.ID)
	}
}

func TestSearchTagFilter(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	emb := mock.New(64)

	tagged := addMemory(t, store, emb, 1, "agent_1", "coffee fact one")
	tagged.Tags = []string{"preferences"}
	require.NoError(t, store.Put(ctx, tagged))
	addMemory(t, store, emb, 2, "agent_1", "coffee fact two")

	r := NewRetriever(store, emb, nil, Config{}, nil)
	results, _, err := r.Search(ctx, &Query{
		Scope: "agent_1",
		Text:  "coffee fact",
		Tags:  []string{"preferences"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].Memory.ID)
}
