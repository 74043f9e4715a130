package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/stratamem-go/pkg/storage"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(&Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func seed(t *testing.T, client *Client, id int64, scope, content string, embedding []float64) *storage.Memory {
	t.Helper()
	m := &storage.Memory{
		ID:        id,
		Scope:     scope,
		Content:   content,
		Embedding: embedding,
		Tier:      storage.TierWorking,
		Tags:      []string{"seed"},
		Provenance: []storage.Provenance{
			{Source: "test", Confidence: 1},
		},
	}
	require.NoError(t, client.Put(context.Background(), m))
	return m
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	m := seed(t, client, 1, "agent_1", "the cat sat on the mat", []float64{1, 0, 0})
	assert.Equal(t, int64(1), m.Version)

	got, err := client.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "the cat sat on the mat", got.Content)
	assert.Equal(t, []float64{1, 0, 0}, got.Embedding)
	assert.Equal(t, []string{"seed"}, got.Tags)
	require.Len(t, got.Provenance, 1)
	assert.Equal(t, "test", got.Provenance[0].Source)
	assert.Nil(t, got.LastAccessedAt)

	_, err = client.Get(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOptimisticVersioning(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	m := seed(t, client, 1, "agent_1", "fact", []float64{1, 0})

	stale := *m
	stale.Version = 99
	assert.ErrorIs(t, client.Put(ctx, &stale), storage.ErrVersionConflict)

	m.Tier = storage.TierShortTerm
	require.NoError(t, client.Put(ctx, m))
	assert.Equal(t, int64(2), m.Version)

	missing := &storage.Memory{ID: 42, Scope: "agent_1", Version: 1}
	assert.ErrorIs(t, client.Put(ctx, missing), storage.ErrNotFound)
}

func TestTouchDoesNotBumpVersion(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	seed(t, client, 1, "agent_1", "fact", []float64{1, 0})

	at := time.Now().Truncate(time.Second)
	require.NoError(t, client.Touch(ctx, 1, at))

	got, err := client.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)
	assert.Equal(t, int64(1), got.Version)
	require.NotNil(t, got.LastAccessedAt)

	assert.ErrorIs(t, client.Touch(ctx, 999, at), storage.ErrNotFound)
}

func TestGetByContentHashPrefersOldest(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	older := &storage.Memory{
		ID: 1, Scope: "agent_1", Content: "same", ContentHash: "h1",
		Tier: storage.TierWorking, CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, client.Put(ctx, older))
	newer := &storage.Memory{
		ID: 2, Scope: "agent_1", Content: "same", ContentHash: "h1",
		Tier: storage.TierWorking,
	}
	require.NoError(t, client.Put(ctx, newer))

	got, err := client.GetByContentHash(ctx, "agent_1", "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)

	_, err = client.GetByContentHash(ctx, "agent_1", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVectorSearchRanking(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	seed(t, client, 1, "agent_1", "exact", []float64{1, 0, 0})
	seed(t, client, 2, "agent_1", "close", []float64{0.9, 0.1, 0})
	seed(t, client, 3, "agent_1", "far", []float64{0, 0, 1})
	seed(t, client, 4, "agent_2", "other scope", []float64{1, 0, 0})

	results, err := client.VectorSearch(ctx, "agent_1", []float64{1, 0, 0}, &storage.VectorSearchOptions{
		TopK:          10,
		MinSimilarity: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestLexicalSearchRanking(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	seed(t, client, 1, "agent_1", "the cat sat on the mat", nil)
	seed(t, client, 2, "agent_1", "a cat appeared in the garden today", nil)
	seed(t, client, 3, "agent_1", "completely unrelated words here", nil)

	results, err := client.LexicalSearch(ctx, "agent_1", "the cat sat on the mat", &storage.LexicalSearchOptions{TopK: 10})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, int64(1), results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestGraphTraverseHops(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	seed(t, client, 100, "agent_1", "alice fact", nil)
	seed(t, client, 200, "agent_1", "acme fact", nil)

	require.NoError(t, client.PutEntity(ctx, &storage.Entity{ID: 1, Scope: "agent_1", Name: "Alice", Type: "person"}))
	require.NoError(t, client.PutEntity(ctx, &storage.Entity{ID: 2, Scope: "agent_1", Name: "Acme", Type: "organization"}))
	require.NoError(t, client.PutRelationship(ctx, &storage.Relationship{
		ID: 10, Scope: "agent_1", FromEntityID: 1, MemoryID: 100, Type: "mentions", IsActive: true,
	}))
	require.NoError(t, client.PutRelationship(ctx, &storage.Relationship{
		ID: 11, Scope: "agent_1", FromEntityID: 1, ToEntityID: 2, Type: "works_at", IsActive: true,
	}))
	require.NoError(t, client.PutRelationship(ctx, &storage.Relationship{
		ID: 12, Scope: "agent_1", FromEntityID: 2, MemoryID: 200, Type: "mentions", IsActive: true,
	}))

	results, err := client.GraphTraverse(ctx, "agent_1", []int64{1}, 2, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(100), results[0].ID)

	require.NoError(t, client.InvalidateRelationship(ctx, 12, time.Now()))
	results, err = client.GraphTraverse(ctx, "agent_1", []int64{1}, 2, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestEntityUpsert(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	e := &storage.Entity{ID: 1, Scope: "agent_1", Name: "Alice", Type: "person"}
	require.NoError(t, client.PutEntity(ctx, e))

	e.Type = "user"
	require.NoError(t, client.PutEntity(ctx, e))

	got, err := client.GetEntityByName(ctx, "agent_1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "user", got.Type)

	all, err := client.ListEntities(ctx, "agent_1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestScopeLockContention(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	lock, err := client.AcquireScopeLock(ctx, "agent_1")
	require.NoError(t, err)

	_, err = client.AcquireScopeLock(ctx, "agent_1")
	assert.ErrorIs(t, err, storage.ErrLockHeld)

	require.NoError(t, lock.Release())

	relock, err := client.AcquireScopeLock(ctx, "agent_1")
	require.NoError(t, err)
	require.NoError(t, relock.Release())
}

func TestListFiltersAndScopes(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	old := &storage.Memory{
		ID: 1, Scope: "agent_1", Content: "old", Tier: storage.TierShortTerm,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, client.Put(ctx, old))
	seed(t, client, 2, "agent_1", "new", nil)
	seed(t, client, 3, "agent_2", "elsewhere", nil)

	shortTerm, err := client.List(ctx, &storage.ListOptions{
		Scope: "agent_1",
		Tiers: []storage.Tier{storage.TierShortTerm},
	})
	require.NoError(t, err)
	require.Len(t, shortTerm, 1)
	assert.Equal(t, int64(1), shortTerm[0].ID)

	aged, err := client.List(ctx, &storage.ListOptions{
		Scope:         "agent_1",
		CreatedBefore: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Len(t, aged, 1)

	scopes, err := client.ListScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent_1", "agent_2"}, scopes)
}
