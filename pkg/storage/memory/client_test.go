package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/stratamem-go/pkg/storage"
)

func newMemory(id int64, scope, content string, embedding []float64) *storage.Memory {
	return &storage.Memory{
		ID:        id,
		Scope:     scope,
		Content:   content,
		Embedding: embedding,
		Tier:      storage.TierWorking,
	}
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	m := newMemory(1, "agent_1", "the cat sat on the mat", []float64{1, 0, 0})
	require.NoError(t, client.Put(ctx, m))
	assert.Equal(t, int64(1), m.Version)
	assert.False(t, m.CreatedAt.IsZero())

	got, err := client.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "the cat sat on the mat", got.Content)
	assert.Equal(t, storage.TierWorking, got.Tier)

	_, err = client.Get(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutVersionConflict(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	m := newMemory(1, "agent_1", "fact", []float64{1, 0})
	require.NoError(t, client.Put(ctx, m))

	stale := *m
	stale.Version = 0
	err := client.Put(ctx, &stale)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	// The current version still writes fine.
	m.Content = "updated fact"
	require.NoError(t, client.Put(ctx, m))
	assert.Equal(t, int64(2), m.Version)
}

func TestPutUnknownVersionedMemory(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	m := newMemory(5, "agent_1", "ghost", nil)
	m.Version = 3
	assert.ErrorIs(t, client.Put(ctx, m), storage.ErrNotFound)
}

func TestPutDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	require.NoError(t, client.Put(ctx, newMemory(1, "agent_1", "a", []float64{1, 0, 0})))
	err := client.Put(ctx, newMemory(2, "agent_1", "b", []float64{1, 0}))
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)

	// Another scope pins its own dimensionality.
	require.NoError(t, client.Put(ctx, newMemory(3, "agent_2", "c", []float64{1, 0})))
}

func TestTouchIsDisjointFromPut(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	m := newMemory(1, "agent_1", "fact", []float64{1, 0})
	require.NoError(t, client.Put(ctx, m))

	at := time.Now()
	require.NoError(t, client.Touch(ctx, 1, at))
	require.NoError(t, client.Touch(ctx, 1, at.Add(time.Second)))

	got, err := client.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AccessCount)
	require.NotNil(t, got.LastAccessedAt)
	// Touch never bumps the version, so the optimistic writer is unaffected.
	assert.Equal(t, int64(1), got.Version)

	// A tier update racing the touches keeps the access bookkeeping.
	m.Tier = storage.TierShortTerm
	require.NoError(t, client.Put(ctx, m))
	got, err = client.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AccessCount)
	assert.Equal(t, storage.TierShortTerm, got.Tier)

	assert.ErrorIs(t, client.Touch(ctx, 999, at), storage.ErrNotFound)
}

func TestGetByContentHash(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	older := newMemory(1, "agent_1", "same", nil)
	older.ContentHash = "h1"
	older.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, client.Put(ctx, older))

	newer := newMemory(2, "agent_1", "same", nil)
	newer.ContentHash = "h1"
	require.NoError(t, client.Put(ctx, newer))

	archived := newMemory(3, "agent_1", "same", nil)
	archived.ContentHash = "h1"
	archived.Tier = storage.TierArchived
	archived.CreatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, client.Put(ctx, archived))

	got, err := client.GetByContentHash(ctx, "agent_1", "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID, "oldest non-archived match wins")

	_, err = client.GetByContentHash(ctx, "agent_1", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	base := time.Now().Add(-time.Hour)
	for i := int64(1); i <= 5; i++ {
		m := newMemory(i, "agent_1", "fact", nil)
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			m.Tier = storage.TierShortTerm
		}
		require.NoError(t, client.Put(ctx, m))
	}
	require.NoError(t, client.Put(ctx, newMemory(10, "agent_2", "other scope", nil)))

	all, err := client.List(ctx, &storage.ListOptions{Scope: "agent_1"})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int64(1), all[0].ID, "ordered by creation time")

	shortTerm, err := client.List(ctx, &storage.ListOptions{
		Scope: "agent_1",
		Tiers: []storage.Tier{storage.TierShortTerm},
	})
	require.NoError(t, err)
	assert.Len(t, shortTerm, 2)

	cutoff, err := client.List(ctx, &storage.ListOptions{
		Scope:         "agent_1",
		CreatedBefore: base.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, cutoff, 2)

	page, err := client.List(ctx, &storage.ListOptions{Scope: "agent_1", Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestVectorSearch(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	require.NoError(t, client.Put(ctx, newMemory(1, "agent_1", "exact", []float64{1, 0, 0})))
	require.NoError(t, client.Put(ctx, newMemory(2, "agent_1", "close", []float64{0.9, 0.1, 0})))
	require.NoError(t, client.Put(ctx, newMemory(3, "agent_1", "far", []float64{0, 0, 1})))

	results, err := client.VectorSearch(ctx, "agent_1", []float64{1, 0, 0}, &storage.VectorSearchOptions{
		TopK:          2,
		MinSimilarity: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.Equal(t, int64(2), results[1].ID)
}

func TestVectorSearchExcludesArchivedByDefault(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	m := newMemory(1, "agent_1", "hidden", []float64{1, 0})
	m.Tier = storage.TierArchived
	require.NoError(t, client.Put(ctx, m))

	results, err := client.VectorSearch(ctx, "agent_1", []float64{1, 0}, nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = client.VectorSearch(ctx, "agent_1", []float64{1, 0}, &storage.VectorSearchOptions{
		Tiers: []storage.Tier{storage.TierArchived},
	})
	require.NoError(t, err)
	assert.Len(t, results, 1, "archived memories remain explicitly queryable")
}

func TestLexicalSearch(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	require.NoError(t, client.Put(ctx, newMemory(1, "agent_1", "the cat sat on the mat", nil)))
	require.NoError(t, client.Put(ctx, newMemory(2, "agent_1", "dogs chase cats sometimes", nil)))
	require.NoError(t, client.Put(ctx, newMemory(3, "agent_1", "unrelated content entirely", nil)))

	results, err := client.LexicalSearch(ctx, "agent_1", "the cat sat on the mat", &storage.LexicalSearchOptions{TopK: 10})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, int64(1), results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9, "identical text scores 1.0")

	none, err := client.LexicalSearch(ctx, "agent_1", "zebra", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGraphTraverse(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	require.NoError(t, client.Put(ctx, newMemory(100, "agent_1", "alice fact", nil)))
	require.NoError(t, client.Put(ctx, newMemory(200, "agent_1", "acme fact", nil)))

	require.NoError(t, client.PutEntity(ctx, &storage.Entity{ID: 1, Scope: "agent_1", Name: "Alice"}))
	require.NoError(t, client.PutEntity(ctx, &storage.Entity{ID: 2, Scope: "agent_1", Name: "Acme"}))

	// Alice -> memory 100 (hop 1), Alice -> Acme -> memory 200 (hop 2).
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
	assert.Equal(t, int64(100), results[0].ID, "closer hop scores higher")
	assert.Greater(t, results[0].Score, results[1].Score)

	// One hop never reaches the second memory.
	oneHop, err := client.GraphTraverse(ctx, "agent_1", []int64{1}, 1, 10)
	require.NoError(t, err)
	assert.Len(t, oneHop, 1)

	// Invalidated edges stop contributing.
	require.NoError(t, client.InvalidateRelationship(ctx, 11, time.Now()))
	results, err = client.GraphTraverse(ctx, "agent_1", []int64{1}, 2, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestEntities(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	require.NoError(t, client.PutEntity(ctx, &storage.Entity{ID: 2, Scope: "agent_1", Name: "Bob", Type: "person"}))
	require.NoError(t, client.PutEntity(ctx, &storage.Entity{ID: 1, Scope: "agent_1", Name: "Acme", Type: "organization"}))

	got, err := client.GetEntityByName(ctx, "agent_1", "Bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ID)

	_, err = client.GetEntityByName(ctx, "agent_1", "Carol")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	all, err := client.ListEntities(ctx, "agent_1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].ID, "ordered by ID")
}

func TestListScopes(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	require.NoError(t, client.Put(ctx, newMemory(1, "zeta", "a", nil)))
	require.NoError(t, client.Put(ctx, newMemory(2, "alpha", "b", nil)))
	require.NoError(t, client.Put(ctx, newMemory(3, "alpha", "c", nil)))

	scopes, err := client.ListScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, scopes)
}

func TestScopeLock(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	lock, err := client.AcquireScopeLock(ctx, "agent_1")
	require.NoError(t, err)

	_, err = client.AcquireScopeLock(ctx, "agent_1")
	assert.ErrorIs(t, err, storage.ErrLockHeld)

	// Other scopes are independent.
	other, err := client.AcquireScopeLock(ctx, "agent_2")
	require.NoError(t, err)
	require.NoError(t, other.Release())

	require.NoError(t, lock.Release())
	assert.Error(t, lock.Release(), "double release is rejected")

	relock, err := client.AcquireScopeLock(ctx, "agent_1")
	require.NoError(t, err)
	require.NoError(t, relock.Release())
}

func TestGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	client := NewClient()

	require.NoError(t, client.Put(ctx, newMemory(1, "agent_1", "original", []float64{1, 0})))

	got, err := client.Get(ctx, 1)
	require.NoError(t, err)
	got.Content = "mutated"
	got.Embedding[0] = 99

	again, err := client.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "original", again.Content)
	assert.Equal(t, float64(1), again.Embedding[0])
}
