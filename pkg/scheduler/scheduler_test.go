package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/stratamem-go/pkg/consolidation"
	"github.com/stratamem/stratamem-go/pkg/embedder/mock"
	"github.com/stratamem/stratamem-go/pkg/lifecycle"
	"github.com/stratamem/stratamem-go/pkg/storage"
	"github.com/stratamem/stratamem-go/pkg/storage/memory"
)

func newScheduler(store storage.MemoryStore, cfg Config) *Scheduler {
	emb := mock.New(64)
	tiers := lifecycle.NewTierManager(store, lifecycle.Config{WorkingTTLDays: 0.0001}, nil)
	engine := consolidation.NewEngine(store, emb, nil, consolidation.Config{MinAge: -1}, nil)
	return New(store, tiers, engine, cfg, nil)
}

func TestStartStopIdempotent(t *testing.T) {
	s := newScheduler(memory.NewClient(), Config{})

	s.Start()
	s.Start() // second start is a no-op
	s.Stop()
	s.Stop() // second stop is a no-op

	// A stopped scheduler restarts cleanly.
	s.Start()
	s.Stop()
}

func TestBackgroundSweepPromotes(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()

	m := &storage.Memory{
		ID: 1, Scope: "agent_1", Content: "aging fact",
		Tier: storage.TierWorking, Importance: 0.8,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.Put(ctx, m))

	s := newScheduler(store, Config{
		SweepInterval:         20 * time.Millisecond,
		ConsolidationInterval: time.Hour,
		Workers:               2,
	})
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(ctx, 1)
		require.NoError(t, err)
		if got.Tier == storage.TierShortTerm {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()

	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.TierShortTerm, got.Tier)
}

func TestBackgroundConsolidationMerges(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	emb := mock.New(64)

	for _, id := range []int64{1, 2} {
		vec, err := emb.Embed(ctx, "duplicate fact")
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, &storage.Memory{
			ID: id, Scope: "agent_1", Content: "duplicate fact",
			ContentHash: consolidation.HashContent("duplicate fact"),
			Embedding:   vec, Tier: storage.TierShortTerm, Importance: 0.5,
			CreatedAt: time.Now().Add(-time.Hour),
		}))
	}

	s := newScheduler(store, Config{
		SweepInterval:         time.Hour,
		ConsolidationInterval: 20 * time.Millisecond,
		Workers:               2,
	})
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(ctx, 1)
		require.NoError(t, err)
		if got.Tier == storage.TierLongTerm {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()

	canonical, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.TierLongTerm, canonical.Tier)

	dup, err := store.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, storage.TierArchived, dup.Tier)
	assert.Equal(t, canonical.ID, dup.SupersededBy)
}

func TestFailingScopeDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()

	require.NoError(t, store.Put(ctx, &storage.Memory{
		ID: 1, Scope: "locked", Content: "a", Tier: storage.TierShortTerm,
		Importance: 0.5, CreatedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.Put(ctx, &storage.Memory{
		ID: 2, Scope: "healthy", Content: "b", Tier: storage.TierShortTerm,
		Importance: 0.5, CreatedAt: time.Now().Add(-time.Hour),
	}))

	// Hold the first scope's lock: its consolidation jobs keep skipping.
	lock, err := store.AcquireScopeLock(ctx, "locked")
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	s := newScheduler(store, Config{
		SweepInterval:         time.Hour,
		ConsolidationInterval: 20 * time.Millisecond,
		Workers:               2,
	})
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(ctx, 2)
		require.NoError(t, err)
		if got.Tier == storage.TierLongTerm {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()

	healthy, err := store.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, storage.TierLongTerm, healthy.Tier, "healthy scope consolidated")

	locked, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.TierShortTerm, locked.Tier, "contended scope untouched")
}
