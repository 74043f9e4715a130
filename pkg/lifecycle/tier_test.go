package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/stratamem-go/pkg/storage"
	"github.com/stratamem/stratamem-go/pkg/storage/memory"
)

func newManager(t *testing.T, store storage.MemoryStore, cfg Config) *TierManager {
	t.Helper()
	return NewTierManager(store, cfg, nil)
}

func putMemory(t *testing.T, store storage.MemoryStore, m *storage.Memory) *storage.Memory {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), m))
	return m
}

func TestSweepPromotesAgedWorkingMemory(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	tm := newManager(t, store, Config{WorkingTTLDays: 1})

	aged := putMemory(t, store, &storage.Memory{
		ID: 1, Scope: "agent_1", Tier: storage.TierWorking,
		Importance: 0.5, CreatedAt: time.Now().Add(-48 * time.Hour),
	})
	fresh := putMemory(t, store, &storage.Memory{
		ID: 2, Scope: "agent_1", Tier: storage.TierWorking,
		Importance: 0.5,
	})

	report, err := tm.Sweep(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 0, report.Archived)

	got, err := store.Get(ctx, aged.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TierShortTerm, got.Tier)

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TierWorking, got.Tier)
}

func TestSweepPromotesFrequentlyAccessedWorkingMemory(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	tm := newManager(t, store, Config{WorkingPromotionCount: 3})

	m := putMemory(t, store, &storage.Memory{
		ID: 1, Scope: "agent_1", Tier: storage.TierWorking, Importance: 0.5,
	})
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Touch(ctx, m.ID, time.Now()))
	}

	report, err := tm.Sweep(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TierShortTerm, got.Tier)
}

func TestSweepNeverPromotesShortTermToLongTerm(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	tm := newManager(t, store, Config{})

	// Old, well-accessed, high-importance: still not a sweep promotion.
	accessed := time.Now().Add(-time.Minute)
	m := putMemory(t, store, &storage.Memory{
		ID: 1, Scope: "agent_1", Tier: storage.TierShortTerm,
		Importance: 1.0, CreatedAt: time.Now().Add(-90 * 24 * time.Hour),
		LastAccessedAt: &accessed, AccessCount: 500,
	})

	for i := 0; i < 5; i++ {
		_, err := tm.Sweep(ctx, "agent_1")
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TierShortTerm, got.Tier, "long-term is reachable only via consolidation")
}

func TestSweepArchivalHysteresis(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	tm := newManager(t, store, Config{
		ArchiveThreshold:   0.1,
		ArchiveGraceCycles: 3,
	})

	// Low importance and long untouched: decay score sits under the
	// threshold every sweep.
	m := putMemory(t, store, &storage.Memory{
		ID: 1, Scope: "agent_1", Tier: storage.TierShortTerm,
		Importance: 0.2, CreatedAt: time.Now().Add(-365 * 24 * time.Hour),
	})

	for cycle := 1; cycle <= 2; cycle++ {
		_, err := tm.Sweep(ctx, "agent_1")
		require.NoError(t, err)
		got, err := store.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.TierShortTerm, got.Tier, "grace cycle %d keeps the memory", cycle)
		assert.Equal(t, cycle, got.LowScoreStreak)
	}

	report, err := tm.Sweep(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Archived)

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TierArchived, got.Tier)
}

func TestSweepStreakResetsOnRecovery(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	tm := newManager(t, store, Config{
		ArchiveThreshold:   0.1,
		ArchiveGraceCycles: 3,
	})

	m := putMemory(t, store, &storage.Memory{
		ID: 1, Scope: "agent_1", Tier: storage.TierShortTerm,
		Importance: 0.2, CreatedAt: time.Now().Add(-365 * 24 * time.Hour),
	})

	_, err := tm.Sweep(ctx, "agent_1")
	require.NoError(t, err)
	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.LowScoreStreak)

	// An access resets the decay clock; the next sweep clears the streak.
	require.NoError(t, store.Touch(ctx, m.ID, time.Now()))
	_, err = tm.Sweep(ctx, "agent_1")
	require.NoError(t, err)

	got, err = store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.LowScoreStreak)
	assert.Equal(t, storage.TierShortTerm, got.Tier)
}

func TestSweepArchivesZeroImportanceImmediately(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	tm := newManager(t, store, Config{
		ArchiveThreshold:   0.1,
		ArchiveGraceCycles: 3,
	})

	m := putMemory(t, store, &storage.Memory{
		ID: 1, Scope: "agent_1", Tier: storage.TierShortTerm, Importance: 0,
	})

	report, err := tm.Sweep(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Archived)

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TierArchived, got.Tier, "zero importance skips the grace window")
}

func TestSweepImportantAccessedMemorySurvives(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	tm := newManager(t, store, Config{
		WorkingTTLDays:     1,
		ArchiveThreshold:   0.1,
		ArchiveGraceCycles: 3,
	})

	m := putMemory(t, store, &storage.Memory{
		ID: 1, Scope: "agent_1", Tier: storage.TierWorking,
		Importance: 0.9, CreatedAt: time.Now().Add(-30 * 24 * time.Hour),
	})

	// Daily accesses for a month, sweeping each day.
	for day := 0; day < 30; day++ {
		require.NoError(t, store.Touch(ctx, m.ID, time.Now()))
		_, err := tm.Sweep(ctx, "agent_1")
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TierShortTerm, got.Tier, "promoted past working, never archived")
	assert.Zero(t, got.LowScoreStreak)
	assert.Greater(t, got.DecayScore, 0.1)
}

func TestSweepIgnoresArchivedMemories(t *testing.T) {
	ctx := context.Background()
	store := memory.NewClient()
	tm := newManager(t, store, Config{})

	putMemory(t, store, &storage.Memory{
		ID: 1, Scope: "agent_1", Tier: storage.TierArchived, Importance: 0.9,
	})

	report, err := tm.Sweep(ctx, "agent_1")
	require.NoError(t, err)
	assert.Zero(t, report.Scanned, "archived is terminal")
}
