package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stratamem/stratamem-go/pkg/storage"
)

func TestScoreFreshMemory(t *testing.T) {
	now := time.Now()
	m := &storage.Memory{Importance: 0.8, CreatedAt: now}

	score := Score(m, now, DefaultDecayRate)
	assert.InDelta(t, 0.8, score, 1e-9, "zero age keeps the full importance")
}

func TestScoreDecaysWithAge(t *testing.T) {
	now := time.Now()
	m := &storage.Memory{Importance: 0.8, CreatedAt: now.Add(-10 * 24 * time.Hour)}

	score := Score(m, now, 0.1)
	// importance / (1 + 0.1*10)^2 = 0.8 / 4
	assert.InDelta(t, 0.2, score, 1e-6)
}

func TestScoreIsNonIncreasingBetweenSweeps(t *testing.T) {
	now := time.Now()
	m := &storage.Memory{Importance: 0.7, CreatedAt: now.Add(-24 * time.Hour)}

	earlier := Score(m, now, DefaultDecayRate)
	later := Score(m, now.Add(6*time.Hour), DefaultDecayRate)
	assert.LessOrEqual(t, later, earlier, "absent access, score never increases")
}

func TestScoreResetsOnAccess(t *testing.T) {
	now := time.Now()
	created := now.Add(-30 * 24 * time.Hour)
	m := &storage.Memory{Importance: 0.7, CreatedAt: created}

	stale := Score(m, now, DefaultDecayRate)

	accessed := now.Add(-time.Minute)
	m.LastAccessedAt = &accessed
	refreshed := Score(m, now, DefaultDecayRate)

	assert.Greater(t, refreshed, stale, "access resets the effective age")
	assert.InDelta(t, 0.7, refreshed, 0.01)
}

func TestScoreClampsClockSkew(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	m := &storage.Memory{Importance: 0.5, CreatedAt: now, LastAccessedAt: &future}

	score := Score(m, now, DefaultDecayRate)
	assert.InDelta(t, 0.5, score, 1e-9, "negative age clamps to zero")
}

func TestScoreZeroImportance(t *testing.T) {
	now := time.Now()
	m := &storage.Memory{Importance: 0, CreatedAt: now}

	assert.Zero(t, Score(m, now, DefaultDecayRate))
}

func TestScoreDeterministic(t *testing.T) {
	now := time.Now()
	m := &storage.Memory{Importance: 0.6, CreatedAt: now.Add(-48 * time.Hour)}

	assert.Equal(t, Score(m, now, 0.2), Score(m, now, 0.2))
}
