package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stratamem/stratamem-go/pkg/storage"
	"go.uber.org/zap"
)

// Default tier policy values.
const (
	DefaultWorkingTTLDays        = 1.0
	DefaultWorkingPromotionCount = 3
	DefaultArchiveThreshold      = 0.1
	DefaultArchiveGraceCycles    = 3

	putRetries = 3
)

// Config controls tier transitions.
type Config struct {
	// DecayRate feeds the decay score computation.
	DecayRate float64

	// WorkingTTLDays is the age after which a working memory is promoted
	// to short-term.
	WorkingTTLDays float64

	// WorkingPromotionCount promotes a working memory once its access
	// count exceeds this value, regardless of age.
	WorkingPromotionCount int64

	// ArchiveThreshold is the decay score below which a short-term or
	// long-term memory accrues low-score streak.
	ArchiveThreshold float64

	// ArchiveGraceCycles is how many consecutive low-score sweeps a
	// memory survives before archival.
	ArchiveGraceCycles int
}

func (c *Config) applyDefaults() {
	if c.DecayRate <= 0 {
		c.DecayRate = DefaultDecayRate
	}
	if c.WorkingTTLDays <= 0 {
		c.WorkingTTLDays = DefaultWorkingTTLDays
	}
	if c.WorkingPromotionCount <= 0 {
		c.WorkingPromotionCount = DefaultWorkingPromotionCount
	}
	if c.ArchiveThreshold <= 0 {
		c.ArchiveThreshold = DefaultArchiveThreshold
	}
	if c.ArchiveGraceCycles <= 0 {
		c.ArchiveGraceCycles = DefaultArchiveGraceCycles
	}
}

// SweepReport summarizes one tier sweep over a scope.
type SweepReport struct {
	Scanned  int `json:"scanned"`
	Promoted int `json:"promoted"`
	Archived int `json:"archived"`
	Errors   int `json:"errors"`
}

// TierManager moves memories between tiers based on decay scores and access
// counters. Promotion to long-term is owned by consolidation, never by the
// sweep.
type TierManager struct {
	store  storage.MemoryStore
	config Config
	logger *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewTierManager creates a tier manager over the given store.
func NewTierManager(store storage.MemoryStore, cfg Config, logger *zap.Logger) *TierManager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TierManager{
		store:  store,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Sweep evaluates every non-archived memory in scope, refreshes its decay
// score, and applies due transitions. Persistence failures are logged and
// counted; the affected memory is picked up again on the next sweep.
func (tm *TierManager) Sweep(ctx context.Context, scope string) (*SweepReport, error) {
	memories, err := tm.store.List(ctx, &storage.ListOptions{
		Scope: scope,
		Tiers: []storage.Tier{storage.TierWorking, storage.TierShortTerm, storage.TierLongTerm},
	})
	if err != nil {
		return nil, fmt.Errorf("Sweep: %w", err)
	}

	now := tm.now()
	report := &SweepReport{Scanned: len(memories)}
	for _, m := range memories {
		promoted, archived, err := tm.sweepOne(ctx, m, now)
		if err != nil {
			report.Errors++
			tm.logger.Warn("tier sweep failed for memory",
				zap.Int64("memory_id", m.ID),
				zap.String("scope", scope),
				zap.Error(err))
			continue
		}
		if promoted {
			report.Promoted++
		}
		if archived {
			report.Archived++
		}
	}
	return report, nil
}

func (tm *TierManager) sweepOne(ctx context.Context, m *storage.Memory, now time.Time) (promoted, archived bool, err error) {
	for attempt := 0; attempt < putRetries; attempt++ {
		score := Score(m, now, tm.config.DecayRate)

		prev := m.Tier
		next := m.Tier
		streak := m.LowScoreStreak
		switch m.Tier {
		case storage.TierWorking:
			age := now.Sub(m.CreatedAt).Hours() / 24
			if age > tm.config.WorkingTTLDays || m.AccessCount > tm.config.WorkingPromotionCount {
				next = storage.TierShortTerm
			}
		case storage.TierShortTerm, storage.TierLongTerm:
			if score < tm.config.ArchiveThreshold {
				streak++
				// Zero importance never recovers; skip the grace window.
				if streak >= tm.config.ArchiveGraceCycles || score == 0 {
					next = storage.TierArchived
				}
			} else {
				streak = 0
			}
		}

		if next == m.Tier && streak == m.LowScoreStreak && score == m.DecayScore {
			return false, false, nil
		}

		m.DecayScore = score
		m.LowScoreStreak = streak
		m.Tier = next

		err = tm.store.Put(ctx, m)
		if err == nil {
			return prev == storage.TierWorking && next == storage.TierShortTerm,
				next == storage.TierArchived, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return false, false, err
		}

		// Lost the race; re-read and re-evaluate against fresh state.
		fresh, getErr := tm.store.Get(ctx, m.ID)
		if getErr != nil {
			return false, false, getErr
		}
		m = fresh
	}
	return false, false, err
}
