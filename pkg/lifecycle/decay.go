// Package lifecycle implements decay scoring and tier management for stored
// memories. Recency of use, not creation, drives survival: every access
// resets the decay clock.
package lifecycle

import (
	"time"

	"github.com/stratamem/stratamem-go/pkg/storage"
)

// DefaultDecayRate controls how quickly an untouched memory loses score.
const DefaultDecayRate = 0.1

// Score computes the decay score of a memory at the given instant:
//
//	importance / (1 + decayRate*ageDays)^2
//
// Age is measured from LastAccessedAt, falling back to CreatedAt for
// memories never read. Negative age from clock skew clamps to zero, and an
// importance of zero scores zero regardless of age.
func Score(m *storage.Memory, now time.Time, decayRate float64) float64 {
	if m.Importance <= 0 {
		return 0
	}
	if decayRate <= 0 {
		decayRate = DefaultDecayRate
	}

	ref := m.CreatedAt
	if m.LastAccessedAt != nil {
		ref = *m.LastAccessedAt
	}
	ageDays := now.Sub(ref).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}

	denom := 1 + decayRate*ageDays
	return m.Importance / (denom * denom)
}
