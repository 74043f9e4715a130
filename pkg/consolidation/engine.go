// Package consolidation deduplicates short-term memories and promotes the
// survivors to long-term. It is the only path into the long-term tier, so
// long-term content is always deduplicated and reviewed.
package consolidation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stratamem/stratamem-go/pkg/embedder"
	"github.com/stratamem/stratamem-go/pkg/llm"
	"github.com/stratamem/stratamem-go/pkg/storage"
	"go.uber.org/zap"
)

// ErrLockContended is returned when another consolidation run holds the
// scope lock. The caller skips this cycle; nothing was written.
var ErrLockContended = errors.New("consolidation lock contended")

// Default consolidation policy values.
const (
	DefaultMinAge                     = 1 * time.Hour
	DefaultSemanticDuplicateThreshold = 0.95
)

// Config controls the engine.
type Config struct {
	// MinAge is how old a short-term memory must be before it becomes a
	// consolidation candidate. Negative means no minimum.
	MinAge time.Duration

	// SemanticDuplicateThreshold is the vector similarity above which two
	// memories are treated as duplicates. Deliberately stricter than
	// retrieval's similarity floor to avoid merging related-but-distinct
	// content.
	SemanticDuplicateThreshold float64
}

func (c *Config) applyDefaults() {
	if c.MinAge == 0 {
		c.MinAge = DefaultMinAge
	}
	if c.MinAge < 0 {
		c.MinAge = 0
	}
	if c.SemanticDuplicateThreshold <= 0 {
		c.SemanticDuplicateThreshold = DefaultSemanticDuplicateThreshold
	}
}

// Report summarizes one consolidation run.
type Report struct {
	// Candidates is how many memories were considered.
	Candidates int `json:"candidates"`

	// Merged is how many duplicate sets were collapsed.
	Merged int `json:"merged"`

	// Archived is how many duplicates were superseded and archived.
	Archived int `json:"archived"`

	// Promoted is how many canonical memories reached long-term.
	Promoted int `json:"promoted"`

	// Errors describes per-set failures. A failed set is rolled back and
	// retried on a later run.
	Errors []string `json:"errors,omitempty"`
}

// Engine runs scope-partitioned consolidation batches.
type Engine struct {
	store    storage.MemoryStore
	embedder embedder.Provider
	llm      llm.Provider
	config   Config
	logger   *zap.Logger

	now func() time.Time
}

// NewEngine creates a consolidation engine. The LLM provider may be nil;
// differing duplicate contents are then merged by keeping the canonical
// text and archiving the rest unchanged.
func NewEngine(store storage.MemoryStore, emb embedder.Provider, provider llm.Provider, cfg Config, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		embedder: emb,
		llm:      provider,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Consolidate deduplicates one owner scope under its exclusive lock.
// Contention returns ErrLockContended with no writes. Each duplicate set
// commits or rolls back as a unit; a failed set lands in Report.Errors and
// does not abort the rest of the batch.
func (e *Engine) Consolidate(ctx context.Context, scope string) (*Report, error) {
	lock, err := e.store.AcquireScopeLock(ctx, scope)
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			return nil, fmt.Errorf("Consolidate: scope %q: %w", scope, ErrLockContended)
		}
		return nil, fmt.Errorf("Consolidate: %w", err)
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			e.logger.Warn("scope lock release failed",
				zap.String("scope", scope),
				zap.Error(releaseErr))
		}
	}()

	candidates, err := e.store.List(ctx, &storage.ListOptions{
		Scope:         scope,
		Tiers:         []storage.Tier{storage.TierShortTerm},
		CreatedBefore: e.now().Add(-e.config.MinAge),
	})
	if err != nil {
		return nil, fmt.Errorf("Consolidate: %w", err)
	}

	report := &Report{Candidates: len(candidates)}
	sets, externals := e.groupDuplicates(ctx, scope, candidates)
	for _, set := range sets {
		existing := e.existingCanonical(ctx, scope, set, externals)
		merged, archived, promoted, err := e.mergeSet(ctx, set, existing)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			e.logger.Warn("duplicate set merge failed",
				zap.String("scope", scope),
				zap.Int("set_size", len(set)),
				zap.Error(err))
			continue
		}
		if merged {
			report.Merged++
		}
		report.Archived += archived
		if promoted {
			report.Promoted++
		}
	}
	return report, nil
}

// existingCanonical looks for a long-term memory the set duplicates: first a
// semantic neighbor found during grouping, then an exact content-hash match.
// Promoting a second copy of either would put duplicated content into
// long-term, so the set merges into the existing record instead.
func (e *Engine) existingCanonical(ctx context.Context, scope string, set []*storage.Memory, externals map[int64]*storage.Memory) *storage.Memory {
	inSet := make(map[int64]bool, len(set))
	for _, m := range set {
		inSet[m.ID] = true
	}
	for _, m := range set {
		if ext, ok := externals[m.ID]; ok && !inSet[ext.ID] {
			return ext
		}
	}
	for _, m := range set {
		existing, err := e.store.GetByContentHash(ctx, scope, m.ContentHash)
		if err != nil {
			continue
		}
		if !inSet[existing.ID] && existing.Tier == storage.TierLongTerm {
			return existing
		}
	}
	return nil
}

// groupDuplicates partitions candidates into duplicate sets. The exact
// phase groups by content hash; the semantic phase clusters the remainder
// by strict vector similarity using union-find. Singletons come back as
// one-element sets: they passed review and are promoted without a merge.
// The second return value maps candidate IDs to long-term memories the
// semantic phase found them near; those sets merge into the existing
// canonical rather than promoting a second copy.
func (e *Engine) groupDuplicates(ctx context.Context, scope string, candidates []*storage.Memory) ([][]*storage.Memory, map[int64]*storage.Memory) {
	parent := make(map[int64]int64, len(candidates))
	byID := make(map[int64]*storage.Memory, len(candidates))
	for _, m := range candidates {
		parent[m.ID] = m.ID
		byID[m.ID] = m
	}
	var find func(id int64) int64
	find = func(id int64) int64 {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}
	union := func(a, b int64) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	// Exact phase: identical normalized content.
	byHash := make(map[string][]int64)
	for _, m := range candidates {
		byHash[m.ContentHash] = append(byHash[m.ContentHash], m.ID)
	}
	exactMatched := make(map[int64]bool)
	for _, ids := range byHash {
		if len(ids) < 2 {
			continue
		}
		for _, id := range ids[1:] {
			union(ids[0], id)
		}
		for _, id := range ids {
			exactMatched[id] = true
		}
	}

	// Semantic phase: strict nearest-neighbor clustering for the rest.
	// Long-term neighbors above the threshold are recorded as existing
	// canonicals for their candidate's set.
	externals := make(map[int64]*storage.Memory)
	for _, m := range candidates {
		if exactMatched[m.ID] || len(m.Embedding) == 0 {
			continue
		}
		neighbors, err := e.store.VectorSearch(ctx, scope, m.Embedding, &storage.VectorSearchOptions{
			MinSimilarity: e.config.SemanticDuplicateThreshold,
			Tiers:         []storage.Tier{storage.TierShortTerm, storage.TierLongTerm},
		})
		if err != nil {
			e.logger.Warn("semantic duplicate lookup failed",
				zap.Int64("memory_id", m.ID),
				zap.Error(err))
			continue
		}
		for _, n := range neighbors {
			if n.ID == m.ID {
				continue
			}
			if _, isCandidate := byID[n.ID]; isCandidate {
				union(m.ID, n.ID)
			} else if n.Tier == storage.TierLongTerm {
				if _, ok := externals[m.ID]; !ok {
					externals[m.ID] = n
				}
			}
		}
	}

	sets := make(map[int64][]*storage.Memory)
	for _, m := range candidates {
		root := find(m.ID)
		sets[root] = append(sets[root], m)
	}

	out := make([][]*storage.Memory, 0, len(sets))
	for _, set := range sets {
		sortSet(set)
		out = append(out, set)
	}
	// Deterministic batch order for reproducible reports.
	sort.Slice(out, func(i, j int) bool { return out[i][0].ID < out[j][0].ID })
	return out, externals
}

// mergeSet collapses one duplicate set: the canonical survivor absorbs
// provenance and tags, duplicates are archived with a superseded-by pointer,
// and the canonical is promoted to long-term. When existing is non-nil the
// set duplicates a memory that already reached long-term; every member is
// archived into it and nothing new is promoted. All writes in a set commit
// or roll back together.
func (e *Engine) mergeSet(ctx context.Context, set []*storage.Memory, existing *storage.Memory) (merged bool, archived int, promoted bool, err error) {
	canonical := set[0]
	duplicates := set[1:]
	if existing != nil {
		canonical = existing
		duplicates = set
		set = append([]*storage.Memory{existing}, set...)
	}

	preImages := make([]*storage.Memory, len(set))
	for i, m := range set {
		copied := *m
		preImages[i] = &copied
	}

	if len(duplicates) > 0 {
		content, err := e.mergeContent(ctx, set)
		if err != nil {
			return false, 0, false, fmt.Errorf("mergeSet: %w", err)
		}
		if content != canonical.Content {
			canonical.Content = content
			canonical.ContentHash = HashContent(content)
			if e.embedder != nil {
				embedding, err := e.embedder.Embed(ctx, content)
				if err != nil {
					return false, 0, false, fmt.Errorf("mergeSet: re-embed: %w", err)
				}
				canonical.Embedding = embedding
			}
		}
		for _, d := range duplicates {
			canonical.Provenance = append(canonical.Provenance, d.Provenance...)
			canonical.Tags = mergeTags(canonical.Tags, d.Tags)
			if d.Importance > canonical.Importance {
				canonical.Importance = d.Importance
			}
		}
	}
	canonical.Tier = storage.TierLongTerm
	canonical.LowScoreStreak = 0

	var written []*storage.Memory
	rollback := func() {
		for _, pre := range preImages[:len(written)+1] {
			restore := *pre
			// Version advanced with our write; rewrite over it.
			current, getErr := e.store.Get(ctx, pre.ID)
			if getErr != nil {
				continue
			}
			restore.Version = current.Version
			if putErr := e.store.Put(ctx, &restore); putErr != nil {
				e.logger.Error("merge rollback failed",
					zap.Int64("memory_id", pre.ID),
					zap.Error(putErr))
			}
		}
	}

	if err := e.store.Put(ctx, canonical); err != nil {
		return false, 0, false, fmt.Errorf("mergeSet: canonical %d: %w", canonical.ID, err)
	}
	for _, d := range duplicates {
		d.Tier = storage.TierArchived
		d.SupersededBy = canonical.ID
		if err := e.store.Put(ctx, d); err != nil {
			rollback()
			return false, 0, false, fmt.Errorf("mergeSet: duplicate %d: %w", d.ID, err)
		}
		written = append(written, d)
	}
	return len(duplicates) > 0, len(duplicates), existing == nil, nil
}

const mergePrompt = `The statements below describe the same fact in different words. Write a single statement that preserves every detail from all of them, without inventing anything new. Respond with the merged statement only.

%s`

// mergeContent produces the surviving text for a duplicate set. Identical
// normalized contents keep the canonical text; differing contents are
// drafted together by the LLM when one is configured.
func (e *Engine) mergeContent(ctx context.Context, set []*storage.Memory) (string, error) {
	canonical := set[0]
	allSame := true
	for _, m := range set[1:] {
		if m.ContentHash != canonical.ContentHash {
			allSame = false
			break
		}
	}
	if allSame || e.llm == nil {
		return canonical.Content, nil
	}

	var b strings.Builder
	for i, m := range set {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m.Content)
	}
	merged, err := e.llm.Generate(ctx, fmt.Sprintf(mergePrompt, b.String()),
		llm.WithTemperature(0))
	if err != nil {
		return "", fmt.Errorf("mergeContent: %w", err)
	}
	merged = strings.TrimSpace(merged)
	if merged == "" {
		return canonical.Content, nil
	}
	return merged, nil
}

// sortSet orders a duplicate set canonical-first: highest importance, then
// earliest creation, then lowest ID.
func sortSet(set []*storage.Memory) {
	sort.SliceStable(set, func(i, j int) bool {
		if set[i].Importance != set[j].Importance {
			return set[i].Importance > set[j].Importance
		}
		if !set[i].CreatedAt.Equal(set[j].CreatedAt) {
			return set[i].CreatedAt.Before(set[j].CreatedAt)
		}
		return set[i].ID < set[j].ID
	})
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := a
	for _, t := range a {
		seen[t] = true
	}
	for _, t := range b {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// HashContent returns the dedup hash of content: sha256 over the lowercased,
// whitespace-collapsed text, so trivial formatting differences still collide
// in the exact phase.
func HashContent(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
