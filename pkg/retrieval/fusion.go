package retrieval

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/stratamem/stratamem-go/pkg/storage"
)

// rrfK is the standard reciprocal-rank fusion constant.
const rrfK = 60

// candidate carries one memory's per-stage scores through fusion. Ranks are
// 1-based; zero means the stage did not return the memory.
type candidate struct {
	memory       *storage.Memory
	vectorScore  float64
	lexicalScore float64
	graphScore   float64
	vectorRank   int
	lexicalRank  int
	graphRank    int
}

// joinCandidates unions the three stage result lists, deduplicating by
// memory ID so the fused list never carries the same memory twice.
func joinCandidates(vector, lexical, graph []*storage.Memory) []*candidate {
	byID := make(map[int64]*candidate)
	ordered := make([]*candidate, 0, len(vector)+len(lexical)+len(graph))

	get := func(m *storage.Memory) *candidate {
		if c, ok := byID[m.ID]; ok {
			return c
		}
		c := &candidate{memory: m}
		byID[m.ID] = c
		ordered = append(ordered, c)
		return c
	}

	for i, m := range vector {
		c := get(m)
		c.vectorScore = m.Score
		c.vectorRank = i + 1
	}
	for i, m := range lexical {
		c := get(m)
		c.lexicalScore = m.Score
		c.lexicalRank = i + 1
	}
	for i, m := range graph {
		c := get(m)
		c.graphScore = m.Score
		c.graphRank = i + 1
	}
	return ordered
}

// filterCandidates applies the caller's metadata filters after the join.
// Archived memories are excluded unless the query names that tier.
func filterCandidates(candidates []*candidate, q *Query) []*candidate {
	out := candidates[:0]
	for _, c := range candidates {
		m := c.memory
		if !storage.TierIn(m.Tier, q.Tiers) {
			continue
		}
		if len(q.Tags) > 0 && !hasAnyTag(m.Tags, q.Tags) {
			continue
		}
		if !q.CreatedAfter.IsZero() && !m.CreatedAt.After(q.CreatedAfter) {
			continue
		}
		if !q.CreatedBefore.IsZero() && !m.CreatedAt.Before(q.CreatedBefore) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func hasAnyTag(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

// fuseWeighted combines per-stage scores linearly after normalizing each
// stage by its own maximum, so one stage's scale cannot drown the others.
func fuseWeighted(candidates []*candidate, vectorW, lexicalW, graphW float64) []*Result {
	var vectorMax, lexicalMax, graphMax float64
	for _, c := range candidates {
		vectorMax = math.Max(vectorMax, c.vectorScore)
		lexicalMax = math.Max(lexicalMax, c.lexicalScore)
		graphMax = math.Max(graphMax, c.graphScore)
	}

	results := make([]*Result, 0, len(candidates))
	for _, c := range candidates {
		var score float64
		if vectorMax > 0 {
			score += vectorW * (c.vectorScore / vectorMax)
		}
		if lexicalMax > 0 {
			score += lexicalW * (c.lexicalScore / lexicalMax)
		}
		if graphMax > 0 {
			score += graphW * (c.graphScore / graphMax)
		}
		results = append(results, &Result{
			Memory:       c.memory,
			Score:        score,
			VectorScore:  c.vectorScore,
			LexicalScore: c.lexicalScore,
			GraphScore:   c.graphScore,
		})
	}
	return results
}

// fuseRRF combines stage ranks with reciprocal-rank fusion, for backends
// whose raw scores are not comparable across stages.
func fuseRRF(candidates []*candidate) []*Result {
	results := make([]*Result, 0, len(candidates))
	for _, c := range candidates {
		var score float64
		if c.vectorRank > 0 {
			score += 1.0 / float64(rrfK+c.vectorRank)
		}
		if c.lexicalRank > 0 {
			score += 1.0 / float64(rrfK+c.lexicalRank)
		}
		if c.graphRank > 0 {
			score += 1.0 / float64(rrfK+c.graphRank)
		}
		results = append(results, &Result{
			Memory:       c.memory,
			Score:        score,
			VectorScore:  c.vectorScore,
			LexicalScore: c.lexicalScore,
			GraphScore:   c.graphScore,
		})
	}
	return results
}

// applyRecency multiplies fused scores by a small recency bonus that fades
// over about a week. Recency nudges ties, it never outranks relevance.
func applyRecency(results []*Result, now time.Time) {
	for _, r := range results {
		ref := r.Memory.CreatedAt
		if r.Memory.LastAccessedAt != nil {
			ref = *r.Memory.LastAccessedAt
		}
		ageDays := now.Sub(ref).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		r.Score *= 1 + 0.05*math.Exp(-ageDays/7)
	}
}

// sortResults orders by fused score descending; ties fall back to
// LastAccessedAt descending, then ID ascending for full determinism.
func sortResults(results []*Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ti := accessTime(results[i].Memory)
		tj := accessTime(results[j].Memory)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
}

func accessTime(m *storage.Memory) time.Time {
	if m.LastAccessedAt != nil {
		return *m.LastAccessedAt
	}
	return m.CreatedAt
}

// rerank is the optional bounded final pass: the top candidates are
// rescored by exact token overlap with the query and reordered. Capped so
// the expensive pass cannot dominate search latency.
func rerank(results []*Result, query string) []*Result {
	n := len(results)
	if n > rerankLimit {
		n = rerankLimit
	}
	head := results[:n]

	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		return results
	}
	for _, r := range head {
		overlap := tokenOverlap(queryTokens, r.Memory.Content)
		r.Score = 0.7*r.Score + 0.3*overlap
	}
	sortResults(head)
	return results
}

func tokenSet(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func tokenOverlap(queryTokens map[string]bool, content string) float64 {
	contentTokens := tokenSet(content)
	if len(queryTokens) == 0 {
		return 0
	}
	matched := 0
	for tok := range queryTokens {
		if contentTokens[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}
