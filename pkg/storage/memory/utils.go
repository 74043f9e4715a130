package memory

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/stratamem/stratamem-go/pkg/storage"
)

// copyMemory deep-copies a record so callers never alias store-owned state.
func copyMemory(m *storage.Memory) *storage.Memory {
	cp := *m
	cp.Embedding = append([]float64(nil), m.Embedding...)
	cp.Tags = append([]string(nil), m.Tags...)
	cp.Provenance = append([]storage.Provenance(nil), m.Provenance...)
	if m.LastAccessedAt != nil {
		t := *m.LastAccessedAt
		cp.LastAccessedAt = &t
	}
	return &cp
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the dimensions differ or either vector has zero norm.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// lexicalScore rates content against the query tokens in [0,1]. Coverage of
// distinct query tokens dominates; term frequency relative to document length
// refines it so that an exact restatement of the query scores 1.0.
func lexicalScore(queryTokens []string, content string) float64 {
	docTokens := tokenize(content)
	if len(docTokens) == 0 {
		return 0
	}

	tf := make(map[string]int, len(docTokens))
	for _, t := range docTokens {
		tf[t]++
	}

	distinct := make(map[string]bool, len(queryTokens))
	for _, t := range queryTokens {
		distinct[t] = true
	}

	var covered, matchedTf int
	for t := range distinct {
		if n := tf[t]; n > 0 {
			covered++
			matchedTf += n
		}
	}
	if covered == 0 {
		return 0
	}

	coverage := float64(covered) / float64(len(distinct))
	density := float64(matchedTf) / float64(len(docTokens))
	if density > 1 {
		density = 1
	}
	return coverage * (0.5 + 0.5*density)
}

// sortByScore orders memories by Score descending (ID ascending on ties) and
// truncates to limit when limit > 0.
func sortByScore(memories []*storage.Memory, limit int) []*storage.Memory {
	sort.Slice(memories, func(i, j int) bool {
		if memories[i].Score == memories[j].Score {
			return memories[i].ID < memories[j].ID
		}
		return memories[i].Score > memories[j].Score
	})
	if limit > 0 && limit < len(memories) {
		memories = memories[:limit]
	}
	return memories
}
