package core

import (
	"github.com/stratamem/stratamem-go/pkg/retrieval"
	"github.com/stratamem/stratamem-go/pkg/storage"
)

// toAPIMemory converts a stored memory into its API-facing view. Embeddings
// and bookkeeping fields stay internal.
func toAPIMemory(m *storage.Memory) *Memory {
	out := &Memory{
		ID:           m.ID,
		Scope:        m.Scope,
		Content:      m.Content,
		Tier:         string(m.Tier),
		Importance:   m.Importance,
		DecayScore:   m.DecayScore,
		Tags:         append([]string(nil), m.Tags...),
		SupersededBy: m.SupersededBy,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		AccessCount:  m.AccessCount,
	}
	if m.LastAccessedAt != nil {
		t := *m.LastAccessedAt
		out.LastAccessedAt = &t
	}
	for _, p := range m.Provenance {
		out.Provenance = append(out.Provenance, Provenance{
			Source:     p.Source,
			Confidence: p.Confidence,
		})
	}
	return out
}

// toStorageProvenance converts API provenance records for persistence.
func toStorageProvenance(records []Provenance) []storage.Provenance {
	out := make([]storage.Provenance, len(records))
	for i, p := range records {
		out[i] = storage.Provenance{
			Source:     p.Source,
			Confidence: p.Confidence,
		}
	}
	return out
}

// toSearchResults converts retrieval results into the API view.
func toSearchResults(results []*retrieval.Result) []*SearchResult {
	out := make([]*SearchResult, len(results))
	for i, r := range results {
		out[i] = &SearchResult{
			Memory:       toAPIMemory(r.Memory),
			Score:        r.Score,
			VectorScore:  r.VectorScore,
			LexicalScore: r.LexicalScore,
			GraphScore:   r.GraphScore,
		}
	}
	return out
}
