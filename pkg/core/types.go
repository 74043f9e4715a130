package core

import (
	"time"

	"github.com/stratamem/stratamem-go/pkg/retrieval"
	"github.com/stratamem/stratamem-go/pkg/storage"
)

// DefaultScope is used when a caller does not name an owner scope.
const DefaultScope = "default"

// Provenance records where a memory came from.
type Provenance struct {
	// Source names the origin (conversation ID, document, tool name).
	Source string `json:"source"`

	// Confidence is the source's reliability in [0, 1].
	Confidence float64 `json:"confidence"`
}

// Memory is the API-facing view of one stored memory item.
type Memory struct {
	// ID uniquely identifies the memory.
	ID int64 `json:"id"`

	// Scope is the owner scope partitioning this memory.
	Scope string `json:"scope"`

	// Content is the memory text.
	Content string `json:"content"`

	// Tier is the current lifecycle tier.
	Tier string `json:"tier"`

	// Importance is the declared or inferred importance in [0, 1].
	Importance float64 `json:"importance"`

	// DecayScore is the freshness score from the last lifecycle sweep.
	DecayScore float64 `json:"decay_score"`

	// Tags are caller-defined labels used for filtered retrieval.
	Tags []string `json:"tags,omitempty"`

	// Provenance lists the origins folded into this memory.
	Provenance []Provenance `json:"provenance,omitempty"`

	// SupersededBy points at the canonical memory when this one was
	// merged away. Zero when live.
	SupersededBy int64 `json:"superseded_by,omitempty"`

	// CreatedAt is when the memory was ingested.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the memory was last written.
	UpdatedAt time.Time `json:"updated_at"`

	// LastAccessedAt is when the memory was last read, nil if never.
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	// AccessCount is how many times the memory has been read.
	AccessCount int64 `json:"access_count"`
}

// SearchResult is one ranked search hit with its per-signal contributions.
type SearchResult struct {
	// Memory is the matched memory.
	Memory *Memory `json:"memory"`

	// Score is the fused relevance score.
	Score float64 `json:"score"`

	// VectorScore, LexicalScore, and GraphScore are the raw per-stage
	// contributions, zero when a stage did not return this memory.
	VectorScore  float64 `json:"vector_score,omitempty"`
	LexicalScore float64 `json:"lexical_score,omitempty"`
	GraphScore   float64 `json:"graph_score,omitempty"`
}

// SearchResponse is a ranked result list plus how it was produced.
type SearchResponse struct {
	// Results are ranked hits, best first.
	Results []*SearchResult `json:"results"`

	// Explanation reports per-stage status and the fusion mode.
	Explanation *retrieval.Explanation `json:"explanation"`
}

// Tier name constants re-exported for API callers.
const (
	TierWorking   = string(storage.TierWorking)
	TierShortTerm = string(storage.TierShortTerm)
	TierLongTerm  = string(storage.TierLongTerm)
	TierArchived  = string(storage.TierArchived)
)
