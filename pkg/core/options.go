package core

import (
	"time"
)

// AddOption is a function type for configuring AddMemory operations.
//
// Options are applied using the functional options pattern, allowing
// flexible configuration without requiring all parameters.
type AddOption func(*AddOptions)

// AddOptions contains configuration options for AddMemory operations.
type AddOptions struct {
	// Scope is the owner scope the memory belongs to.
	Scope string

	// Importance is the declared importance in [0, 1]. Negative means
	// not declared; the client infers one.
	Importance float64

	// ImportanceSet records whether the caller declared an importance.
	ImportanceSet bool

	// Tags are labels attached to the memory.
	Tags []string

	// Provenance records where the memory came from.
	Provenance []Provenance

	// Extract enables entity and relation extraction into the graph.
	Extract bool
}

// WithScope sets the owner scope for AddMemory.
func WithScope(scope string) AddOption {
	return func(opts *AddOptions) {
		opts.Scope = scope
	}
}

// WithImportance declares the memory's importance in [0, 1].
func WithImportance(importance float64) AddOption {
	return func(opts *AddOptions) {
		opts.Importance = importance
		opts.ImportanceSet = true
	}
}

// WithTags attaches labels to the memory.
func WithTags(tags ...string) AddOption {
	return func(opts *AddOptions) {
		opts.Tags = append(opts.Tags, tags...)
	}
}

// WithProvenance records an origin for the memory.
func WithProvenance(source string, confidence float64) AddOption {
	return func(opts *AddOptions) {
		opts.Provenance = append(opts.Provenance, Provenance{
			Source:     source,
			Confidence: confidence,
		})
	}
}

// WithExtraction enables entity and relation extraction, populating the
// memory graph used by the graph retrieval stage.
func WithExtraction() AddOption {
	return func(opts *AddOptions) {
		opts.Extract = true
	}
}

// SearchOption is a function type for configuring Search operations.
type SearchOption func(*SearchOptions)

// SearchOptions contains configuration options for Search operations.
type SearchOptions struct {
	// Scope is the owner scope to search.
	Scope string

	// TopK overrides the configured result count when positive.
	TopK int

	// Tiers restricts results. Empty excludes archived memories.
	Tiers []string

	// Tags keeps only memories carrying at least one of these labels.
	Tags []string

	// CreatedAfter and CreatedBefore bound the result time range.
	CreatedAfter  time.Time
	CreatedBefore time.Time

	// SkipReinforce leaves access bookkeeping untouched, for audit and
	// debug reads that should not reset decay clocks.
	SkipReinforce bool
}

// WithScopeForSearch sets the owner scope for Search.
func WithScopeForSearch(scope string) SearchOption {
	return func(opts *SearchOptions) {
		opts.Scope = scope
	}
}

// WithTopK sets the result count for Search.
func WithTopK(topK int) SearchOption {
	return func(opts *SearchOptions) {
		opts.TopK = topK
	}
}

// WithTiers restricts Search to the given tiers. Naming TierArchived makes
// archived memories visible, which default searches never do.
func WithTiers(tiers ...string) SearchOption {
	return func(opts *SearchOptions) {
		opts.Tiers = append(opts.Tiers, tiers...)
	}
}

// WithTagsForSearch keeps only memories carrying at least one given label.
func WithTagsForSearch(tags ...string) SearchOption {
	return func(opts *SearchOptions) {
		opts.Tags = append(opts.Tags, tags...)
	}
}

// WithTimeRange bounds results to memories created inside (after, before).
// A zero bound is open.
func WithTimeRange(after, before time.Time) SearchOption {
	return func(opts *SearchOptions) {
		opts.CreatedAfter = after
		opts.CreatedBefore = before
	}
}

// WithoutReinforcement disables access bookkeeping for this search. Results
// keep their current decay clocks.
func WithoutReinforcement() SearchOption {
	return func(opts *SearchOptions) {
		opts.SkipReinforce = true
	}
}

// GetOption is a function type for configuring Get operations.
type GetOption func(*GetOptions)

// GetOptions contains configuration options for Get operations.
type GetOptions struct {
	// SkipReinforce leaves access bookkeeping untouched.
	SkipReinforce bool
}

// WithoutReinforcementForGet disables access bookkeeping for this read.
func WithoutReinforcementForGet() GetOption {
	return func(opts *GetOptions) {
		opts.SkipReinforce = true
	}
}
