// Package storage provides interfaces and types for memory store backends.
//
// It defines the MemoryStore interface that all storage implementations must
// satisfy, along with the persisted record types (Memory, Entity, Relationship)
// and per-operation option structs.
package storage

import (
	"context"
	"errors"
	"time"
)

// Tier is the lifecycle stage of a memory.
//
// Tiers govern default retrieval visibility and retention:
//   - TierWorking: freshly ingested, volatile
//   - TierShortTerm: survived the working window, awaiting consolidation
//   - TierLongTerm: consolidated, deduplicated content
//   - TierArchived: terminal; excluded from default retrieval
type Tier string

const (
	// TierWorking is the initial tier for every new memory.
	TierWorking Tier = "working"

	// TierShortTerm holds memories promoted out of the working window.
	TierShortTerm Tier = "short_term"

	// TierLongTerm holds consolidated memories. The only path into this tier
	// is the consolidation engine.
	TierLongTerm Tier = "long_term"

	// TierArchived is terminal. Archived memories are never deleted and remain
	// queryable through explicit tier filters.
	TierArchived Tier = "archived"
)

// DefaultTiers are the tiers visible to retrieval when the caller does not
// ask for archived content.
var DefaultTiers = []Tier{TierWorking, TierShortTerm, TierLongTerm}

// Sentinel errors shared by all backends.
var (
	// ErrNotFound indicates that a requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict indicates that an optimistic Put lost a race with a
	// concurrent writer. Callers re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrLockHeld indicates that a scope lock is already held elsewhere.
	ErrLockHeld = errors.New("scope lock held")

	// ErrDimensionMismatch indicates an embedding whose dimensionality differs
	// from the first embedding stored in the same scope.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Provenance records where a memory came from and how much the source is
// trusted. Merged memories carry the concatenated provenance of every
// contributing record.
type Provenance struct {
	// Source identifies the origin (e.g. "conversation", "tool:web").
	Source string `json:"source"`

	// Confidence is the source's trust level (0.0-1.0).
	Confidence float64 `json:"confidence"`
}

// Memory is the atomic persisted record.
type Memory struct {
	// ID is the unique identifier of the memory.
	ID int64

	// Scope is the owner scope (per-user or per-agent namespace) that
	// partitions data and locking.
	Scope string

	// Content is the text content of the memory.
	Content string

	// ContentHash is the digest of the normalized content. Collisions within
	// one scope are merge candidates for the consolidation engine.
	ContentHash string

	// Embedding is the dense vector for similarity search. Dimensionality is
	// fixed per scope once the first memory is stored.
	Embedding []float64

	// Tier is the current lifecycle stage.
	Tier Tier

	// Importance is the declared importance (0.0-1.0).
	Importance float64

	// DecayScore is the freshness/importance score recomputed each lifecycle
	// sweep.
	DecayScore float64

	// LowScoreStreak counts consecutive sweeps with DecayScore below the
	// archive threshold. Archival requires the streak to reach the configured
	// grace cycles (hysteresis).
	LowScoreStreak int

	// Tags is the set of caller-supplied labels.
	Tags []string

	// Provenance lists the sources that contributed to this memory.
	Provenance []Provenance

	// SupersededBy references the canonical memory this one was merged into.
	// Zero unless the memory was archived as a duplicate.
	SupersededBy int64

	// CreatedAt is when the memory was created.
	CreatedAt time.Time

	// UpdatedAt is when the memory was last written.
	UpdatedAt time.Time

	// LastAccessedAt is when the memory was last read (nil if never).
	LastAccessedAt *time.Time

	// AccessCount is the monotonic read counter.
	AccessCount int64

	// Version is the optimistic-concurrency counter, incremented on every Put.
	Version int64

	// Score is the similarity/relevance score set by search operations.
	// Not persisted.
	Score float64
}

// Entity is a named concept extracted from memory content. Entities are
// weakly referenced by memories: archiving a memory never touches the entity.
type Entity struct {
	ID        int64
	Scope     string
	Name      string
	Type      string
	Embedding []float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Relationship is a typed, weighted, directed edge. It connects two entities
// (ToEntityID set) or an entity and a memory (MemoryID set). Edges are never
// deleted; they are invalidated by clearing IsActive and stamping ValidTo.
type Relationship struct {
	ID           int64
	Scope        string
	FromEntityID int64
	ToEntityID   int64
	MemoryID     int64
	Type         string
	Weight       float64
	ValidFrom    time.Time
	ValidTo      *time.Time
	IsActive     bool
}

// VectorSearchOptions narrows a vector top-K query.
type VectorSearchOptions struct {
	// TopK caps the number of results.
	TopK int

	// MinSimilarity drops candidates with cosine similarity below this value.
	MinSimilarity float64

	// Tiers restricts results to the given tiers. Empty means DefaultTiers.
	Tiers []Tier
}

// LexicalSearchOptions narrows a keyword top-K query.
type LexicalSearchOptions struct {
	// TopK caps the number of results.
	TopK int

	// Tiers restricts results to the given tiers. Empty means DefaultTiers.
	Tiers []Tier
}

// ListOptions filters bulk reads used by lifecycle sweeps and consolidation
// batches.
type ListOptions struct {
	// Scope restricts results to one owner scope. Empty means all scopes.
	Scope string

	// Tiers restricts results to the given tiers. Empty means all tiers.
	Tiers []Tier

	// CreatedBefore, when non-zero, returns only memories created before it.
	CreatedBefore time.Time

	// Limit and Offset paginate results. Limit 0 means no limit.
	Limit  int
	Offset int
}

// ScopeLock is a releasable handle on an owner-scope lock.
type ScopeLock interface {
	// Release releases the lock. Releasing twice is an error.
	Release() error
}

// MemoryStore is the persistence contract consumed by the lifecycle, retrieval
// and consolidation engines.
//
// All implementations (in-memory, SQLite, PostgreSQL, MySQL) must satisfy this
// interface. Methods are safe for concurrent use.
type MemoryStore interface {
	// Put writes a memory. A zero Version inserts; a non-zero Version updates
	// only if it matches the stored version (optimistic concurrency), returning
	// ErrVersionConflict otherwise. The stored Version is incremented on every
	// successful write and reflected back into the argument.
	Put(ctx context.Context, m *Memory) error

	// Get retrieves a memory by ID. Returns ErrNotFound when absent.
	Get(ctx context.Context, id int64) (*Memory, error)

	// GetByContentHash returns the oldest non-archived memory in scope with the
	// given content hash, or ErrNotFound.
	GetByContentHash(ctx context.Context, scope, hash string) (*Memory, error)

	// List returns memories matching opts, ordered by CreatedAt ascending.
	List(ctx context.Context, opts *ListOptions) ([]*Memory, error)

	// VectorSearch returns the top-K memories in scope by cosine similarity to
	// the query embedding, highest first, with Score populated.
	VectorSearch(ctx context.Context, scope string, embedding []float64, opts *VectorSearchOptions) ([]*Memory, error)

	// LexicalSearch returns the top-K memories in scope by keyword relevance to
	// the query text, highest first, with Score populated.
	LexicalSearch(ctx context.Context, scope, query string, opts *LexicalSearchOptions) ([]*Memory, error)

	// GraphTraverse walks active relationships outward from the given entities
	// for at most maxHops hops and returns up to topK distinct memories reached
	// on the way, scored by hop distance (closer is higher).
	GraphTraverse(ctx context.Context, scope string, entityIDs []int64, maxHops, topK int) ([]*Memory, error)

	// Touch records a read: sets LastAccessedAt and increments AccessCount
	// without bumping Version. Access bookkeeping is a disjoint-field write
	// that must not conflict with concurrent tier updates.
	Touch(ctx context.Context, id int64, at time.Time) error

	// PutEntity inserts or updates an entity.
	PutEntity(ctx context.Context, e *Entity) error

	// GetEntityByName returns the entity with the given name in scope, or
	// ErrNotFound.
	GetEntityByName(ctx context.Context, scope, name string) (*Entity, error)

	// ListEntities returns all entities in scope.
	ListEntities(ctx context.Context, scope string) ([]*Entity, error)

	// PutRelationship inserts or updates a relationship edge.
	PutRelationship(ctx context.Context, r *Relationship) error

	// InvalidateRelationship marks an edge inactive at the given time. The edge
	// is retained for audit queries.
	InvalidateRelationship(ctx context.Context, id int64, at time.Time) error

	// ListScopes returns every owner scope that holds at least one memory.
	ListScopes(ctx context.Context) ([]string, error)

	// AcquireScopeLock attempts a non-blocking acquisition of the exclusive
	// per-scope lock. Returns ErrLockHeld when another holder exists.
	AcquireScopeLock(ctx context.Context, scope string) (ScopeLock, error)

	// Close releases backend resources.
	Close() error
}

// TierIn reports whether t is in tiers. An empty tiers slice matches the
// default (non-archived) set.
func TierIn(t Tier, tiers []Tier) bool {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	for _, candidate := range tiers {
		if t == candidate {
			return true
		}
	}
	return false
}
