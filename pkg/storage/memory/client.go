// Package memory provides an in-process MemoryStore implementation.
//
// All records live in maps guarded by a single RWMutex. Vector similarity,
// lexical relevance and graph traversal are computed in Go, which makes the
// backend exact (no approximate indexes) and keeps it suitable for tests,
// examples and small single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stratamem/stratamem-go/pkg/storage"
)

// Client implements storage.MemoryStore with in-process maps.
type Client struct {
	mu sync.RWMutex

	memories      map[int64]*storage.Memory
	entities      map[int64]*storage.Entity
	relationships map[int64]*storage.Relationship

	// dims pins the embedding dimensionality per scope (first write wins).
	dims map[string]int

	lockMu sync.Mutex
	locks  map[string]bool
}

// NewClient creates an empty in-memory store.
func NewClient() *Client {
	return &Client{
		memories:      make(map[int64]*storage.Memory),
		entities:      make(map[int64]*storage.Entity),
		relationships: make(map[int64]*storage.Relationship),
		dims:          make(map[string]int),
		locks:         make(map[string]bool),
	}
}

// Put writes a memory with an optimistic version check.
func (c *Client) Put(ctx context.Context, m *storage.Memory) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(m.Embedding) > 0 {
		if dim, ok := c.dims[m.Scope]; ok {
			if dim != len(m.Embedding) {
				return fmt.Errorf("Put: scope %q expects %d dims, got %d: %w",
					m.Scope, dim, len(m.Embedding), storage.ErrDimensionMismatch)
			}
		} else {
			c.dims[m.Scope] = len(m.Embedding)
		}
	}

	existing, ok := c.memories[m.ID]
	if ok {
		if m.Version != existing.Version {
			return fmt.Errorf("Put: memory %d: %w", m.ID, storage.ErrVersionConflict)
		}
		// Access bookkeeping is owned by Touch; carry the stored values so a
		// tier update racing a Touch never loses the access bump.
		m.AccessCount = existing.AccessCount
		m.LastAccessedAt = existing.LastAccessedAt
	} else if m.Version != 0 {
		return fmt.Errorf("Put: memory %d: %w", m.ID, storage.ErrNotFound)
	}

	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Version++

	c.memories[m.ID] = copyMemory(m)
	return nil
}

// Get retrieves a memory by ID.
func (c *Client) Get(ctx context.Context, id int64) (*storage.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.memories[id]
	if !ok {
		return nil, fmt.Errorf("Get: memory %d: %w", id, storage.ErrNotFound)
	}
	return copyMemory(m), nil
}

// GetByContentHash returns the oldest non-archived memory in scope with the
// given hash.
func (c *Client) GetByContentHash(ctx context.Context, scope, hash string) (*storage.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var oldest *storage.Memory
	for _, m := range c.memories {
		if m.Scope != scope || m.ContentHash != hash || m.Tier == storage.TierArchived {
			continue
		}
		if oldest == nil || m.CreatedAt.Before(oldest.CreatedAt) {
			oldest = m
		}
	}
	if oldest == nil {
		return nil, fmt.Errorf("GetByContentHash: %w", storage.ErrNotFound)
	}
	return copyMemory(oldest), nil
}

// List returns memories matching opts, ordered by CreatedAt then ID.
func (c *Client) List(ctx context.Context, opts *storage.ListOptions) ([]*storage.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &storage.ListOptions{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*storage.Memory
	for _, m := range c.memories {
		if opts.Scope != "" && m.Scope != opts.Scope {
			continue
		}
		if len(opts.Tiers) > 0 && !tierIn(m.Tier, opts.Tiers) {
			continue
		}
		if !opts.CreatedBefore.IsZero() && !m.CreatedAt.Before(opts.CreatedBefore) {
			continue
		}
		out = append(out, copyMemory(m))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return paginate(out, opts.Limit, opts.Offset), nil
}

// VectorSearch scores every candidate in scope by cosine similarity.
func (c *Client) VectorSearch(ctx context.Context, scope string, embedding []float64, opts *storage.VectorSearchOptions) ([]*storage.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &storage.VectorSearchOptions{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*storage.Memory
	for _, m := range c.memories {
		if m.Scope != scope || !storage.TierIn(m.Tier, opts.Tiers) {
			continue
		}
		score := cosineSimilarity(embedding, m.Embedding)
		if score < opts.MinSimilarity {
			continue
		}
		cp := copyMemory(m)
		cp.Score = score
		out = append(out, cp)
	}

	return sortByScore(out, opts.TopK), nil
}

// LexicalSearch scores every candidate in scope by keyword overlap.
func (c *Client) LexicalSearch(ctx context.Context, scope, query string, opts *storage.LexicalSearchOptions) ([]*storage.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &storage.LexicalSearchOptions{}
	}

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*storage.Memory
	for _, m := range c.memories {
		if m.Scope != scope || !storage.TierIn(m.Tier, opts.Tiers) {
			continue
		}
		score := lexicalScore(queryTokens, m.Content)
		if score <= 0 {
			continue
		}
		cp := copyMemory(m)
		cp.Score = score
		out = append(out, cp)
	}

	return sortByScore(out, opts.TopK), nil
}

// GraphTraverse walks active relationships breadth-first from the seed
// entities and collects memories reached within maxHops hops.
func (c *Client) GraphTraverse(ctx context.Context, scope string, entityIDs []int64, maxHops, topK int) ([]*storage.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxHops < 1 {
		maxHops = 1
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	visited := make(map[int64]bool, len(entityIDs))
	frontier := make([]int64, 0, len(entityIDs))
	for _, id := range entityIDs {
		if e, ok := c.entities[id]; ok && e.Scope == scope {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}

	found := make(map[int64]*storage.Memory)
	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []int64
		for _, r := range c.relationships {
			if r.Scope != scope || !r.IsActive {
				continue
			}
			var fromVisited bool
			for _, id := range frontier {
				if r.FromEntityID == id {
					fromVisited = true
					break
				}
			}
			if !fromVisited {
				continue
			}
			if r.MemoryID != 0 {
				if m, ok := c.memories[r.MemoryID]; ok {
					if _, seen := found[m.ID]; !seen {
						cp := copyMemory(m)
						cp.Score = 1.0 / float64(1+hop)
						found[m.ID] = cp
					}
				}
			}
			if r.ToEntityID != 0 && !visited[r.ToEntityID] {
				visited[r.ToEntityID] = true
				next = append(next, r.ToEntityID)
			}
		}
		frontier = next
	}

	out := make([]*storage.Memory, 0, len(found))
	for _, m := range found {
		out = append(out, m)
	}
	return sortByScore(out, topK), nil
}

// Touch records a read without bumping the record version.
func (c *Client) Touch(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.memories[id]
	if !ok {
		return fmt.Errorf("Touch: memory %d: %w", id, storage.ErrNotFound)
	}
	t := at
	m.LastAccessedAt = &t
	m.AccessCount++
	return nil
}

// PutEntity inserts or updates an entity.
func (c *Client) PutEntity(ctx context.Context, e *storage.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	cp := *e
	cp.Embedding = append([]float64(nil), e.Embedding...)
	c.entities[e.ID] = &cp
	return nil
}

// GetEntityByName returns the entity with the given name in scope.
func (c *Client) GetEntityByName(ctx context.Context, scope, name string) (*storage.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.entities {
		if e.Scope == scope && e.Name == name {
			cp := *e
			cp.Embedding = append([]float64(nil), e.Embedding...)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("GetEntityByName: %q: %w", name, storage.ErrNotFound)
}

// ListEntities returns all entities in scope ordered by ID.
func (c *Client) ListEntities(ctx context.Context, scope string) ([]*storage.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*storage.Entity
	for _, e := range c.entities {
		if e.Scope != scope {
			continue
		}
		cp := *e
		cp.Embedding = append([]float64(nil), e.Embedding...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutRelationship inserts or updates a relationship edge.
func (c *Client) PutRelationship(ctx context.Context, r *storage.Relationship) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if r.ValidFrom.IsZero() {
		r.ValidFrom = time.Now()
	}
	cp := *r
	c.relationships[r.ID] = &cp
	return nil
}

// InvalidateRelationship marks an edge inactive, keeping it for audit.
func (c *Client) InvalidateRelationship(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.relationships[id]
	if !ok {
		return fmt.Errorf("InvalidateRelationship: edge %d: %w", id, storage.ErrNotFound)
	}
	t := at
	r.IsActive = false
	r.ValidTo = &t
	return nil
}

// ListScopes returns every owner scope holding at least one memory.
func (c *Client) ListScopes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	for _, m := range c.memories {
		seen[m.Scope] = true
	}
	out := make([]string, 0, len(seen))
	for scope := range seen {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out, nil
}

// AcquireScopeLock try-locks the per-scope mutex.
func (c *Client) AcquireScopeLock(ctx context.Context, scope string) (storage.ScopeLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	if c.locks[scope] {
		return nil, fmt.Errorf("AcquireScopeLock: %q: %w", scope, storage.ErrLockHeld)
	}
	c.locks[scope] = true
	return &scopeLock{client: c, scope: scope}, nil
}

// Close releases resources. The in-memory store has none.
func (c *Client) Close() error {
	return nil
}

type scopeLock struct {
	client   *Client
	scope    string
	released bool
	mu       sync.Mutex
}

func (l *scopeLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return fmt.Errorf("Release: scope lock %q already released", l.scope)
	}
	l.released = true

	l.client.lockMu.Lock()
	defer l.client.lockMu.Unlock()
	delete(l.client.locks, l.scope)
	return nil
}

func tierIn(t storage.Tier, tiers []storage.Tier) bool {
	for _, candidate := range tiers {
		if t == candidate {
			return true
		}
	}
	return false
}

func paginate(in []*storage.Memory, limit, offset int) []*storage.Memory {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
