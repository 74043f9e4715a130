// Package sqlite provides a SQLite implementation of the MemoryStore.
//
// SQLite is file-based and has no native vector operations, so embeddings are
// stored as JSON strings and cosine similarity is computed in Go after a
// scope/tier prefilter. Lexical relevance is likewise computed in Go over
// LIKE-prefiltered rows. Scope locks use a dedicated lock table whose primary
// key enforces single ownership.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stratamem/stratamem-go/pkg/storage"
)

// Client implements storage.MemoryStore backed by SQLite.
type Client struct {
	db *sql.DB
}

// Config contains configuration for the SQLite backend.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string
}

// NewClient opens (creating if necessary) the database at cfg.DBPath and
// initializes the schema.
func NewClient(cfg *Config) (*Client, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	client := &Client{db: db}
	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) initTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY,
			scope TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			embedding TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT 'working',
			importance REAL NOT NULL DEFAULT 0.5,
			decay_score REAL NOT NULL DEFAULT 0,
			low_score_streak INTEGER NOT NULL DEFAULT 0,
			tags TEXT,
			provenance TEXT,
			superseded_by INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			last_accessed_at DATETIME,
			access_count INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_scope_tier ON memories(scope, tier)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_scope_hash ON memories(scope, content_hash)`,
		`CREATE TABLE IF NOT EXISTS entities (
			id INTEGER PRIMARY KEY,
			scope TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT,
			embedding TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_scope_name ON entities(scope, name)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			id INTEGER PRIMARY KEY,
			scope TEXT NOT NULL,
			from_entity_id INTEGER NOT NULL,
			to_entity_id INTEGER NOT NULL DEFAULT 0,
			memory_id INTEGER NOT NULL DEFAULT 0,
			type TEXT,
			weight REAL NOT NULL DEFAULT 1.0,
			valid_from DATETIME NOT NULL,
			valid_to DATETIME,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_scope_from ON relationships(scope, from_entity_id, is_active)`,
		`CREATE TABLE IF NOT EXISTS scope_locks (
			scope TEXT PRIMARY KEY,
			acquired_at DATETIME NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

// Put writes a memory with an optimistic version check.
func (c *Client) Put(ctx context.Context, m *storage.Memory) error {
	embeddingJSON, tagsJSON, provJSON, err := marshalColumns(m)
	if err != nil {
		return fmt.Errorf("Put: %w", err)
	}

	if len(m.Embedding) > 0 {
		if err := c.checkDimensions(ctx, m.Scope, len(m.Embedding), m.ID); err != nil {
			return err
		}
	}

	now := time.Now()
	if m.Version == 0 {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO memories
			(id, scope, content, content_hash, embedding, tier, importance, decay_score,
			 low_score_streak, tags, provenance, superseded_by, created_at, updated_at,
			 access_count, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			m.ID, m.Scope, m.Content, m.ContentHash, embeddingJSON, string(m.Tier),
			m.Importance, m.DecayScore, m.LowScoreStreak, tagsJSON, provJSON,
			m.SupersededBy, m.CreatedAt, now, m.AccessCount)
		if err != nil {
			return fmt.Errorf("Put: %w", err)
		}
		m.UpdatedAt = now
		m.Version = 1
		return nil
	}

	// Access bookkeeping columns are owned by Touch and deliberately left out
	// of this UPDATE so the two writers touch disjoint fields.
	res, err := c.db.ExecContext(ctx, `
		UPDATE memories
		SET content = ?, content_hash = ?, embedding = ?, tier = ?, importance = ?,
		    decay_score = ?, low_score_streak = ?, tags = ?, provenance = ?,
		    superseded_by = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		m.Content, m.ContentHash, embeddingJSON, string(m.Tier), m.Importance,
		m.DecayScore, m.LowScoreStreak, tagsJSON, provJSON, m.SupersededBy,
		now, m.ID, m.Version)
	if err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	if affected == 0 {
		var exists int
		row := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memories WHERE id = ?`, m.ID)
		if scanErr := row.Scan(&exists); scanErr == nil && exists == 0 {
			return fmt.Errorf("Put: memory %d: %w", m.ID, storage.ErrNotFound)
		}
		return fmt.Errorf("Put: memory %d: %w", m.ID, storage.ErrVersionConflict)
	}
	m.UpdatedAt = now
	m.Version++
	return nil
}

func (c *Client) checkDimensions(ctx context.Context, scope string, dims int, selfID int64) error {
	var existing string
	row := c.db.QueryRowContext(ctx,
		`SELECT embedding FROM memories WHERE scope = ? AND id != ? LIMIT 1`, scope, selfID)
	if err := row.Scan(&existing); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("Put: %w", err)
	}
	stored, err := unmarshalEmbedding(existing)
	if err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	if len(stored) > 0 && len(stored) != dims {
		return fmt.Errorf("Put: scope %q expects %d dims, got %d: %w",
			scope, len(stored), dims, storage.ErrDimensionMismatch)
	}
	return nil
}

// Get retrieves a memory by ID.
func (c *Client) Get(ctx context.Context, id int64) (*storage.Memory, error) {
	row := c.db.QueryRowContext(ctx, selectMemoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("Get: memory %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return m, nil
}

// GetByContentHash returns the oldest non-archived memory in scope with the
// given hash.
func (c *Client) GetByContentHash(ctx context.Context, scope, hash string) (*storage.Memory, error) {
	row := c.db.QueryRowContext(ctx, selectMemoryColumns+`
		FROM memories
		WHERE scope = ? AND content_hash = ? AND tier != ?
		ORDER BY created_at ASC, id ASC LIMIT 1`,
		scope, hash, string(storage.TierArchived))
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("GetByContentHash: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetByContentHash: %w", err)
	}
	return m, nil
}

// List returns memories matching opts ordered by CreatedAt then ID.
func (c *Client) List(ctx context.Context, opts *storage.ListOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.ListOptions{}
	}

	var conditions []string
	var args []interface{}
	if opts.Scope != "" {
		conditions = append(conditions, "scope = ?")
		args = append(args, opts.Scope)
	}
	if len(opts.Tiers) > 0 {
		placeholders := make([]string, len(opts.Tiers))
		for i, t := range opts.Tiers {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conditions = append(conditions, "tier IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !opts.CreatedBefore.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, opts.CreatedBefore)
	}

	query := selectMemoryColumns + " FROM memories"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// VectorSearch loads scope/tier candidates and ranks them by cosine
// similarity computed in Go.
func (c *Client) VectorSearch(ctx context.Context, scope string, embedding []float64, opts *storage.VectorSearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.VectorSearchOptions{}
	}

	rows, err := c.queryScopeTier(ctx, scope, opts.Tiers)
	if err != nil {
		return nil, fmt.Errorf("VectorSearch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*storage.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("VectorSearch: %w", err)
		}
		m.Score = cosineSimilarity(embedding, m.Embedding)
		if m.Score >= opts.MinSimilarity {
			memories = append(memories, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("VectorSearch: %w", err)
	}

	return sortByScore(memories, opts.TopK), nil
}

// LexicalSearch prefilters by token LIKE patterns, then scores in Go.
func (c *Client) LexicalSearch(ctx context.Context, scope, query string, opts *storage.LexicalSearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.LexicalSearchOptions{}
	}

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = storage.DefaultTiers
	}

	var conditions []string
	args := []interface{}{scope}
	placeholders := make([]string, len(tiers))
	for i, t := range tiers {
		placeholders[i] = "?"
		args = append(args, string(t))
	}
	conditions = append(conditions, "scope = ?", "tier IN ("+strings.Join(placeholders, ", ")+")")

	likes := make([]string, 0, len(queryTokens))
	for _, token := range queryTokens {
		likes = append(likes, "content LIKE ?")
		args = append(args, "%"+escapeLike(token)+"%")
	}
	conditions = append(conditions, "("+strings.Join(likes, " OR ")+")")

	sqlQuery := selectMemoryColumns + " FROM memories WHERE " + strings.Join(conditions, " AND ")
	rows, err := c.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("LexicalSearch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*storage.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("LexicalSearch: %w", err)
		}
		if m.Score = lexicalScore(queryTokens, m.Content); m.Score > 0 {
			memories = append(memories, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LexicalSearch: %w", err)
	}

	return sortByScore(memories, opts.TopK), nil
}

func (c *Client) queryScopeTier(ctx context.Context, scope string, tiers []storage.Tier) (*sql.Rows, error) {
	if len(tiers) == 0 {
		tiers = storage.DefaultTiers
	}
	placeholders := make([]string, len(tiers))
	args := []interface{}{scope}
	for i, t := range tiers {
		placeholders[i] = "?"
		args = append(args, string(t))
	}
	query := selectMemoryColumns +
		" FROM memories WHERE scope = ? AND tier IN (" + strings.Join(placeholders, ", ") + ")"
	return c.db.QueryContext(ctx, query, args...)
}

// GraphTraverse runs an iterative breadth-first walk, one relationship query
// per hop over the current frontier.
func (c *Client) GraphTraverse(ctx context.Context, scope string, entityIDs []int64, maxHops, topK int) ([]*storage.Memory, error) {
	if maxHops < 1 {
		maxHops = 1
	}
	if len(entityIDs) == 0 {
		return nil, nil
	}

	visited := make(map[int64]bool, len(entityIDs))
	frontier := append([]int64(nil), entityIDs...)
	for _, id := range entityIDs {
		visited[id] = true
	}

	scores := make(map[int64]float64)
	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		placeholders := make([]string, len(frontier))
		args := []interface{}{scope}
		for i, id := range frontier {
			placeholders[i] = "?"
			args = append(args, id)
		}

		rows, err := c.db.QueryContext(ctx, `
			SELECT to_entity_id, memory_id FROM relationships
			WHERE scope = ? AND is_active = 1
			  AND from_entity_id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("GraphTraverse: %w", err)
		}

		var next []int64
		for rows.Next() {
			var toEntity, memoryID int64
			if err := rows.Scan(&toEntity, &memoryID); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("GraphTraverse: %w", err)
			}
			if memoryID != 0 {
				if _, seen := scores[memoryID]; !seen {
					scores[memoryID] = 1.0 / float64(1+hop)
				}
			}
			if toEntity != 0 && !visited[toEntity] {
				visited[toEntity] = true
				next = append(next, toEntity)
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("GraphTraverse: %w", err)
		}
		_ = rows.Close()
		frontier = next
	}

	var memories []*storage.Memory
	for memoryID, score := range scores {
		m, err := c.Get(ctx, memoryID)
		if err != nil {
			continue // edge to a record that no longer resolves
		}
		m.Score = score
		memories = append(memories, m)
	}
	return sortByScore(memories, topK), nil
}

// Touch records a read without bumping the record version.
func (c *Client) Touch(ctx context.Context, id int64, at time.Time) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE memories SET last_accessed_at = ?, access_count = access_count + 1
		WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("Touch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Touch: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("Touch: memory %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// PutEntity inserts or updates an entity.
func (c *Client) PutEntity(ctx context.Context, e *storage.Entity) error {
	embeddingJSON, err := marshalEmbedding(e.Embedding)
	if err != nil {
		return fmt.Errorf("PutEntity: %w", err)
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO entities (id, scope, name, type, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, type = excluded.type,
			embedding = excluded.embedding, updated_at = excluded.updated_at`,
		e.ID, e.Scope, e.Name, e.Type, embeddingJSON, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("PutEntity: %w", err)
	}
	return nil
}

// GetEntityByName returns the entity with the given name in scope.
func (c *Client) GetEntityByName(ctx context.Context, scope, name string) (*storage.Entity, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, scope, name, type, embedding, created_at, updated_at
		FROM entities WHERE scope = ? AND name = ?`, scope, name)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("GetEntityByName: %q: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetEntityByName: %w", err)
	}
	return e, nil
}

// ListEntities returns all entities in scope ordered by ID.
func (c *Client) ListEntities(ctx context.Context, scope string) ([]*storage.Entity, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, scope, name, type, embedding, created_at, updated_at
		FROM entities WHERE scope = ? ORDER BY id ASC`, scope)
	if err != nil {
		return nil, fmt.Errorf("ListEntities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("ListEntities: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutRelationship inserts or updates a relationship edge.
func (c *Client) PutRelationship(ctx context.Context, r *storage.Relationship) error {
	if r.ValidFrom.IsZero() {
		r.ValidFrom = time.Now()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO relationships
		(id, scope, from_entity_id, to_entity_id, memory_id, type, weight, valid_from, valid_to, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type, weight = excluded.weight,
			valid_to = excluded.valid_to, is_active = excluded.is_active`,
		r.ID, r.Scope, r.FromEntityID, r.ToEntityID, r.MemoryID, r.Type, r.Weight,
		r.ValidFrom, r.ValidTo, boolToInt(r.IsActive))
	if err != nil {
		return fmt.Errorf("PutRelationship: %w", err)
	}
	return nil
}

// InvalidateRelationship marks an edge inactive, keeping it for audit.
func (c *Client) InvalidateRelationship(ctx context.Context, id int64, at time.Time) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE relationships SET is_active = 0, valid_to = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("InvalidateRelationship: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("InvalidateRelationship: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("InvalidateRelationship: edge %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListScopes returns every owner scope holding at least one memory.
func (c *Client) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT scope FROM memories ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("ListScopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("ListScopes: %w", err)
		}
		out = append(out, scope)
	}
	return out, rows.Err()
}

// AcquireScopeLock claims the lock row for scope. The primary key makes a
// second claim fail while the first holder exists.
func (c *Client) AcquireScopeLock(ctx context.Context, scope string) (storage.ScopeLock, error) {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO scope_locks (scope, acquired_at) VALUES (?, ?)`, scope, time.Now())
	if err != nil {
		return nil, fmt.Errorf("AcquireScopeLock: %q: %w", scope, storage.ErrLockHeld)
	}
	return &scopeLock{db: c.db, scope: scope}, nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	return c.db.Close()
}

type scopeLock struct {
	db       *sql.DB
	scope    string
	released bool
}

func (l *scopeLock) Release() error {
	if l.released {
		return fmt.Errorf("Release: scope lock %q already released", l.scope)
	}
	l.released = true
	if _, err := l.db.Exec(`DELETE FROM scope_locks WHERE scope = ?`, l.scope); err != nil {
		return fmt.Errorf("Release: %w", err)
	}
	return nil
}
