// Package mysql provides a MySQL implementation of the MemoryStore.
// Embeddings are stored as JSON and similarity is computed in Go after a
// scope-filtered fetch; scope locks map onto MySQL GET_LOCK.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stratamem/stratamem-go/pkg/storage"
)

// Client implements storage.MemoryStore backed by MySQL.
type Client struct {
	db *sql.DB
}

// Config contains MySQL configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// NewClient connects to MySQL and initializes the schema.
func NewClient(cfg *Config) (*Client, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewMySQLClient: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewMySQLClient: %w", err)
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
			id BIGINT PRIMARY KEY,
			scope VARCHAR(255) NOT NULL,
			content TEXT NOT NULL,
			content_hash VARCHAR(64) NOT NULL,
			embedding JSON NOT NULL,
			tier VARCHAR(32) NOT NULL DEFAULT 'working',
			importance DOUBLE NOT NULL DEFAULT 0.5,
			decay_score DOUBLE NOT NULL DEFAULT 0,
			low_score_streak INT NOT NULL DEFAULT 0,
			tags JSON,
			provenance JSON,
			superseded_by BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			last_accessed_at DATETIME(6),
			access_count BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 1,
			INDEX idx_memories_scope_tier (scope, tier),
			INDEX idx_memories_scope_hash (scope, content_hash)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS entities (
			id BIGINT PRIMARY KEY,
			scope VARCHAR(255) NOT NULL,
			name VARCHAR(512) NOT NULL,
			type VARCHAR(64),
			embedding JSON,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			UNIQUE KEY uk_entities_scope_name (scope, name(191))
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS relationships (
			id BIGINT PRIMARY KEY,
			scope VARCHAR(255) NOT NULL,
			from_entity_id BIGINT NOT NULL,
			to_entity_id BIGINT NOT NULL DEFAULT 0,
			memory_id BIGINT NOT NULL DEFAULT 0,
			type VARCHAR(64),
			weight DOUBLE NOT NULL DEFAULT 1.0,
			valid_from DATETIME(6) NOT NULL,
			valid_to DATETIME(6),
			is_active TINYINT(1) NOT NULL DEFAULT 1,
			INDEX idx_relationships_scope_from (scope, from_entity_id, is_active)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
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
	tagsJSON, provJSON, err := marshalColumns(m)
	if err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	embeddingJSON, err := marshalEmbedding(m.Embedding)
	if err != nil {
		return fmt.Errorf("Put: %w", err)
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

// VectorSearch fetches candidates by scope and tier, then ranks by cosine
// similarity in Go. MySQL has no native vector type, so scoring happens
// client-side.
func (c *Client) VectorSearch(ctx context.Context, scope string, embedding []float64, opts *storage.VectorSearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.VectorSearchOptions{}
	}
	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = storage.DefaultTiers
	}

	placeholders := make([]string, len(tiers))
	args := []interface{}{scope}
	for i, t := range tiers {
		placeholders[i] = "?"
		args = append(args, string(t))
	}

	rows, err := c.db.QueryContext(ctx, selectMemoryColumns+`
		FROM memories WHERE scope = ? AND tier IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("VectorSearch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := scanMemories(rows)
	if err != nil {
		return nil, fmt.Errorf("VectorSearch: %w", err)
	}

	var results []*storage.Memory
	for _, m := range candidates {
		sim := cosineSimilarity(embedding, m.Embedding)
		if sim < opts.MinSimilarity {
			continue
		}
		m.Score = sim
		results = append(results, m)
	}
	sortByScore(results)
	if opts.TopK > 0 && opts.TopK < len(results) {
		results = results[:opts.TopK]
	}
	return results, nil
}

// LexicalSearch prefilters with LIKE per query token, then scores by token
// coverage and density in Go.
func (c *Client) LexicalSearch(ctx context.Context, scope, query string, opts *storage.LexicalSearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.LexicalSearchOptions{}
	}
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = storage.DefaultTiers
	}

	tierPlaceholders := make([]string, len(tiers))
	args := []interface{}{scope}
	for i, t := range tiers {
		tierPlaceholders[i] = "?"
		args = append(args, string(t))
	}
	likeClauses := make([]string, len(tokens))
	for i, tok := range tokens {
		likeClauses[i] = "LOWER(content) LIKE ?"
		args = append(args, "%"+escapeLike(tok)+"%")
	}

	rows, err := c.db.QueryContext(ctx, selectMemoryColumns+`
		FROM memories
		WHERE scope = ? AND tier IN (`+strings.Join(tierPlaceholders, ", ")+`)
		  AND (`+strings.Join(likeClauses, " OR ")+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("LexicalSearch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := scanMemories(rows)
	if err != nil {
		return nil, fmt.Errorf("LexicalSearch: %w", err)
	}

	var results []*storage.Memory
	for _, m := range candidates {
		score := lexicalScore(tokens, m.Content)
		if score <= 0 {
			continue
		}
		m.Score = score
		results = append(results, m)
	}
	sortByScore(results)
	if opts.TopK > 0 && opts.TopK < len(results) {
		results = results[:opts.TopK]
	}
	return results, nil
}

// GraphTraverse runs an iterative breadth-first walk over relationships.
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
			continue
		}
		m.Score = score
		memories = append(memories, m)
	}
	sortByScore(memories)
	if topK > 0 && topK < len(memories) {
		memories = memories[:topK]
	}
	return memories, nil
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
		ON DUPLICATE KEY UPDATE
			name = VALUES(name), type = VALUES(type),
			embedding = VALUES(embedding), updated_at = VALUES(updated_at)`,
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
		ON DUPLICATE KEY UPDATE
			type = VALUES(type), weight = VALUES(weight),
			valid_to = VALUES(valid_to), is_active = VALUES(is_active)`,
		r.ID, r.Scope, r.FromEntityID, r.ToEntityID, r.MemoryID, r.Type, r.Weight,
		r.ValidFrom, r.ValidTo, r.IsActive)
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

// AcquireScopeLock takes a named lock via GET_LOCK with zero wait. A
// dedicated connection pins the session holding the lock.
func (c *Client) AcquireScopeLock(ctx context.Context, scope string) (storage.ScopeLock, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("AcquireScopeLock: %w", err)
	}

	name := "stratamem:scope:" + scope
	var acquired sql.NullInt64
	row := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, name)
	if err := row.Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("AcquireScopeLock: %w", err)
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		_ = conn.Close()
		return nil, fmt.Errorf("AcquireScopeLock: %q: %w", scope, storage.ErrLockHeld)
	}
	return &scopeLock{conn: conn, name: name, scope: scope}, nil
}

// Close closes the database connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

type scopeLock struct {
	conn     *sql.Conn
	name     string
	scope    string
	released bool
}

func (l *scopeLock) Release() error {
	if l.released {
		return fmt.Errorf("Release: scope lock %q already released", l.scope)
	}
	l.released = true
	_, err := l.conn.ExecContext(context.Background(), `SELECT RELEASE_LOCK(?)`, l.name)
	closeErr := l.conn.Close()
	if err != nil {
		return fmt.Errorf("Release: %w", err)
	}
	return closeErr
}
