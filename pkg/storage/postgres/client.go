// Package postgres provides a PostgreSQL + pgvector implementation of the
// MemoryStore. Vector similarity uses the pgvector <=> operator, lexical
// relevance uses full-text search (ts_rank), and scope locks use session
// advisory locks.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/stratamem/stratamem-go/pkg/storage"
)

// Client implements storage.MemoryStore backed by PostgreSQL.
type Client struct {
	db   *sql.DB
	dims int
}

// Config contains PostgreSQL configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	EmbeddingModelDims int
	SSLMode            string
}

// NewClient connects to PostgreSQL, enables pgvector and initializes the
// schema.
func NewClient(cfg *Config) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	client := &Client{db: db, dims: cfg.EmbeddingModelDims}
	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) initTables(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("initTables: create extension: %w", err)
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id BIGINT PRIMARY KEY,
			scope VARCHAR(255) NOT NULL,
			content TEXT NOT NULL,
			content_hash VARCHAR(64) NOT NULL,
			embedding vector(%d) NOT NULL,
			tier VARCHAR(32) NOT NULL DEFAULT 'working',
			importance FLOAT NOT NULL DEFAULT 0.5,
			decay_score FLOAT NOT NULL DEFAULT 0,
			low_score_streak INT NOT NULL DEFAULT 0,
			tags JSONB,
			provenance JSONB,
			superseded_by BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_accessed_at TIMESTAMP,
			access_count BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 1
		)`, c.dims),
		`CREATE INDEX IF NOT EXISTS idx_memories_scope_tier ON memories(scope, tier)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_scope_hash ON memories(scope, content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_content_fts ON memories
			USING GIN (to_tsvector('english', content))`,
		`CREATE TABLE IF NOT EXISTS entities (
			id BIGINT PRIMARY KEY,
			scope VARCHAR(255) NOT NULL,
			name VARCHAR(512) NOT NULL,
			type VARCHAR(64),
			embedding JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(scope, name)
		)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			id BIGINT PRIMARY KEY,
			scope VARCHAR(255) NOT NULL,
			from_entity_id BIGINT NOT NULL,
			to_entity_id BIGINT NOT NULL DEFAULT 0,
			memory_id BIGINT NOT NULL DEFAULT 0,
			type VARCHAR(64),
			weight FLOAT NOT NULL DEFAULT 1.0,
			valid_from TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			valid_to TIMESTAMP,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_scope_from
			ON relationships(scope, from_entity_id, is_active)`,
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
	vectorStr := vectorToString(m.Embedding)

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
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)`,
			m.ID, m.Scope, m.Content, m.ContentHash, vectorStr, string(m.Tier),
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
		SET content = $1, content_hash = $2, embedding = $3, tier = $4, importance = $5,
		    decay_score = $6, low_score_streak = $7, tags = $8, provenance = $9,
		    superseded_by = $10, updated_at = $11, version = version + 1
		WHERE id = $12 AND version = $13`,
		m.Content, m.ContentHash, vectorStr, string(m.Tier), m.Importance,
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
		row := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memories WHERE id = $1`, m.ID)
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
	row := c.db.QueryRowContext(ctx, selectMemoryColumns+` FROM memories WHERE id = $1`, id)
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
		WHERE scope = $1 AND content_hash = $2 AND tier != $3
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
		args = append(args, opts.Scope)
		conditions = append(conditions, fmt.Sprintf("scope = $%d", len(args)))
	}
	if len(opts.Tiers) > 0 {
		placeholders := make([]string, len(opts.Tiers))
		for i, t := range opts.Tiers {
			args = append(args, string(t))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, "tier IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !opts.CreatedBefore.IsZero() {
		args = append(args, opts.CreatedBefore)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}

	query := selectMemoryColumns + " FROM memories"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// VectorSearch ranks by pgvector cosine similarity in SQL.
func (c *Client) VectorSearch(ctx context.Context, scope string, embedding []float64, opts *storage.VectorSearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.VectorSearchOptions{}
	}
	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = storage.DefaultTiers
	}

	args := []interface{}{vectorToString(embedding), scope, opts.MinSimilarity}
	placeholders := make([]string, len(tiers))
	for i, t := range tiers {
		args = append(args, string(t))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	query := selectMemoryColumns + `,
		1 - (embedding <=> $1) AS similarity
		FROM memories
		WHERE scope = $2 AND 1 - (embedding <=> $1) >= $3
		  AND tier IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY embedding <=> $1, id ASC`
	if opts.TopK > 0 {
		args = append(args, opts.TopK)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("VectorSearch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanScoredMemories(rows)
}

// LexicalSearch ranks by full-text relevance (ts_rank).
func (c *Client) LexicalSearch(ctx context.Context, scope, query string, opts *storage.LexicalSearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.LexicalSearchOptions{}
	}
	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = storage.DefaultTiers
	}

	args := []interface{}{query, scope}
	placeholders := make([]string, len(tiers))
	for i, t := range tiers {
		args = append(args, string(t))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	sqlQuery := selectMemoryColumns + `,
		ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS rank
		FROM memories
		WHERE scope = $2
		  AND tier IN (` + strings.Join(placeholders, ", ") + `)
		  AND to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC, id ASC`
	if opts.TopK > 0 {
		args = append(args, opts.TopK)
		sqlQuery += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := c.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("LexicalSearch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanScoredMemories(rows)
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
		args := []interface{}{scope}
		placeholders := make([]string, len(frontier))
		for i, id := range frontier {
			args = append(args, id)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}

		rows, err := c.db.QueryContext(ctx, `
			SELECT to_entity_id, memory_id FROM relationships
			WHERE scope = $1 AND is_active
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
		UPDATE memories SET last_accessed_at = $1, access_count = access_count + 1
		WHERE id = $2`, at, id)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type,
			embedding = EXCLUDED.embedding, updated_at = EXCLUDED.updated_at`,
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
		FROM entities WHERE scope = $1 AND name = $2`, scope, name)
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
		FROM entities WHERE scope = $1 ORDER BY id ASC`, scope)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type, weight = EXCLUDED.weight,
			valid_to = EXCLUDED.valid_to, is_active = EXCLUDED.is_active`,
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
		UPDATE relationships SET is_active = FALSE, valid_to = $1 WHERE id = $2`, at, id)
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

// AcquireScopeLock takes a session advisory lock keyed by the scope hash.
// The lock is tried, never waited on; a dedicated connection pins the session
// for the lifetime of the lock.
func (c *Client) AcquireScopeLock(ctx context.Context, scope string) (storage.ScopeLock, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("AcquireScopeLock: %w", err)
	}

	key := scopeLockKey(scope)
	var acquired bool
	row := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key)
	if err := row.Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("AcquireScopeLock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, fmt.Errorf("AcquireScopeLock: %q: %w", scope, storage.ErrLockHeld)
	}
	return &scopeLock{conn: conn, key: key, scope: scope}, nil
}

// Close closes the database connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

type scopeLock struct {
	conn     *sql.Conn
	key      int64
	scope    string
	released bool
}

func (l *scopeLock) Release() error {
	if l.released {
		return fmt.Errorf("Release: scope lock %q already released", l.scope)
	}
	l.released = true
	_, err := l.conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, l.key)
	closeErr := l.conn.Close()
	if err != nil {
		return fmt.Errorf("Release: %w", err)
	}
	return closeErr
}

func scopeLockKey(scope string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("stratamem:scope:" + scope))
	return int64(h.Sum64())
}
