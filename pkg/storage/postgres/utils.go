package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/stratamem/stratamem-go/pkg/storage"
)

const selectMemoryColumns = `SELECT id, scope, content, content_hash, embedding,
	tier, importance, decay_score, low_score_streak, tags, provenance,
	superseded_by, created_at, updated_at, last_accessed_at, access_count, version`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// vectorToString renders an embedding in pgvector literal form: [0.1,0.2,...].
func vectorToString(embedding []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// stringToVector parses a pgvector literal back into a slice.
func stringToVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("stringToVector: %w", err)
		}
		out[i] = v
	}
	return out, nil
}

func marshalColumns(m *storage.Memory) (tagsJSON, provJSON []byte, err error) {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err = json.Marshal(tags)
	if err != nil {
		return nil, nil, err
	}
	prov := m.Provenance
	if prov == nil {
		prov = []storage.Provenance{}
	}
	provJSON, err = json.Marshal(prov)
	if err != nil {
		return nil, nil, err
	}
	return tagsJSON, provJSON, nil
}

func marshalEmbedding(embedding []float64) ([]byte, error) {
	if embedding == nil {
		embedding = []float64{}
	}
	return json.Marshal(embedding)
}

func scanMemory(row rowScanner) (*storage.Memory, error) {
	var (
		m            storage.Memory
		tier         string
		embeddingStr string
		tagsJSON     sql.NullString
		provJSON     sql.NullString
		lastAccessed sql.NullTime
	)
	err := row.Scan(&m.ID, &m.Scope, &m.Content, &m.ContentHash, &embeddingStr,
		&tier, &m.Importance, &m.DecayScore, &m.LowScoreStreak, &tagsJSON,
		&provJSON, &m.SupersededBy, &m.CreatedAt, &m.UpdatedAt, &lastAccessed,
		&m.AccessCount, &m.Version)
	if err != nil {
		return nil, err
	}
	return finishScan(&m, tier, embeddingStr, tagsJSON, provJSON, lastAccessed)
}

// scanScoredMemory handles rows carrying a trailing similarity/rank column.
func scanScoredMemory(row rowScanner) (*storage.Memory, error) {
	var (
		m            storage.Memory
		tier         string
		embeddingStr string
		tagsJSON     sql.NullString
		provJSON     sql.NullString
		lastAccessed sql.NullTime
	)
	err := row.Scan(&m.ID, &m.Scope, &m.Content, &m.ContentHash, &embeddingStr,
		&tier, &m.Importance, &m.DecayScore, &m.LowScoreStreak, &tagsJSON,
		&provJSON, &m.SupersededBy, &m.CreatedAt, &m.UpdatedAt, &lastAccessed,
		&m.AccessCount, &m.Version, &m.Score)
	if err != nil {
		return nil, err
	}
	return finishScan(&m, tier, embeddingStr, tagsJSON, provJSON, lastAccessed)
}

func finishScan(m *storage.Memory, tier, embeddingStr string, tagsJSON, provJSON sql.NullString, lastAccessed sql.NullTime) (*storage.Memory, error) {
	m.Tier = storage.Tier(tier)
	embedding, err := stringToVector(embeddingStr)
	if err != nil {
		return nil, err
	}
	m.Embedding = embedding
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &m.Tags); err != nil {
			return nil, fmt.Errorf("scanMemory: tags: %w", err)
		}
	}
	if provJSON.Valid && provJSON.String != "" {
		if err := json.Unmarshal([]byte(provJSON.String), &m.Provenance); err != nil {
			return nil, fmt.Errorf("scanMemory: provenance: %w", err)
		}
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		m.LastAccessedAt = &t
	}
	return m, nil
}

func scanMemories(rows *sql.Rows) ([]*storage.Memory, error) {
	var out []*storage.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanMemories: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanScoredMemories(rows *sql.Rows) ([]*storage.Memory, error) {
	var out []*storage.Memory
	for rows.Next() {
		m, err := scanScoredMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanScoredMemories: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanEntity(row rowScanner) (*storage.Entity, error) {
	var (
		e             storage.Entity
		entityType    sql.NullString
		embeddingJSON sql.NullString
	)
	err := row.Scan(&e.ID, &e.Scope, &e.Name, &entityType, &embeddingJSON,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if entityType.Valid {
		e.Type = entityType.String
	}
	if embeddingJSON.Valid && embeddingJSON.String != "" {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &e.Embedding); err != nil {
			return nil, fmt.Errorf("scanEntity: embedding: %w", err)
		}
	}
	return &e, nil
}

func sortByScore(memories []*storage.Memory) {
	sort.SliceStable(memories, func(i, j int) bool {
		if memories[i].Score != memories[j].Score {
			return memories[i].Score > memories[j].Score
		}
		return memories[i].ID < memories[j].ID
	})
}
