package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/stratamem/stratamem-go/pkg/storage"
)

const selectMemoryColumns = `SELECT id, scope, content, content_hash, embedding, tier,
	importance, decay_score, low_score_streak, tags, provenance, superseded_by,
	created_at, updated_at, last_accessed_at, access_count, version`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func marshalColumns(m *storage.Memory) (embedding, tags, provenance string, err error) {
	embedding, err = marshalEmbedding(m.Embedding)
	if err != nil {
		return "", "", "", err
	}

	tagsBytes, err := json.Marshal(m.Tags)
	if err != nil {
		return "", "", "", err
	}

	provBytes, err := json.Marshal(m.Provenance)
	if err != nil {
		return "", "", "", err
	}

	return embedding, string(tagsBytes), string(provBytes), nil
}

func marshalEmbedding(v []float64) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalEmbedding(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	var v []float64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func scanMemory(scanner rowScanner) (*storage.Memory, error) {
	var (
		m            storage.Memory
		tier         string
		embeddingStr string
		tagsStr      sql.NullString
		provStr      sql.NullString
		lastAccessed sql.NullTime
	)

	err := scanner.Scan(
		&m.ID, &m.Scope, &m.Content, &m.ContentHash, &embeddingStr, &tier,
		&m.Importance, &m.DecayScore, &m.LowScoreStreak, &tagsStr, &provStr,
		&m.SupersededBy, &m.CreatedAt, &m.UpdatedAt, &lastAccessed,
		&m.AccessCount, &m.Version)
	if err != nil {
		return nil, err
	}

	m.Tier = storage.Tier(tier)
	if m.Embedding, err = unmarshalEmbedding(embeddingStr); err != nil {
		return nil, fmt.Errorf("scan embedding: %w", err)
	}
	if tagsStr.Valid && tagsStr.String != "" {
		if err := json.Unmarshal([]byte(tagsStr.String), &m.Tags); err != nil {
			return nil, fmt.Errorf("scan tags: %w", err)
		}
	}
	if provStr.Valid && provStr.String != "" {
		if err := json.Unmarshal([]byte(provStr.String), &m.Provenance); err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		m.LastAccessedAt = &t
	}

	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*storage.Memory, error) {
	var out []*storage.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanEntity(scanner rowScanner) (*storage.Entity, error) {
	var (
		e            storage.Entity
		typ          sql.NullString
		embeddingStr sql.NullString
	)
	err := scanner.Scan(&e.ID, &e.Scope, &e.Name, &typ, &embeddingStr, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = typ.String
	if embeddingStr.Valid {
		if e.Embedding, err = unmarshalEmbedding(embeddingStr.String); err != nil {
			return nil, fmt.Errorf("scan entity embedding: %w", err)
		}
	}
	return &e, nil
}

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

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// lexicalScore mirrors the in-memory backend: coverage of distinct query
// tokens weighted by matched term density, in [0,1].
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

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
