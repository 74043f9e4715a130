package mysql

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

const selectMemoryColumns = `SELECT id, scope, content, content_hash, embedding,
	tier, importance, decay_score, low_score_streak, tags, provenance,
	superseded_by, created_at, updated_at, last_accessed_at, access_count, version`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
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
		m             storage.Memory
		tier          string
		embeddingJSON []byte
		tagsJSON      sql.NullString
		provJSON      sql.NullString
		lastAccessed  sql.NullTime
	)
	err := row.Scan(&m.ID, &m.Scope, &m.Content, &m.ContentHash, &embeddingJSON,
		&tier, &m.Importance, &m.DecayScore, &m.LowScoreStreak, &tagsJSON,
		&provJSON, &m.SupersededBy, &m.CreatedAt, &m.UpdatedAt, &lastAccessed,
		&m.AccessCount, &m.Version)
	if err != nil {
		return nil, err
	}
	m.Tier = storage.Tier(tier)
	if len(embeddingJSON) > 0 {
		if err := json.Unmarshal(embeddingJSON, &m.Embedding); err != nil {
			return nil, fmt.Errorf("scanMemory: embedding: %w", err)
		}
	}
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
	return &m, nil
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

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// lexicalScore blends distinct-token coverage with matched-token density so
// that a document containing every query token verbatim scores 1.0.
func lexicalScore(queryTokens []string, content string) float64 {
	docFields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(docFields) == 0 || len(queryTokens) == 0 {
		return 0
	}
	tf := make(map[string]int, len(docFields))
	for _, f := range docFields {
		tf[f]++
	}

	matched := 0
	matchedTf := 0
	for _, q := range queryTokens {
		if n := tf[q]; n > 0 {
			matched++
			matchedTf += n
		}
	}
	if matched == 0 {
		return 0
	}
	coverage := float64(matched) / float64(len(queryTokens))
	density := float64(matchedTf) / float64(len(docFields))
	if density > 1 {
		density = 1
	}
	return coverage * (0.5 + 0.5*density)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func sortByScore(memories []*storage.Memory) {
	sort.SliceStable(memories, func(i, j int) bool {
		if memories[i].Score != memories[j].Score {
			return memories[i].Score > memories[j].Score
		}
		return memories[i].ID < memories[j].ID
	})
}
