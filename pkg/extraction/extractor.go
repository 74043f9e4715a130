// Package extraction turns free text into entities and relations for the
// memory graph. The LLM extractor is used when a provider is configured;
// the keyword extractor is the offline fallback.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/stratamem/stratamem-go/pkg/llm"
)

// Entity is a named thing mentioned in text.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Relation links two entities by name.
type Relation struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// Result holds everything extracted from one text.
type Result struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Extractor extracts entities and relations from text.
type Extractor interface {
	Extract(ctx context.Context, text string) (*Result, error)
}

const extractPrompt = `Extract the entities and relations mentioned in the text below.

Rules:
- Entities are people, organizations, places, products, or concepts.
- Entity types: person, organization, place, product, concept.
- A relation links two extracted entities; use a short verb phrase as its type.
- Return only entities actually present in the text.

Respond with a JSON object:
{"entities": [{"name": "...", "type": "..."}], "relations": [{"from": "...", "to": "...", "type": "..."}]}

Text:
%s`

// LLMExtractor extracts via a language model in JSON mode.
type LLMExtractor struct {
	provider llm.Provider
}

// NewLLMExtractor creates an extractor backed by the given provider.
func NewLLMExtractor(provider llm.Provider) *LLMExtractor {
	return &LLMExtractor{provider: provider}
}

// Extract asks the model for entities and relations. A malformed response is
// an error; callers fall back to keyword extraction.
func (e *LLMExtractor) Extract(ctx context.Context, text string) (*Result, error) {
	resp, err := e.provider.Generate(ctx, fmt.Sprintf(extractPrompt, text),
		llm.WithJSONMode(), llm.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("Extract: %w", err)
	}

	var result Result
	if err := json.Unmarshal([]byte(cleanJSONResponse(resp)), &result); err != nil {
		return nil, fmt.Errorf("Extract: parse response: %w", err)
	}
	for i := range result.Entities {
		result.Entities[i].Name = strings.TrimSpace(result.Entities[i].Name)
	}
	return &result, nil
}

// cleanJSONResponse strips markdown code fences that some models wrap around
// JSON output.
func cleanJSONResponse(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	return s
}

// KeywordExtractor is an offline extractor that treats capitalized words and
// multi-word capitalized runs as entities. It emits no relations.
type KeywordExtractor struct{}

// NewKeywordExtractor creates the offline fallback extractor.
func NewKeywordExtractor() *KeywordExtractor {
	return &KeywordExtractor{}
}

// Extract pulls capitalized token runs, skipping sentence-initial words that
// are otherwise lowercase elsewhere in the text.
func (e *KeywordExtractor) Extract(_ context.Context, text string) (*Result, error) {
	words := strings.Fields(text)
	lowerSeen := make(map[string]bool, len(words))
	for _, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if trimmed != "" && unicode.IsLower([]rune(trimmed)[0]) {
			lowerSeen[strings.ToLower(trimmed)] = true
		}
	}

	var result Result
	seen := make(map[string]bool)
	var run []string
	flush := func() {
		if len(run) == 0 {
			return
		}
		name := strings.Join(run, " ")
		run = nil
		// Single words also seen lowercase are likely sentence starts.
		if !strings.Contains(name, " ") && lowerSeen[strings.ToLower(name)] {
			return
		}
		key := strings.ToLower(name)
		if seen[key] {
			return
		}
		seen[key] = true
		result.Entities = append(result.Entities, Entity{Name: name, Type: "concept"})
	}

	for _, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if trimmed == "" {
			flush()
			continue
		}
		if unicode.IsUpper([]rune(trimmed)[0]) {
			run = append(run, trimmed)
		} else {
			flush()
		}
	}
	flush()
	return &result, nil
}
