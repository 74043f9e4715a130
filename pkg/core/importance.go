package core

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"github.com/stratamem/stratamem-go/pkg/llm"
)

// importanceEvaluator infers an importance score for undeclared memories.
// With an LLM it asks for a judgment; without one, or when the LLM fails,
// it falls back to content heuristics.
type importanceEvaluator struct {
	llm llm.Provider
}

const importancePrompt = `Rate how important the following statement is to remember long-term for an autonomous agent, from 0.0 (trivial small talk) to 1.0 (critical fact, preference, or commitment).

Return JSON: {"importance_score": 0.0}

Statement: %s`

// Evaluate returns a score in [0, 1].
func (e *importanceEvaluator) Evaluate(ctx context.Context, content string) float64 {
	if e.llm != nil {
		if score, ok := e.evaluateWithLLM(ctx, content); ok {
			return score
		}
	}
	return e.evaluateWithRules(content)
}

func (e *importanceEvaluator) evaluateWithLLM(ctx context.Context, content string) (float64, bool) {
	resp, err := e.llm.Generate(ctx, strings.Replace(importancePrompt, "%s", content, 1),
		llm.WithJSONMode(), llm.WithTemperature(0))
	if err != nil {
		return 0, false
	}
	var parsed struct {
		ImportanceScore float64 `json:"importance_score"`
	}
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp)), &parsed); err != nil {
		return 0, false
	}
	return math.Max(0, math.Min(1, parsed.ImportanceScore)), true
}

// evaluateWithRules scores content by signals that tend to mark durable
// facts: identity statements, preferences, dates, numbers, imperatives.
func (e *importanceEvaluator) evaluateWithRules(content string) float64 {
	lower := strings.ToLower(content)
	score := 0.3

	strongSignals := []string{
		"always", "never", "must", "prefer", "hate", "love",
		"birthday", "deadline", "password", "allerg", "remember",
	}
	for _, signal := range strongSignals {
		if strings.Contains(lower, signal) {
			score += 0.15
		}
	}

	weakSignals := []string{"is", "am", "name", "live", "work", "like"}
	for _, signal := range weakSignals {
		if containsWord(lower, signal) {
			score += 0.05
		}
	}

	if strings.ContainsAny(content, "0123456789") {
		score += 0.1
	}
	if len(strings.Fields(content)) < 3 {
		score -= 0.1
	}

	return math.Max(0.1, math.Min(score, 1.0))
}

func containsWord(text, word string) bool {
	for _, f := range strings.Fields(text) {
		if strings.Trim(f, ".,!?;:") == word {
			return true
		}
	}
	return false
}
