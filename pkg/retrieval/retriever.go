// Package retrieval implements hybrid memory search: vector, lexical, and
// graph stages run concurrently, their candidates are fused, and the result
// list is deterministic for a given store state.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stratamem/stratamem-go/pkg/embedder"
	"github.com/stratamem/stratamem-go/pkg/extraction"
	"github.com/stratamem/stratamem-go/pkg/storage"
	"go.uber.org/zap"
)

// ErrRetrievalUnavailable is returned when every retrieval stage failed, so
// no signal at all is available for the query.
var ErrRetrievalUnavailable = errors.New("all retrieval stages unavailable")

// Stage names used in explanations.
const (
	StageVector  = "vector"
	StageLexical = "lexical"
	StageGraph   = "graph"
)

// Stage statuses used in explanations.
const (
	StatusOK      = "ok"
	StatusTimeout = "timeout"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Default retrieval policy values.
const (
	DefaultTopK          = 10
	DefaultStageTopK     = 20
	DefaultStageTimeout  = 2 * time.Second
	DefaultMinSimilarity = 0.3
	DefaultMaxHops       = 2
	maxHopsCap           = 3
	rerankLimit          = 50
)

// Default fusion weights.
const (
	DefaultVectorWeight  = 0.5
	DefaultLexicalWeight = 0.3
	DefaultGraphWeight   = 0.2
)

// Config controls the retriever.
type Config struct {
	// TopK is the default result count when a query does not override it.
	TopK int

	// StageTopK bounds candidates fetched per stage.
	StageTopK int

	// StageTimeout bounds each stage independently.
	StageTimeout time.Duration

	// MinSimilarity is the vector stage's similarity floor.
	MinSimilarity float64

	// MaxHops bounds graph traversal depth. Hard-capped at 3.
	MaxHops int

	// VectorWeight, LexicalWeight, GraphWeight are the linear fusion
	// weights.
	VectorWeight  float64
	LexicalWeight float64
	GraphWeight   float64

	// UseRRF switches fusion to reciprocal-rank, for stores whose stage
	// scores are not comparable on an absolute scale.
	UseRRF bool

	// Rerank enables the bounded cross-signal rerank pass.
	Rerank bool
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.StageTopK <= 0 {
		c.StageTopK = DefaultStageTopK
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultStageTimeout
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = DefaultMinSimilarity
	}
	if c.MaxHops <= 0 {
		c.MaxHops = DefaultMaxHops
	}
	if c.MaxHops > maxHopsCap {
		c.MaxHops = maxHopsCap
	}
	if c.VectorWeight <= 0 && c.LexicalWeight <= 0 && c.GraphWeight <= 0 {
		c.VectorWeight = DefaultVectorWeight
		c.LexicalWeight = DefaultLexicalWeight
		c.GraphWeight = DefaultGraphWeight
	}
}

// Query is one retrieval request.
type Query struct {
	Scope string
	Text  string

	// TopK overrides the configured default when positive.
	TopK int

	// Tiers filters results. Empty means all non-archived tiers.
	Tiers []storage.Tier

	// Tags, when set, keeps only memories carrying at least one of them.
	Tags []string

	// CreatedAfter and CreatedBefore bound the result time range.
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// StageReport describes one stage's contribution to a search.
type StageReport struct {
	Stage      string  `json:"stage"`
	Status     string  `json:"status"`
	Candidates int     `json:"candidates"`
	Elapsed    float64 `json:"elapsed_ms"`
}

// Explanation describes how a result list was produced.
type Explanation struct {
	Stages []StageReport `json:"stages"`
	Fusion string        `json:"fusion"`
}

// Result is one ranked memory with its per-stage contributions.
type Result struct {
	Memory       *storage.Memory `json:"memory"`
	Score        float64         `json:"score"`
	VectorScore  float64         `json:"vector_score"`
	LexicalScore float64         `json:"lexical_score"`
	GraphScore   float64         `json:"graph_score"`
}

// Retriever runs hybrid search over a MemoryStore.
type Retriever struct {
	store     storage.MemoryStore
	embedder  embedder.Provider
	extractor extraction.Extractor
	config    Config
	logger    *zap.Logger

	now func() time.Time
}

// NewRetriever creates a retriever. The extractor may be nil, in which case
// the graph stage reports skipped.
func NewRetriever(store storage.MemoryStore, emb embedder.Provider, ext extraction.Extractor, cfg Config, logger *zap.Logger) *Retriever {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		store:     store,
		embedder:  emb,
		extractor: ext,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

type stageOutcome struct {
	report     StageReport
	candidates []*storage.Memory
}

// Search runs the three stages concurrently, joins and filters their
// candidates, fuses scores, and returns the ranked list with an explanation.
// A stage failing degrades the result; all stages failing surfaces
// ErrRetrievalUnavailable.
func (r *Retriever) Search(ctx context.Context, q *Query) ([]*Result, *Explanation, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = r.config.TopK
	}

	outcomes := make([]stageOutcome, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		outcomes[0] = r.runStage(ctx, StageVector, func(sctx context.Context) ([]*storage.Memory, error) {
			return r.vectorStage(sctx, q)
		})
	}()
	go func() {
		defer wg.Done()
		outcomes[1] = r.runStage(ctx, StageLexical, func(sctx context.Context) ([]*storage.Memory, error) {
			return r.lexicalStage(sctx, q)
		})
	}()
	go func() {
		defer wg.Done()
		outcomes[2] = r.runStage(ctx, StageGraph, func(sctx context.Context) ([]*storage.Memory, error) {
			return r.graphStage(sctx, q)
		})
	}()
	wg.Wait()

	explanation := &Explanation{Fusion: "weighted"}
	if r.config.UseRRF {
		explanation.Fusion = "rrf"
	}
	// A skipped stage contributes no signal either; the request fails only
	// when nothing at all delivered.
	contributing := 0
	for _, o := range outcomes {
		explanation.Stages = append(explanation.Stages, o.report)
		if o.report.Status == StatusOK || o.report.Status == StatusTimeout {
			contributing++
		}
	}
	if contributing == 0 {
		return nil, explanation, fmt.Errorf("Search: %w", ErrRetrievalUnavailable)
	}

	candidates := joinCandidates(
		outcomes[0].candidates,
		outcomes[1].candidates,
		outcomes[2].candidates,
	)
	candidates = filterCandidates(candidates, q)

	var results []*Result
	if r.config.UseRRF {
		results = fuseRRF(candidates)
	} else {
		results = fuseWeighted(candidates, r.config.VectorWeight, r.config.LexicalWeight, r.config.GraphWeight)
	}
	applyRecency(results, r.now())
	sortResults(results)

	if r.config.Rerank {
		results = rerank(results, q.Text)
	}
	if topK < len(results) {
		results = results[:topK]
	}
	return results, explanation, nil
}

// runStage executes fn under the stage timeout and classifies the outcome.
// On timeout, whatever candidates came back are kept.
func (r *Retriever) runStage(ctx context.Context, name string, fn func(context.Context) ([]*storage.Memory, error)) stageOutcome {
	sctx, cancel := context.WithTimeout(ctx, r.config.StageTimeout)
	defer cancel()

	start := time.Now()
	candidates, err := fn(sctx)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	report := StageReport{Stage: name, Candidates: len(candidates), Elapsed: elapsed}
	switch {
	case errors.Is(err, errStageSkipped):
		report.Status = StatusSkipped
	case errors.Is(err, context.DeadlineExceeded):
		report.Status = StatusTimeout
	case err != nil:
		report.Status = StatusError
		r.logger.Warn("retrieval stage failed",
			zap.String("stage", name),
			zap.Error(err))
	default:
		report.Status = StatusOK
	}
	return stageOutcome{report: report, candidates: candidates}
}

var errStageSkipped = errors.New("stage skipped")

func (r *Retriever) vectorStage(ctx context.Context, q *Query) ([]*storage.Memory, error) {
	embedding, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("vector stage: embed: %w", err)
	}
	memories, err := r.store.VectorSearch(ctx, q.Scope, embedding, &storage.VectorSearchOptions{
		TopK:          r.config.StageTopK,
		MinSimilarity: r.config.MinSimilarity,
		Tiers:         q.Tiers,
	})
	if err != nil {
		return nil, fmt.Errorf("vector stage: %w", err)
	}
	return memories, nil
}

func (r *Retriever) lexicalStage(ctx context.Context, q *Query) ([]*storage.Memory, error) {
	memories, err := r.store.LexicalSearch(ctx, q.Scope, q.Text, &storage.LexicalSearchOptions{
		TopK:  r.config.StageTopK,
		Tiers: q.Tiers,
	})
	if err != nil {
		return nil, fmt.Errorf("lexical stage: %w", err)
	}
	return memories, nil
}

func (r *Retriever) graphStage(ctx context.Context, q *Query) ([]*storage.Memory, error) {
	if r.extractor == nil {
		return nil, errStageSkipped
	}
	extracted, err := r.extractor.Extract(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("graph stage: extract: %w", err)
	}
	if len(extracted.Entities) == 0 {
		return nil, nil
	}

	var entityIDs []int64
	for _, ent := range extracted.Entities {
		stored, err := r.store.GetEntityByName(ctx, q.Scope, ent.Name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("graph stage: %w", err)
		}
		entityIDs = append(entityIDs, stored.ID)
	}
	if len(entityIDs) == 0 {
		return nil, nil
	}

	memories, err := r.store.GraphTraverse(ctx, q.Scope, entityIDs, r.config.MaxHops, r.config.StageTopK)
	if err != nil {
		return nil, fmt.Errorf("graph stage: %w", err)
	}
	return memories, nil
}
