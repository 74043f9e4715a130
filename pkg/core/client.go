package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stratamem/stratamem-go/pkg/consolidation"
	"github.com/stratamem/stratamem-go/pkg/embedder"
	embmock "github.com/stratamem/stratamem-go/pkg/embedder/mock"
	embopenai "github.com/stratamem/stratamem-go/pkg/embedder/openai"
	"github.com/stratamem/stratamem-go/pkg/extraction"
	"github.com/stratamem/stratamem-go/pkg/lifecycle"
	"github.com/stratamem/stratamem-go/pkg/llm"
	llmopenai "github.com/stratamem/stratamem-go/pkg/llm/openai"
	"github.com/stratamem/stratamem-go/pkg/retrieval"
	"github.com/stratamem/stratamem-go/pkg/scheduler"
	"github.com/stratamem/stratamem-go/pkg/storage"
	memstore "github.com/stratamem/stratamem-go/pkg/storage/memory"
	"github.com/stratamem/stratamem-go/pkg/storage/mysql"
	"github.com/stratamem/stratamem-go/pkg/storage/postgres"
	"github.com/stratamem/stratamem-go/pkg/storage/sqlite"
	"go.uber.org/zap"
)

// Client is the main entry point for StrataMem.
//
// It owns a tiered memory store, a hybrid retriever, and the lifecycle
// machinery (decay sweeps, consolidation, scheduling) over it.
//
// Example:
//
//	client, err := core.NewClient(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	memory, _ := client.AddMemory(ctx, "User prefers dark roast coffee",
//	    core.WithScope("agent_7"))
//	resp, _ := client.Search(ctx, "coffee preference",
//	    core.WithScopeForSearch("agent_7"))
type Client struct {
	config    *Config
	store     storage.MemoryStore
	embedder  embedder.Provider
	llm       llm.Provider
	extractor extraction.Extractor
	retriever *retrieval.Retriever
	tiers     *lifecycle.TierManager
	engine    *consolidation.Engine
	scheduler *scheduler.Scheduler
	evaluator *importanceEvaluator
	node      *snowflake.Node
	logger    *zap.Logger
}

// ClientOption customizes client construction beyond what Config carries.
type ClientOption func(*Client)

// WithLogger sets the structured logger used by all components.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithStore injects a pre-built storage backend, bypassing Config.Store.
func WithStore(store storage.MemoryStore) ClientOption {
	return func(c *Client) {
		c.store = store
	}
}

// WithEmbedderProvider injects a pre-built embedding provider.
func WithEmbedderProvider(provider embedder.Provider) ClientOption {
	return func(c *Client) {
		c.embedder = provider
	}
}

// WithLLMProvider injects a pre-built LLM provider.
func WithLLMProvider(provider llm.Provider) ClientOption {
	return func(c *Client) {
		c.llm = provider
	}
}

// NewClient creates a StrataMem client from the given configuration.
func NewClient(config *Config, opts ...ClientOption) (*Client, error) {
	if config == nil {
		return nil, NewMemoryError("NewClient", ErrInvalidConfig)
	}

	client := &Client{config: config}
	for _, opt := range opts {
		opt(client)
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}

	if client.embedder == nil && client.store == nil {
		if err := config.Validate(); err != nil {
			return nil, NewMemoryError("NewClient", err)
		}
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, NewMemoryError("NewClient", err)
	}
	client.node = node

	if client.embedder == nil {
		client.embedder, err = buildEmbedder(&config.Embedder)
		if err != nil {
			return nil, NewMemoryError("NewClient", err)
		}
	}
	if client.llm == nil && config.LLM != nil {
		client.llm, err = llmopenai.NewClient(&llm.Config{
			Provider: config.LLM.Provider,
			Model:    config.LLM.Model,
			APIKey:   config.LLM.APIKey,
			BaseURL:  config.LLM.BaseURL,
		})
		if err != nil {
			return nil, NewMemoryError("NewClient", err)
		}
	}
	if client.store == nil {
		client.store, err = buildStore(&config.Store, client.embedder.Dimensions())
		if err != nil {
			return nil, NewMemoryError("NewClient", err)
		}
	}

	if client.llm != nil {
		client.extractor = extraction.NewLLMExtractor(client.llm)
	} else {
		client.extractor = extraction.NewKeywordExtractor()
	}
	client.evaluator = &importanceEvaluator{llm: client.llm}

	client.retriever = retrieval.NewRetriever(client.store, client.embedder,
		client.extractor, retrievalConfig(config.Retrieval), client.logger)
	client.tiers = lifecycle.NewTierManager(client.store,
		lifecycleConfig(config.Lifecycle), client.logger)
	client.engine = consolidation.NewEngine(client.store, client.embedder,
		client.llm, consolidationConfig(config.Consolidation), client.logger)
	client.scheduler = scheduler.New(client.store, client.tiers, client.engine,
		schedulerConfig(config.Scheduler), client.logger)

	return client, nil
}

func buildEmbedder(cfg *EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return embopenai.NewClient(&embedder.Config{
			Provider:   cfg.Provider,
			Model:      cfg.Model,
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	case "mock":
		return embmock.New(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("%w: unknown embedder provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

func buildStore(cfg *StoreConfig, dims int) (storage.MemoryStore, error) {
	switch cfg.Provider {
	case "memory":
		return memstore.NewClient(), nil
	case "sqlite":
		return sqlite.NewClient(&sqlite.Config{
			DBPath: configString(cfg.Config, "db_path", "./stratamem.db"),
		})
	case "postgres":
		return postgres.NewClient(&postgres.Config{
			Host:               configString(cfg.Config, "host", "localhost"),
			Port:               configInt(cfg.Config, "port", 5432),
			User:               configString(cfg.Config, "user", ""),
			Password:           configString(cfg.Config, "password", ""),
			DBName:             configString(cfg.Config, "dbname", ""),
			SSLMode:            configString(cfg.Config, "sslmode", ""),
			EmbeddingModelDims: dims,
		})
	case "mysql":
		return mysql.NewClient(&mysql.Config{
			Host:     configString(cfg.Config, "host", "localhost"),
			Port:     configInt(cfg.Config, "port", 3306),
			User:     configString(cfg.Config, "user", ""),
			Password: configString(cfg.Config, "password", ""),
			DBName:   configString(cfg.Config, "dbname", ""),
		})
	default:
		return nil, fmt.Errorf("%w: unknown store provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// AddMemory ingests one memory into the working tier.
//
// Content is embedded and hashed before the write. An existing memory with
// the same content hash does not block the write; the consolidation engine
// owns merging duplicates. With WithExtraction, entities and relations are
// extracted into the memory graph on a best-effort basis.
func (c *Client) AddMemory(ctx context.Context, content string, opts ...AddOption) (*Memory, error) {
	options := &AddOptions{Scope: DefaultScope, Importance: -1}
	for _, opt := range opts {
		opt(options)
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, NewMemoryError("AddMemory", fmt.Errorf("%w: empty content", ErrSchemaViolation))
	}
	if options.ImportanceSet && (options.Importance < 0 || options.Importance > 1) {
		return nil, NewMemoryError("AddMemory",
			fmt.Errorf("%w: importance %v outside [0, 1]", ErrSchemaViolation, options.Importance))
	}

	importance := options.Importance
	if !options.ImportanceSet {
		importance = c.evaluator.Evaluate(ctx, content)
	}

	embedding, err := c.embedder.Embed(ctx, content)
	if err != nil {
		return nil, NewMemoryError("AddMemory", err)
	}

	m := &storage.Memory{
		ID:          c.node.Generate().Int64(),
		Scope:       options.Scope,
		Content:     content,
		ContentHash: consolidation.HashContent(content),
		Embedding:   embedding,
		Tier:        storage.TierWorking,
		Importance:  importance,
		DecayScore:  importance,
		Tags:        options.Tags,
		Provenance:  toStorageProvenance(options.Provenance),
		CreatedAt:   time.Now(),
	}
	if err := c.store.Put(ctx, m); err != nil {
		return nil, NewMemoryError("AddMemory", err)
	}

	if options.Extract {
		if err := c.extractGraph(ctx, m); err != nil {
			c.logger.Warn("graph extraction failed",
				zap.Int64("memory_id", m.ID),
				zap.Error(err))
		}
	}
	return toAPIMemory(m), nil
}

// AddMemories ingests a batch of memories sharing the same options. Contents
// are embedded in one provider call. The write is not atomic; on error the
// memories already stored are returned alongside it.
func (c *Client) AddMemories(ctx context.Context, contents []string, opts ...AddOption) ([]*Memory, error) {
	options := &AddOptions{Scope: DefaultScope, Importance: -1}
	for _, opt := range opts {
		opt(options)
	}

	trimmed := make([]string, len(contents))
	for i, content := range contents {
		content = strings.TrimSpace(content)
		if content == "" {
			return nil, NewMemoryError("AddMemories",
				fmt.Errorf("%w: empty content at index %d", ErrSchemaViolation, i))
		}
		trimmed[i] = content
	}
	if options.ImportanceSet && (options.Importance < 0 || options.Importance > 1) {
		return nil, NewMemoryError("AddMemories",
			fmt.Errorf("%w: importance %v outside [0, 1]", ErrSchemaViolation, options.Importance))
	}
	if len(trimmed) == 0 {
		return nil, nil
	}

	embeddings, err := c.embedder.EmbedBatch(ctx, trimmed)
	if err != nil {
		return nil, NewMemoryError("AddMemories", err)
	}
	if len(embeddings) != len(trimmed) {
		return nil, NewMemoryError("AddMemories",
			fmt.Errorf("embedder returned %d vectors for %d inputs", len(embeddings), len(trimmed)))
	}

	added := make([]*Memory, 0, len(trimmed))
	for i, content := range trimmed {
		importance := options.Importance
		if !options.ImportanceSet {
			importance = c.evaluator.Evaluate(ctx, content)
		}
		m := &storage.Memory{
			ID:          c.node.Generate().Int64(),
			Scope:       options.Scope,
			Content:     content,
			ContentHash: consolidation.HashContent(content),
			Embedding:   embeddings[i],
			Tier:        storage.TierWorking,
			Importance:  importance,
			DecayScore:  importance,
			Tags:        options.Tags,
			Provenance:  toStorageProvenance(options.Provenance),
			CreatedAt:   time.Now(),
		}
		if err := c.store.Put(ctx, m); err != nil {
			return added, NewMemoryError("AddMemories", err)
		}
		if options.Extract {
			if err := c.extractGraph(ctx, m); err != nil {
				c.logger.Warn("graph extraction failed",
					zap.Int64("memory_id", m.ID),
					zap.Error(err))
			}
		}
		added = append(added, toAPIMemory(m))
	}
	return added, nil
}

// extractGraph populates entities and relations mentioned by a memory.
// Entities are deduplicated by name inside the scope.
func (c *Client) extractGraph(ctx context.Context, m *storage.Memory) error {
	result, err := c.extractor.Extract(ctx, m.Content)
	if err != nil {
		return err
	}

	entityIDs := make(map[string]int64, len(result.Entities))
	for _, ent := range result.Entities {
		if ent.Name == "" {
			continue
		}
		stored, err := c.store.GetEntityByName(ctx, m.Scope, ent.Name)
		if err == nil {
			entityIDs[ent.Name] = stored.ID
			continue
		}
		entity := &storage.Entity{
			ID:    c.node.Generate().Int64(),
			Scope: m.Scope,
			Name:  ent.Name,
			Type:  ent.Type,
		}
		if err := c.store.PutEntity(ctx, entity); err != nil {
			return err
		}
		entityIDs[ent.Name] = entity.ID
	}

	for _, id := range entityIDs {
		rel := &storage.Relationship{
			ID:           c.node.Generate().Int64(),
			Scope:        m.Scope,
			FromEntityID: id,
			MemoryID:     m.ID,
			Type:         "mentions",
			Weight:       1.0,
			IsActive:     true,
		}
		if err := c.store.PutRelationship(ctx, rel); err != nil {
			return err
		}
	}
	for _, r := range result.Relations {
		fromID, okFrom := entityIDs[r.From]
		toID, okTo := entityIDs[r.To]
		if !okFrom || !okTo {
			continue
		}
		rel := &storage.Relationship{
			ID:           c.node.Generate().Int64(),
			Scope:        m.Scope,
			FromEntityID: fromID,
			ToEntityID:   toID,
			Type:         r.Type,
			Weight:       1.0,
			IsActive:     true,
		}
		if err := c.store.PutRelationship(ctx, rel); err != nil {
			return err
		}
	}
	return nil
}

// Search runs hybrid retrieval over one owner scope.
//
// Results are ranked best-first and come with an explanation of how each
// stage behaved. Returned memories are reinforced (access time and count
// updated) unless WithoutReinforcement is set. The call degrades rather
// than fails when individual stages are unavailable; only all stages
// failing surfaces ErrRetrievalUnavailable.
func (c *Client) Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error) {
	options := &SearchOptions{Scope: DefaultScope}
	for _, opt := range opts {
		opt(options)
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, NewMemoryError("Search", fmt.Errorf("%w: empty query", ErrSchemaViolation))
	}

	tiers := make([]storage.Tier, len(options.Tiers))
	for i, t := range options.Tiers {
		tiers[i] = storage.Tier(t)
	}

	results, explanation, err := c.retriever.Search(ctx, &retrieval.Query{
		Scope:         options.Scope,
		Text:          query,
		TopK:          options.TopK,
		Tiers:         tiers,
		Tags:          options.Tags,
		CreatedAfter:  options.CreatedAfter,
		CreatedBefore: options.CreatedBefore,
	})
	if err != nil {
		return nil, NewMemoryError("Search", err)
	}

	if !options.SkipReinforce {
		now := time.Now()
		for _, r := range results {
			if err := c.store.Touch(ctx, r.Memory.ID, now); err != nil {
				c.logger.Warn("access reinforcement failed",
					zap.Int64("memory_id", r.Memory.ID),
					zap.Error(err))
				continue
			}
			at := now
			r.Memory.LastAccessedAt = &at
			r.Memory.AccessCount++
		}
	}
	return &SearchResponse{
		Results:     toSearchResults(results),
		Explanation: explanation,
	}, nil
}

// Get fetches one memory by ID, reinforcing it unless told not to.
func (c *Client) Get(ctx context.Context, id int64, opts ...GetOption) (*Memory, error) {
	options := &GetOptions{}
	for _, opt := range opts {
		opt(options)
	}

	m, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, NewMemoryError("Get", err)
	}
	if !options.SkipReinforce {
		now := time.Now()
		if err := c.store.Touch(ctx, id, now); err != nil {
			c.logger.Warn("access reinforcement failed",
				zap.Int64("memory_id", id),
				zap.Error(err))
		} else {
			m.LastAccessedAt = &now
			m.AccessCount++
		}
	}
	return toAPIMemory(m), nil
}

// Sweep runs one decay and tier transition pass over a scope.
func (c *Client) Sweep(ctx context.Context, scope string) (*lifecycle.SweepReport, error) {
	report, err := c.tiers.Sweep(ctx, scope)
	if err != nil {
		return nil, NewMemoryError("Sweep", err)
	}
	return report, nil
}

// RunConsolidation runs one consolidation batch over a scope. A concurrent
// run in the same scope returns ErrLockContended with no writes.
func (c *Client) RunConsolidation(ctx context.Context, scope string) (*consolidation.Report, error) {
	report, err := c.engine.Consolidate(ctx, scope)
	if err != nil {
		return nil, NewMemoryError("RunConsolidation", err)
	}
	return report, nil
}

// StartScheduler launches background sweeps and consolidation batches.
func (c *Client) StartScheduler() {
	c.scheduler.Start()
}

// StopScheduler halts background work and waits for in-flight jobs.
func (c *Client) StopScheduler() {
	c.scheduler.Stop()
}

// ListScopes returns every owner scope holding at least one memory.
func (c *Client) ListScopes(ctx context.Context) ([]string, error) {
	scopes, err := c.store.ListScopes(ctx)
	if err != nil {
		return nil, NewMemoryError("ListScopes", err)
	}
	return scopes, nil
}

// Close stops background work and releases every resource.
func (c *Client) Close() error {
	c.scheduler.Stop()

	var firstErr error
	if err := c.embedder.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if c.llm != nil {
		if err := c.llm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return NewMemoryError("Close", firstErr)
	}
	return nil
}

func retrievalConfig(cfg *RetrievalConfig) retrieval.Config {
	if cfg == nil {
		return retrieval.Config{}
	}
	return retrieval.Config{
		TopK:          cfg.TopK,
		MinSimilarity: cfg.MinSimilarity,
		StageTimeout:  time.Duration(cfg.StageTimeoutMs) * time.Millisecond,
		MaxHops:       cfg.MaxHops,
		VectorWeight:  cfg.VectorWeight,
		LexicalWeight: cfg.LexicalWeight,
		GraphWeight:   cfg.GraphWeight,
		UseRRF:        cfg.UseRRF,
		Rerank:        cfg.Rerank,
	}
}

func lifecycleConfig(cfg *LifecycleConfig) lifecycle.Config {
	if cfg == nil {
		return lifecycle.Config{}
	}
	return lifecycle.Config{
		DecayRate:             cfg.DecayRate,
		WorkingTTLDays:        cfg.WorkingTTLDays,
		WorkingPromotionCount: cfg.WorkingPromotionCount,
		ArchiveThreshold:      cfg.ArchiveThreshold,
		ArchiveGraceCycles:    cfg.ArchiveGraceCycles,
	}
}

func consolidationConfig(cfg *ConsolidationConfig) consolidation.Config {
	if cfg == nil {
		return consolidation.Config{}
	}
	return consolidation.Config{
		MinAge:                     time.Duration(cfg.MinAgeMinutes) * time.Minute,
		SemanticDuplicateThreshold: cfg.SemanticDuplicateThreshold,
	}
}

func schedulerConfig(cfg *SchedulerConfig) scheduler.Config {
	if cfg == nil {
		return scheduler.Config{}
	}
	return scheduler.Config{
		SweepInterval:         time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		ConsolidationInterval: time.Duration(cfg.ConsolidationIntervalSeconds) * time.Second,
		Workers:               cfg.Workers,
	}
}

func configString(m map[string]interface{}, key, fallback string) string {
	if m == nil {
		return fallback
	}
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func configInt(m map[string]interface{}, key string, fallback int) int {
	if m == nil {
		return fallback
	}
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}
