package core

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config contains the complete configuration for a StrataMem client.
//
// It includes settings for:
//   - Embedding provider (for vector generation)
//   - LLM provider (for importance inference, extraction, merge drafting)
//   - Store backend (for memory persistence)
//   - Lifecycle, retrieval, consolidation, and scheduling policy
//
// Example:
//
//	config := &core.Config{
//	    Embedder: core.EmbedderConfig{
//	        Provider:   "openai",
//	        APIKey:     "sk-...",
//	        Model:      "text-embedding-ada-002",
//	        Dimensions: 1536,
//	    },
//	    Store: core.StoreConfig{
//	        Provider: "sqlite",
//	        Config: map[string]interface{}{
//	            "db_path": "./memories.db",
//	        },
//	    },
//	}
type Config struct {
	// Embedder contains embedding provider configuration.
	Embedder EmbedderConfig `json:"embedder"`

	// LLM contains LLM provider configuration (optional). Without it,
	// importance inference falls back to rules, extraction to keywords,
	// and merge drafting keeps canonical content.
	LLM *LLMConfig `json:"llm,omitempty"`

	// Store contains storage backend configuration.
	Store StoreConfig `json:"store"`

	// Lifecycle contains decay and tier transition policy (optional).
	Lifecycle *LifecycleConfig `json:"lifecycle,omitempty"`

	// Retrieval contains hybrid search policy (optional).
	Retrieval *RetrievalConfig `json:"retrieval,omitempty"`

	// Consolidation contains deduplication policy (optional).
	Consolidation *ConsolidationConfig `json:"consolidation,omitempty"`

	// Scheduler contains background execution policy (optional).
	Scheduler *SchedulerConfig `json:"scheduler,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, mock.
type EmbedderConfig struct {
	// Provider is the embedding provider name (openai, mock).
	Provider string `json:"provider"`

	// APIKey is the API key for the embedding provider.
	APIKey string `json:"api_key,omitempty"`

	// Model is the embedding model name (e.g., "text-embedding-ada-002").
	Model string `json:"model,omitempty"`

	// BaseURL is the base URL for the API (optional).
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors.
	Dimensions int `json:"dimensions,omitempty"`
}

// LLMConfig contains configuration for the LLM provider.
//
// Supported providers: openai (and OpenAI-compatible endpoints via BaseURL).
type LLMConfig struct {
	// Provider is the LLM provider name.
	Provider string `json:"provider"`

	// APIKey is the API key for the LLM provider.
	APIKey string `json:"api_key"`

	// Model is the model name to use (e.g., "gpt-4o-mini").
	Model string `json:"model,omitempty"`

	// BaseURL is the base URL for the API (optional).
	BaseURL string `json:"base_url,omitempty"`
}

// StoreConfig contains configuration for the storage backend.
//
// Supported providers: memory, sqlite, postgres, mysql.
type StoreConfig struct {
	// Provider is the backend name (memory, sqlite, postgres, mysql).
	Provider string `json:"provider"`

	// Config contains backend-specific settings.
	Config map[string]interface{} `json:"config,omitempty"`
}

// LifecycleConfig contains decay and tier transition policy.
type LifecycleConfig struct {
	// DecayRate controls how fast untouched memories lose score.
	DecayRate float64 `json:"decay_rate,omitempty"`

	// WorkingTTLDays promotes working memories older than this.
	WorkingTTLDays float64 `json:"working_ttl_days,omitempty"`

	// WorkingPromotionCount promotes working memories read more often
	// than this.
	WorkingPromotionCount int64 `json:"working_promotion_count,omitempty"`

	// ArchiveThreshold is the decay score below which memories accrue
	// low-score streak.
	ArchiveThreshold float64 `json:"archive_threshold,omitempty"`

	// ArchiveGraceCycles is how many consecutive low-score sweeps a
	// memory survives before archival.
	ArchiveGraceCycles int `json:"archive_grace_cycles,omitempty"`
}

// RetrievalConfig contains hybrid search policy.
type RetrievalConfig struct {
	// TopK is the default result count.
	TopK int `json:"top_k,omitempty"`

	// MinSimilarity is the vector stage similarity floor.
	MinSimilarity float64 `json:"min_similarity,omitempty"`

	// StageTimeoutMs bounds each retrieval stage in milliseconds.
	StageTimeoutMs int `json:"stage_timeout_ms,omitempty"`

	// MaxHops bounds graph traversal depth.
	MaxHops int `json:"max_hops,omitempty"`

	// VectorWeight, LexicalWeight, and GraphWeight are fusion weights.
	VectorWeight  float64 `json:"vector_weight,omitempty"`
	LexicalWeight float64 `json:"lexical_weight,omitempty"`
	GraphWeight   float64 `json:"graph_weight,omitempty"`

	// UseRRF switches fusion to reciprocal-rank.
	UseRRF bool `json:"use_rrf,omitempty"`

	// Rerank enables the bounded final rerank pass.
	Rerank bool `json:"rerank,omitempty"`
}

// ConsolidationConfig contains deduplication policy.
type ConsolidationConfig struct {
	// MinAgeMinutes is how old a short-term memory must be before it is a
	// consolidation candidate. Negative means no minimum.
	MinAgeMinutes int `json:"min_age_minutes,omitempty"`

	// SemanticDuplicateThreshold is the strict similarity above which two
	// memories are treated as duplicates.
	SemanticDuplicateThreshold float64 `json:"semantic_duplicate_threshold,omitempty"`
}

// SchedulerConfig contains background execution policy.
type SchedulerConfig struct {
	// SweepIntervalSeconds spaces lifecycle sweeps.
	SweepIntervalSeconds int `json:"sweep_interval_seconds,omitempty"`

	// ConsolidationIntervalSeconds spaces consolidation batches.
	ConsolidationIntervalSeconds int `json:"consolidation_interval_seconds,omitempty"`

	// Workers is the scope worker pool size.
	Workers int `json:"workers,omitempty"`
}

// Validate checks the configuration for errors that would surface later as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Embedder.Provider == "" {
		return fmt.Errorf("%w: embedder provider is required", ErrInvalidConfig)
	}
	if c.Embedder.Provider == "openai" && c.Embedder.APIKey == "" {
		return fmt.Errorf("%w: embedder API key is required for openai", ErrInvalidConfig)
	}
	if c.Store.Provider == "" {
		return fmt.Errorf("%w: store provider is required", ErrInvalidConfig)
	}
	if c.LLM != nil && c.LLM.APIKey == "" {
		return fmt.Errorf("%w: LLM API key is required", ErrInvalidConfig)
	}
	return nil
}

// LoadConfigFromEnv loads configuration from environment variables, reading
// a .env file from the working directory first when present.
//
// Recognized variables:
//
//	EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL,
//	EMBEDDING_BASE_URL, EMBEDDING_DIMS
//	LLM_PROVIDER, LLM_API_KEY, LLM_MODEL, LLM_BASE_URL
//	STORE_PROVIDER, SQLITE_DB_PATH
//	POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD,
//	POSTGRES_DBNAME
//	MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD, MYSQL_DBNAME
func LoadConfigFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Embedder: EmbedderConfig{
			Provider:   getEnv("EMBEDDING_PROVIDER", "openai"),
			APIKey:     os.Getenv("EMBEDDING_API_KEY"),
			Model:      os.Getenv("EMBEDDING_MODEL"),
			BaseURL:    os.Getenv("EMBEDDING_BASE_URL"),
			Dimensions: getEnvInt("EMBEDDING_DIMS", 1536),
		},
		Store: StoreConfig{
			Provider: getEnv("STORE_PROVIDER", "sqlite"),
		},
	}

	if apiKey := os.Getenv("LLM_API_KEY"); apiKey != "" {
		cfg.LLM = &LLMConfig{
			Provider: getEnv("LLM_PROVIDER", "openai"),
			APIKey:   apiKey,
			Model:    os.Getenv("LLM_MODEL"),
			BaseURL:  os.Getenv("LLM_BASE_URL"),
		}
	}

	switch cfg.Store.Provider {
	case "sqlite":
		cfg.Store.Config = map[string]interface{}{
			"db_path": getEnv("SQLITE_DB_PATH", "./stratamem.db"),
		}
	case "postgres":
		cfg.Store.Config = map[string]interface{}{
			"host":     getEnv("POSTGRES_HOST", "localhost"),
			"port":     getEnvInt("POSTGRES_PORT", 5432),
			"user":     os.Getenv("POSTGRES_USER"),
			"password": os.Getenv("POSTGRES_PASSWORD"),
			"dbname":   os.Getenv("POSTGRES_DBNAME"),
		}
	case "mysql":
		cfg.Store.Config = map[string]interface{}{
			"host":     getEnv("MYSQL_HOST", "localhost"),
			"port":     getEnvInt("MYSQL_PORT", 3306),
			"user":     os.Getenv("MYSQL_USER"),
			"password": os.Getenv("MYSQL_PASSWORD"),
			"dbname":   os.Getenv("MYSQL_DBNAME"),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, NewMemoryError("LoadConfigFromEnv", err)
	}
	return cfg, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, NewMemoryError("LoadConfigFromEnvFile", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}
	return &cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
