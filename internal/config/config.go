// Package config loads and validates deliberation-engine configuration
// from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every runtime-tunable knob for the deliberation engine.
type Config struct {
	// Storage.
	DatabasePath string // path to the embedded single-file store; "" = in-memory.

	// Convergence detection.
	ConvergenceEnabled            bool
	SemanticSimilarityThreshold   float64
	DivergenceThreshold           float64
	MinRoundsBeforeCheck          int
	ConsecutiveStableRounds       int

	// Early stopping.
	EarlyStoppingEnabled        bool
	EarlyStoppingThreshold      float64
	EarlyStoppingRespectMinRounds bool

	// Decision graph / retrieval.
	DecisionGraphEnabled    bool
	SimilarityNoiseFloor    float64 // legacy key decision_graph.similarity_threshold
	ContextTokenBudget      int
	TierStrong              float64
	TierModerate            float64

	// Cache.
	QueryCacheSize     int
	EmbeddingCacheSize int
	QueryTTLSeconds    int

	// Defaults.
	DefaultRounds     int
	MaxRounds         int
	TimeoutPerRound   time.Duration

	// Transport.
	MaxRoundsInResponse int

	// Embedding / similarity backend.
	UseTFIDFFallback    bool   // prefer TF-IDF over token-set overlap when no embedder loads
	EmbeddingProvider   string // "auto", "openai", "ollama", "noop"
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int
	OllamaURL           string
	OllamaModel         string

	// Optional accelerated candidate index.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// Tool executor sandbox.
	ToolWorkingDirectory string
	ToolTimeout          time.Duration

	// Observability.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
	LogLevel     string
}

// Load reads configuration from environment variables with sensible
// defaults. Parse errors from individual variables are collected and
// returned joined; missing variables silently use their default.
func Load() (Config, error) {
	var errs []error

	cfg := Config{
		DatabasePath:      envStr("KAIGI_DB_PATH", "kaigi.db"),
		EmbeddingProvider: envStr("KAIGI_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:      envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:    envStr("KAIGI_EMBEDDING_MODEL", "text-embedding-3-small"),
		OllamaURL:         envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:       envStr("OLLAMA_MODEL", "mxbai-embed-large"),
		QdrantURL:         envStr("QDRANT_URL", ""),
		QdrantAPIKey:      envStr("QDRANT_API_KEY", ""),
		QdrantCollection:  envStr("QDRANT_COLLECTION", "kaigi_decisions"),
		ToolWorkingDirectory: envStr("KAIGI_TOOL_WORKDIR", "."),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "kaigi"),
		LogLevel:          envStr("KAIGI_LOG_LEVEL", "info"),
	}

	cfg.ConvergenceEnabled, errs = collectBool(errs, "KAIGI_CONVERGENCE_ENABLED", true)
	cfg.SemanticSimilarityThreshold, errs = collectFloat(errs, "KAIGI_SEMANTIC_SIMILARITY_THRESHOLD", 0.85)
	cfg.DivergenceThreshold, errs = collectFloat(errs, "KAIGI_DIVERGENCE_THRESHOLD", 0.40)
	cfg.MinRoundsBeforeCheck, errs = collectInt(errs, "KAIGI_MIN_ROUNDS_BEFORE_CHECK", 1)
	cfg.ConsecutiveStableRounds, errs = collectInt(errs, "KAIGI_CONSECUTIVE_STABLE_ROUNDS", 2)

	cfg.EarlyStoppingEnabled, errs = collectBool(errs, "KAIGI_EARLY_STOPPING_ENABLED", true)
	cfg.EarlyStoppingThreshold, errs = collectFloat(errs, "KAIGI_EARLY_STOPPING_THRESHOLD", 0.66)
	cfg.EarlyStoppingRespectMinRounds, errs = collectBool(errs, "KAIGI_EARLY_STOPPING_RESPECT_MIN_ROUNDS", true)

	cfg.DecisionGraphEnabled, errs = collectBool(errs, "KAIGI_DECISION_GRAPH_ENABLED", true)
	cfg.SimilarityNoiseFloor, errs = collectFloat(errs, "KAIGI_SIMILARITY_NOISE_FLOOR", 0.40)
	cfg.ContextTokenBudget, errs = collectInt(errs, "KAIGI_CONTEXT_TOKEN_BUDGET", 1500)
	cfg.TierStrong, errs = collectFloat(errs, "KAIGI_TIER_STRONG", 0.75)
	cfg.TierModerate, errs = collectFloat(errs, "KAIGI_TIER_MODERATE", 0.60)

	cfg.QueryCacheSize, errs = collectInt(errs, "KAIGI_QUERY_CACHE_SIZE", 200)
	cfg.EmbeddingCacheSize, errs = collectInt(errs, "KAIGI_EMBEDDING_CACHE_SIZE", 500)
	cfg.QueryTTLSeconds, errs = collectInt(errs, "KAIGI_QUERY_TTL_SECONDS", 300)

	cfg.DefaultRounds, errs = collectInt(errs, "KAIGI_DEFAULT_ROUNDS", 3)
	cfg.MaxRounds, errs = collectInt(errs, "KAIGI_MAX_ROUNDS", 10)
	var timeoutSeconds int
	timeoutSeconds, errs = collectInt(errs, "KAIGI_TIMEOUT_PER_ROUND_SECONDS", 300)
	cfg.TimeoutPerRound = time.Duration(timeoutSeconds) * time.Second

	cfg.MaxRoundsInResponse, errs = collectInt(errs, "KAIGI_MAX_ROUNDS_IN_RESPONSE", 3)

	var toolTimeoutSeconds int
	toolTimeoutSeconds, errs = collectInt(errs, "KAIGI_TOOL_TIMEOUT_SECONDS", 10)
	cfg.ToolTimeout = time.Duration(toolTimeoutSeconds) * time.Second

	cfg.EmbeddingDimensions, errs = collectInt(errs, "KAIGI_EMBEDDING_DIMENSIONS", 1024)
	cfg.UseTFIDFFallback, errs = collectBool(errs, "KAIGI_USE_TFIDF_FALLBACK", true)

	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_INSECURE", false)

	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func collectInt(errs []error, key string, def int) (int, []error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, errs
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def, append(errs, fmt.Errorf("config: %s: %w", key, err))
	}
	return v, errs
}

func collectFloat(errs []error, key string, def float64) (float64, []error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, errs
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def, append(errs, fmt.Errorf("config: %s: %w", key, err))
	}
	return v, errs
}

func collectBool(errs []error, key string, def bool) (bool, []error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, errs
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, append(errs, fmt.Errorf("config: %s: %w", key, err))
	}
	return v, errs
}
