package config

import (
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// LLM configuration
	if c.ChatModel == "" {
		return fmt.Errorf("%w: chat_model cannot be empty", ErrInvalidModelName)
	}

	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	if c.MaxTokens < 1 || c.MaxTokens > 131072 {
		return fmt.Errorf("%w: must be between 1 and 131,072, got %d", ErrInvalidMaxTokens, c.MaxTokens)
	}

	if c.LLMAPIKey == "" {
		return fmt.Errorf("%w: set RAGLINE_LLM_API_KEY", ErrMissingAPIKey)
	}

	// PostgreSQL configuration
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	if c.PostgresPassword == "ragline_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password for production deployments")
	}

	// Cache configuration
	validStrategies := []string{"redis", "memory", "none"}
	if !slices.Contains(validStrategies, c.CacheStrategy) {
		return fmt.Errorf("cache_strategy %q is not valid, must be one of: %v", c.CacheStrategy, validStrategies)
	}

	if c.CacheStrategy == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("%w: redis_addr cannot be empty when cache_strategy is redis", ErrInvalidRedisAddr)
	}

	for name, ttl := range map[string]time.Duration{
		"dialog_ttl":    c.DialogTTL,
		"conv_ttl":      c.ConvTTL,
		"memory_ttl":    c.MemoryTTL,
		"retrieval_ttl": c.RetrievalTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidTTL, name, ttl)
		}
	}

	// Retrieval configuration
	if c.TopK < 1 || c.TopK > 128 {
		return fmt.Errorf("%w: must be between 1 and 128, got %d", ErrInvalidTopK, c.TopK)
	}

	if c.SimilarityThreshold < 0.0 || c.SimilarityThreshold > 1.0 {
		return fmt.Errorf("%w: similarity_threshold must be between 0.0 and 1.0, got %.2f",
			ErrInvalidSimilarity, c.SimilarityThreshold)
	}

	if c.VectorWeight < 0.0 || c.VectorWeight > 1.0 {
		return fmt.Errorf("%w: vector_weight must be between 0.0 and 1.0, got %.2f",
			ErrInvalidSimilarity, c.VectorWeight)
	}

	return nil
}
