// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.ragline/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - LLM: chat model, temperature, max tokens, embedder
//   - Storage: PostgreSQL connection for dialogs, conversations and chunks
//   - Cache: Redis connection and per-namespace TTLs
//   - Retrieval: similarity thresholds, top-k, reranking weights
//   - WebSearch: optional Tavily-compatible search endpoint
//
// Sensitive data (passwords, API keys) is never logged; see MarshalJSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidRedisAddr indicates the Redis address is invalid.
	ErrInvalidRedisAddr = errors.New("invalid Redis address")

	// ErrInvalidTopK indicates the retrieval top-k is out of range.
	ErrInvalidTopK = errors.New("invalid top k")

	// ErrInvalidSimilarity indicates a similarity threshold is out of range.
	ErrInvalidSimilarity = errors.New("invalid similarity threshold")

	// ErrInvalidTTL indicates a cache TTL is not positive.
	ErrInvalidTTL = errors.New("invalid cache TTL")
)

// Cache TTL defaults for each namespace. These mirror the serving pipeline's
// freshness requirements: dialog settings change rarely, conversations are
// write-through so they can live a little longer than a turn, retrieval
// results go stale as soon as documents are re-indexed.
const (
	DefaultDialogTTL    = 5 * time.Minute
	DefaultConvTTL      = 3 * time.Minute
	DefaultMemoryTTL    = 720 * time.Hour
	DefaultRetrievalTTL = 60 * time.Second
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, API keys, tokens), update MarshalJSON.
type Config struct {
	// LLM configuration
	ChatModel   string  `mapstructure:"chat_model" json:"chat_model"`
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`
	LLMAPIKey   string  `mapstructure:"llm_api_key" json:"llm_api_key"` // SENSITIVE: masked in MarshalJSON
	LLMBaseURL  string  `mapstructure:"llm_base_url" json:"llm_base_url"`

	// Embedding configuration
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Cache configuration. Strategy selects the backing store: "redis" uses
	// the configured Redis instance, "memory" keeps an in-process store,
	// "none" disables caching entirely.
	CacheStrategy string        `mapstructure:"cache_strategy" json:"cache_strategy"`
	RedisAddr     string        `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" json:"redis_password"` // SENSITIVE: masked in MarshalJSON
	RedisDB       int           `mapstructure:"redis_db" json:"redis_db"`
	DialogTTL     time.Duration `mapstructure:"dialog_ttl" json:"dialog_ttl"`
	ConvTTL       time.Duration `mapstructure:"conv_ttl" json:"conv_ttl"`
	MemoryTTL     time.Duration `mapstructure:"memory_ttl" json:"memory_ttl"`
	RetrievalTTL  time.Duration `mapstructure:"retrieval_ttl" json:"retrieval_ttl"`

	// Retrieval configuration
	TopK                int     `mapstructure:"top_k" json:"top_k"`
	SimilarityThreshold float32 `mapstructure:"similarity_threshold" json:"similarity_threshold"`
	VectorWeight        float32 `mapstructure:"vector_weight" json:"vector_weight"`

	// Web search configuration (optional)
	WebSearchAPIKey  string `mapstructure:"web_search_api_key" json:"web_search_api_key"` // SENSITIVE: masked in MarshalJSON
	WebSearchBaseURL string `mapstructure:"web_search_base_url" json:"web_search_base_url"`

	// Server configuration
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".ragline")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".") // Also support current directory

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Fail-fast: a bad config should never reach the serving pipeline.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// LLM defaults
	viper.SetDefault("chat_model", "gpt-4o-mini")
	viper.SetDefault("temperature", 0.1)
	viper.SetDefault("max_tokens", 2048)
	viper.SetDefault("llm_base_url", "https://api.openai.com/v1")

	// Embedding defaults
	viper.SetDefault("embedder_model", "text-embedding-3-small")

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "ragline")
	viper.SetDefault("postgres_password", "ragline_dev_password")
	viper.SetDefault("postgres_db_name", "ragline")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Cache defaults
	viper.SetDefault("cache_strategy", "memory")
	viper.SetDefault("redis_addr", "localhost:6379")
	viper.SetDefault("redis_db", 0)
	viper.SetDefault("dialog_ttl", DefaultDialogTTL)
	viper.SetDefault("conv_ttl", DefaultConvTTL)
	viper.SetDefault("memory_ttl", DefaultMemoryTTL)
	viper.SetDefault("retrieval_ttl", DefaultRetrievalTTL)

	// Retrieval defaults
	viper.SetDefault("top_k", 6)
	viper.SetDefault("similarity_threshold", 0.1)
	viper.SetDefault("vector_weight", 0.3)

	// Web search defaults
	viper.SetDefault("web_search_base_url", "https://api.tavily.com")

	// Server defaults
	viper.SetDefault("listen_addr", ":8080")
}

// bindEnvVariables binds environment variables explicitly.
// Secrets are only ever read from the environment, never from the config file
// search path in production deployments.
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail)
	// If this panics, it's a BUG in our code, not a runtime error
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("llm_api_key", "RAGLINE_LLM_API_KEY")
	mustBind("llm_base_url", "RAGLINE_LLM_BASE_URL")
	mustBind("chat_model", "RAGLINE_CHAT_MODEL")

	mustBind("postgres_host", "RAGLINE_POSTGRES_HOST")
	mustBind("postgres_password", "RAGLINE_POSTGRES_PASSWORD")

	mustBind("cache_strategy", "RAGLINE_CACHE_STRATEGY")
	mustBind("redis_addr", "RAGLINE_REDIS_ADDR")
	mustBind("redis_password", "RAGLINE_REDIS_PASSWORD")

	mustBind("web_search_api_key", "RAGLINE_WEB_SEARCH_API_KEY")

	mustBind("listen_addr", "RAGLINE_LISTEN_ADDR")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid substring matching against the original secret.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Shows first 2 and last 2 characters, masks the rest.
// Secrets of 8 chars or fewer are fully masked to prevent substring leaks.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - LLMAPIKey
//   - PostgresPassword
//   - RedisPassword
//   - WebSearchAPIKey
//
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.LLMAPIKey = maskSecret(a.LLMAPIKey)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.RedisPassword = maskSecret(a.RedisPassword)
	a.WebSearchAPIKey = maskSecret(a.WebSearchAPIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// PostgresURL returns the postgres:// connection URL, suitable both for
// pgxpool and for golang-migrate.
func (c Config) PostgresURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   c.PostgresDBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
