package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		ChatModel:           "gpt-4o-mini",
		Temperature:         0.1,
		MaxTokens:           2048,
		LLMAPIKey:           "sk-test-key-for-validation",
		PostgresHost:        "localhost",
		PostgresPort:        5432,
		PostgresUser:        "ragline",
		PostgresPassword:    "test_password",
		PostgresDBName:      "ragline",
		PostgresSSLMode:     "disable",
		CacheStrategy:       "memory",
		RedisAddr:           "localhost:6379",
		DialogTTL:           DefaultDialogTTL,
		ConvTTL:             DefaultConvTTL,
		MemoryTTL:           DefaultMemoryTTL,
		RetrievalTTL:        DefaultRetrievalTTL,
		TopK:                6,
		SimilarityThreshold: 0.1,
		VectorWeight:        0.3,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty model", func(c *Config) { c.ChatModel = "" }, true},
		{"temperature too high", func(c *Config) { c.Temperature = 2.5 }, true},
		{"zero max tokens", func(c *Config) { c.MaxTokens = 0 }, true},
		{"missing api key", func(c *Config) { c.LLMAPIKey = "" }, true},
		{"empty postgres host", func(c *Config) { c.PostgresHost = "" }, true},
		{"postgres port out of range", func(c *Config) { c.PostgresPort = 70000 }, true},
		{"unknown cache strategy", func(c *Config) { c.CacheStrategy = "memcached" }, true},
		{"redis strategy without addr", func(c *Config) { c.CacheStrategy = "redis"; c.RedisAddr = "" }, true},
		{"negative retrieval ttl", func(c *Config) { c.RetrievalTTL = -time.Second }, true},
		{"top k too large", func(c *Config) { c.TopK = 1000 }, true},
		{"similarity above one", func(c *Config) { c.SimilarityThreshold = 1.5 }, true},
		{"cache disabled", func(c *Config) { c.CacheStrategy = "none" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateNil(t *testing.T) {
	var cfg *Config
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() on nil config should return error")
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   string
	}{
		{"empty", "", ""},
		{"short fully masked", "abc", maskedValue},
		{"eight chars fully masked", "12345678", maskedValue},
		{"long shows edges", "my_long_secret_key_123", "my<" + maskedValue + ">23"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maskSecret(tt.secret); got != tt.want {
				t.Errorf("maskSecret(%q) = %q, want %q", tt.secret, got, tt.want)
			}
		})
	}
}

func TestMarshalJSONMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.LLMAPIKey = "sk-super-secret-api-key-value"
	cfg.PostgresPassword = "very_secret_db_password"
	cfg.RedisPassword = "redis_secret_pw_value"
	cfg.WebSearchAPIKey = "tvly-secret-search-key"

	data, err := cfg.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}

	out := string(data)
	for _, secret := range []string{
		"sk-super-secret-api-key-value",
		"very_secret_db_password",
		"redis_secret_pw_value",
		"tvly-secret-search-key",
	} {
		if strings.Contains(out, secret) {
			t.Errorf("MarshalJSON() output leaked secret %q", secret)
		}
	}
}

func TestStringDoesNotLeakSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.LLMAPIKey = "sk-string-method-secret-key"
	if strings.Contains(cfg.String(), "sk-string-method-secret-key") {
		t.Error("String() leaked API key")
	}
}
