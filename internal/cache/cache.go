package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Strategy selects how much conversation state is cached.
type Strategy string

const (
	// StrategyFull caches the entire conversation, messages included,
	// updated write-through after every append. Safe because conversations
	// are append-only and the cache write happens after the DB write.
	StrategyFull Strategy = "FULL"
	// StrategyMetadata caches only conversation metadata; messages are
	// always fetched fresh.
	StrategyMetadata Strategy = "METADATA"
	// StrategyNone disables conversation caching.
	StrategyNone Strategy = "NONE"
)

// Config carries per-namespace TTLs and the conversation strategy.
type Config struct {
	DialogTTL    time.Duration
	ConvTTL      time.Duration
	MemoryTTL    time.Duration
	RetrievalTTL time.Duration
	ConvStrategy Strategy
}

// DefaultConfig returns the production TTL policy.
func DefaultConfig() Config {
	return Config{
		DialogTTL:    5 * time.Minute,
		ConvTTL:      3 * time.Minute,
		MemoryTTL:    720 * time.Hour,
		RetrievalTTL: 60 * time.Second,
		ConvStrategy: StrategyFull,
	}
}

// Cache is the namespaced facade over a Store. Every method swallows store
// and serialization errors: reads degrade to a miss, writes to a no-op.
// The cache is never a point of hard failure for the request path.
type Cache struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// New creates a cache facade. Zero TTLs in cfg fall back to defaults.
func New(store Store, cfg Config, logger *slog.Logger) *Cache {
	def := DefaultConfig()
	if cfg.DialogTTL <= 0 {
		cfg.DialogTTL = def.DialogTTL
	}
	if cfg.ConvTTL <= 0 {
		cfg.ConvTTL = def.ConvTTL
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = def.MemoryTTL
	}
	if cfg.RetrievalTTL <= 0 {
		cfg.RetrievalTTL = def.RetrievalTTL
	}
	if cfg.ConvStrategy == "" {
		cfg.ConvStrategy = StrategyFull
	}
	return &Cache{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "cache"),
	}
}

// ConvStrategy reports the configured conversation caching strategy.
func (c *Cache) ConvStrategy() Strategy {
	return c.cfg.ConvStrategy
}

// DialogKey builds the dialog namespace key.
func DialogKey(tenantID, dialogID string) string {
	return "dialog_cache:" + tenantID + ":" + dialogID
}

// ConversationKey builds the conversation namespace key.
func ConversationKey(dialogID, sessionID string) string {
	return "conv_cache:" + dialogID + ":" + sessionID
}

// MemoryKey builds the conversation memory key.
func MemoryKey(conversationID string) string {
	return "conv_memory:" + conversationID
}

// GetDialog loads a cached dialog into dst. Returns false on miss.
func (c *Cache) GetDialog(ctx context.Context, tenantID, dialogID string, dst any) bool {
	return c.getJSON(ctx, DialogKey(tenantID, dialogID), dst)
}

// SetDialog caches a dialog with the dialog TTL.
func (c *Cache) SetDialog(ctx context.Context, tenantID, dialogID string, v any) {
	c.setJSON(ctx, DialogKey(tenantID, dialogID), v, c.cfg.DialogTTL)
}

// InvalidateDialog drops a cached dialog after an update.
func (c *Cache) InvalidateDialog(ctx context.Context, tenantID, dialogID string) {
	c.delete(ctx, DialogKey(tenantID, dialogID))
}

// GetConversation loads a cached conversation into dst. Returns false on
// miss or when conversation caching is disabled.
func (c *Cache) GetConversation(ctx context.Context, dialogID, sessionID string, dst any) bool {
	if c.cfg.ConvStrategy == StrategyNone {
		return false
	}
	return c.getJSON(ctx, ConversationKey(dialogID, sessionID), dst)
}

// SetConversation write-through caches a conversation. Callers must invoke
// this only after the corresponding durable write has succeeded.
func (c *Cache) SetConversation(ctx context.Context, dialogID, sessionID string, v any) {
	if c.cfg.ConvStrategy == StrategyNone {
		return
	}
	c.setJSON(ctx, ConversationKey(dialogID, sessionID), v, c.cfg.ConvTTL)
}

// InvalidateConversation drops a cached conversation (delete paths only;
// turn appends use SetConversation instead).
func (c *Cache) InvalidateConversation(ctx context.Context, dialogID, sessionID string) {
	c.delete(ctx, ConversationKey(dialogID, sessionID))
}

// GetMemory loads the memory blob for a conversation. Empty string on miss.
func (c *Cache) GetMemory(ctx context.Context, conversationID string) string {
	data, ok := c.store.Get(ctx, MemoryKey(conversationID))
	if !ok {
		return ""
	}
	return string(data)
}

// SetMemory stores the memory blob with the long memory TTL.
func (c *Cache) SetMemory(ctx context.Context, conversationID, blob string) {
	if err := c.store.Set(ctx, MemoryKey(conversationID), []byte(blob), c.cfg.MemoryTTL); err != nil {
		c.logger.Debug("memory cache set failed", "conversation_id", conversationID, "error", err)
	}
}

// GetRetrieval loads a cached retrieval result into dst. Returns false on miss.
func (c *Cache) GetRetrieval(ctx context.Context, key string, dst any) bool {
	return c.getJSON(ctx, key, dst)
}

// SetRetrieval caches a retrieval result. v is sanitized to JSON primitives
// first so arbitrary result shapes serialize safely.
func (c *Cache) SetRetrieval(ctx context.Context, key string, v any) {
	c.setJSON(ctx, key, Sanitize(v), c.cfg.RetrievalTTL)
}

func (c *Cache) getJSON(ctx context.Context, key string, dst any) bool {
	data, ok := c.store.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Debug("cache decode failed, treating as miss", "key", key, "error", err)
		return false
	}
	return true
}

func (c *Cache) setJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Debug("cache encode failed, skipping write", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.logger.Debug("cache set failed", "key", key, "error", err)
	}
}

func (c *Cache) delete(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Debug("cache delete failed", "key", key, "error", err)
	}
}
