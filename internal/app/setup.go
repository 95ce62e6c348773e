// Package app assembles the serving pipeline: database, cache, model
// clients, retrieval, memory, stores and the chat engine.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ragline/ragline/db"
	"github.com/ragline/ragline/internal/cache"
	"github.com/ragline/ragline/internal/chat"
	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/conversation"
	"github.com/ragline/ragline/internal/database"
	"github.com/ragline/ragline/internal/dialog"
	"github.com/ragline/ragline/internal/knowledge"
	"github.com/ragline/ragline/internal/llm"
	"github.com/ragline/ragline/internal/log"
	"github.com/ragline/ragline/internal/memory"
	"github.com/ragline/ragline/internal/retrieval"
	"github.com/ragline/ragline/internal/websearch"
)

// App holds the assembled application. Call Close to release resources.
type App struct {
	Config *config.Config
	Logger log.Logger

	Pool     *pgxpool.Pool
	Cache    *cache.Cache
	Dialogs  *dialog.Store
	Sessions *conversation.Store
	Memory   *memory.Summarizer
	Engine   *chat.Engine
}

// Setup creates and initializes the application.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	// On error, release everything already initialized.
	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Open(ctx, cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.Pool = pool

	a.Cache, err = buildCache(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("building cache: %w", err)
	}

	client := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:    cfg.LLMBaseURL,
		APIKey:     cfg.LLMAPIKey,
		ChatModel:  cfg.ChatModel,
		EmbedModel: cfg.EmbedderModel,
	})
	model := llm.NewResilient(client, logger)

	vector := knowledge.NewPGRetriever(pool, client, logger)

	var web retrieval.WebRetriever
	webOn := false
	if cfg.WebSearchAPIKey != "" {
		ws, err := websearch.New(cfg.WebSearchAPIKey, logger, websearch.WithBaseURL(cfg.WebSearchBaseURL))
		if err != nil {
			return nil, fmt.Errorf("building web search client: %w", err)
		}
		web = ws
		webOn = true
	}

	coordinator := retrieval.NewCoordinator(retrieval.Config{
		Vector: vector,
		Web:    web,
		Cache:  a.Cache,
		Logger: logger,
		// Dialogs may carry their own search key; those turns get a
		// client of their own instead of the process-wide one.
		WebFactory: func(apiKey string) (retrieval.WebRetriever, error) {
			return websearch.New(apiKey, logger, websearch.WithBaseURL(cfg.WebSearchBaseURL))
		},
	})

	a.Dialogs = dialog.NewStore(pool, a.Cache, logger)
	a.Sessions = conversation.NewStore(pool, a.Cache, logger)
	a.Memory = memory.NewSummarizer(model, a.Cache, logger)

	a.Engine = chat.NewEngine(chat.Config{
		Model:       model,
		Dialogs:     a.Dialogs,
		Sessions:    a.Sessions,
		Retriever:   coordinator,
		Citations:   vector,
		Tables:      database.NewTables(pool),
		Memory:      a.Memory,
		WebSearchOn: webOn,
		Logger:      logger,
	})

	return a, nil
}

// buildCache selects the backing store from the configured strategy:
// "redis" uses Redis with an in-process fallback, "memory" an in-process
// store, "none" keeps an in-process store but disables conversation caching.
func buildCache(cfg *config.Config, logger log.Logger) (*cache.Cache, error) {
	cacheCfg := cache.Config{
		DialogTTL:    cfg.DialogTTL,
		ConvTTL:      cfg.ConvTTL,
		MemoryTTL:    cfg.MemoryTTL,
		RetrievalTTL: cfg.RetrievalTTL,
		ConvStrategy: cache.StrategyFull,
	}

	var store cache.Store
	switch cfg.CacheStrategy {
	case "redis":
		rs, err := cache.NewRedisStore(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			return nil, err
		}
		// In-process fallback keeps serving cached reads through Redis
		// hiccups.
		store = cache.NewTiered(rs, cache.NewMemoryStore())
	case "none":
		cacheCfg.ConvStrategy = cache.StrategyNone
		store = cache.NewMemoryStore()
	default:
		store = cache.NewMemoryStore()
	}
	return cache.New(store, cacheCfg, logger), nil
}

// Close releases application resources in reverse construction order.
func (a *App) Close() {
	if a.Memory != nil {
		a.Memory.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
