// Package retrieval coordinates the knowledge sources feeding a chat turn.
// Vector search, web search and the knowledge graph run concurrently; their
// results merge into a single bundle in a fixed order so citation indices
// stay stable across identical requests.
package retrieval

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ragline/ragline/internal/cache"
	"github.com/ragline/ragline/internal/knowledge"
)

// WebRetriever is the web search port. Implemented by websearch.Client.
type WebRetriever interface {
	RetrieveChunks(ctx context.Context, query string) (knowledge.Bundle, error)
}

// Reasoner runs iterative retrieval reasoning, reporting intermediate
// thoughts through onThought. It returns the bundle its loop converged on.
type Reasoner interface {
	Reason(ctx context.Context, req knowledge.RetrieveRequest, onThought func(string)) (knowledge.Bundle, error)
}

// Reranker reorders vector results with the dialog's rerank model. It is
// consulted only when the request names a model.
type Reranker interface {
	Rerank(ctx context.Context, model, query string, chunks []knowledge.Chunk) ([]knowledge.Chunk, error)
}

// TOCEnhancer augments a vector bundle with chunks located through document
// tables of contents.
type TOCEnhancer interface {
	Enhance(ctx context.Context, req knowledge.RetrieveRequest, b knowledge.Bundle) (knowledge.Bundle, error)
}

// Request extends the base retrieval request with source selection.
type Request struct {
	knowledge.RetrieveRequest

	UseKG     bool
	UseWeb    bool
	UseTOC    bool
	Reasoning bool
	WebAPIKey string       // dialog-scoped search key, overrides the default client
	OnThought func(string) // receives reasoning steps, may be nil
}

// Coordinator fans a request out to the configured sources and merges the
// results. All fields except Vector are optional.
type Coordinator struct {
	vector     knowledge.Retriever
	graph      knowledge.GraphRetriever
	web        WebRetriever
	webFactory func(apiKey string) (WebRetriever, error)
	reason     Reasoner
	rerank     Reranker
	toc        TOCEnhancer
	cache      *cache.Cache
	logger     *slog.Logger
}

// Config bundles the coordinator's collaborators.
type Config struct {
	Vector   knowledge.Retriever
	Graph    knowledge.GraphRetriever
	Web      WebRetriever
	Reasoner Reasoner
	Reranker Reranker
	TOC      TOCEnhancer
	Cache    *cache.Cache
	Logger   *slog.Logger

	// WebFactory builds a search client for requests carrying their own
	// API key. Nil restricts web search to the default client.
	WebFactory func(apiKey string) (WebRetriever, error)
}

func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		vector:     cfg.Vector,
		graph:      cfg.Graph,
		web:        cfg.Web,
		webFactory: cfg.WebFactory,
		reason:     cfg.Reasoner,
		rerank:     cfg.Reranker,
		toc:        cfg.TOC,
		cache:      cfg.Cache,
		logger:     cfg.Logger.With("component", "retrieval"),
	}
}

// Retrieve runs the enabled sources concurrently and merges their bundles.
// Merge order: knowledge-graph chunk first, then vector chunks, then web
// chunks. The vector branch is served from the retrieval cache when adding
// nothing would change the answer; web and graph results are always fresh.
// A failing auxiliary source degrades the bundle, it does not fail the turn.
func (c *Coordinator) Retrieve(ctx context.Context, req Request) (knowledge.Bundle, error) {
	if req.Reasoning && c.reason != nil {
		return c.reason.Reason(ctx, req.RetrieveRequest, req.OnThought)
	}

	var (
		vectorBundle knowledge.Bundle
		webBundle    knowledge.Bundle
		graphChunk   *knowledge.Chunk
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b, err := c.retrieveVector(gctx, req)
		if err != nil {
			return err
		}
		vectorBundle = b
		return nil
	})

	if web := c.webClient(req.WebAPIKey); req.UseWeb && web != nil {
		g.Go(func() error {
			start := time.Now()
			b, err := web.RetrieveChunks(gctx, req.Query)
			if err != nil {
				c.logger.Warn("web search failed, continuing without it",
					"error", err,
					"elapsed", time.Since(start),
				)
				return nil
			}
			webBundle = b
			return nil
		})
	}

	if req.UseKG && c.graph != nil {
		g.Go(func() error {
			ck, err := c.graph.Retrieval(gctx, req.Query, req.TenantIDs, req.KBIDs)
			if err != nil {
				c.logger.Warn("knowledge graph lookup failed, continuing without it",
					"error", err,
				)
				return nil
			}
			graphChunk = ck
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return knowledge.Bundle{}, err
	}

	merged := vectorBundle
	if graphChunk != nil {
		merged.Prepend(*graphChunk)
	}
	merged.Append(webBundle)

	c.logger.Debug("retrieval merged",
		"vector_chunks", len(vectorBundle.Chunks),
		"web_chunks", len(webBundle.Chunks),
		"graph_hit", graphChunk != nil,
		"total", len(merged.Chunks),
	)
	return merged, nil
}

// webClient picks the search client for one request: a fresh one under the
// request's own key when a factory is configured, the default otherwise.
func (c *Coordinator) webClient(apiKey string) WebRetriever {
	if apiKey != "" && c.webFactory != nil {
		w, err := c.webFactory(apiKey)
		if err != nil {
			c.logger.Warn("request-scoped web client failed, using default", "error", err)
			return c.web
		}
		return w
	}
	return c.web
}

// Pending is a vector retrieval started ahead of prompt preparation.
type Pending struct {
	ch chan pendingResult
}

type pendingResult struct {
	bundle knowledge.Bundle
	err    error
}

// Join blocks until the retrieval finishes.
func (p *Pending) Join() (knowledge.Bundle, error) {
	r := <-p.ch
	return r.bundle, r.err
}

// Start launches Retrieve in the background so the caller can overlap it
// with prompt assembly. The result must be collected with Join exactly once.
func (c *Coordinator) Start(ctx context.Context, req Request) *Pending {
	p := &Pending{ch: make(chan pendingResult, 1)}
	go func() {
		b, err := c.Retrieve(ctx, req)
		p.ch <- pendingResult{bundle: b, err: err}
	}()
	return p
}

func (c *Coordinator) retrieveVector(ctx context.Context, req Request) (knowledge.Bundle, error) {
	key := c.cacheKey(req)
	if key != "" {
		var cached knowledge.Bundle
		if c.cache.GetRetrieval(ctx, key, &cached) {
			return cached, nil
		}
	}

	b, err := c.vector.Retrieval(ctx, req.RetrieveRequest)
	if err != nil {
		return knowledge.Bundle{}, err
	}

	// Both enhancement steps degrade on failure, keeping the plain vector
	// result.
	if req.UseTOC && c.toc != nil {
		enhanced, err := c.toc.Enhance(ctx, req.RetrieveRequest, b)
		if err != nil {
			c.logger.Warn("toc enhancement failed, keeping vector result", "error", err)
		} else {
			b = enhanced
		}
	}
	if req.RerankModel != "" && c.rerank != nil {
		chunks, err := c.rerank.Rerank(ctx, req.RerankModel, req.Query, b.Chunks)
		if err != nil {
			c.logger.Warn("rerank failed, keeping vector order", "error", err)
		} else {
			b.Chunks = chunks
		}
	}

	if key != "" {
		// Vectors are dead weight once scoring is done; cache without them.
		c.cache.SetRetrieval(ctx, key, knowledge.StripVectors(b))
	}
	return b, nil
}

func (c *Coordinator) cacheKey(req Request) string {
	if c.cache == nil {
		return ""
	}
	return cache.RetrievalKey("retrieval", req.Query, req.KBIDs, req.TopK, map[string]any{
		"page":                 req.Page,
		"page_size":            req.PageSize,
		"similarity_threshold": req.SimilarityThreshold,
		"vector_weight":        req.VectorWeight,
		"doc_ids":              req.DocIDs,
		"rerank_model":         req.RerankModel,
		"toc":                  req.UseTOC,
		"tenant_ids":           req.TenantIDs,
	})
}
