package knowledge

import "context"

// RetrieveRequest scopes one retrieval call.
type RetrieveRequest struct {
	Query               string
	TenantIDs           []string
	KBIDs               []string
	Page                int
	PageSize            int
	SimilarityThreshold float32
	VectorWeight        float32
	DocIDs              []string // optional attachment/metadata scope
	TopK                int
	RerankModel         string // optional, passed through to reranking backends
}

// Retriever is the semantic search port consumed by the chat pipeline.
type Retriever interface {
	// Retrieval runs a similarity search and returns the ranked bundle.
	Retrieval(ctx context.Context, req RetrieveRequest) (Bundle, error)

	// InsertCitations matches answer sentences against the chunks and
	// rewrites the answer with [ID:n] markers, returning the cited chunk
	// indices. textWeight and vectorWeight blend token overlap with
	// embedding similarity.
	InsertCitations(ctx context.Context, answer string, chunks []Chunk, textWeight, vectorWeight float32) (string, []int, error)
}

// GraphRetriever is the optional knowledge-graph lookup port. A nil chunk
// result means the graph had nothing relevant.
type GraphRetriever interface {
	Retrieval(ctx context.Context, query string, tenantIDs, kbIDs []string) (*Chunk, error)
}
