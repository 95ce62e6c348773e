package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ragline/ragline/internal/llm"
)

// ErrEmptyQuery indicates a retrieval call with no query text.
var ErrEmptyQuery = errors.New("empty retrieval query")

// searchTimeout bounds a single vector search.
const searchTimeout = 10 * time.Second

// Querier is the subset of pgxpool.Pool used by PGRetriever.
// Defined here so tests can supply a fake.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGRetriever implements Retriever over PostgreSQL with pgvector.
// Ranking blends cosine similarity against the query embedding with a
// full-text rank, weighted by the request's VectorWeight.
type PGRetriever struct {
	db       Querier
	embedder llm.Embedder
	logger   *slog.Logger
}

// NewPGRetriever creates a pgvector-backed retriever.
func NewPGRetriever(db Querier, embedder llm.Embedder, logger *slog.Logger) *PGRetriever {
	return &PGRetriever{
		db:       db,
		embedder: embedder,
		logger:   logger.With("component", "knowledge.pg"),
	}
}

const retrievalSQL = `
SELECT c.id, c.content, c.embedding, c.doc_id, d.name,
       (($6::float4) * (1 - (c.embedding <=> $1)) +
        (1 - $6::float4) * ts_rank_cd(c.content_tsv, plainto_tsquery('simple', $7))) AS score,
       1 - (c.embedding <=> $1) AS similarity
FROM chunks c
JOIN documents d ON d.id = c.doc_id
WHERE c.tenant_id = ANY($2)
  AND c.kb_id = ANY($3)
  AND (cardinality($4::text[]) = 0 OR c.doc_id = ANY($4))
  AND 1 - (c.embedding <=> $1) >= $5
ORDER BY score DESC
LIMIT $8 OFFSET $9`

// Retrieval embeds the query and runs a hybrid vector/term search scoped to
// the request's tenants and knowledge bases.
func (r *PGRetriever) Retrieval(ctx context.Context, req RetrieveRequest) (Bundle, error) {
	if req.Query == "" {
		return Bundle{}, ErrEmptyQuery
	}
	if req.PageSize <= 0 {
		req.PageSize = 6
	}
	if req.Page <= 0 {
		req.Page = 1
	}

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	vecs, err := r.embedder.Embed(queryCtx, []string{req.Query})
	if err != nil {
		return Bundle{}, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return Bundle{}, errors.New("empty embedding returned for query")
	}
	qvec := pgvector.NewVector(vecs[0])

	docIDs := req.DocIDs
	if docIDs == nil {
		docIDs = []string{}
	}
	offset := (req.Page - 1) * req.PageSize

	rows, err := r.db.Query(queryCtx, retrievalSQL,
		qvec, req.TenantIDs, req.KBIDs, docIDs,
		req.SimilarityThreshold, req.VectorWeight, req.Query,
		req.PageSize, offset)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Bundle{}, fmt.Errorf("search query timeout: %w", err)
		}
		return Bundle{}, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var bundle Bundle
	aggs := make(map[string]int)
	for rows.Next() {
		var (
			ck    Chunk
			vec   pgvector.Vector
			score float32
		)
		if err := rows.Scan(&ck.ID, &ck.Content, &vec, &ck.DocID, &ck.DocName, &score, &ck.Similarity); err != nil {
			return Bundle{}, fmt.Errorf("scanning chunk: %w", err)
		}
		ck.Vector = vec.Slice()
		bundle.Chunks = append(bundle.Chunks, ck)

		if i, ok := aggs[ck.DocID]; ok {
			bundle.DocAggs[i].Count++
		} else {
			aggs[ck.DocID] = len(bundle.DocAggs)
			bundle.DocAggs = append(bundle.DocAggs, DocAgg{DocID: ck.DocID, DocName: ck.DocName, Count: 1})
		}
	}
	if err := rows.Err(); err != nil {
		return Bundle{}, fmt.Errorf("reading chunks: %w", err)
	}

	bundle.Total = len(bundle.Chunks)
	r.logger.Debug("retrieval completed",
		"query_len", len(req.Query),
		"chunks", bundle.Total,
		"kb_ids", len(req.KBIDs),
	)
	return bundle, nil
}
