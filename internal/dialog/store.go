package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ragline/ragline/internal/cache"
)

// ErrNotFound reports a missing dialog.
var ErrNotFound = errors.New("dialog not found")

// Querier is the database capability the store needs. Satisfied by
// *pgxpool.Pool and by pgx transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists dialogs with a read-through cache in front.
type Store struct {
	db     Querier
	cache  *cache.Cache
	logger *slog.Logger
}

func NewStore(db Querier, c *cache.Cache, logger *slog.Logger) *Store {
	return &Store{db: db, cache: c, logger: logger.With("component", "dialog")}
}

const selectDialog = `
SELECT id, tenant_id, name, description, llm_id, llm_setting, prompt_config,
       kb_ids, similarity_threshold, vector_similarity_weight, top_n, top_k,
       rerank_id, meta_data_filter, created_at, updated_at
FROM dialogs`

// Get fetches one dialog, serving repeats from the cache until the TTL
// expires or an update invalidates the entry.
func (s *Store) Get(ctx context.Context, tenantID, dialogID string) (*Dialog, error) {
	var d Dialog
	if s.cache.GetDialog(ctx, tenantID, dialogID, &d) {
		return &d, nil
	}

	row := s.db.QueryRow(ctx, selectDialog+" WHERE id = $1 AND tenant_id = $2", dialogID, tenantID)
	got, err := scanDialog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query dialog %s: %w", dialogID, err)
	}

	s.cache.SetDialog(ctx, tenantID, dialogID, got)
	return got, nil
}

// List returns a tenant's dialogs, newest first. Listing bypasses the cache.
func (s *Store) List(ctx context.Context, tenantID string) ([]Dialog, error) {
	rows, err := s.db.Query(ctx, selectDialog+" WHERE tenant_id = $1 ORDER BY created_at DESC", tenantID)
	if err != nil {
		return nil, fmt.Errorf("list dialogs: %w", err)
	}
	defer rows.Close()

	var out []Dialog
	for rows.Next() {
		d, err := scanDialog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dialog: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Update writes the mutable dialog fields and invalidates the cached entry
// so the next turn reads fresh configuration.
func (s *Store) Update(ctx context.Context, d *Dialog) error {
	llmSetting, err := json.Marshal(d.LLMSetting)
	if err != nil {
		return fmt.Errorf("marshal llm setting: %w", err)
	}
	promptCfg, err := json.Marshal(d.PromptConfig)
	if err != nil {
		return fmt.Errorf("marshal prompt config: %w", err)
	}
	var metaFilter []byte
	if d.MetaDataFilter != nil {
		if metaFilter, err = json.Marshal(d.MetaDataFilter); err != nil {
			return fmt.Errorf("marshal metadata filter: %w", err)
		}
	}

	tag, err := s.db.Exec(ctx, `
UPDATE dialogs
SET name = $3, description = $4, llm_id = $5, llm_setting = $6,
    prompt_config = $7, kb_ids = $8, similarity_threshold = $9,
    vector_similarity_weight = $10, top_n = $11, top_k = $12,
    rerank_id = $13, meta_data_filter = $14, updated_at = now()
WHERE id = $1 AND tenant_id = $2`,
		d.ID, d.TenantID, d.Name, d.Description, d.LLMID, llmSetting,
		promptCfg, d.KBIDs, d.SimilarityThreshold, d.VectorSimilarityWeight,
		d.TopN, d.TopK, d.RerankID, metaFilter)
	if err != nil {
		return fmt.Errorf("update dialog %s: %w", d.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.cache.InvalidateDialog(ctx, d.TenantID, d.ID)
	return nil
}

// DocMetadata loads the metadata index of every document in the given
// knowledge bases, flattening each document's meta object into
// field -> value -> doc ids.
func (s *Store) DocMetadata(ctx context.Context, kbIDs []string) (DocMetadata, error) {
	if len(kbIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT d.id, m.key, COALESCE(m.value, '')
		   FROM documents d, jsonb_each_text(d.meta) AS m
		  WHERE d.kb_id = ANY($1)`, kbIDs)
	if err != nil {
		return nil, fmt.Errorf("query document metadata: %w", err)
	}
	defer rows.Close()

	metas := DocMetadata{}
	for rows.Next() {
		var docID, key, value string
		if err := rows.Scan(&docID, &key, &value); err != nil {
			return nil, fmt.Errorf("scan document metadata: %w", err)
		}
		if metas[key] == nil {
			metas[key] = map[string][]string{}
		}
		metas[key][value] = append(metas[key][value], docID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return metas, nil
}

// EmbedderIDs reports the distinct embedding models of the given knowledge
// bases. More than one id means the bases cannot share a vector search.
func (s *Store) EmbedderIDs(ctx context.Context, kbIDs []string) ([]string, error) {
	if len(kbIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT embedder_id FROM knowledge_bases WHERE id = ANY($1)`, kbIDs)
	if err != nil {
		return nil, fmt.Errorf("query embedder ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan embedder id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// FieldMap merges the tabular field maps of the given knowledge bases. An
// empty result means no KB exposes structured fields and the structured
// query fallback does not apply.
func (s *Store) FieldMap(ctx context.Context, kbIDs []string) (FieldMap, error) {
	if len(kbIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT parser_config->'field_map' FROM knowledge_bases WHERE id = ANY($1)`, kbIDs)
	if err != nil {
		return nil, fmt.Errorf("query field maps: %w", err)
	}
	defer rows.Close()

	merged := FieldMap{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan field map: %w", err)
		}
		if len(raw) == 0 {
			continue
		}
		var fm FieldMap
		if err := json.Unmarshal(raw, &fm); err != nil {
			s.logger.Warn("skipping malformed field map", "error", err)
			continue
		}
		for k, v := range fm {
			merged[k] = v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(merged) == 0 {
		return nil, nil
	}
	return merged, nil
}

func scanDialog(row pgx.Row) (*Dialog, error) {
	var (
		d          Dialog
		llmSetting []byte
		promptCfg  []byte
		metaFilter []byte
	)
	err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.Description, &d.LLMID,
		&llmSetting, &promptCfg, &d.KBIDs, &d.SimilarityThreshold,
		&d.VectorSimilarityWeight, &d.TopN, &d.TopK, &d.RerankID,
		&metaFilter, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(llmSetting) > 0 {
		if err := json.Unmarshal(llmSetting, &d.LLMSetting); err != nil {
			return nil, fmt.Errorf("decode llm setting: %w", err)
		}
	}
	if len(promptCfg) > 0 {
		if err := json.Unmarshal(promptCfg, &d.PromptConfig); err != nil {
			return nil, fmt.Errorf("decode prompt config: %w", err)
		}
	}
	if len(metaFilter) > 0 {
		d.MetaDataFilter = &MetadataFilter{}
		if err := json.Unmarshal(metaFilter, d.MetaDataFilter); err != nil {
			return nil, fmt.Errorf("decode metadata filter: %w", err)
		}
	}
	return &d, nil
}
