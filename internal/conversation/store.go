package conversation

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

// Querier is the database capability the store needs. Satisfied by
// *pgxpool.Pool and by pgx transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists conversations. Reads go cache-first; writes hit the
// database first and refresh the cache only after the row is durable.
type Store struct {
	db     Querier
	cache  *cache.Cache
	logger *slog.Logger
}

func NewStore(db Querier, c *cache.Cache, logger *slog.Logger) *Store {
	return &Store{db: db, cache: c, logger: logger.With("component", "conversation")}
}

// Create inserts a new conversation.
func (s *Store) Create(ctx context.Context, conv *Conversation) error {
	messages, refs, err := marshalState(conv)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO conversations (id, dialog_id, user_id, name, messages, "references", created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		conv.ID, conv.DialogID, conv.UserID, conv.Name, messages, refs,
		conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	s.cache.SetConversation(ctx, conv.DialogID, conv.ID, conv)
	return nil
}

// Get fetches a conversation, cache-first.
func (s *Store) Get(ctx context.Context, dialogID, sessionID string) (*Conversation, error) {
	var cached Conversation
	if s.cache.GetConversation(ctx, dialogID, sessionID, &cached) {
		return &cached, nil
	}

	row := s.db.QueryRow(ctx, `
SELECT id, dialog_id, user_id, name, messages, "references", created_at, updated_at
FROM conversations WHERE id = $1 AND dialog_id = $2`, sessionID, dialogID)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query conversation %s: %w", sessionID, err)
	}

	s.cache.SetConversation(ctx, dialogID, sessionID, conv)
	return conv, nil
}

// List returns a dialog's conversations for one user, newest first, without
// the message payloads.
func (s *Store) List(ctx context.Context, dialogID, userID string) ([]Conversation, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, dialog_id, user_id, name, created_at, updated_at
FROM conversations WHERE dialog_id = $1 AND user_id = $2
ORDER BY updated_at DESC`, dialogID, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.DialogID, &c.UserID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Save writes the full conversation state, then refreshes the cache. The
// cache write happens strictly after the database commit so a cache read
// can never surface a turn the database lost.
func (s *Store) Save(ctx context.Context, conv *Conversation) error {
	messages, refs, err := marshalState(conv)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
UPDATE conversations
SET name = $3, messages = $4, "references" = $5, updated_at = $6
WHERE id = $1 AND dialog_id = $2`,
		conv.ID, conv.DialogID, conv.Name, messages, refs, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", conv.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.cache.SetConversation(ctx, conv.DialogID, conv.ID, conv)
	return nil
}

// Delete removes a conversation and drops its cache entry.
func (s *Store) Delete(ctx context.Context, dialogID, sessionID string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM conversations WHERE id = $1 AND dialog_id = $2`, sessionID, dialogID)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.cache.InvalidateConversation(ctx, dialogID, sessionID)
	return nil
}

func marshalState(conv *Conversation) (messages, refs []byte, err error) {
	if messages, err = json.Marshal(conv.Messages); err != nil {
		return nil, nil, fmt.Errorf("marshal messages: %w", err)
	}
	if refs, err = json.Marshal(conv.References); err != nil {
		return nil, nil, fmt.Errorf("marshal references: %w", err)
	}
	return messages, refs, nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		c        Conversation
		messages []byte
		refs     []byte
	)
	err := row.Scan(&c.ID, &c.DialogID, &c.UserID, &c.Name, &messages, &refs,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &c.Messages); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &c.References); err != nil {
			return nil, fmt.Errorf("decode references: %w", err)
		}
	}
	return &c, nil
}
