// Package conversation manages conversation sessions: the ordered message
// history plus the reference bundles backing each assistant answer.
//
// Invariant: the reference list stays in lock step with the assistant
// messages. Every append and delete goes through operations that preserve
// the pairing.
package conversation

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ragline/ragline/internal/knowledge"
)

var (
	// ErrNotFound reports a missing conversation.
	ErrNotFound = errors.New("conversation not found")
	// ErrMessageNotFound reports a message id absent from the history.
	ErrMessageNotFound = errors.New("message not found")
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one history entry.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ThumbUp   *bool     `json:"thumb_up,omitempty"`
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ReferenceBundle is the evidence behind one assistant message.
type ReferenceBundle struct {
	Total   int                `json:"total"`
	Chunks  []knowledge.Chunk  `json:"chunks"`
	DocAggs []knowledge.DocAgg `json:"doc_aggs"`
}

// Conversation is one session of a dialog.
type Conversation struct {
	ID         string            `json:"id"`
	DialogID   string            `json:"dialog_id"`
	UserID     string            `json:"user_id"`
	Name       string            `json:"name"`
	Messages   []Message         `json:"messages"`
	References []ReferenceBundle `json:"references"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// New creates a conversation opened by the dialog's prologue.
func New(dialogID, userID, name, prologue string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:       uuid.NewString(),
		DialogID: dialogID,
		UserID:   userID,
		Name:     name,
		Messages: []Message{{
			ID:        uuid.NewString(),
			Role:      RoleAssistant,
			Content:   prologue,
			CreatedAt: now,
		}},
		// The prologue needs a placeholder bundle to keep the pairing.
		References: []ReferenceBundle{{}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AppendTurn records one completed user/assistant exchange.
func (c *Conversation) AppendTurn(question Message, answer Message, refs ReferenceBundle) {
	now := time.Now().UTC()
	if question.ID == "" {
		question.ID = uuid.NewString()
	}
	if answer.ID == "" {
		answer.ID = question.ID // the original pairs both halves under one id
	}
	if question.CreatedAt.IsZero() {
		question.CreatedAt = now
	}
	if answer.CreatedAt.IsZero() {
		answer.CreatedAt = now
	}
	question.Role = RoleUser
	answer.Role = RoleAssistant

	c.Messages = append(c.Messages, question, answer)
	c.References = append(c.References, refs)
	c.UpdatedAt = now
}

// DeleteMessage removes the user/assistant pair containing messageID along
// with the assistant half's reference bundle.
func (c *Conversation) DeleteMessage(messageID string) error {
	for i, m := range c.Messages {
		if m.ID != messageID || m.Role != RoleUser {
			continue
		}
		if i+1 >= len(c.Messages) || c.Messages[i+1].Role != RoleAssistant {
			return ErrMessageNotFound
		}
		refIdx := c.assistantOrdinal(i + 1)
		c.Messages = append(c.Messages[:i], c.Messages[i+2:]...)
		if refIdx >= 0 && refIdx < len(c.References) {
			c.References = append(c.References[:refIdx], c.References[refIdx+1:]...)
		}
		c.UpdatedAt = time.Now().UTC()
		return nil
	}
	return ErrMessageNotFound
}

// SetFeedback records a thumbs-up/down and optional feedback text on an
// assistant message.
func (c *Conversation) SetFeedback(messageID string, up bool, feedback string) error {
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.ID != messageID || m.Role != RoleAssistant {
			continue
		}
		m.ThumbUp = &up
		m.Feedback = feedback
		c.UpdatedAt = time.Now().UTC()
		return nil
	}
	return ErrMessageNotFound
}

// assistantOrdinal returns which assistant message (0-based) sits at
// position idx, which is also its index into References.
func (c *Conversation) assistantOrdinal(idx int) int {
	n := -1
	for i := 0; i <= idx && i < len(c.Messages); i++ {
		if c.Messages[i].Role == RoleAssistant {
			n++
		}
	}
	return n
}

// Consistent reports whether references and assistant messages are still in
// lock step.
func (c *Conversation) Consistent() bool {
	n := 0
	for _, m := range c.Messages {
		if m.Role == RoleAssistant {
			n++
		}
	}
	return n == len(c.References)
}

// Answer is the per-event payload streamed to clients and returned by the
// sync completion path.
type Answer struct {
	Answer    string           `json:"answer"`
	Reference *ReferenceBundle `json:"reference,omitempty"`
	ID        string           `json:"id,omitempty"`
	SessionID string           `json:"session_id"`
	Prompt    string           `json:"prompt,omitempty"`
	Final     bool             `json:"-"`
}

// StructureAnswer shapes one engine result into the client payload,
// stripping vectors so they never reach the wire.
func StructureAnswer(conv *Conversation, answer string, refs *ReferenceBundle, messageID string) Answer {
	a := Answer{
		Answer:    answer,
		ID:        messageID,
		SessionID: conv.ID,
	}
	if refs != nil {
		clean := ReferenceBundle{
			Total:   refs.Total,
			DocAggs: refs.DocAggs,
		}
		stripped := knowledge.StripVectors(knowledge.Bundle{Chunks: refs.Chunks})
		clean.Chunks = stripped.Chunks
		a.Reference = &clean
	}
	return a
}
