package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ragline/ragline/internal/chat"
	"github.com/ragline/ragline/internal/conversation"
	"github.com/ragline/ragline/internal/dialog"
	"github.com/ragline/ragline/internal/log"
	"github.com/ragline/ragline/internal/sse"
)

// Request size and validation bounds.
const (
	MaxBodyBytes     = 1 << 20
	MaxQuestionBytes = 32 << 10
	MaxNameLength    = 255
)

// Identity headers. A gateway in front of this service is expected to
// authenticate and fill these in.
const (
	headerTenantID = "X-Tenant-ID"
	headerUserID   = "X-User-ID"
)

// ConversationStore is the session persistence the handlers drive.
type ConversationStore interface {
	Get(ctx context.Context, dialogID, sessionID string) (*conversation.Conversation, error)
	List(ctx context.Context, dialogID, userID string) ([]conversation.Conversation, error)
	Create(ctx context.Context, conv *conversation.Conversation) error
	Save(ctx context.Context, conv *conversation.Conversation) error
	Delete(ctx context.Context, dialogID, sessionID string) error
}

// DialogStore resolves dialog configuration for session creation.
type DialogStore interface {
	Get(ctx context.Context, tenantID, dialogID string) (*dialog.Dialog, error)
}

// ConversationHandler serves the conversation endpoints: session CRUD,
// feedback, message deletion and the streaming completion.
type ConversationHandler struct {
	engine   *chat.Engine
	sessions ConversationStore
	dialogs  DialogStore
	logger   log.Logger
}

func NewConversationHandler(engine *chat.Engine, sessions ConversationStore, dialogs DialogStore, logger log.Logger) *ConversationHandler {
	return &ConversationHandler{engine: engine, sessions: sessions, dialogs: dialogs, logger: logger}
}

// RegisterRoutes registers conversation routes on the given mux.
func (h *ConversationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/conversation/set", h.set)
	mux.HandleFunc("GET /v1/conversation/get", h.get)
	mux.HandleFunc("GET /v1/conversation/list", h.list)
	mux.HandleFunc("POST /v1/conversation/rm", h.remove)
	mux.HandleFunc("POST /v1/conversation/thumbup", h.thumbup)
	mux.HandleFunc("POST /v1/conversation/delete_msg", h.deleteMessage)
	mux.HandleFunc("POST /v1/conversation/completion", h.completion)
}

func identity(r *http.Request) (tenantID, userID string) {
	return r.Header.Get(headerTenantID), r.Header.Get(headerUserID)
}

func (h *ConversationHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, CodeBadInput, "invalid request body")
		return false
	}
	return true
}

// SetRequest creates a conversation when ConversationID is empty, otherwise
// renames the existing one.
type SetRequest struct {
	ConversationID string `json:"conversation_id"`
	DialogID       string `json:"dialog_id"`
	Name           string `json:"name"`
}

func (h *ConversationHandler) set(w http.ResponseWriter, r *http.Request) {
	var req SetRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.DialogID == "" {
		writeError(w, h.logger, http.StatusBadRequest, CodeBadInput, "dialog_id is required")
		return
	}
	if len(req.Name) > MaxNameLength {
		writeError(w, h.logger, http.StatusBadRequest, CodeBadInput, "name too long")
		return
	}
	tenantID, userID := identity(r)

	if req.ConversationID != "" {
		conv, err := h.sessions.Get(r.Context(), req.DialogID, req.ConversationID)
		if err != nil {
			h.notFoundOrInternal(w, err, "failed to load conversation")
			return
		}
		conv.Name = req.Name
		if err := h.sessions.Save(r.Context(), conv); err != nil {
			h.logger.Error("failed to rename conversation", "error", err, "conversation_id", conv.ID)
			writeError(w, h.logger, http.StatusInternalServerError, CodeInternal, "failed to save conversation")
			return
		}
		writeData(w, h.logger, conv)
		return
	}

	d, err := h.dialogs.Get(r.Context(), tenantID, req.DialogID)
	if err != nil {
		h.notFoundOrInternal(w, err, "failed to load dialog")
		return
	}
	name := req.Name
	if name == "" {
		name = "New conversation"
	}
	conv := conversation.New(d.ID, userID, name, d.PromptConfig.Prologue)
	if err := h.sessions.Create(r.Context(), conv); err != nil {
		h.logger.Error("failed to create conversation", "error", err, "dialog_id", d.ID)
		writeError(w, h.logger, http.StatusInternalServerError, CodeInternal, "failed to create conversation")
		return
	}
	writeData(w, h.logger, conv)
}

func (h *ConversationHandler) get(w http.ResponseWriter, r *http.Request) {
	dialogID := r.URL.Query().Get("dialog_id")
	convID := r.URL.Query().Get("conversation_id")
	if dialogID == "" || convID == "" {
		writeError(w, h.logger, http.StatusBadRequest, CodeBadInput, "dialog_id and conversation_id are required")
		return
	}
	conv, err := h.sessions.Get(r.Context(), dialogID, convID)
	if err != nil {
		h.notFoundOrInternal(w, err, "failed to load conversation")
		return
	}
	writeData(w, h.logger, conv)
}

func (h *ConversationHandler) list(w http.ResponseWriter, r *http.Request) {
	dialogID := r.URL.Query().Get("dialog_id")
	if dialogID == "" {
		writeError(w, h.logger, http.StatusBadRequest, CodeBadInput, "dialog_id is required")
		return
	}
	_, userID := identity(r)
	convs, err := h.sessions.List(r.Context(), dialogID, userID)
	if err != nil {
		h.logger.Error("failed to list conversations", "error", err, "dialog_id", dialogID)
		writeError(w, h.logger, http.StatusInternalServerError, CodeInternal, "failed to list conversations")
		return
	}
	writeData(w, h.logger, convs)
}

// RemoveRequest deletes one or more conversations of a dialog.
type RemoveRequest struct {
	DialogID        string   `json:"dialog_id"`
	ConversationIDs []string `json:"conversation_ids"`
}

func (h *ConversationHandler) remove(w http.ResponseWriter, r *http.Request) {
	var req RemoveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.DialogID == "" || len(req.ConversationIDs) == 0 {
		writeError(w, h.logger, http.StatusBadRequest, CodeBadInput, "dialog_id and conversation_ids are required")
		return
	}
	for _, id := range req.ConversationIDs {
		if err := h.sessions.Delete(r.Context(), req.DialogID, id); err != nil {
			h.logger.Error("failed to delete conversation", "error", err, "conversation_id", id)
			writeError(w, h.logger, http.StatusInternalServerError, CodeInternal, "failed to delete conversation")
			return
		}
	}
	writeData(w, h.logger, true)
}

// FeedbackRequest records a thumbs-up/down on an assistant message.
type FeedbackRequest struct {
	DialogID       string `json:"dialog_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Set            bool   `json:"set"`
	Feedback       string `json:"feedback"`
}

func (h *ConversationHandler) thumbup(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutateConversation(w, r, req.DialogID, req.ConversationID, func(conv *conversation.Conversation) error {
		return conv.SetFeedback(req.MessageID, req.Set, req.Feedback)
	})
}

// DeleteMessageRequest removes a question/answer pair from the history.
type DeleteMessageRequest struct {
	DialogID       string `json:"dialog_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

func (h *ConversationHandler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	var req DeleteMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutateConversation(w, r, req.DialogID, req.ConversationID, func(conv *conversation.Conversation) error {
		return conv.DeleteMessage(req.MessageID)
	})
}

// mutateConversation loads, mutates and saves a conversation, translating
// domain errors into envelope codes.
func (h *ConversationHandler) mutateConversation(w http.ResponseWriter, r *http.Request, dialogID, convID string, mutate func(*conversation.Conversation) error) {
	if dialogID == "" || convID == "" {
		writeError(w, h.logger, http.StatusBadRequest, CodeBadInput, "dialog_id and conversation_id are required")
		return
	}
	conv, err := h.sessions.Get(r.Context(), dialogID, convID)
	if err != nil {
		h.notFoundOrInternal(w, err, "failed to load conversation")
		return
	}
	if err := mutate(conv); err != nil {
		if errors.Is(err, conversation.ErrMessageNotFound) {
			writeError(w, h.logger, http.StatusNotFound, CodeNotFound, "message not found")
			return
		}
		writeError(w, h.logger, http.StatusBadRequest, CodeBadInput, err.Error())
		return
	}
	if err := h.sessions.Save(r.Context(), conv); err != nil {
		h.logger.Error("failed to save conversation", "error", err, "conversation_id", conv.ID)
		writeError(w, h.logger, http.StatusInternalServerError, CodeInternal, "failed to save conversation")
		return
	}
	writeData(w, h.logger, conv)
}

// CompletionRequest is one user turn. Stream defaults to true; set it to
// false to receive a single JSON envelope with the final answer.
type CompletionRequest struct {
	DialogID       string            `json:"dialog_id"`
	ConversationID string            `json:"conversation_id"`
	Question       string            `json:"question"`
	DocIDs         []string          `json:"doc_ids,omitempty"`
	Params         map[string]string `json:"params"`
	Stream         *bool             `json:"stream"`
}

func (h *ConversationHandler) completion(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.DialogID == "" {
		writeError(w, h.logger, http.StatusBadRequest, CodeBadInput, "dialog_id is required")
		return
	}
	if req.Question == "" {
		writeError(w, h.logger, http.StatusBadRequest, CodeBadInput, "question is required")
		return
	}
	if len(req.Question) > MaxQuestionBytes {
		writeError(w, h.logger, http.StatusBadRequest, CodeBadInput, "question too long")
		return
	}
	tenantID, userID := identity(r)

	turn := chat.TurnRequest{
		TenantID:  tenantID,
		DialogID:  req.DialogID,
		SessionID: req.ConversationID,
		UserID:    userID,
		Question:  req.Question,
		DocIDs:    req.DocIDs,
		Params:    req.Params,
	}

	if req.Stream != nil && !*req.Stream {
		h.completeSync(w, r, turn)
		return
	}
	h.completeStream(w, r, turn)
}

// completeStream relays engine events over SSE. Each event carries the
// accumulated answer; the stream ends with a data:true completion event.
func (h *ConversationHandler) completeStream(w http.ResponseWriter, r *http.Request, turn chat.TurnRequest) {
	writer, err := sse.NewWriter(w)
	if err != nil {
		h.logger.Error("streaming not supported", "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, CodeInternal, "streaming not supported")
		return
	}
	ctx := r.Context()

	var partial *conversation.Answer
	for ev := range h.engine.HandleTurn(ctx, turn) {
		if ev.Err != nil {
			h.logger.Error("completion failed", "error", ev.Err, "dialog_id", turn.DialogID)
			_ = writer.WriteError(ctx, CodeInternal, ev.Err, partial)
			return
		}
		answer := ev.Answer
		partial = &answer
		if err := writer.WriteData(ctx, answer); err != nil {
			h.logger.Info("client went away", "dialog_id", turn.DialogID)
			return
		}
	}
	_ = writer.WriteDone(ctx)
}

// completeSync drains the event stream and returns only the final answer.
func (h *ConversationHandler) completeSync(w http.ResponseWriter, r *http.Request, turn chat.TurnRequest) {
	var final *conversation.Answer
	for ev := range h.engine.HandleTurn(r.Context(), turn) {
		if ev.Err != nil {
			h.logger.Error("completion failed", "error", ev.Err, "dialog_id", turn.DialogID)
			writeError(w, h.logger, http.StatusInternalServerError, CodeInternal, ev.Err.Error())
			return
		}
		if ev.Final {
			answer := ev.Answer
			final = &answer
		}
	}
	if final == nil {
		writeError(w, h.logger, http.StatusInternalServerError, CodeInternal, "no answer produced")
		return
	}
	writeData(w, h.logger, final)
}

func (h *ConversationHandler) notFoundOrInternal(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, conversation.ErrNotFound) || errors.Is(err, dialog.ErrNotFound) {
		writeError(w, h.logger, http.StatusNotFound, CodeNotFound, "not found")
		return
	}
	h.logger.Error(msg, "error", err)
	writeError(w, h.logger, http.StatusInternalServerError, CodeInternal, msg)
}
