package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/ragline/ragline/internal/chat"
	"github.com/ragline/ragline/internal/conversation"
	"github.com/ragline/ragline/internal/dialog"
	"github.com/ragline/ragline/internal/llm"
	"github.com/ragline/ragline/internal/log"
)

type fakeSessions struct {
	convs map[string]*conversation.Conversation
	saves int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{convs: make(map[string]*conversation.Conversation)}
}

func (f *fakeSessions) Get(_ context.Context, dialogID, sessionID string) (*conversation.Conversation, error) {
	conv, ok := f.convs[dialogID+"/"+sessionID]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (f *fakeSessions) List(_ context.Context, dialogID, _ string) ([]conversation.Conversation, error) {
	var out []conversation.Conversation
	for k, c := range f.convs {
		if strings.HasPrefix(k, dialogID+"/") {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeSessions) Create(_ context.Context, conv *conversation.Conversation) error {
	f.convs[conv.DialogID+"/"+conv.ID] = conv
	return nil
}

func (f *fakeSessions) Save(_ context.Context, conv *conversation.Conversation) error {
	f.saves++
	f.convs[conv.DialogID+"/"+conv.ID] = conv
	return nil
}

func (f *fakeSessions) Delete(_ context.Context, dialogID, sessionID string) error {
	delete(f.convs, dialogID+"/"+sessionID)
	return nil
}

type fakeDialogs struct {
	dialogs map[string]*dialog.Dialog
}

func (f *fakeDialogs) Get(_ context.Context, _, dialogID string) (*dialog.Dialog, error) {
	d, ok := f.dialogs[dialogID]
	if !ok {
		return nil, dialog.ErrNotFound
	}
	return d, nil
}

func (f *fakeDialogs) FieldMap(context.Context, []string) (dialog.FieldMap, error) {
	return nil, nil
}

func (f *fakeDialogs) EmbedderIDs(context.Context, []string) ([]string, error) {
	return nil, nil
}

func (f *fakeDialogs) DocMetadata(context.Context, []string) (dialog.DocMetadata, error) {
	return nil, nil
}

type fakeMemory struct{}

func (fakeMemory) Load(context.Context, string) string    { return "" }
func (fakeMemory) Generate(string, []llm.Message, string) {}

// greetModel classifies every turn as a greeting.
type greetModel struct{}

func (greetModel) Chat(context.Context, string, []llm.Message, llm.GenConfig) (string, error) {
	return "", llm.ErrNoModel
}

func (greetModel) ChatStream(ctx context.Context, _ string, _ []llm.Message, _ llm.GenConfig) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Delta: "[CLASSIFY:GREET] "}
	ch <- llm.StreamChunk{Delta: "Hello! How can I help?"}
	close(ch)
	return ch, nil
}

func testDialog() *dialog.Dialog {
	return &dialog.Dialog{
		ID:       "d1",
		TenantID: "t1",
		Name:     "assistant",
		PromptConfig: dialog.PromptConfig{
			System:   "You are a helpful assistant.",
			Prologue: "Hi! What can I do for you?",
		},
	}
}

func newTestHandler(t *testing.T, sessions *fakeSessions) *ConversationHandler {
	t.Helper()
	dialogs := &fakeDialogs{dialogs: map[string]*dialog.Dialog{"d1": testDialog()}}
	engine := chat.NewEngine(chat.Config{
		Model:    greetModel{},
		Dialogs:  dialogs,
		Sessions: sessions,
		Memory:   fakeMemory{},
		Logger:   log.NewNop(),
	})
	return NewConversationHandler(engine, sessions, dialogs, log.NewNop())
}

func doJSON(t *testing.T, h http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(headerTenantID, "t1")
	req.Header.Set(headerUserID, "u1")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, w.Body.String())
	}
	return resp
}

func TestSetCreatesConversationWithPrologue(t *testing.T) {
	defer goleak.VerifyNone(t)
	sessions := newFakeSessions()
	h := newTestHandler(t, sessions)

	w := doJSON(t, h.set, http.MethodPost, "/v1/conversation/set", SetRequest{DialogID: "d1", Name: "trip planning"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeEnvelope(t, w)
	if resp.Code != CodeOK {
		t.Fatalf("code = %d, message %q", resp.Code, resp.Message)
	}
	if len(sessions.convs) != 1 {
		t.Fatalf("stored conversations = %d", len(sessions.convs))
	}
	for _, conv := range sessions.convs {
		if len(conv.Messages) != 1 || conv.Messages[0].Content != "Hi! What can I do for you?" {
			t.Errorf("prologue message = %+v", conv.Messages)
		}
		if !conv.Consistent() {
			t.Error("references out of lock step")
		}
	}
}

func TestSetRenamesExistingConversation(t *testing.T) {
	defer goleak.VerifyNone(t)
	sessions := newFakeSessions()
	conv := conversation.New("d1", "u1", "old name", "hi")
	sessions.convs["d1/"+conv.ID] = conv
	h := newTestHandler(t, sessions)

	w := doJSON(t, h.set, http.MethodPost, "/v1/conversation/set",
		SetRequest{DialogID: "d1", ConversationID: conv.ID, Name: "new name"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := sessions.convs["d1/"+conv.ID].Name; got != "new name" {
		t.Errorf("name = %q", got)
	}
}

func TestGetUnknownConversation(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newTestHandler(t, newFakeSessions())

	req := httptest.NewRequest(http.MethodGet, "/v1/conversation/get?dialog_id=d1&conversation_id=nope", nil)
	w := httptest.NewRecorder()
	h.get(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decodeEnvelope(t, w); resp.Code != CodeNotFound {
		t.Errorf("code = %d", resp.Code)
	}
}

func TestRemoveDeletesConversations(t *testing.T) {
	defer goleak.VerifyNone(t)
	sessions := newFakeSessions()
	conv := conversation.New("d1", "u1", "x", "hi")
	sessions.convs["d1/"+conv.ID] = conv
	h := newTestHandler(t, sessions)

	w := doJSON(t, h.remove, http.MethodPost, "/v1/conversation/rm",
		RemoveRequest{DialogID: "d1", ConversationIDs: []string{conv.ID}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(sessions.convs) != 0 {
		t.Errorf("conversations left = %d", len(sessions.convs))
	}
}

func TestThumbupRecordsFeedback(t *testing.T) {
	defer goleak.VerifyNone(t)
	sessions := newFakeSessions()
	conv := conversation.New("d1", "u1", "x", "hi")
	conv.AppendTurn(
		conversation.Message{Content: "question"},
		conversation.Message{Content: "answer"},
		conversation.ReferenceBundle{},
	)
	msgID := conv.Messages[2].ID
	sessions.convs["d1/"+conv.ID] = conv
	h := newTestHandler(t, sessions)

	w := doJSON(t, h.thumbup, http.MethodPost, "/v1/conversation/thumbup",
		FeedbackRequest{DialogID: "d1", ConversationID: conv.ID, MessageID: msgID, Set: true, Feedback: "great"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	saved := sessions.convs["d1/"+conv.ID]
	m := saved.Messages[2]
	if m.ThumbUp == nil || !*m.ThumbUp || m.Feedback != "great" {
		t.Errorf("feedback not recorded: %+v", m)
	}
}

func TestDeleteMessageRemovesPair(t *testing.T) {
	defer goleak.VerifyNone(t)
	sessions := newFakeSessions()
	conv := conversation.New("d1", "u1", "x", "hi")
	conv.AppendTurn(
		conversation.Message{Content: "question"},
		conversation.Message{Content: "answer"},
		conversation.ReferenceBundle{},
	)
	userID := conv.Messages[1].ID
	sessions.convs["d1/"+conv.ID] = conv
	h := newTestHandler(t, sessions)

	w := doJSON(t, h.deleteMessage, http.MethodPost, "/v1/conversation/delete_msg",
		DeleteMessageRequest{DialogID: "d1", ConversationID: conv.ID, MessageID: userID})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	saved := sessions.convs["d1/"+conv.ID]
	if len(saved.Messages) != 1 {
		t.Errorf("messages = %d", len(saved.Messages))
	}
	if !saved.Consistent() {
		t.Error("references out of lock step")
	}
}

func TestCompletionStreamsGreeting(t *testing.T) {
	defer goleak.VerifyNone(t)
	sessions := newFakeSessions()
	h := newTestHandler(t, sessions)

	w := doJSON(t, h.completion, http.MethodPost, "/v1/conversation/completion",
		CompletionRequest{DialogID: "d1", Question: "hello there"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body := w.Body.String()
	if !strings.Contains(body, "Hello! How can I help?") {
		t.Errorf("missing answer in stream:\n%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data:true") {
		t.Errorf("stream not terminated:\n%s", body)
	}
	// The turn must have been persisted.
	if len(sessions.convs) != 1 {
		t.Fatalf("stored conversations = %d", len(sessions.convs))
	}
	for _, conv := range sessions.convs {
		if len(conv.Messages) != 3 {
			t.Errorf("messages = %d", len(conv.Messages))
		}
		if !conv.Consistent() {
			t.Error("references out of lock step")
		}
	}
}

func TestCompletionSyncReturnsFinalAnswer(t *testing.T) {
	defer goleak.VerifyNone(t)
	sessions := newFakeSessions()
	h := newTestHandler(t, sessions)

	stream := false
	w := doJSON(t, h.completion, http.MethodPost, "/v1/conversation/completion",
		CompletionRequest{DialogID: "d1", Question: "hello there", Stream: &stream})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeEnvelope(t, w)
	if resp.Code != CodeOK {
		t.Fatalf("code = %d, message %q", resp.Code, resp.Message)
	}
	data, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("remarshal data: %v", err)
	}
	var answer conversation.Answer
	if err := json.Unmarshal(data, &answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if !strings.Contains(answer.Answer, "Hello! How can I help?") {
		t.Errorf("answer = %q", answer.Answer)
	}
	if answer.SessionID == "" {
		t.Error("missing session id")
	}
}

func TestCompletionRejectsMissingQuestion(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newTestHandler(t, newFakeSessions())

	w := doJSON(t, h.completion, http.MethodPost, "/v1/conversation/completion",
		CompletionRequest{DialogID: "d1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decodeEnvelope(t, w); resp.Code != CodeBadInput {
		t.Errorf("code = %d", resp.Code)
	}
}
