// Package chat implements the conversational turn pipeline: classification,
// structured fallback, retrieval fan-out, grounded generation with adaptive
// streaming, citation decoration and durable persistence.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ragline/ragline/internal/conversation"
	"github.com/ragline/ragline/internal/dialog"
	"github.com/ragline/ragline/internal/knowledge"
	"github.com/ragline/ragline/internal/llm"
	"github.com/ragline/ragline/internal/retrieval"
)

var (
	// ErrDialogRequired reports a turn without a dialog id.
	ErrDialogRequired = errors.New("dialog id is required")

	// ErrMissingParameter reports a required prompt template parameter the
	// request did not supply.
	ErrMissingParameter = errors.New("missing prompt parameter")

	// ErrEmbedderMismatch reports a dialog whose knowledge bases were
	// indexed with different embedding models and cannot be searched
	// together.
	ErrEmbedderMismatch = errors.New("knowledge bases use different embedding models")
)

// minDeltaRunes is the smallest pending delta worth running flush checks on.
const minDeltaRunes = 3

// promptBudgetRatio leaves generation headroom inside the model window when
// rendering knowledge into the prompt.
const promptBudgetRatio = 0.97

// DialogStore is the dialog configuration the engine reads.
type DialogStore interface {
	Get(ctx context.Context, tenantID, dialogID string) (*dialog.Dialog, error)
	FieldMap(ctx context.Context, kbIDs []string) (dialog.FieldMap, error)
	EmbedderIDs(ctx context.Context, kbIDs []string) ([]string, error)
	DocMetadata(ctx context.Context, kbIDs []string) (dialog.DocMetadata, error)
}

// ConversationStore is the session persistence the engine drives.
type ConversationStore interface {
	Get(ctx context.Context, dialogID, sessionID string) (*conversation.Conversation, error)
	Create(ctx context.Context, conv *conversation.Conversation) error
	Save(ctx context.Context, conv *conversation.Conversation) error
}

// MemoryPort is the background summarizer seen from the engine.
type MemoryPort interface {
	Load(ctx context.Context, conversationID string) string
	Generate(conversationID string, messages []llm.Message, prior string)
}

// Event is one unit of the turn's output stream. Non-final events carry the
// accumulated answer so far; the final event adds references and the id of
// the persisted message pair.
type Event struct {
	Answer conversation.Answer
	Final  bool
	Err    error
}

// TurnRequest is one user turn.
type TurnRequest struct {
	TenantID  string
	DialogID  string
	SessionID string // empty starts a new conversation
	UserID    string
	Question  string
	DocIDs    []string          // attachment scope for retrieval
	Params    map[string]string // system template parameter values
}

// Config wires an Engine.
type Config struct {
	Model       llm.ChatModel
	Dialogs     DialogStore
	Sessions    ConversationStore
	Retriever   *retrieval.Coordinator
	Citations   knowledge.Retriever // citation insertion; usually the vector retriever
	Tables      TableQuerier        // nil disables the structured fallback
	Memory      MemoryPort
	WebSearchOn bool // an API key is configured
	Logger      *slog.Logger
}

// Engine orchestrates one conversational turn end to end.
type Engine struct {
	model     llm.ChatModel
	dialogs   DialogStore
	sessions  ConversationStore
	retriever *retrieval.Coordinator
	citations knowledge.Retriever
	tables    TableQuerier
	memory    MemoryPort
	webOn     bool
	logger    *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		model:     cfg.Model,
		dialogs:   cfg.Dialogs,
		sessions:  cfg.Sessions,
		retriever: cfg.Retriever,
		citations: cfg.Citations,
		tables:    cfg.Tables,
		memory:    cfg.Memory,
		webOn:     cfg.WebSearchOn,
		logger:    cfg.Logger.With("component", "chat"),
	}
}

// HandleTurn runs one turn and streams events until the final answer or a
// terminal error. The returned channel closes when the turn is over.
func (e *Engine) HandleTurn(ctx context.Context, req TurnRequest) <-chan Event {
	events := make(chan Event, 8)
	go func() {
		defer close(events)
		if err := e.run(ctx, req, events); err != nil {
			events <- Event{Err: err}
		}
	}()
	return events
}

func (e *Engine) run(ctx context.Context, req TurnRequest, events chan<- Event) error {
	if req.DialogID == "" {
		return ErrDialogRequired
	}
	trace := Trace{Start: time.Now()}

	d, err := e.dialogs.Get(ctx, req.TenantID, req.DialogID)
	if err != nil {
		return err
	}

	conv, created, err := e.loadSession(ctx, d, req)
	if err != nil {
		return err
	}

	memoryText := ""
	if e.memory != nil {
		memoryText = e.memory.Load(ctx, conv.ID)
	}

	history := historyOf(conv)
	history = append(history, llm.Message{Role: llm.RoleUser, Content: req.Question})
	messageID := uuid.NewString()

	emit := func(text string) {
		events <- Event{Answer: conversation.Answer{
			Answer:    text,
			ID:        messageID,
			SessionID: conv.ID,
		}}
	}

	// Classification gate: one combined call decides the route and, for
	// greetings and refusals, already produces the whole answer.
	system, err := RenderSystem(d.PromptConfig, req.Params)
	if err != nil {
		return err
	}
	setting := d.GenDefaults()
	baseCfg := llm.GenConfig{
		Temperature:      float32(setting.Temperature),
		TopP:             float32(setting.TopP),
		MaxTokens:        setting.MaxTokens,
		PresencePenalty:  float32(setting.PresencePenalty),
		FrequencyPenalty: float32(setting.FrequencyPenalty),
	}
	clsSystem := classifySystemPrompt(system, DatetimeInfo(time.Now()))
	cls, err := e.classify(ctx, e.model, clsSystem, history, baseCfg, emit)
	if err != nil {
		return err
	}
	trace.Classify = time.Now()
	e.logger.Info("turn classified",
		"dialog_id", d.ID,
		"session_id", conv.ID,
		"intent", cls.Intent.String(),
	)

	if cls.Intent == IntentGreet || cls.Intent == IntentSensitive {
		return e.finishTurn(ctx, conv, created, req, messageID, cls.Answer,
			conversation.ReferenceBundle{}, events)
	}

	// KB route without any knowledge source degrades to a plain model chat.
	if len(d.KBIDs) == 0 && !e.useWeb(d) {
		answer, err := e.solo(ctx, e.model, d, history, memoryText, req.Params, emit)
		if err != nil {
			return err
		}
		return e.finishTurn(ctx, conv, created, req, messageID, answer,
			conversation.ReferenceBundle{}, events)
	}

	// Knowledge bases joined into one dialog must share an embedding model,
	// otherwise their vectors live in incomparable spaces.
	if len(d.KBIDs) > 0 {
		embedders, err := e.dialogs.EmbedderIDs(ctx, d.KBIDs)
		if err != nil {
			return err
		}
		if len(embedders) > 1 {
			return fmt.Errorf("%w: %s", ErrEmbedderMismatch, strings.Join(embedders, ", "))
		}
	}

	// Structured fallback: when the KBs expose tabular fields and the model
	// can express the question as SQL, the table is the whole answer.
	if e.tables != nil {
		fieldMap, err := e.dialogs.FieldMap(ctx, d.KBIDs)
		if err != nil {
			e.logger.Warn("field map lookup failed", "error", err)
		} else if len(fieldMap) > 0 {
			res, err := e.sqlFallback(ctx, e.model, e.tables, req.Question, "chunks", fieldMap, d.KBIDs)
			if err != nil {
				return err
			}
			if res != nil {
				refs := conversation.ReferenceBundle{
					Total:   res.References.Total,
					Chunks:  res.References.Chunks,
					DocAggs: res.References.DocAggs,
				}
				return e.finishTurn(ctx, conv, created, req, messageID, res.Answer, refs, events)
			}
		}
	}

	// Query refinement, then retrieval overlapped with prompt preparation.
	question := e.refineQuestion(ctx, d, history, req.Question)
	trace.Refine = time.Now()

	docIDs := e.resolveDocScope(ctx, d, question, req.DocIDs)

	pending := e.retriever.Start(ctx, retrieval.Request{
		RetrieveRequest: knowledge.RetrieveRequest{
			Query:               question,
			TenantIDs:           []string{req.TenantID},
			KBIDs:               d.KBIDs,
			DocIDs:              docIDs,
			PageSize:            d.TopN,
			SimilarityThreshold: d.SimilarityThreshold,
			VectorWeight:        d.VectorSimilarityWeight,
			TopK:                d.TopK,
			RerankModel:         d.RerankID,
		},
		UseKG:     d.PromptConfig.UseKG,
		UseWeb:    e.useWeb(d),
		UseTOC:    d.PromptConfig.TOCEnhance,
		Reasoning: d.PromptConfig.Reasoning,
		WebAPIKey: d.PromptConfig.TavilyAPIKey,
		OnThought: func(s string) { emit(s) },
	})

	bundle, err := pending.Join()
	if err != nil {
		return err
	}
	trace.Retrieval = time.Now()

	knowledgeTexts := knowledge.RenderPrompt(bundle, int(float64(baseCfg.MaxTokens)*promptBudgetRatio))

	// Nothing retrieved and the dialog has a canned empty answer.
	if len(knowledgeTexts) == 0 && d.PromptConfig.EmptyResponse != "" {
		return e.finishTurn(ctx, conv, created, req, messageID, d.PromptConfig.EmptyResponse,
			conversation.ReferenceBundle{}, events)
	}

	sysPrompt := buildSystemPrompt(systemPromptInput{
		System:      system,
		Datetime:    DatetimeInfo(time.Now()),
		Memory:      memoryText,
		Knowledge:   knowledgeTexts,
		AlreadySaid: cls.Answer,
		Quote:       d.PromptConfig.Quote,
	})

	msgs := e.buildMessages(history, question, memoryText)
	msgs = llm.FitMessages(append([]llm.Message{{Role: llm.RoleSystem, Content: sysPrompt}}, msgs...), baseCfg.MaxTokens)
	sysPrompt, msgs = splitSystem(msgs, sysPrompt)

	genCfg := baseCfg
	if used := llm.CountMessageTokens(msgs) + llm.CountTokens(sysPrompt); genCfg.MaxTokens > used {
		genCfg.MaxTokens -= used
	}

	raw, err := e.streamAnswer(ctx, e.model, sysPrompt, msgs, genCfg, emit)
	if err != nil {
		return err
	}
	trace.Generation = time.Now()

	dec := decorate(ctx, e.citations, decorateInput{
		Answer:       raw,
		Bundle:       bundle,
		Quote:        d.PromptConfig.Quote,
		VectorWeight: d.VectorSimilarityWeight,
		InitialSaid:  cls.Answer,
	}, e.logger)

	e.logger.Info("turn answered",
		"dialog_id", d.ID,
		"session_id", conv.ID,
		"cited", len(dec.Cited),
		"trace", trace.Render("", question, llm.CountTokens(dec.Answer)),
	)

	refs := conversation.ReferenceBundle{
		Total:   dec.References.Total,
		Chunks:  dec.References.Chunks,
		DocAggs: dec.References.DocAggs,
	}
	return e.finishTurn(ctx, conv, created, req, messageID, dec.Answer, refs, events)
}

// loadSession fetches the conversation or starts one with the dialog's
// prologue.
func (e *Engine) loadSession(ctx context.Context, d *dialog.Dialog, req TurnRequest) (*conversation.Conversation, bool, error) {
	if req.SessionID != "" {
		conv, err := e.sessions.Get(ctx, d.ID, req.SessionID)
		if err == nil {
			return conv, false, nil
		}
		if !errors.Is(err, conversation.ErrNotFound) {
			return nil, false, err
		}
	}
	conv := conversation.New(d.ID, req.UserID, firstWords(req.Question, 8), d.PromptConfig.Prologue)
	if req.SessionID != "" {
		conv.ID = req.SessionID
	}
	return conv, true, nil
}

// finishTurn persists the exchange durably, refreshes the cache through the
// store, emits the final event and kicks off memory generation.
func (e *Engine) finishTurn(ctx context.Context, conv *conversation.Conversation, created bool, req TurnRequest, messageID, answer string, refs conversation.ReferenceBundle, events chan<- Event) error {
	conv.AppendTurn(
		conversation.Message{ID: messageID, Content: req.Question},
		conversation.Message{ID: messageID, Content: answer},
		refs,
	)

	var err error
	if created {
		err = e.sessions.Create(ctx, conv)
	} else {
		err = e.sessions.Save(ctx, conv)
	}
	if err != nil {
		return err
	}

	if e.memory != nil {
		// The summarizer narrows to the newest exchange when a prior blob
		// exists; without one it needs the whole conversation.
		prior := e.memory.Load(ctx, conv.ID)
		e.memory.Generate(conv.ID, historyOf(conv), prior)
	}

	final := conversation.StructureAnswer(conv, answer, &refs, messageID)
	final.Final = true
	events <- Event{Answer: final, Final: true}
	return nil
}

// useWeb reports whether the turn can reach web search, either through the
// process-wide client or a key the dialog carries itself.
func (e *Engine) useWeb(d *dialog.Dialog) bool {
	return e.webOn || d.PromptConfig.TavilyAPIKey != ""
}

// refineQuestion applies the dialog's refinement flags: multi-turn
// condensation, cross-language expansion and keyword extraction.
func (e *Engine) refineQuestion(ctx context.Context, d *dialog.Dialog, history []llm.Message, raw string) string {
	question := raw
	if d.PromptConfig.RefineMultiturn {
		if q := e.fullQuestion(ctx, e.model, history); q != "" {
			question = q
		}
	}
	question = e.crossLanguages(ctx, e.model, question, d.PromptConfig.CrossLanguages)
	if d.PromptConfig.Keyword {
		if kw := e.keywordExtraction(ctx, e.model, question, 12); kw != "" {
			question += " " + kw
		}
	}
	return question
}

// buildMessages prepares the generation history. With memory present only
// the refined question goes out; otherwise the full cleaned history does,
// with the last user message replaced by the refined question.
func (e *Engine) buildMessages(history []llm.Message, question, memoryText string) []llm.Message {
	if memoryText != "" {
		return []llm.Message{{Role: llm.RoleUser, Content: CleanContent(question)}}
	}
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.Role == llm.RoleSystem {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: CleanContent(m.Content)})
	}
	if len(out) > 0 {
		out[len(out)-1].Content = CleanContent(question)
	}
	return out
}

// streamAnswer drives one streaming generation through the flush
// controller, emitting the accumulated text at every flush point. Returns
// the complete raw answer.
func (e *Engine) streamAnswer(ctx context.Context, model llm.ChatModel, system string, msgs []llm.Message, cfg llm.GenConfig, emit func(string)) (string, error) {
	ch, err := model.ChatStream(ctx, system, msgs, cfg)
	if err != nil {
		return "", err
	}

	fc := NewFlushController()
	var accumulated, pendingDelta strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return accumulated.String(), chunk.Err
		}
		accumulated.WriteString(chunk.Delta)
		pendingDelta.WriteString(chunk.Delta)

		if utf8.RuneCountInString(pendingDelta.String()) < minDeltaRunes {
			continue
		}
		if fc.ShouldFlush(pendingDelta.String(), false) {
			emit(accumulated.String())
			pendingDelta.Reset()
		}
	}
	if fc.ShouldFlush(pendingDelta.String(), true) {
		emit(accumulated.String())
	}
	return accumulated.String(), nil
}

func historyOf(conv *conversation.Conversation) []llm.Message {
	out := make([]llm.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		out = append(out, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	return out
}

// firstWords derives a conversation name from the opening question.
func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

// splitSystem pulls the system message back out after window fitting.
func splitSystem(msgs []llm.Message, fallback string) (string, []llm.Message) {
	if len(msgs) > 0 && msgs[0].Role == llm.RoleSystem {
		return msgs[0].Content, msgs[1:]
	}
	return fallback, msgs
}
