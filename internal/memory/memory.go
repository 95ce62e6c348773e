// Package memory implements the background conversation summarizer.
//
// After every turn the engine submits a fire-and-forget summarization task;
// the resulting blob substitutes for full history on following turns. The
// caller only guarantees task submission, never completion, and summarizer
// failures never affect a user-visible turn.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ragline/ragline/internal/cache"
	"github.com/ragline/ragline/internal/llm"
)

// DefaultWordCap bounds the stored memory blob. Once truncated, a blob is
// never re-expanded.
const DefaultWordCap = 200

// taskTimeout bounds a single summarization call.
const taskTimeout = 60 * time.Second

const summaryPrompt = `You maintain a running summary of a conversation.
Condense the important facts, user preferences and open topics into a short
plain-text note. Merge the prior summary with the new messages; keep only
what future turns need. Reply with the summary text only.`

// Generator is the model capability the summarizer needs.
type Generator interface {
	Chat(ctx context.Context, system string, history []llm.Message, cfg llm.GenConfig) (string, error)
}

// Summarizer generates and stores conversation memory blobs off the request
// path. Background tasks run on an app-lifetime context so a client
// disconnect does not cancel an in-flight summarization.
type Summarizer struct {
	model   Generator
	cache   *cache.Cache
	logger  *slog.Logger
	wordCap int

	bgCtx  context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSummarizer creates a summarizer with the default word cap.
func NewSummarizer(model Generator, c *cache.Cache, logger *slog.Logger) *Summarizer {
	bgCtx, cancel := context.WithCancel(context.Background())
	return &Summarizer{
		model:   model,
		cache:   c,
		logger:  logger.With("component", "memory"),
		wordCap: DefaultWordCap,
		bgCtx:   bgCtx,
		cancel:  cancel,
	}
}

// Load returns the stored memory blob for a conversation, or "".
func (s *Summarizer) Load(ctx context.Context, conversationID string) string {
	return s.cache.GetMemory(ctx, conversationID)
}

// Generate submits a background summarization task and returns immediately.
// When a prior blob exists, only the two newest messages are summarized; the
// blob already encodes older context. Errors are logged, never returned.
func (s *Summarizer) Generate(conversationID string, messages []llm.Message, prior string) {
	if prior != "" && len(messages) > 2 {
		messages = messages[len(messages)-2:]
	}
	// Snapshot before handing off to the goroutine.
	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.bgCtx, taskTimeout)
		defer cancel()

		if err := s.generate(ctx, conversationID, msgs, prior); err != nil {
			s.logger.Warn("memory generation failed",
				"conversation_id", conversationID,
				"error", err,
			)
		}
	}()
}

func (s *Summarizer) generate(ctx context.Context, conversationID string, messages []llm.Message, prior string) error {
	var b strings.Builder
	if prior != "" {
		fmt.Fprintf(&b, "Prior summary:\n%s\n\n", prior)
	}
	b.WriteString("New messages:\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	text, err := s.model.Chat(ctx, summaryPrompt,
		[]llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		llm.GenConfig{Temperature: 0.2, MaxTokens: 512})
	if err != nil {
		return fmt.Errorf("summarization call: %w", err)
	}

	text = TruncateWords(text, s.wordCap)
	if text == "" {
		s.logger.Debug("empty memory generated, keeping prior blob",
			"conversation_id", conversationID)
		return nil
	}

	s.cache.SetMemory(ctx, conversationID, text)
	s.logger.Debug("memory updated",
		"conversation_id", conversationID,
		"words", len(strings.Fields(text)),
	)
	return nil
}

// Close drains in-flight tasks, waiting up to the task timeout, then cancels
// the background context.
func (s *Summarizer) Close() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(taskTimeout):
		s.logger.Warn("timed out waiting for memory tasks to drain")
	}
	s.cancel()
}

// TruncateWords caps text at max whitespace-delimited words.
func TruncateWords(text string, max int) string {
	words := strings.Fields(text)
	if len(words) <= max {
		return strings.TrimSpace(text)
	}
	return strings.Join(words[:max], " ")
}
