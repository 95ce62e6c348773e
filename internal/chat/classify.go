package chat

import (
	"context"
	"strings"

	"github.com/ragline/ragline/internal/llm"
)

// Intent is the outcome of the classification gate.
type Intent int

const (
	IntentUnclassified Intent = iota
	IntentKB
	IntentGreet
	IntentSensitive
)

func (i Intent) String() string {
	switch i {
	case IntentKB:
		return "KB"
	case IntentGreet:
		return "GREET"
	case IntentSensitive:
		return "SENSITIVE"
	default:
		return "UNCLASSIFIED"
	}
}

// classifyMaxTokens keeps the combined classify-and-respond call short: a
// tag plus either a full greeting or a one-line acknowledgment.
const classifyMaxTokens = 50

var classifyTags = []struct {
	tag    string
	intent Intent
}{
	{"[CLASSIFY:KB]", IntentKB},
	{"[CLASSIFY:GREET]", IntentGreet},
	{"[CLASSIFY:SENSITIVE]", IntentSensitive},
}

// ClassifyResult is one classified turn. Answer holds the model text with
// the tag stripped: the complete reply for GREET/SENSITIVE, the short
// acknowledgment for KB, or the raw response when no tag arrived.
type ClassifyResult struct {
	Intent Intent
	Answer string
}

// detectIntent scans accumulated stream text for the first classification
// tag. Exactly one classification happens per turn; once a tag is found
// later tags are ignored.
func detectIntent(accumulated string) Intent {
	for _, t := range classifyTags {
		if strings.Contains(accumulated, t.tag) {
			return t.intent
		}
	}
	return IntentUnclassified
}

// stripClassifyTags removes every classification tag from the answer text.
func stripClassifyTags(s string) string {
	for _, t := range classifyTags {
		s = strings.ReplaceAll(s, t.tag, "")
	}
	return strings.TrimSpace(s)
}

// classifyMessages prepares the history for the classification call:
// system messages dropped, internal markers cleaned, and the reminder
// appended to the final user message.
func classifyMessages(history []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.Role == llm.RoleSystem {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: CleanContent(m.Content)})
	}
	if len(out) > 0 && out[len(out)-1].Role == llm.RoleUser {
		out[len(out)-1].Content += classifyReminder
	}
	return out
}

// classify runs the combined classify-and-respond call. onDelta, when
// non-nil, receives the cleaned accumulated text after each chunk so
// greetings stream to the client as they generate. Nothing is emitted
// until a tag is detected: a tag may arrive split across chunks, and its
// fragments must never reach the client. A stream that ends without a tag
// falls back to KB with the raw answer preserved.
func (e *Engine) classify(ctx context.Context, model llm.ChatModel, system string, history []llm.Message, base llm.GenConfig, onDelta func(string)) (ClassifyResult, error) {
	cfg := base
	cfg.MaxTokens = classifyMaxTokens

	intent := IntentUnclassified
	var accumulated strings.Builder

	ch, err := model.ChatStream(ctx, system, classifyMessages(history), cfg)
	if err != nil {
		return ClassifyResult{}, err
	}
	for chunk := range ch {
		if chunk.Err != nil {
			return ClassifyResult{}, chunk.Err
		}
		accumulated.WriteString(chunk.Delta)
		if intent == IntentUnclassified {
			intent = detectIntent(accumulated.String())
			if intent == IntentUnclassified {
				continue
			}
		}
		if onDelta != nil {
			if clean := stripClassifyTags(accumulated.String()); clean != "" {
				onDelta(clean)
			}
		}
	}

	answer := stripClassifyTags(accumulated.String())
	if intent == IntentUnclassified {
		// No tag before stream end. Treat as KB so retrieval still runs,
		// but keep the raw text in case the caller wants to pass it through.
		e.logger.Warn("classification tag missing, defaulting to KB")
		return ClassifyResult{Intent: IntentKB, Answer: answer}, nil
	}
	return ClassifyResult{Intent: intent, Answer: answer}, nil
}
