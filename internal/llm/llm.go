// Package llm defines the model collaborator ports for the chat pipeline.
//
// The engine never talks to a provider directly. It consumes the ChatModel
// and Embedder interfaces defined here; OpenAIClient is the bundled adapter
// for OpenAI-compatible endpoints, and Resilient wraps any ChatModel with
// rate limiting, retry and a circuit breaker.
package llm

import (
	"context"
	"errors"
	"unicode"
)

var (
	// ErrEmptyResponse indicates the model returned no content.
	ErrEmptyResponse = errors.New("model returned empty response")

	// ErrNoModel indicates no chat model was configured.
	ErrNoModel = errors.New("no chat model configured")
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of model input or output.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenConfig carries per-call generation settings.
type GenConfig struct {
	Temperature      float32
	TopP             float32
	MaxTokens        int
	PresencePenalty  float32
	FrequencyPenalty float32
}

// StreamChunk is one delta from a streaming generation.
// Err is non-nil only on the terminal chunk of a failed stream.
type StreamChunk struct {
	Delta string
	Err   error
}

// ChatModel is the chat completion port.
// ChatStream returns a channel that is closed when the stream ends; a stream
// error arrives as the final chunk's Err.
type ChatModel interface {
	Chat(ctx context.Context, system string, history []Message, cfg GenConfig) (string, error)
	ChatStream(ctx context.Context, system string, history []Message, cfg GenConfig) (<-chan StreamChunk, error)
}

// Embedder is the text embedding port.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// CountTokens approximates the token count of s.
// CJK characters count as one token each; other text counts roughly one token
// per four characters. Good enough for window budgeting, not for billing.
func CountTokens(s string) int {
	cjk := 0
	other := 0
	for _, r := range s {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			other++
		}
	}
	return cjk + (other+3)/4
}

// CountMessageTokens approximates the total token count of msgs.
func CountMessageTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += CountTokens(m.Content)
	}
	return total
}

// FitMessages trims msgs so the total approximate token count fits maxTokens.
// System messages and the final message are always kept. Older messages are
// dropped from the front; if the survivors still exceed the budget, the
// longest message content is halved until they fit.
func FitMessages(msgs []Message, maxTokens int) []Message {
	if maxTokens <= 0 || CountMessageTokens(msgs) <= maxTokens {
		return msgs
	}

	var system, rest []Message
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	// Drop oldest non-system messages, always keeping the final one.
	for len(rest) > 1 && CountMessageTokens(system)+CountMessageTokens(rest) > maxTokens {
		rest = rest[1:]
	}

	out := make([]Message, 0, len(system)+len(rest))
	out = append(out, system...)
	out = append(out, rest...)

	for CountMessageTokens(out) > maxTokens {
		idx := longestMessage(out)
		content := out[idx].Content
		if len(content) <= 1 {
			break
		}
		out[idx].Content = truncateHalf(content)
	}
	return out
}

func longestMessage(msgs []Message) int {
	idx := 0
	for i, m := range msgs {
		if len(m.Content) > len(msgs[idx].Content) {
			idx = i
		}
	}
	return idx
}

// truncateHalf halves s on a rune boundary.
func truncateHalf(s string) string {
	half := len(s) / 2
	for half > 0 && half < len(s) {
		r := s[half]
		// back up to a UTF-8 sequence start
		if r&0xC0 != 0x80 {
			break
		}
		half--
	}
	return s[:half]
}
