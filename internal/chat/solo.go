package chat

import (
	"context"
	"time"

	"github.com/ragline/ragline/internal/dialog"
	"github.com/ragline/ragline/internal/llm"
)

// solo answers without any knowledge grounding: no KB configured and no web
// search available. The memory blob, when present, rides in the system
// prompt so multi-turn context survives without history replay.
func (e *Engine) solo(ctx context.Context, model llm.ChatModel, d *dialog.Dialog, history []llm.Message, memoryText string, params map[string]string, emit func(string)) (string, error) {
	rendered, err := RenderSystem(d.PromptConfig, params)
	if err != nil {
		return "", err
	}
	system := DatetimeInfo(time.Now()) + "\n\n" + rendered
	if memoryText != "" {
		system += "\n## Short Memory Summary: " + memoryText
	}

	msgs := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.Role == llm.RoleSystem {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: CleanContent(m.Content)})
	}
	if memoryText != "" && len(msgs) > 1 {
		// Memory substitutes for history; only the live question goes out.
		msgs = msgs[len(msgs)-1:]
	}

	setting := d.GenDefaults()
	cfg := llm.GenConfig{
		Temperature: float32(setting.Temperature),
		TopP:        float32(setting.TopP),
		MaxTokens:   setting.MaxTokens,
	}
	return e.streamAnswer(ctx, model, system, msgs, cfg, emit)
}
