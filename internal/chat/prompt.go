package chat

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ragline/ragline/internal/dialog"
)

// refMarkerRe matches the ##N$$ row markers that the structured fallback
// embeds in table answers. They are internal bookkeeping and must never
// reach the model.
var refMarkerRe = regexp.MustCompile(`##\d+\$\$`)

// CleanContent strips internal reference markers from message content.
func CleanContent(s string) string {
	return refMarkerRe.ReplaceAllString(s, "")
}

// DatetimeInfo renders the current date and time for prompt context.
func DatetimeInfo(now time.Time) string {
	return fmt.Sprintf("Today is %s, %s. The current time is %s.",
		now.Weekday(), now.Format("January 2, 2006"), now.Format("15:04"))
}

// RenderSystem substitutes {key} parameter slots into the system template.
// Optional parameters without a value become empty strings; a missing
// required parameter is a configuration error and fails the turn.
func RenderSystem(cfg dialog.PromptConfig, params map[string]string) (string, error) {
	out := cfg.System
	for _, p := range cfg.Parameters {
		v, ok := params[p.Key]
		if !ok && !p.Optional {
			return "", fmt.Errorf("%w: %s", ErrMissingParameter, p.Key)
		}
		out = strings.ReplaceAll(out, "{"+p.Key+"}", v)
	}
	return out, nil
}

const classifyInstruction = `## Classification task:
Before answering, decide what kind of message this is and start your response
with exactly one tag:
- [CLASSIFY:KB] the question needs knowledge-base content to answer well.
  After the tag, write one short acknowledgment sentence in the user's
  language telling them you are looking into it. Do not answer yet.
- [CLASSIFY:GREET] a greeting or small talk. After the tag, respond warmly
  and completely.
- [CLASSIFY:SENSITIVE] a request you must decline. After the tag, decline
  politely and briefly.
The tag must be the very first thing in your response.`

const citationInstruction = `## Citation requirements:
- Cite knowledge fragments with the exact format [ID:i] where i is the
  fragment id, for example [ID:0].
- Place citations at the end of the sentence they support.
- Never invent ids and never use any other citation format.`

// noRepeatInstruction tells the model not to restate the acknowledgment the
// user already saw during classification.
func noRepeatInstruction(alreadySaid string) string {
	return fmt.Sprintf(`
## What you already said to user:
%s

## CRITICAL INSTRUCTION - READ CAREFULLY:
    - You have ALREADY sent the above message to user - they have seen it
    - DO NOT repeat ANY part of what you already said
    - DO NOT reference what you said ("As I mentioned...", "I already explained...")
    - DO NOT repeat or compliment the question
    - Start DIRECTLY with NEW information from Knowledge
    - Expand with details, examples, context not mentioned before
    - If Knowledge repeats what you said, add depth and related concepts
    - Write as if you're naturally continuing, not summarizing what was said`, alreadySaid)
}

const directAnswerInstruction = `
## IMPORTANT:
    - Answer the question directly using the knowledge provided
    - DO NOT repeat or rephrase the user's question
    - DO NOT ask confirmation like 'you want to know about X, right?'
    - DO NOT use unnecessary opening phrases like 'I understand', 'Great question'
    - DO NOT use searching phrases like 'Let me explain', 'Let me search', 'I found the following information', 'let me share'
    - Just provide the answer directly, naturally and concisely
    - Start directly with the information requested
    - Answer at least 2 sentences if possible`

// systemPromptInput collects everything that folds into the single system
// message of a generation call.
type systemPromptInput struct {
	System      string   // rendered dialog system text
	Datetime    string   // DatetimeInfo output
	Memory      string   // memory blob, "" when absent
	Knowledge   []string // rendered knowledge sections
	AlreadySaid string   // classification acknowledgment, "" when absent
	Quote       bool     // append citation requirements
}

// buildSystemPrompt assembles the system message. Section order is fixed:
// role text, context, memory, knowledge, then the answering instruction
// block.
func buildSystemPrompt(in systemPromptInput) string {
	parts := []string{in.System, "\n## Context:\n" + in.Datetime}
	if in.Memory != "" {
		parts = append(parts, "\n## Memory:\n"+in.Memory)
	}
	if len(in.Knowledge) > 0 {
		parts = append(parts, "\n## Knowledge:\n"+strings.Join(in.Knowledge, "\n\n------\n\n"))
	}
	if in.AlreadySaid != "" {
		parts = append(parts, noRepeatInstruction(in.AlreadySaid))
	} else {
		parts = append(parts, directAnswerInstruction)
	}
	if in.Quote && len(in.Knowledge) > 0 {
		parts = append(parts, "\n"+citationInstruction)
	}
	return strings.Join(parts, "")
}

// classifySystemPrompt builds the system message for the combined
// classify-and-respond call.
func classifySystemPrompt(system, datetime string) string {
	return fmt.Sprintf("## Context:\n%s\n\n## Role:\n%s\n\n%s",
		datetime, system, classifyInstruction)
}

// classifyReminder is appended to the final user message so the tag survives
// models that ignore system-level formatting asks.
const classifyReminder = "\n\n[REMINDER: Start your response with [CLASSIFY:KB] or [CLASSIFY:GREET] or [CLASSIFY:SENSITIVE]]"
