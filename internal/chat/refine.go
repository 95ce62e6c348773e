package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ragline/ragline/internal/llm"
)

// refineTimeout bounds each of the small helper calls so a slow model
// cannot stall the turn before generation even starts.
const refineTimeout = 15 * time.Second

const fullQuestionPrompt = `Role: you refine user questions in a conversation.
Task: rewrite the latest user question into a single self-contained question,
resolving pronouns and references from the earlier turns. Keep the user's
language. Today is %s.
Output the rewritten question only, nothing else.`

const keywordPrompt = `Role: you are a text analyzer.
Task: extract the most important keywords and phrases from the question below.
Requirements: output %d keywords at most, in the question's own language,
separated by commas. Output the keywords only, nothing else.`

const crossLanguagePrompt = `Role: you are a translator.
Task: translate the text below into each of these languages: %s.
Requirements: keep the meaning exact, translate every segment, output each
translation on its own line with no labels and no commentary.`

// lastUserContents returns up to n most recent user messages, oldest first.
func lastUserContents(history []llm.Message, n int) []string {
	var users []string
	for _, m := range history {
		if m.Role == llm.RoleUser {
			users = append(users, CleanContent(m.Content))
		}
	}
	if len(users) > n {
		users = users[len(users)-n:]
	}
	return users
}

// fullQuestion condenses a multi-turn exchange into one standalone question.
// Any failure falls back to the raw latest question.
func (e *Engine) fullQuestion(ctx context.Context, model llm.ChatModel, history []llm.Message) string {
	questions := lastUserContents(history, 3)
	if len(questions) == 0 {
		return ""
	}
	latest := questions[len(questions)-1]
	if len(questions) == 1 {
		return latest
	}

	ctx, cancel := context.WithTimeout(ctx, refineTimeout)
	defer cancel()

	var convo strings.Builder
	for _, m := range history {
		if m.Role == llm.RoleSystem {
			continue
		}
		fmt.Fprintf(&convo, "%s: %s\n", m.Role, CleanContent(m.Content))
	}

	out, err := model.Chat(ctx,
		fmt.Sprintf(fullQuestionPrompt, time.Now().Format("2006-01-02")),
		[]llm.Message{{Role: llm.RoleUser, Content: convo.String()}},
		llm.GenConfig{Temperature: 0.2, MaxTokens: 256})
	if err != nil || strings.TrimSpace(out) == "" {
		e.logger.Warn("question condensation failed, using raw question", "error", err)
		return latest
	}
	return strings.TrimSpace(out)
}

// keywordExtraction pulls search keywords out of the question. The keywords
// are appended to the retrieval query, never shown to the user. Failure
// returns "" and retrieval proceeds with the plain question.
func (e *Engine) keywordExtraction(ctx context.Context, model llm.ChatModel, question string, topN int) string {
	ctx, cancel := context.WithTimeout(ctx, refineTimeout)
	defer cancel()

	out, err := model.Chat(ctx,
		fmt.Sprintf(keywordPrompt, topN),
		[]llm.Message{{Role: llm.RoleUser, Content: question}},
		llm.GenConfig{Temperature: 0.2, MaxTokens: 128})
	if err != nil {
		e.logger.Warn("keyword extraction failed", "error", err)
		return ""
	}
	return strings.TrimSpace(out)
}

// crossLanguages rewrites the question into the configured languages so
// retrieval matches documents regardless of the language they were written
// in. Failure returns the question unchanged.
func (e *Engine) crossLanguages(ctx context.Context, model llm.ChatModel, question string, langs []string) string {
	if len(langs) == 0 {
		return question
	}
	ctx, cancel := context.WithTimeout(ctx, refineTimeout)
	defer cancel()

	out, err := model.Chat(ctx,
		fmt.Sprintf(crossLanguagePrompt, strings.Join(langs, ", ")),
		[]llm.Message{{Role: llm.RoleUser, Content: question}},
		llm.GenConfig{Temperature: 0.2, MaxTokens: 512})
	if err != nil || strings.TrimSpace(out) == "" {
		e.logger.Warn("cross-language rewrite failed", "error", err)
		return question
	}
	return question + "\n" + strings.TrimSpace(out)
}
