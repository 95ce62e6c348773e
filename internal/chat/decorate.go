package chat

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ragline/ragline/internal/knowledge"
)

// citationRe matches the canonical citation marker.
var citationRe = regexp.MustCompile(`\[ID:([0-9]+)\]`)

// badCitationRes are the malformed citation shapes models produce. Each is
// rewritten to the canonical [ID:n] form when n is a valid chunk index.
var badCitationRes = []*regexp.Regexp{
	regexp.MustCompile(`\(\s*ID\s*[: ]*\s*(\d+)\s*\)`),
	regexp.MustCompile(`\[\s*ID\s*[: ]*\s*(\d+)\s*\]`),
	regexp.MustCompile(`【\s*ID\s*[: ]*\s*(\d+)\s*】`),
	regexp.MustCompile(`(?i)ref\s*(\d+)`),
}

const invalidKeySuffix = " Please set LLM API-Key in 'User Setting -> Model providers -> API-Key'"

// decorateInput carries everything decoration needs beyond the raw answer.
type decorateInput struct {
	Answer       string
	Bundle       knowledge.Bundle
	Quote        bool
	VectorWeight float32
	InitialSaid  string // classification acknowledgment to prepend, "" when absent
	Markdown     bool   // keep markdown formatting; the streaming path strips it
}

// decorated is the final shaped answer.
type decorated struct {
	Answer     string
	References knowledge.Bundle
	Cited      []int
}

// decorate finalizes a generated answer: citation insertion or parsing,
// malformed citation repair, document aggregate filtering, markdown
// stripping, and the credential hint for provider auth failures.
func decorate(ctx context.Context, retriever knowledge.Retriever, in decorateInput, logger *slog.Logger) decorated {
	think, answer := splitThink(in.Answer)
	bundle := in.Bundle
	var cited []int

	if in.Quote && len(bundle.Chunks) > 0 {
		citedSet := map[int]struct{}{}
		if !citationRe.MatchString(answer) {
			withCites, idx, err := retriever.InsertCitations(ctx, answer, bundle.Chunks,
				1-in.VectorWeight, in.VectorWeight)
			if err != nil {
				logger.Warn("citation insertion failed, keeping plain answer", "error", err)
			} else {
				answer = withCites
				for _, i := range idx {
					citedSet[i] = struct{}{}
				}
			}
		} else {
			for _, m := range citationRe.FindAllStringSubmatch(answer, -1) {
				if i, err := strconv.Atoi(m[1]); err == nil && i < len(bundle.Chunks) {
					citedSet[i] = struct{}{}
				}
			}
		}

		answer = repairCitations(answer, len(bundle.Chunks), citedSet)

		citedDocs := map[string]struct{}{}
		for i := range citedSet {
			citedDocs[bundle.Chunks[i].DocID] = struct{}{}
			cited = append(cited, i)
		}
		var recall []knowledge.DocAgg
		for _, d := range bundle.DocAggs {
			if _, ok := citedDocs[d.DocID]; ok {
				recall = append(recall, d)
			}
		}
		if len(recall) > 0 {
			bundle.DocAggs = recall
		}
	}

	if !in.Markdown {
		answer = stripMarkdown(answer)
	}

	if low := strings.ToLower(answer); strings.Contains(low, "invalid key") || strings.Contains(low, "invalid api") {
		answer += invalidKeySuffix
	}

	if in.InitialSaid != "" {
		answer = in.InitialSaid + "\n\n" + answer
	}

	return decorated{
		Answer:     think + answer,
		References: knowledge.StripVectors(bundle),
		Cited:      cited,
	}
}

// splitThink separates a leading reasoning block from the visible answer.
func splitThink(answer string) (think, rest string) {
	const marker = "</think>"
	i := strings.Index(answer, marker)
	if i < 0 {
		return "", answer
	}
	return answer[:i+len(marker)], answer[i+len(marker):]
}

// repairCitations rewrites malformed citation shapes into [ID:n], recording
// every valid index in cited. Out-of-range references stay untouched.
func repairCitations(answer string, chunkCount int, cited map[int]struct{}) string {
	for _, re := range badCitationRes {
		answer = re.ReplaceAllStringFunc(answer, func(match string) string {
			sub := re.FindStringSubmatch(match)
			i, err := strconv.Atoi(sub[1])
			if err != nil || i < 0 || i >= chunkCount {
				return match
			}
			cited[i] = struct{}{}
			return fmt.Sprintf("[ID:%d]", i)
		})
	}
	return answer
}

var (
	mdHeaderRe     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdBoldStarRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdBoldUnderRe  = regexp.MustCompile(`__(.+?)__`)
	mdItalicStarRe = regexp.MustCompile(`\*(.+?)\*`)
	mdItalicUndRe  = regexp.MustCompile(`(^|[^0-9A-Za-z_])_([^_]+)_($|[^0-9A-Za-z_])`)
	mdStrikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	mdCodeBlockRe  = regexp.MustCompile("(?s)```.*?```")
	mdInlineCodeRe = regexp.MustCompile("`(.+?)`")
	mdImageRe      = regexp.MustCompile(`!\[([^\]]*)\]\([^\)]+\)`)
	mdLinkRe       = regexp.MustCompile(`\[([^\]]+)\]\([^\)]+\)`)
	mdQuoteRe      = regexp.MustCompile(`(?m)^>\s+`)
	mdHRuleRe      = regexp.MustCompile(`(?m)^[-*_]{3,}$`)
	mdBulletRe     = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	mdOrderedRe    = regexp.MustCompile(`(?m)^\s*\d+\.\s+`)
)

// stripMarkdown removes formatting the streaming clients cannot render.
// Citation markers are swapped for placeholders first so list/emphasis
// rules cannot mangle them.
func stripMarkdown(text string) string {
	var citations []string
	text = citationRe.ReplaceAllStringFunc(text, func(m string) string {
		citations = append(citations, m)
		return fmt.Sprintf("\x00cite%d\x00", len(citations)-1)
	})

	text = mdCodeBlockRe.ReplaceAllString(text, "")
	text = mdHeaderRe.ReplaceAllString(text, "")
	text = mdBoldStarRe.ReplaceAllString(text, "$1")
	text = mdBoldUnderRe.ReplaceAllString(text, "$1")
	text = mdItalicStarRe.ReplaceAllString(text, "$1")
	text = mdItalicUndRe.ReplaceAllString(text, "$1$2$3")
	text = mdStrikeRe.ReplaceAllString(text, "$1")
	text = mdInlineCodeRe.ReplaceAllString(text, "$1")
	text = mdImageRe.ReplaceAllString(text, "$1")
	text = mdLinkRe.ReplaceAllString(text, "$1")
	text = mdQuoteRe.ReplaceAllString(text, "")
	text = mdHRuleRe.ReplaceAllString(text, "")
	text = mdBulletRe.ReplaceAllString(text, "")
	text = mdOrderedRe.ReplaceAllString(text, "")

	for i, c := range citations {
		text = strings.Replace(text, fmt.Sprintf("\x00cite%d\x00", i), c, 1)
	}
	return text
}

// Trace is the per-turn performance record attached to the prompt echo.
type Trace struct {
	Start      time.Time
	Classify   time.Time
	Refine     time.Time
	Retrieval  time.Time
	Generation time.Time
}

// Render formats the trace the way operators read it in logs: per-phase
// milliseconds plus approximate token throughput.
func (t Trace) Render(prompt, query string, tokens int) string {
	ms := func(a, b time.Time) float64 { return float64(b.Sub(a).Microseconds()) / 1000 }
	genMS := ms(t.Retrieval, t.Generation)
	speed := 0
	if genMS > 0 {
		speed = int(float64(tokens) / (genMS / 1000))
	}
	return fmt.Sprintf(`%s

### Query:
%s

## Time elapsed:
  - Total: %.1fms
  - Classification: %.1fms
  - Query refinement(LLM): %.1fms
  - Retrieval: %.1fms
  - Generate answer: %.1fms

## Token usage:
  - Generated tokens(approximately): %d
  - Token speed: %d/s`,
		prompt, query,
		ms(t.Start, t.Generation),
		ms(t.Start, t.Classify),
		ms(t.Classify, t.Refine),
		ms(t.Refine, t.Retrieval),
		genMS,
		tokens, speed)
}
