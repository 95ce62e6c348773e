package chat

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Fallback flush thresholds when no natural boundary shows up.
const (
	flushMaxRunes = 50
	flushMaxWords = 8
)

var (
	sentenceEndRe = regexp.MustCompile(`[.!?;。！？；]\s*$`)
	phraseEndRe   = regexp.MustCompile(`[,—:、，：]\s*$`)
	ellipsisRe    = regexp.MustCompile(`\.{3,}\s*$`)
)

// FlushController decides when accumulated stream text is worth emitting to
// the client. It favors word and sentence boundaries over fixed-size chunks
// so the client never renders a half word. Not safe for concurrent use; one
// controller serves one stream.
type FlushController struct {
	earlySent bool
}

func NewFlushController() *FlushController {
	return &FlushController{}
}

// ShouldFlush reports whether the pending delta should be emitted now.
// final forces out whatever remains at end of stream.
func (f *FlushController) ShouldFlush(delta string, final bool) bool {
	if final {
		return delta != ""
	}

	stripped := strings.TrimRight(delta, " \t\n\r")

	// Early flush: get the first complete word out fast. Requires trailing
	// whitespace so a word is never cut mid-rune ("Con muốn " yes,
	// "Con mu" no) and at least three visible characters.
	if !f.earlySent && strings.TrimSpace(delta) != "" {
		if stripped != delta && utf8.RuneCountInString(stripped) >= 3 {
			f.earlySent = true
			return true
		}
	}

	trimmed := strings.TrimSpace(delta)
	switch {
	case sentenceEndRe.MatchString(trimmed):
		return true
	case phraseEndRe.MatchString(trimmed) && utf8.RuneCountInString(delta) >= 10:
		return true
	case ellipsisRe.MatchString(trimmed):
		return true
	case utf8.RuneCountInString(delta) >= flushMaxRunes:
		return true
	case len(strings.Fields(delta)) >= flushMaxWords:
		return true
	}
	return false
}
