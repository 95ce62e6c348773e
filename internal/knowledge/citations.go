package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
)

// citationThreshold is the minimum blended similarity for a sentence to be
// attributed to a chunk.
const citationThreshold = 0.63

// InsertCitations embeds each answer sentence, matches it against the
// retrieved chunks with a blend of token overlap and vector similarity, and
// appends [ID:n] after sentences that clear the threshold.
func (r *PGRetriever) InsertCitations(ctx context.Context, answer string, chunks []Chunk, textWeight, vectorWeight float32) (string, []int, error) {
	if len(chunks) == 0 || strings.TrimSpace(answer) == "" {
		return answer, nil, nil
	}

	sentences := splitSentences(answer)
	if len(sentences) == 0 {
		return answer, nil, nil
	}

	texts := make([]string, len(sentences))
	for i, s := range sentences {
		texts[i] = s.text
	}
	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return answer, nil, fmt.Errorf("embedding answer sentences: %w", err)
	}

	citedSet := make(map[int]struct{})
	var b strings.Builder
	b.Grow(len(answer) + len(sentences)*8)
	for i, s := range sentences {
		b.WriteString(s.text)

		best := -1
		var bestScore float32
		for idx, ck := range chunks {
			var vecSim float32
			if i < len(vecs) && len(vecs[i]) > 0 && len(ck.Vector) == len(vecs[i]) {
				vecSim = cosine(vecs[i], ck.Vector)
			}
			score := textWeight*tokenOverlap(s.text, ck.Content) + vectorWeight*vecSim
			if score > bestScore {
				bestScore = score
				best = idx
			}
		}
		if best >= 0 && bestScore >= citationThreshold {
			fmt.Fprintf(&b, " [ID:%d]", best)
			citedSet[best] = struct{}{}
		}

		b.WriteString(s.tail)
	}

	cited := make([]int, 0, len(citedSet))
	for idx := range citedSet {
		cited = append(cited, idx)
	}
	sort.Ints(cited)
	return b.String(), cited, nil
}

// sentence is a text segment and the delimiter run that followed it.
type sentence struct {
	text string
	tail string
}

// splitSentences cuts text on sentence terminators, keeping the terminators
// and trailing whitespace in tail so the answer can be reassembled exactly.
func splitSentences(text string) []sentence {
	const terminators = ".!?;。！？；\n"
	var out []sentence
	runes := []rune(text)
	start := 0
	i := 0
	for i < len(runes) {
		if strings.ContainsRune(terminators, runes[i]) {
			end := i
			for i < len(runes) && (strings.ContainsRune(terminators, runes[i]) || runes[i] == ' ') {
				i++
			}
			seg := strings.TrimSpace(string(runes[start:end]))
			if seg != "" {
				out = append(out, sentence{text: seg, tail: string(runes[end:i])})
			}
			start = i
			continue
		}
		i++
	}
	if seg := strings.TrimSpace(string(runes[start:])); seg != "" {
		out = append(out, sentence{text: seg})
	}
	return out
}

// cosine returns the cosine similarity of two equal-length vectors.
func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// tokenOverlap is the Jaccard overlap of lowercase whitespace tokens.
func tokenOverlap(a, b string) float32 {
	ta := strings.Fields(strings.ToLower(a))
	tb := strings.Fields(strings.ToLower(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(ta))
	for _, t := range ta {
		set[t] = struct{}{}
	}
	inter := 0
	seen := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			inter++
		}
	}
	union := len(set) + len(seen) - inter
	return float32(inter) / float32(union)
}
