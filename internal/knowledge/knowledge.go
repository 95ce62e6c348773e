// Package knowledge defines the retrieval types and ports used to ground
// answers: chunks, per-document aggregates, the Retriever port and the
// pgvector-backed implementation, plus prompt rendering and citation
// insertion.
package knowledge

import (
	"fmt"
	"strings"

	"github.com/ragline/ragline/internal/llm"
)

// Chunk is one retrieved fragment. Vector is carried only inside a turn and
// stripped before anything is persisted or returned to a client.
type Chunk struct {
	ID         string    `json:"id,omitempty"`
	Content    string    `json:"content"`
	Vector     []float32 `json:"vector,omitempty"`
	DocID      string    `json:"doc_id"`
	DocName    string    `json:"doc_name"`
	Similarity float32   `json:"similarity,omitempty"`
}

// DocAgg is the per-document hit aggregate.
type DocAgg struct {
	DocID   string `json:"doc_id"`
	DocName string `json:"doc_name"`
	Count   int    `json:"count"`
}

// Bundle is the merged retrieval result used to ground one answer.
type Bundle struct {
	Total   int      `json:"total"`
	Chunks  []Chunk  `json:"chunks"`
	DocAggs []DocAgg `json:"doc_aggs"`
}

// Empty reports whether the bundle carries no chunks.
func (b Bundle) Empty() bool {
	return len(b.Chunks) == 0
}

// Append merges other into b: chunks are concatenated and doc aggregates
// unioned, summing counts for documents seen on both sides.
func (b *Bundle) Append(other Bundle) {
	b.Total += other.Total
	b.Chunks = append(b.Chunks, other.Chunks...)

	seen := make(map[string]int, len(b.DocAggs))
	for i, agg := range b.DocAggs {
		seen[agg.DocID] = i
	}
	for _, agg := range other.DocAggs {
		if i, ok := seen[agg.DocID]; ok {
			b.DocAggs[i].Count += agg.Count
			continue
		}
		seen[agg.DocID] = len(b.DocAggs)
		b.DocAggs = append(b.DocAggs, agg)
	}
}

// Prepend inserts a chunk at the front of the bundle (knowledge-graph
// results lead the merged order).
func (b *Bundle) Prepend(ck Chunk) {
	b.Chunks = append([]Chunk{ck}, b.Chunks...)
	b.Total++
}

// StripVectors returns a copy of b with all chunk vectors removed.
func StripVectors(b Bundle) Bundle {
	out := b
	out.Chunks = make([]Chunk, len(b.Chunks))
	for i, ck := range b.Chunks {
		ck.Vector = nil
		out.Chunks[i] = ck
	}
	return out
}

// RenderPrompt formats the bundle as numbered knowledge sections for the
// generation prompt. Chunk numbering matches the [ID:n] citation scheme.
// Rendering stops once the approximate token budget is spent; at least one
// chunk is always included so the model sees some grounding.
func RenderPrompt(b Bundle, maxTokens int) []string {
	if b.Empty() {
		return nil
	}

	byDoc := make(map[string][]int)
	order := make([]string, 0)
	for i, ck := range b.Chunks {
		if _, ok := byDoc[ck.DocName]; !ok {
			order = append(order, ck.DocName)
		}
		byDoc[ck.DocName] = append(byDoc[ck.DocName], i)
	}

	budget := maxTokens
	included := 0
	sections := make([]string, 0, len(order))
	for _, doc := range order {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Document: %s\nContains the following relevant fragments:\n", doc)
		wrote := false
		for _, i := range byDoc[doc] {
			entry := fmt.Sprintf("ID: %d\n%s\n", i, b.Chunks[i].Content)
			cost := llm.CountTokens(entry)
			// Always include the first chunk even if it blows the budget.
			if included > 0 && cost > budget {
				continue
			}
			sb.WriteString(entry)
			budget -= cost
			included++
			wrote = true
		}
		if wrote {
			sections = append(sections, sb.String())
		}
		if budget <= 0 {
			break
		}
	}
	return sections
}
