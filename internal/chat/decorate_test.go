package chat

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/ragline/ragline/internal/knowledge"
	"github.com/ragline/ragline/internal/log"
)

type fakeCiter struct {
	answer string
	cited  []int
	called bool
}

func (f *fakeCiter) Retrieval(_ context.Context, _ knowledge.RetrieveRequest) (knowledge.Bundle, error) {
	return knowledge.Bundle{}, nil
}

func (f *fakeCiter) InsertCitations(_ context.Context, answer string, _ []knowledge.Chunk, _, _ float32) (string, []int, error) {
	f.called = true
	if f.answer != "" {
		return f.answer, f.cited, nil
	}
	return answer, f.cited, nil
}

func chunks(n int) []knowledge.Chunk {
	out := make([]knowledge.Chunk, n)
	for i := range out {
		out[i] = knowledge.Chunk{ID: string(rune('a' + i)), Content: "c", DocID: "doc", DocName: "doc"}
	}
	return out
}

func TestRepairCitations(t *testing.T) {
	cited := map[int]struct{}{}
	got := repairCitations("see (ID: 3) and [ID:7] plus ref 2", 10, cited)
	want := "see [ID:3] and [ID:7] plus [ID:2]"
	if got != want {
		t.Errorf("repairCitations() = %q, want %q", got, want)
	}
	var idx []int
	for i := range cited {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	if len(idx) != 3 || idx[0] != 2 || idx[1] != 3 || idx[2] != 7 {
		t.Errorf("cited = %v, want [2 3 7]", idx)
	}
}

func TestRepairCitationsOutOfRange(t *testing.T) {
	cited := map[int]struct{}{}
	got := repairCitations("see (ID: 99)", 3, cited)
	if got != "see (ID: 99)" {
		t.Errorf("repairCitations() = %q, want out-of-range reference untouched", got)
	}
	if len(cited) != 0 {
		t.Errorf("cited = %v, want empty", cited)
	}
}

func TestRepairCitationsFullWidth(t *testing.T) {
	cited := map[int]struct{}{}
	got := repairCitations("theo 【ID: 1】", 3, cited)
	if got != "theo [ID:1]" {
		t.Errorf("repairCitations() = %q, want [ID:1]", got)
	}
}

func TestSplitThink(t *testing.T) {
	think, rest := splitThink("<think>reasoning</think>the answer")
	if think != "<think>reasoning</think>" || rest != "the answer" {
		t.Errorf("splitThink() = %q, %q", think, rest)
	}

	think, rest = splitThink("plain answer")
	if think != "" || rest != "plain answer" {
		t.Errorf("splitThink() without marker = %q, %q", think, rest)
	}
}

func TestStripMarkdownPreservesCitations(t *testing.T) {
	in := "## Heading\n**bold** and *italic* with [ID:0] plus - a list [ID:12]"
	got := stripMarkdown(in)
	if !strings.Contains(got, "[ID:0]") || !strings.Contains(got, "[ID:12]") {
		t.Fatalf("stripMarkdown() = %q, citations lost", got)
	}
	for _, marker := range []string{"##", "**", "*italic*"} {
		if strings.Contains(got, marker) {
			t.Errorf("stripMarkdown() = %q, still contains %q", got, marker)
		}
	}
}

func TestStripMarkdownLinksAndCode(t *testing.T) {
	in := "See [docs](https://example.com) and `code` here"
	got := stripMarkdown(in)
	if got != "See docs and code here" {
		t.Errorf("stripMarkdown() = %q", got)
	}
}

func TestDecorateParsesExistingCitations(t *testing.T) {
	citer := &fakeCiter{}
	bundle := knowledge.Bundle{
		Chunks: chunks(3),
		DocAggs: []knowledge.DocAgg{
			{DocID: "doc", DocName: "doc", Count: 3},
			{DocID: "other", DocName: "other", Count: 1},
		},
	}

	got := decorate(context.Background(), citer, decorateInput{
		Answer:       "grounded claim [ID:1]",
		Bundle:       bundle,
		Quote:        true,
		VectorWeight: 0.3,
	}, log.NewNop())

	if citer.called {
		t.Error("InsertCitations called despite canonical markers present")
	}
	if len(got.Cited) != 1 || got.Cited[0] != 1 {
		t.Errorf("Cited = %v, want [1]", got.Cited)
	}
	if len(got.References.DocAggs) != 1 || got.References.DocAggs[0].DocID != "doc" {
		t.Errorf("DocAggs = %v, want filtered to cited doc", got.References.DocAggs)
	}
}

func TestDecorateInsertsCitationsWhenMissing(t *testing.T) {
	citer := &fakeCiter{answer: "claim [ID:0]", cited: []int{0}}
	got := decorate(context.Background(), citer, decorateInput{
		Answer:       "claim",
		Bundle:       knowledge.Bundle{Chunks: chunks(1), DocAggs: []knowledge.DocAgg{{DocID: "doc"}}},
		Quote:        true,
		VectorWeight: 0.3,
	}, log.NewNop())

	if !citer.called {
		t.Fatal("InsertCitations not called for uncited answer")
	}
	if !strings.Contains(got.Answer, "[ID:0]") {
		t.Errorf("Answer = %q, citation missing", got.Answer)
	}
}

func TestDecorateInvalidKeyHint(t *testing.T) {
	got := decorate(context.Background(), &fakeCiter{}, decorateInput{
		Answer: "Error: Invalid API key provided",
	}, log.NewNop())

	if !strings.HasSuffix(got.Answer, invalidKeySuffix) {
		t.Errorf("Answer = %q, want credential hint appended", got.Answer)
	}
}

func TestDecoratePrependsAcknowledgment(t *testing.T) {
	got := decorate(context.Background(), &fakeCiter{}, decorateInput{
		Answer:      "the details",
		InitialSaid: "Let me look into the precepts.",
	}, log.NewNop())

	want := "Let me look into the precepts.\n\nthe details"
	if got.Answer != want {
		t.Errorf("Answer = %q, want %q", got.Answer, want)
	}
}
