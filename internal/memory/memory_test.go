package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ragline/ragline/internal/cache"
	"github.com/ragline/ragline/internal/llm"
	"github.com/ragline/ragline/internal/log"
)

type fakeGenerator struct {
	mu      sync.Mutex
	calls   [][]llm.Message
	systems []string
	reply   string
	err     error
}

func (f *fakeGenerator) Chat(_ context.Context, system string, history []llm.Message, _ llm.GenConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systems = append(f.systems, system)
	f.calls = append(f.calls, history)
	return f.reply, f.err
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGenerator) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1][0].Content
}

func newTestCache() *cache.Cache {
	return cache.New(cache.NewMemoryStore(), cache.DefaultConfig(), log.NewNop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestGenerateStoresBlob(t *testing.T) {
	defer goleak.VerifyNone(t)

	gen := &fakeGenerator{reply: "user is researching pgvector"}
	c := newTestCache()
	s := NewSummarizer(gen, c, log.NewNop())

	s.Generate("conv-1", []llm.Message{
		{Role: llm.RoleUser, Content: "tell me about pgvector"},
		{Role: llm.RoleAssistant, Content: "pgvector stores embeddings in Postgres"},
	}, "")
	s.Close()

	got := s.Load(context.Background(), "conv-1")
	if got != "user is researching pgvector" {
		t.Fatalf("Load() = %q, want stored summary", got)
	}
}

func TestGenerateWithPriorUsesLastTwoMessages(t *testing.T) {
	defer goleak.VerifyNone(t)

	gen := &fakeGenerator{reply: "updated summary"}
	s := NewSummarizer(gen, newTestCache(), log.NewNop())

	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "first question"},
		{Role: llm.RoleAssistant, Content: "first answer"},
		{Role: llm.RoleUser, Content: "second question"},
		{Role: llm.RoleAssistant, Content: "second answer"},
	}
	s.Generate("conv-2", msgs, "old summary")
	s.Close()

	prompt := gen.lastPrompt()
	if !strings.Contains(prompt, "old summary") {
		t.Error("prompt missing prior summary")
	}
	if strings.Contains(prompt, "first question") {
		t.Error("prompt includes messages older than the last two")
	}
	if !strings.Contains(prompt, "second answer") {
		t.Error("prompt missing newest message")
	}
}

func TestGenerateFailureKeepsPriorBlob(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := newTestCache()
	c.SetMemory(context.Background(), "conv-3", "prior blob")

	gen := &fakeGenerator{err: errors.New("model unavailable")}
	s := NewSummarizer(gen, c, log.NewNop())

	s.Generate("conv-3", []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, "prior blob")
	s.Close()

	waitFor(t, func() bool { return gen.callCount() == 1 })
	if got := s.Load(context.Background(), "conv-3"); got != "prior blob" {
		t.Fatalf("Load() = %q, want prior blob retained after failure", got)
	}
}

func TestTruncateWords(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want string
	}{
		{"under cap", "one two three", 5, "one two three"},
		{"at cap", "one two three", 3, "one two three"},
		{"over cap", "one two three four", 2, "one two"},
		{"empty", "", 10, ""},
		{"whitespace only", "   \n\t  ", 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateWords(tt.text, tt.max); got != tt.want {
				t.Errorf("TruncateWords(%q, %d) = %q, want %q", tt.text, tt.max, tt.want, got)
			}
		})
	}
}
