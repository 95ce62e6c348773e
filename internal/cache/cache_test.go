package cache

import (
	"context"
	"testing"
	"time"

	"github.com/ragline/ragline/internal/log"
)

func newTestCache() *Cache {
	return New(NewMemoryStore(), DefaultConfig(), log.NewNop())
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		name    string
		queries []string
	}{
		{"case variants", []string{
			"Phật giáo là gì?",
			"phật giáo là gì",
			"PHẬT GIÁO LÀ GÌ",
			"Phật Giáo Là Gì",
		}},
		{"punctuation variants", []string{
			"Bát quan trai là gì?",
			"Bát quan trai là gì",
			"Bát quan trai, là gì?",
			"Bát quan trai - là gì!",
		}},
		{"word order and stopwords", []string{
			"Tu tập như thế nào",
			"Như thế nào tu tập",
			"Như thế nào để tu tập",
		}},
		{"whitespace variants", []string{
			"Phật   giáo",
			"Phật giáo",
			"Phật     giáo    ",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := NormalizeQuery(tt.queries[0])
			for _, q := range tt.queries[1:] {
				if got := NormalizeQuery(q); got != want {
					t.Errorf("NormalizeQuery(%q) = %q, want %q", q, got, want)
				}
			}
		})
	}
}

func TestNormalizeQueryIdempotent(t *testing.T) {
	once := NormalizeQuery("Phật giáo là gì?")
	twice := NormalizeQuery(once)
	if once != twice {
		t.Errorf("normalization not idempotent: %q vs %q", once, twice)
	}
}

func TestRetrievalKeyStable(t *testing.T) {
	k1 := RetrievalKey("retrieval", "Phật giáo là gì?", []string{"kb2", "kb1"}, 6, map[string]any{"sim": 0.1})
	k2 := RetrievalKey("retrieval", "phật giáo là gì", []string{"kb1", "kb2"}, 6, map[string]any{"sim": 0.1})
	if k1 != k2 {
		t.Errorf("equivalent requests produced different keys: %s vs %s", k1, k2)
	}

	k3 := RetrievalKey("retrieval", "phật giáo là gì", []string{"kb1"}, 6, map[string]any{"sim": 0.1})
	if k1 == k3 {
		t.Error("different kb sets must not collide")
	}

	const prefix = "kb_retrieval:"
	if len(k1) != len(prefix)+32 || k1[:len(prefix)] != prefix {
		t.Errorf("key %q does not match kb_retrieval:{md5hex}", k1)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	ctx := context.Background()
	if err := store.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok := store.Get(ctx, "k"); !ok {
		t.Fatal("fresh entry should be readable")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := store.Get(ctx, "k"); ok {
		t.Error("expired entry should be a miss")
	}
}

func TestTieredFallsBack(t *testing.T) {
	primary := NewMemoryStore()
	fallback := NewMemoryStore()
	tiered := NewTiered(primary, fallback)
	ctx := context.Background()

	if err := fallback.Set(ctx, "k", []byte("fb"), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok := tiered.Get(ctx, "k")
	if !ok || string(got) != "fb" {
		t.Errorf("Get() = %q, %v; want fallback value", got, ok)
	}

	if err := primary.Set(ctx, "k", []byte("pri"), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, _ = tiered.Get(ctx, "k")
	if string(got) != "pri" {
		t.Errorf("Get() = %q, want primary to win", got)
	}
}

type conv struct {
	ID       string   `json:"id"`
	Messages []string `json:"messages"`
}

func TestConversationWriteThrough(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	before := conv{ID: "s1", Messages: []string{"hello"}}
	c.SetConversation(ctx, "d1", "s1", before)

	after := conv{ID: "s1", Messages: []string{"hello", "world"}}
	c.SetConversation(ctx, "d1", "s1", after)

	var got conv
	if !c.GetConversation(ctx, "d1", "s1", &got) {
		t.Fatal("expected cache hit after write-through update")
	}
	if len(got.Messages) != 2 || got.Messages[1] != "world" {
		t.Errorf("read returned pre-append state: %+v", got)
	}
}

func TestConversationStrategyNone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConvStrategy = StrategyNone
	c := New(NewMemoryStore(), cfg, log.NewNop())
	ctx := context.Background()

	c.SetConversation(ctx, "d1", "s1", conv{ID: "s1"})
	var got conv
	if c.GetConversation(ctx, "d1", "s1", &got) {
		t.Error("strategy NONE must never cache conversations")
	}
}

func TestDialogReadThroughAndInvalidate(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	type dlg struct {
		Name string `json:"name"`
	}
	c.SetDialog(ctx, "t1", "d1", dlg{Name: "support"})
	var got dlg
	if !c.GetDialog(ctx, "t1", "d1", &got) || got.Name != "support" {
		t.Fatalf("GetDialog() = %+v, want cached dialog", got)
	}

	c.InvalidateDialog(ctx, "t1", "d1")
	if c.GetDialog(ctx, "t1", "d1", &got) {
		t.Error("invalidated dialog should be a miss")
	}
}

func TestMemoryBlobRoundTrip(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	if got := c.GetMemory(ctx, "c1"); got != "" {
		t.Errorf("GetMemory() on empty cache = %q, want empty", got)
	}
	c.SetMemory(ctx, "c1", "user prefers concise answers")
	if got := c.GetMemory(ctx, "c1"); got != "user prefers concise answers" {
		t.Errorf("GetMemory() = %q", got)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"string passes", "x", "x"},
		{"float32 widens exactly", float32(1.5), float64(1.5)},
		{"bool passes", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	vec := Sanitize([]float32{1, 2}).([]float64)
	if len(vec) != 2 || vec[0] != 1 || vec[1] != 2 {
		t.Errorf("vector sanitize = %v", vec)
	}

	nested := Sanitize(map[string]any{
		"score": float32(0.5),
		"meta":  map[string]any{"vec": []float32{0.25}},
	}).(map[string]any)
	if nested["score"] != float64(0.5) {
		t.Errorf("nested float32 not widened: %v", nested["score"])
	}

	type opaque struct{ X int }
	if _, ok := Sanitize(opaque{X: 1}).(string); !ok {
		t.Error("unknown types should fall back to string form")
	}
}
