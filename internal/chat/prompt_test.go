package chat

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ragline/ragline/internal/dialog"
)

func TestRenderSystemSubstitutesParameters(t *testing.T) {
	cfg := dialog.PromptConfig{
		System: "You are {name}, serving {team}. Optional: {extra}",
		Parameters: []dialog.Parameter{
			{Key: "name"},
			{Key: "team"},
			{Key: "extra", Optional: true},
		},
	}
	got, err := RenderSystem(cfg, map[string]string{"name": "Atlas", "team": "support", "extra": ""})
	if err != nil {
		t.Fatalf("RenderSystem() error = %v", err)
	}
	want := "You are Atlas, serving support. Optional: "
	if got != want {
		t.Errorf("rendered = %q, want %q", got, want)
	}
}

func TestRenderSystemMissingRequiredParameter(t *testing.T) {
	cfg := dialog.PromptConfig{
		System:     "You are {name}.",
		Parameters: []dialog.Parameter{{Key: "name"}},
	}
	_, err := RenderSystem(cfg, nil)
	if !errors.Is(err, ErrMissingParameter) {
		t.Fatalf("error = %v, want ErrMissingParameter", err)
	}
	if !strings.Contains(err.Error(), "name") {
		t.Errorf("error should name the parameter: %v", err)
	}
}

func TestCleanContentStripsRowMarkers(t *testing.T) {
	in := "|a|b| ##0$$ |\n|c|d| ##12$$ |"
	got := CleanContent(in)
	if strings.Contains(got, "##") {
		t.Errorf("markers survived: %q", got)
	}
}

func TestBuildSystemPromptSectionOrder(t *testing.T) {
	out := buildSystemPrompt(systemPromptInput{
		System:    "persona",
		Datetime:  "Today is Monday.",
		Memory:    "they like brevity",
		Knowledge: []string{"Document: a\nfirst", "Document: b\nsecond"},
		Quote:     true,
	})

	order := []string{"persona", "## Context:", "## Memory:", "## Knowledge:", "------", "## IMPORTANT:", "## Citation requirements:"}
	last := -1
	for _, marker := range order {
		idx := strings.Index(out, marker)
		if idx < 0 {
			t.Fatalf("missing section %q in:\n%s", marker, out)
		}
		if idx < last {
			t.Errorf("section %q out of order", marker)
		}
		last = idx
	}
}

func TestBuildSystemPromptNoRepeatBlock(t *testing.T) {
	out := buildSystemPrompt(systemPromptInput{
		System:      "persona",
		Datetime:    "now",
		Knowledge:   []string{"k"},
		AlreadySaid: "Let me check that for you.",
	})
	if !strings.Contains(out, "Let me check that for you.") {
		t.Error("acknowledgment not embedded")
	}
	if !strings.Contains(out, "CRITICAL INSTRUCTION") {
		t.Error("no-repeat block missing")
	}
	if strings.Contains(out, "## IMPORTANT:") {
		t.Error("direct-answer block should be replaced by the no-repeat block")
	}
}

func TestDatetimeInfo(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	got := DatetimeInfo(ts)
	if !strings.Contains(got, "Friday") || !strings.Contains(got, "March 14, 2025") || !strings.Contains(got, "09:30") {
		t.Errorf("DatetimeInfo() = %q", got)
	}
}
