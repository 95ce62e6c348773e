package chat

import (
	"context"
	"sort"
	"testing"

	"go.uber.org/goleak"

	"github.com/ragline/ragline/internal/dialog"
)

func metadataFixture() dialog.DocMetadata {
	return dialog.DocMetadata{
		"department": {
			"engineering": {"doc1", "doc2"},
			"sales":       {"doc3"},
		},
		"year": {
			"2023": {"doc1"},
			"2024": {"doc2", "doc3"},
		},
	}
}

func TestCompareMeta(t *testing.T) {
	tests := []struct {
		stored, op, want string
		match            bool
	}{
		{"Engineering", "contains", "engineer", true},
		{"Engineering", "not contains", "sales", true},
		{"handbook.pdf", "start with", "Handbook", true},
		{"handbook.pdf", "end with", ".pdf", true},
		{"", "empty", "", true},
		{"x", "not empty", "", true},
		{"2024", "=", "2024", true},
		{"2024", "≠", "2023", true},
		{"10", ">", "9", true}, // numeric, not lexicographic
		{"9", "<", "10", true},
		{"2024", "≥", "2024", true},
		{"2023", "≤", "2024", true},
		{"abc", ">", "abd", false},
		{"2024", "=", "2023", false},
	}
	for _, tt := range tests {
		if got := compareMeta(tt.stored, tt.op, tt.want); got != tt.match {
			t.Errorf("compareMeta(%q, %q, %q) = %v, want %v", tt.stored, tt.op, tt.want, got, tt.match)
		}
	}
}

func TestFilterDocIDsIntersectsConditions(t *testing.T) {
	got := filterDocIDs(metadataFixture(), []dialog.FilterCondition{
		{Name: "department", Comparison: "=", Value: "engineering"},
		{Name: "year", Comparison: "=", Value: "2024"},
	})
	if len(got) != 1 || got[0] != "doc2" {
		t.Errorf("filterDocIDs() = %v, want [doc2]", got)
	}
}

func TestFilterDocIDsUnknownFieldIgnored(t *testing.T) {
	got := filterDocIDs(metadataFixture(), []dialog.FilterCondition{
		{Name: "department", Comparison: "=", Value: "engineering"},
		{Name: "nonexistent", Comparison: "=", Value: "x"},
	})
	sort.Strings(got)
	if len(got) != 2 || got[0] != "doc1" || got[1] != "doc2" {
		t.Errorf("filterDocIDs() = %v, want [doc1 doc2]", got)
	}
}

func TestFilterDocIDsNoMatch(t *testing.T) {
	got := filterDocIDs(metadataFixture(), []dialog.FilterCondition{
		{Name: "department", Comparison: "=", Value: "legal"},
	})
	if len(got) != 0 {
		t.Errorf("filterDocIDs() = %v, want empty", got)
	}
}

func TestResolveDocScopeManualFilter(t *testing.T) {
	d := kbDialog()
	d.MetaDataFilter = &dialog.MetadataFilter{
		Method:     "manual",
		Conditions: []dialog.FilterCondition{{Name: "department", Comparison: "=", Value: "sales"}},
	}
	e := testEngine()
	e.dialogs = &memDialogStore{metas: metadataFixture()}

	got := e.resolveDocScope(context.Background(), d, "quarterly numbers", []string{"att1"})
	sort.Strings(got)
	if len(got) != 2 || got[0] != "att1" || got[1] != "doc3" {
		t.Errorf("resolveDocScope() = %v, want attachments plus filter matches", got)
	}
}

func TestResolveDocScopeEmptySelectionUnscopes(t *testing.T) {
	d := kbDialog()
	d.MetaDataFilter = &dialog.MetadataFilter{
		Method:     "manual",
		Conditions: []dialog.FilterCondition{{Name: "department", Comparison: "=", Value: "legal"}},
	}
	e := testEngine()
	e.dialogs = &memDialogStore{metas: metadataFixture()}

	if got := e.resolveDocScope(context.Background(), d, "q", nil); got != nil {
		t.Errorf("resolveDocScope() = %v, want nil scope when nothing matches", got)
	}
}

func TestGroundedTurnCarriesDocScope(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := kbDialog()
	d.MetaDataFilter = &dialog.MetadataFilter{
		Method:     "manual",
		Conditions: []dialog.FilterCondition{{Name: "department", Comparison: "=", Value: "engineering"}},
	}
	model := &streamModel{deltas: [][]string{
		{"[CLASSIFY:KB] Checking. "},
		{"An answer. "},
	}}
	fx := newFixture(d, model, false)
	fx.engine.dialogs.(*memDialogStore).metas = metadataFixture()

	_, _ = collect(t, fx.engine.HandleTurn(context.Background(), TurnRequest{
		TenantID: "t1", DialogID: "d1", UserID: "u1", Question: "who owns the build?",
		DocIDs: []string{"att1"},
	}))

	fx.retriever.mu.Lock()
	defer fx.retriever.mu.Unlock()
	if len(fx.retriever.saw) != 1 {
		t.Fatalf("retrieval calls = %d, want 1", len(fx.retriever.saw))
	}
	got := append([]string(nil), fx.retriever.saw[0].DocIDs...)
	sort.Strings(got)
	want := []string{"att1", "doc1", "doc2"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("retrieval DocIDs = %v, want %v", got, want)
		}
	}
}
