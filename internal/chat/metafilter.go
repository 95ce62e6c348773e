package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ragline/ragline/internal/dialog"
	"github.com/ragline/ragline/internal/llm"
)

const metaFilterPrompt = `Role: you translate a user question into document
metadata filters.
Task: given the metadata fields and values below, output a JSON array of
filter conditions that narrow the documents to those the question is about,
in the form [{"name": "...", "comparison": "...", "value": "..."}].
Allowed comparisons: contains, not contains, start with, end with, empty,
not empty, =, ≠, >, <, ≥, ≤.
Metadata fields:
%s
Output the JSON array only, nothing else. Output [] when no filter applies.`

// resolveDocScope narrows retrieval to a document id set: the caller's
// attachments plus whatever the dialog's metadata filter selects. A filter
// that selects nothing drops the scope entirely instead of forcing an
// empty retrieval.
func (e *Engine) resolveDocScope(ctx context.Context, d *dialog.Dialog, question string, attachments []string) []string {
	docIDs := append([]string(nil), attachments...)
	f := d.MetaDataFilter
	if f == nil || f.Method == "" {
		return docIDs
	}

	metas, err := e.dialogs.DocMetadata(ctx, d.KBIDs)
	if err != nil {
		e.logger.Warn("document metadata lookup failed", "error", err)
		return docIDs
	}
	if len(metas) == 0 {
		return docIDs
	}

	conds := f.Conditions
	if f.Method == "auto" {
		conds = e.genMetaConditions(ctx, e.model, metas, question)
	}
	docIDs = append(docIDs, filterDocIDs(metas, conds)...)
	if len(docIDs) == 0 {
		return nil
	}
	return docIDs
}

// genMetaConditions asks the model to derive filter conditions from the
// question. Failure returns no conditions and retrieval stays unscoped.
func (e *Engine) genMetaConditions(ctx context.Context, model llm.ChatModel, metas dialog.DocMetadata, question string) []dialog.FilterCondition {
	ctx, cancel := context.WithTimeout(ctx, refineTimeout)
	defer cancel()

	var fields strings.Builder
	for name, values := range metas {
		vals := make([]string, 0, len(values))
		for v := range values {
			vals = append(vals, v)
		}
		fmt.Fprintf(&fields, "- %s: %s\n", name, strings.Join(vals, ", "))
	}

	out, err := model.Chat(ctx,
		fmt.Sprintf(metaFilterPrompt, fields.String()),
		[]llm.Message{{Role: llm.RoleUser, Content: question}},
		llm.GenConfig{Temperature: 0.2, MaxTokens: 512})
	if err != nil {
		e.logger.Warn("metadata filter generation failed", "error", err)
		return nil
	}

	out = strings.TrimSpace(out)
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")

	var conds []dialog.FilterCondition
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &conds); err != nil {
		e.logger.Warn("metadata filter output unparseable", "error", err)
		return nil
	}
	return conds
}

// filterDocIDs evaluates filter conditions against the metadata index and
// intersects the per-condition matches. Conditions naming an unknown field
// do not constrain the result.
func filterDocIDs(metas dialog.DocMetadata, conds []dialog.FilterCondition) []string {
	var result map[string]bool
	for _, cond := range conds {
		values, ok := metas[cond.Name]
		if !ok {
			continue
		}
		matched := map[string]bool{}
		for value, ids := range values {
			if compareMeta(value, cond.Comparison, cond.Value) {
				for _, id := range ids {
					matched[id] = true
				}
			}
		}
		if result == nil {
			result = matched
		} else {
			for id := range result {
				if !matched[id] {
					delete(result, id)
				}
			}
		}
		if len(result) == 0 {
			return nil
		}
	}
	ids := make([]string, 0, len(result))
	for id := range result {
		ids = append(ids, id)
	}
	return ids
}

// compareMeta applies one comparison operator to a stored metadata value.
// Ordering operators compare numerically when both sides parse as numbers,
// textually otherwise.
func compareMeta(stored, op, want string) bool {
	ls, lw := strings.ToLower(stored), strings.ToLower(want)
	switch op {
	case "contains":
		return strings.Contains(ls, lw)
	case "not contains":
		return !strings.Contains(ls, lw)
	case "start with":
		return strings.HasPrefix(ls, lw)
	case "end with":
		return strings.HasSuffix(ls, lw)
	case "empty":
		return stored == ""
	case "not empty":
		return stored != ""
	}

	sn, serr := strconv.ParseFloat(stored, 64)
	wn, werr := strconv.ParseFloat(want, 64)
	if serr == nil && werr == nil {
		switch op {
		case "=", "is":
			return sn == wn
		case "≠", "not is":
			return sn != wn
		case ">":
			return sn > wn
		case "<":
			return sn < wn
		case "≥":
			return sn >= wn
		case "≤":
			return sn <= wn
		}
		return false
	}
	switch op {
	case "=", "is":
		return stored == want
	case "≠", "not is":
		return stored != want
	case ">":
		return stored > want
	case "<":
		return stored < want
	case "≥":
		return stored >= want
	case "≤":
		return stored <= want
	}
	return false
}
