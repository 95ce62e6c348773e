package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"unicode"
)

// stopwords are dropped during query normalization so that rephrasings
// collide on the same retrieval key. Vietnamese function words plus a small
// English set; keep this list short, over-stripping merges distinct queries.
var stopwords = map[string]struct{}{
	// Vietnamese
	"để": {}, "và": {}, "của": {}, "có": {}, "các": {}, "những": {},
	"thì": {}, "mà": {}, "ạ": {}, "nhé": {}, "vậy": {},
	// English
	"the": {}, "a": {}, "an": {}, "of": {}, "to": {}, "and": {},
	"is": {}, "are": {}, "please": {},
}

// NormalizeQuery canonicalizes query text for retrieval cache keys:
// lowercase, punctuation stripped, whitespace collapsed, stopwords removed,
// remaining tokens sorted. The result is idempotent and word-order
// insensitive, so "Tu tập như thế nào" and "Như thế nào để tu tập" produce
// the same key.
func NormalizeQuery(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for _, r := range strings.ToLower(query) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	tokens := strings.Fields(b.String())
	kept := tokens[:0]
	for _, tok := range tokens {
		if _, skip := stopwords[tok]; skip {
			continue
		}
		kept = append(kept, tok)
	}
	sort.Strings(kept)
	return strings.Join(kept, " ")
}

// RetrievalKey builds the retrieval-namespace cache key:
// kb_retrieval:{md5 of canonical JSON over function name, normalized query,
// sorted kb ids, topK and sorted extra params}.
func RetrievalKey(fn, query string, kbIDs []string, topK int, params map[string]any) string {
	sortedKBs := make([]string, len(kbIDs))
	copy(sortedKBs, kbIDs)
	sort.Strings(sortedKBs)

	type entry struct {
		Key   string `json:"k"`
		Value any    `json:"v"`
	}
	extra := make([]entry, 0, len(params))
	for k, v := range params {
		extra = append(extra, entry{Key: k, Value: Sanitize(v)})
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Key < extra[j].Key })

	base := struct {
		Func  string   `json:"func"`
		Query string   `json:"query"`
		KBIDs []string `json:"kb_ids"`
		TopK  int      `json:"top_k"`
		Extra []entry  `json:"extra"`
	}{
		Func:  fn,
		Query: NormalizeQuery(query),
		KBIDs: sortedKBs,
		TopK:  topK,
		Extra: extra,
	}

	data, err := json.Marshal(base)
	if err != nil {
		// Marshal of plain structs cannot fail; fall back to the raw parts.
		data = []byte(fn + "|" + base.Query + "|" + strings.Join(sortedKBs, ","))
	}
	sum := md5.Sum(data)
	return "kb_retrieval:" + hex.EncodeToString(sum[:])
}
