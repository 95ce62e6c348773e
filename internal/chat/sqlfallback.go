package chat

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ragline/ragline/internal/dialog"
	"github.com/ragline/ragline/internal/knowledge"
	"github.com/ragline/ragline/internal/llm"
)

// TableResult is one structured query result: column names plus stringified
// row values.
type TableResult struct {
	Columns []string
	Rows    [][]string
}

// TableQuerier executes model-written SQL against the tabular document
// store. The error text is fed back to the model on retry, so implementations
// should return the database's own message.
type TableQuerier interface {
	SQLRetrieval(ctx context.Context, sql string) (*TableResult, error)
}

// SQLResult is a successful structured fallback answer.
type SQLResult struct {
	Answer     string
	References knowledge.Bundle
	SQL        string
}

const sqlSystemPrompt = "You are a Database Administrator. You need to check the fields of the following tables based on the user's list of questions and write the SQL corresponding to the last question."

const sqlUserPrompt = `
Table name: %s;
Table of database fields are as follows:
%s

Question are as follows:
%s
Please write the SQL, only SQL, without any other explanations or text.
`

const sqlRetryPrompt = `
Table name: %s;
Table of database fields are as follows:
%s

Question are as follows:
%s
Please write the SQL, only SQL, without any other explanations or text.


The SQL error you provided last time is as follows:
%s

Error issued by database as follows:
%s

Please correct the error and write SQL again, only SQL, without any other explanations or text.
`

var (
	thinkTailRe     = regexp.MustCompile(`(?s)^.*</think>`)
	lineBreakRe     = regexp.MustCompile(`[\r\n]+`)
	beforeSelectRe  = regexp.MustCompile(`.*select `)
	multiSpaceRe    = regexp.MustCompile(` +`)
	sqlTailRe       = regexp.MustCompile("([;；]|```).*")
	aggregateRe     = regexp.MustCompile(`(sum|avg|max|min)\(|group by `)
	displayNoiseRe  = regexp.MustCompile(`(/.*|（[^（）]+）)`)
	timeSuffixRe    = regexp.MustCompile(`T[0-9]{2}:[0-9]{2}:[0-9]{2}(\.[0-9]+Z)?\|`)
	blankRowRe      = regexp.MustCompile(`[ |]+`)
	redundantSpaces = regexp.MustCompile(`\s+`)
)

// sqlFallback asks the model for a SQL statement over the KB field map and
// renders the result as a Markdown table with per-row reference markers.
// A nil result with nil error means the fallback does not apply to this
// question; generation should proceed normally.
func (e *Engine) sqlFallback(ctx context.Context, model llm.ChatModel, db TableQuerier, question, tableName string, fieldMap dialog.FieldMap, kbIDs []string) (*SQLResult, error) {
	if db == nil || len(fieldMap) == 0 {
		return nil, nil
	}

	var fields strings.Builder
	for k, v := range fieldMap {
		fmt.Fprintf(&fields, "%s: %s\n", k, v)
	}
	userPrompt := fmt.Sprintf(sqlUserPrompt, tableName, strings.TrimRight(fields.String(), "\n"), question)

	var (
		tbl     *TableResult
		lastSQL string
	)
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := model.Chat(ctx, sqlSystemPrompt,
			[]llm.Message{{Role: llm.RoleUser, Content: userPrompt}},
			llm.GenConfig{Temperature: 0.06, MaxTokens: 512})
		if err != nil {
			return nil, fmt.Errorf("sql generation: %w", err)
		}

		sql, ok := sanitizeSQL(raw, fieldMap, kbIDs)
		if !ok {
			return nil, nil
		}
		lastSQL = sql

		tbl, err = db.SQLRetrieval(ctx, sql)
		if err == nil {
			break
		}
		e.logger.Debug("structured query failed, feeding error back", "sql", sql, "error", err)
		tbl = nil
		userPrompt = fmt.Sprintf(sqlRetryPrompt, tableName,
			strings.TrimRight(fields.String(), "\n"), question, sql, err.Error())
	}

	if tbl == nil || len(tbl.Rows) == 0 {
		return nil, nil
	}
	return renderTable(tbl, fieldMap, lastSQL), nil
}

// sanitizeSQL normalizes model output into a single safe SELECT. Returns
// false when the output is not a usable SELECT statement.
func sanitizeSQL(raw string, fieldMap dialog.FieldMap, kbIDs []string) (string, bool) {
	sql := thinkTailRe.ReplaceAllString(raw, "")
	sql = strings.ToLower(sql)
	sql = lineBreakRe.ReplaceAllString(sql, " ")
	sql = beforeSelectRe.ReplaceAllString(sql, "select ")
	sql = multiSpaceRe.ReplaceAllString(sql, " ")
	sql = sqlTailRe.ReplaceAllString(sql, "")
	sql = strings.TrimSpace(sql)

	if !strings.HasPrefix(sql, "select ") {
		return "", false
	}

	// Plain projections get the document identity columns injected so every
	// row can be traced back to its source document.
	if !aggregateRe.MatchString(sql) {
		if strings.HasPrefix(sql, "select *") {
			flds := make([]string, 0, 12)
			for k := range fieldMap {
				if len(flds) >= 12 {
					break
				}
				flds = append(flds, k)
			}
			sql = "select doc_id,doc_name," + strings.Join(flds, ",") + sql[len("select *"):]
		} else {
			sql = "select doc_id,doc_name," + sql[len("select "):]
		}
	}

	if len(kbIDs) > 0 {
		conds := make([]string, len(kbIDs))
		for i, id := range kbIDs {
			conds[i] = fmt.Sprintf("kb_id = '%s'", strings.ReplaceAll(id, "'", "''"))
		}
		filter := "(" + strings.Join(conds, " OR ") + ")"
		if strings.Contains(sql, "where") {
			sql += " AND " + filter
		} else {
			sql += " WHERE " + filter
		}
	}
	return sql, true
}

// renderTable composes the Markdown answer with ##N$$ row markers and the
// per-document aggregates.
func renderTable(tbl *TableResult, fieldMap dialog.FieldMap, sql string) *SQLResult {
	docIDIdx, docNameIdx := -1, -1
	var columnIdx []int
	for i, c := range tbl.Columns {
		switch c {
		case "doc_id":
			docIDIdx = i
		case "doc_name":
			docNameIdx = i
		default:
			columnIdx = append(columnIdx, i)
		}
	}

	headers := make([]string, 0, len(columnIdx))
	for _, i := range columnIdx {
		name := tbl.Columns[i]
		if display, ok := fieldMap[name]; ok {
			name = display
		}
		headers = append(headers, displayNoiseRe.ReplaceAllString(name, ""))
	}
	header := "|" + strings.Join(headers, "|")
	sep := "|" + strings.Join(repeat("------", len(columnIdx)), "|")
	if docIDIdx >= 0 {
		header += "|Source|"
		sep += "|------|"
	} else {
		header += "|"
	}

	var rows []string
	for _, r := range tbl.Rows {
		cells := make([]string, 0, len(columnIdx))
		for _, i := range columnIdx {
			cells = append(cells, redundantSpaces.ReplaceAllString(r[i], " "))
		}
		row := "|" + strings.Join(cells, "|") + "|"
		if blankRowRe.ReplaceAllString(row, "") == "" {
			continue
		}
		rows = append(rows, row)
	}
	for i := range rows {
		rows[i] += fmt.Sprintf(" ##%d$$ |", i)
	}
	body := timeSuffixRe.ReplaceAllString(strings.Join(rows, "\n"), "|")

	res := &SQLResult{
		Answer: strings.Join([]string{header, sep, body}, "\n"),
		SQL:    sql,
	}
	if docIDIdx < 0 || docNameIdx < 0 {
		return res
	}

	counts := map[string]*knowledge.DocAgg{}
	var order []string
	for _, r := range tbl.Rows {
		id := r[docIDIdx]
		if counts[id] == nil {
			counts[id] = &knowledge.DocAgg{DocID: id, DocName: r[docNameIdx]}
			order = append(order, id)
		}
		counts[id].Count++
	}
	for _, id := range order {
		res.References.DocAggs = append(res.References.DocAggs, *counts[id])
	}
	res.References.Total = len(res.References.DocAggs)
	return res
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}
