package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ragline/ragline/internal/chat"
)

const tableQueryTimeout = 30 * time.Second

// Tables runs model-generated SELECT statements against the chunk store and
// renders the result set as plain strings for table formatting.
type Tables struct {
	pool *pgxpool.Pool
}

func NewTables(pool *pgxpool.Pool) *Tables {
	return &Tables{pool: pool}
}

// SQLRetrieval executes the statement and stringifies every value. NULLs
// become empty strings so the rendered table stays rectangular.
func (t *Tables) SQLRetrieval(ctx context.Context, sql string) (*chat.TableResult, error) {
	queryCtx, cancel := context.WithTimeout(ctx, tableQueryTimeout)
	defer cancel()

	rows, err := t.pool.Query(queryCtx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to execute statement: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	result := &chat.TableResult{Columns: columns}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			if v == nil {
				continue
			}
			row[i] = fmt.Sprintf("%v", v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return result, nil
}
