package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Execer is the execution surface shared by *sql.DB, *sql.Tx and
// *sql.Conn.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// BatchUpsert executes a single multi-row
// INSERT ... ON CONFLICT(conflictCols) DO UPDATE SET col = excluded.col
// for the given rows. Every row must have len(cols) values. updateCols
// names the columns overwritten on conflict; columns not listed keep
// their existing values, which is what lets the price refresh path
// update price columns without clobbering analytics columns.
func BatchUpsert(ctx context.Context, exec Execer, table string, cols []string, rows [][]interface{}, conflictCols, updateCols []string) (int64, error) {
	query, args, err := UpsertSQL(table, cols, rows, conflictCols, updateCols)
	if err != nil {
		return 0, err
	}
	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("batch upsert into %s failed: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

// UpsertSQL builds the parameterised statement and flattened argument
// list for a multi-row upsert. Exposed separately so callers can run it
// on whatever execution handle they hold (pooled conn, tx, or db).
func UpsertSQL(table string, cols []string, rows [][]interface{}, conflictCols, updateCols []string) (string, []interface{}, error) {
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("batch upsert: no rows")
	}
	for i, row := range rows {
		if len(row) != len(cols) {
			return "", nil, fmt.Errorf("batch upsert: row %d has %d values, want %d", i, len(row), len(cols))
		}
	}

	placeholder := "(" + strings.Repeat("?,", len(cols)-1) + "?)"
	placeholders := make([]string, len(rows))
	args := make([]interface{}, 0, len(rows)*len(cols))
	for i, row := range rows {
		placeholders[i] = placeholder
		args = append(args, row...)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES ")
	sb.WriteString(strings.Join(placeholders, ", "))

	if len(conflictCols) > 0 {
		sb.WriteString(" ON CONFLICT(")
		sb.WriteString(strings.Join(conflictCols, ", "))
		sb.WriteString(") DO UPDATE SET ")
		sets := make([]string, len(updateCols))
		for i, col := range updateCols {
			sets[i] = col + " = excluded." + col
		}
		sb.WriteString(strings.Join(sets, ", "))
	}

	return sb.String(), args, nil
}
