// Package errorlog stores frontend and backend error reports for the
// diagnostics endpoints.
package errorlog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// maxMessageLen bounds stored messages; browsers occasionally post
// entire minified stack dumps in the message field.
const maxMessageLen = 4000

// Entry is one error_log row.
type Entry struct {
	ID        int64   `json:"id"`
	Source    string  `json:"source"`
	Message   string  `json:"message"`
	Stack     *string `json:"stack,omitempty"`
	RequestID *string `json:"request_id,omitempty"`
	Metadata  *string `json:"metadata,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// Stats aggregates the log per source.
type Stats struct {
	Total    int            `json:"total"`
	BySource map[string]int `json:"by_source"`
}

// Repository handles error_log table operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "error_log").Logger(),
	}
}

// Record inserts one report. source defaults to "frontend" since the
// ingestion endpoint exists for browser clients.
func (r *Repository) Record(ctx context.Context, source, message string, stack, requestID, metadata *string) (int64, error) {
	if source == "" {
		source = "frontend"
	}
	if message == "" {
		return 0, fmt.Errorf("errorlog: empty message")
	}
	if len(message) > maxMessageLen {
		message = message[:maxMessageLen]
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO error_log (source, message, stack, request_id, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, source, message, stack, requestID, metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to record error: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns the latest entries, newest first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source, message, stack, request_id, metadata, created_at
		FROM error_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Source, &e.Message, &e.Stack, &e.RequestID, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetStats aggregates counts per source.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT source, COUNT(*) FROM error_log GROUP BY source")
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate errors: %w", err)
	}
	defer rows.Close()

	stats := &Stats{BySource: make(map[string]int)}
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, err
		}
		stats.BySource[source] = count
		stats.Total += count
	}
	return stats, rows.Err()
}
