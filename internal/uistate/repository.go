// Package uistate persists small frontend state blobs (layout, panel
// collapse, last-viewed ticker) keyed by name.
package uistate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Repository handles ui_state table operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "ui_state").Logger(),
	}
}

// Get returns the value for key, nil when unset.
func (r *Repository) Get(ctx context.Context, key string) (*string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM ui_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ui state %q: %w", key, err)
	}
	return &value, nil
}

// GetAll returns every stored key.
func (r *Repository) GetAll(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value FROM ui_state")
	if err != nil {
		return nil, fmt.Errorf("failed to list ui state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// Set upserts one key.
func (r *Repository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ui_state (key, value, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set ui state %q: %w", key, err)
	}
	return nil
}

// Delete removes one key.
func (r *Repository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM ui_state WHERE key = ?", key)
	return err
}

// Prune drops entries untouched for longer than maxAge.
func (r *Repository) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format("2006-01-02 15:04:05")
	res, err := r.db.ExecContext(ctx, "DELETE FROM ui_state WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune ui state: %w", err)
	}
	return res.RowsAffected()
}
