// Package briefs stores research briefs: short written analyses tied to
// a ticker (or the whole market) that can be browsed and exported in
// bulk. Scheduled briefing jobs write here as well as publishing to the
// event stream, so briefings survive past the SSE connection that saw
// them live.
package briefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrInvalidBrief is returned when a brief is missing its title or
// content.
var ErrInvalidBrief = errors.New("briefs: title and content are required")

// Brief is one research_briefs row.
type Brief struct {
	ID        int64    `json:"id"`
	Ticker    string   `json:"ticker"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Rating    *string  `json:"rating,omitempty"`
	Score     *float64 `json:"score,omitempty"`
	Tags      string   `json:"tags"`
	CreatedAt string   `json:"created_at"`
}

// Repository handles research_briefs table operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "briefs").Logger(),
	}
}

// Create stores a brief. Ticker may be empty for market-wide briefs;
// tags is a comma-separated label list.
func (r *Repository) Create(ctx context.Context, ticker, title, content string, rating *string, score *float64, tags string) (*Brief, error) {
	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)
	if title == "" || content == "" {
		return nil, ErrInvalidBrief
	}
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO research_briefs (ticker, title, content, rating, score, tags)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ticker, title, content, rating, score, tags)
	if err != nil {
		return nil, fmt.Errorf("failed to create brief: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read brief id: %w", err)
	}
	return r.Get(ctx, id)
}

// Get returns one brief, nil when absent.
func (r *Repository) Get(ctx context.Context, id int64) (*Brief, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, ticker, title, content, rating, score, tags, created_at
		FROM research_briefs WHERE id = ?`, id)
	b := &Brief{}
	err := row.Scan(&b.ID, &b.Ticker, &b.Title, &b.Content, &b.Rating, &b.Score, &b.Tags, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load brief: %w", err)
	}
	return b, nil
}

// List returns briefs newest first, optionally filtered by ticker.
func (r *Repository) List(ctx context.Context, ticker string, limit int) ([]*Brief, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	query := `
		SELECT id, ticker, title, content, rating, score, tags, created_at
		FROM research_briefs`
	args := []interface{}{}
	if ticker != "" {
		query += " WHERE ticker = ?"
		args = append(args, ticker)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list briefs: %w", err)
	}
	defer rows.Close()

	var out []*Brief
	for rows.Next() {
		b := &Brief{}
		if err := rows.Scan(&b.ID, &b.Ticker, &b.Title, &b.Content, &b.Rating, &b.Score, &b.Tags, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan brief: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetMany loads the given ids, skipping unknown ones, newest first.
func (r *Repository) GetMany(ctx context.Context, ids []int64) ([]*Brief, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ticker, title, content, rating, score, tags, created_at
		FROM research_briefs WHERE id IN (`+placeholders+`)
		ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load briefs: %w", err)
	}
	defer rows.Close()

	var out []*Brief
	for rows.Next() {
		b := &Brief{}
		if err := rows.Scan(&b.ID, &b.Ticker, &b.Title, &b.Content, &b.Rating, &b.Score, &b.Tags, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan brief: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Delete removes a brief. sql.ErrNoRows when absent.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM research_briefs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete brief: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
