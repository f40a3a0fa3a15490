// Package earnings stores the earnings calendar synced from the data
// providers.
package earnings

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/providers"
)

// Event is one earnings_events row.
type Event struct {
	ID              int64    `json:"id"`
	Ticker          string   `json:"ticker"`
	EarningsDate    string   `json:"earnings_date"`
	EPSEstimate     *float64 `json:"eps_estimate"`
	EPSActual       *float64 `json:"eps_actual"`
	RevenueEstimate *float64 `json:"revenue_estimate"`
	RevenueActual   *float64 `json:"revenue_actual"`
	UpdatedAt       string   `json:"updated_at"`
}

// Repository handles earnings_events table operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "earnings").Logger(),
	}
}

// UpsertBatch writes provider events keyed by (ticker, earnings_date).
// COALESCE keeps previously recorded actuals when the incoming row has
// none, so a re-sync of future estimates never erases reported numbers.
func (r *Repository) UpsertBatch(ctx context.Context, events []providers.EarningsEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO earnings_events
			(ticker, earnings_date, eps_estimate, eps_actual, revenue_estimate, revenue_actual, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(ticker, earnings_date) DO UPDATE SET
			eps_estimate = COALESCE(excluded.eps_estimate, earnings_events.eps_estimate),
			eps_actual = COALESCE(excluded.eps_actual, earnings_events.eps_actual),
			revenue_estimate = COALESCE(excluded.revenue_estimate, earnings_events.revenue_estimate),
			revenue_actual = COALESCE(excluded.revenue_actual, earnings_events.revenue_actual),
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	written := 0
	for _, event := range events {
		if event.Ticker == "" || event.EarningsDate.IsZero() {
			continue
		}
		day := event.EarningsDate.UTC().Format("2006-01-02")
		if _, err := stmt.ExecContext(ctx, event.Ticker, day,
			event.EPSEstimate, event.EPSActual, event.RevenueEstimate, event.RevenueActual); err != nil {
			return 0, fmt.Errorf("failed to upsert earnings for %s: %w", event.Ticker, err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// Upcoming returns events dated today or later, limited to the window.
func (r *Repository) Upcoming(ctx context.Context, days int) ([]Event, error) {
	if days <= 0 {
		days = 30
	}
	today := time.Now().UTC().Format("2006-01-02")
	until := time.Now().UTC().AddDate(0, 0, days).Format("2006-01-02")
	return r.query(ctx, `
		SELECT id, ticker, earnings_date, eps_estimate, eps_actual,
			revenue_estimate, revenue_actual, updated_at
		FROM earnings_events
		WHERE earnings_date >= ? AND earnings_date <= ?
		ORDER BY earnings_date, ticker
	`, today, until)
}

// ForTicker returns the full recorded calendar for one ticker, newest
// first.
func (r *Repository) ForTicker(ctx context.Context, ticker string) ([]Event, error) {
	return r.query(ctx, `
		SELECT id, ticker, earnings_date, eps_estimate, eps_actual,
			revenue_estimate, revenue_actual, updated_at
		FROM earnings_events
		WHERE ticker = ?
		ORDER BY earnings_date DESC
	`, ticker)
}

func (r *Repository) query(ctx context.Context, q string, args ...interface{}) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query earnings events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Ticker, &e.EarningsDate, &e.EPSEstimate, &e.EPSActual,
			&e.RevenueEstimate, &e.RevenueActual, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
