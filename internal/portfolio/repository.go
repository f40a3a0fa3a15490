// Package portfolio tracks held positions and daily value snapshots.
package portfolio

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Position is one held lot, keyed by ticker.
type Position struct {
	ID        int64   `json:"id"`
	Ticker    string  `json:"ticker"`
	Shares    float64 `json:"shares"`
	CostBasis float64 `json:"cost_basis"`
	AddedAt   string  `json:"added_at"`
}

// PositionValue is a position priced with current market data.
type PositionValue struct {
	Position
	CurrentPrice float64 `json:"current_price"`
	MarketValue  float64 `json:"market_value"`
	GainPct      float64 `json:"gain_pct"`
}

// Snapshot is one portfolio_snapshots row.
type Snapshot struct {
	ID         int64   `json:"id"`
	TotalValue float64 `json:"total_value"`
	TotalCost  float64 `json:"total_cost"`
	GainPct    float64 `json:"gain_pct"`
	Positions  string  `json:"positions"`
	RecordedAt string  `json:"recorded_at"`
}

// Repository handles portfolio table operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "portfolio").Logger(),
	}
}

// Upsert sets the position for a ticker, replacing shares and cost
// basis. Zero shares removes the position.
func (r *Repository) Upsert(ctx context.Context, ticker string, shares, costBasis float64) error {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return fmt.Errorf("portfolio: empty ticker")
	}
	if shares <= 0 {
		return r.Delete(ctx, ticker)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO portfolio_positions (ticker, shares, cost_basis)
		VALUES (?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			shares = excluded.shares,
			cost_basis = excluded.cost_basis
	`, ticker, shares, costBasis)
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", ticker, err)
	}
	return nil
}

// Delete removes a position.
func (r *Repository) Delete(ctx context.Context, ticker string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM portfolio_positions WHERE ticker = ?", strings.ToUpper(strings.TrimSpace(ticker)))
	return err
}

// Positions returns every position ordered by ticker.
func (r *Repository) Positions(ctx context.Context) ([]Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ticker, shares, cost_basis, added_at
		FROM portfolio_positions ORDER BY ticker
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.Ticker, &p.Shares, &p.CostBasis, &p.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Value prices the portfolio with the given per-ticker prices.
// Positions without a price carry their cost basis as market value so
// totals stay comparable across partial price coverage.
func (r *Repository) Value(ctx context.Context, prices map[string]float64) ([]PositionValue, float64, float64, error) {
	positions, err := r.Positions(ctx)
	if err != nil {
		return nil, 0, 0, err
	}

	var totalValue, totalCost float64
	out := make([]PositionValue, 0, len(positions))
	for _, p := range positions {
		value := PositionValue{Position: p}
		cost := p.Shares * p.CostBasis
		if price, ok := prices[p.Ticker]; ok && price > 0 {
			value.CurrentPrice = price
			value.MarketValue = p.Shares * price
		} else {
			value.MarketValue = cost
		}
		if cost > 0 {
			value.GainPct = (value.MarketValue - cost) / cost * 100
		}
		totalValue += value.MarketValue
		totalCost += cost
		out = append(out, value)
	}
	return out, totalValue, totalCost, nil
}

// RecordSnapshot persists the priced portfolio as one snapshot row.
func (r *Repository) RecordSnapshot(ctx context.Context, values []PositionValue, totalValue, totalCost float64) error {
	gainPct := 0.0
	if totalCost > 0 {
		gainPct = (totalValue - totalCost) / totalCost * 100
	}
	positionsJSON, _ := json.Marshal(values)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO portfolio_snapshots (total_value, total_cost, gain_pct, positions)
		VALUES (?, ?, ?, ?)
	`, totalValue, totalCost, gainPct, string(positionsJSON))
	if err != nil {
		return fmt.Errorf("failed to record portfolio snapshot: %w", err)
	}
	return nil
}

// Snapshots returns the latest snapshots, newest first.
func (r *Repository) Snapshots(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, total_value, total_cost, gain_pct, COALESCE(positions, ''), recorded_at
		FROM portfolio_snapshots ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.TotalValue, &s.TotalCost, &s.GainPct, &s.Positions, &s.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
