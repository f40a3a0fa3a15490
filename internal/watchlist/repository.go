// Package watchlist manages the stock universe: the stocks table,
// named watchlists and their memberships. At least one watchlist must
// exist at all times.
package watchlist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/database"
)

// ErrLastWatchlist is returned when deletion would leave zero
// watchlists.
var ErrLastWatchlist = errors.New("watchlist: cannot delete the last watchlist")

// ErrInvalidTicker is returned for symbols outside the accepted shape.
var ErrInvalidTicker = errors.New("watchlist: invalid ticker")

// tickerPattern accepts 1 to 5 ASCII uppercase letters.
var tickerPattern = regexp.MustCompile(`^[A-Z]{1,5}$`)

// NormalizeTicker uppercases and validates a symbol.
func NormalizeTicker(raw string) (string, error) {
	ticker := strings.ToUpper(strings.TrimSpace(raw))
	if !tickerPattern.MatchString(ticker) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicker, raw)
	}
	return ticker, nil
}

// Stock is one stocks row.
type Stock struct {
	Ticker  string `json:"ticker"`
	Name    string `json:"name"`
	Market  string `json:"market"`
	Active  bool   `json:"active"`
	AddedAt string `json:"added_at"`
}

// Watchlist is one watchlists row.
type Watchlist struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
	CreatedAt string `json:"created_at"`
}

// Repository handles stocks and watchlist table operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new watchlist repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "watchlist").Logger(),
	}
}

// EnsureDefault creates the "Default" watchlist when none exist. Called
// once on boot.
func (r *Repository) EnsureDefault(ctx context.Context) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM watchlists").Scan(&count); err != nil {
			return fmt.Errorf("failed to count watchlists: %w", err)
		}
		if count > 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx, "INSERT INTO watchlists (name, sort_order) VALUES ('Default', 0)")
		if err != nil {
			return fmt.Errorf("failed to create default watchlist: %w", err)
		}
		r.log.Info().Msg("Created default watchlist")
		return nil
	})
}

// List returns all watchlists ordered by sort_order then name.
func (r *Repository) List(ctx context.Context) ([]Watchlist, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, name, sort_order, created_at FROM watchlists ORDER BY sort_order, name")
	if err != nil {
		return nil, fmt.Errorf("failed to list watchlists: %w", err)
	}
	defer rows.Close()

	var out []Watchlist
	for rows.Next() {
		var w Watchlist
		if err := rows.Scan(&w.ID, &w.Name, &w.SortOrder, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Get returns one watchlist, nil when absent.
func (r *Repository) Get(ctx context.Context, id int64) (*Watchlist, error) {
	var w Watchlist
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, sort_order, created_at FROM watchlists WHERE id = ?", id).
		Scan(&w.ID, &w.Name, &w.SortOrder, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watchlist %d: %w", id, err)
	}
	return &w, nil
}

// Create adds a watchlist with the given name.
func (r *Repository) Create(ctx context.Context, name string) (*Watchlist, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("watchlist: name required")
	}
	var maxOrder sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT MAX(sort_order) FROM watchlists").Scan(&maxOrder); err != nil {
		return nil, err
	}
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO watchlists (name, sort_order) VALUES (?, ?)", name, maxOrder.Int64+1)
	if err != nil {
		return nil, fmt.Errorf("failed to create watchlist %q: %w", name, err)
	}
	id, _ := res.LastInsertId()
	return r.Get(ctx, id)
}

// Rename changes a watchlist's name.
func (r *Repository) Rename(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("watchlist: name required")
	}
	_, err := r.db.ExecContext(ctx, "UPDATE watchlists SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return fmt.Errorf("failed to rename watchlist %d: %w", id, err)
	}
	return nil
}

// Delete removes a watchlist and its memberships. Deleting the last
// watchlist fails with ErrLastWatchlist.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM watchlists").Scan(&count); err != nil {
			return err
		}
		if count <= 1 {
			return ErrLastWatchlist
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM watchlist_stocks WHERE watchlist_id = ?", id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM watchlists WHERE id = ?", id)
		return err
	})
}

// Reorder persists a new watchlist ordering. Unknown ids are ignored.
func (r *Repository) Reorder(ctx context.Context, orderedIDs []int64) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for i, id := range orderedIDs {
			if _, err := tx.ExecContext(ctx,
				"UPDATE watchlists SET sort_order = ? WHERE id = ?", i, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddStock validates the ticker, upserts the stocks row and adds the
// membership. Re-adding an existing member is a no-op.
func (r *Repository) AddStock(ctx context.Context, watchlistID int64, rawTicker, name, market string) (string, error) {
	ticker, err := NormalizeTicker(rawTicker)
	if err != nil {
		return "", err
	}
	if market == "" {
		market = "US"
	}
	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stocks (ticker, name, market, active) VALUES (?, ?, ?, 1)
			ON CONFLICT(ticker) DO UPDATE SET active = 1,
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE stocks.name END
		`, ticker, name, market)
		if err != nil {
			return err
		}
		var maxOrder sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			"SELECT MAX(sort_order) FROM watchlist_stocks WHERE watchlist_id = ?", watchlistID).
			Scan(&maxOrder); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO watchlist_stocks (watchlist_id, ticker, sort_order) VALUES (?, ?, ?)
			ON CONFLICT(watchlist_id, ticker) DO NOTHING
		`, watchlistID, ticker, maxOrder.Int64+1)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to add %s to watchlist %d: %w", ticker, watchlistID, err)
	}
	return ticker, nil
}

// RemoveStock drops the membership. The stocks row is deactivated when
// no watchlist references it anymore.
func (r *Repository) RemoveStock(ctx context.Context, watchlistID int64, rawTicker string) error {
	ticker, err := NormalizeTicker(rawTicker)
	if err != nil {
		return err
	}
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM watchlist_stocks WHERE watchlist_id = ? AND ticker = ?",
			watchlistID, ticker); err != nil {
			return err
		}
		var refs int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM watchlist_stocks WHERE ticker = ?", ticker).Scan(&refs); err != nil {
			return err
		}
		if refs == 0 {
			if _, err := tx.ExecContext(ctx,
				"UPDATE stocks SET active = 0 WHERE ticker = ?", ticker); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stocks returns the members of one watchlist in sort order.
func (r *Repository) Stocks(ctx context.Context, watchlistID int64) ([]Stock, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.ticker, s.name, s.market, s.active, s.added_at
		FROM watchlist_stocks ws
		JOIN stocks s ON s.ticker = ws.ticker
		WHERE ws.watchlist_id = ?
		ORDER BY ws.sort_order, s.ticker
	`, watchlistID)
	if err != nil {
		return nil, fmt.Errorf("failed to list watchlist %d stocks: %w", watchlistID, err)
	}
	defer rows.Close()
	return scanStocks(rows)
}

// ActiveTickers returns every active ticker referenced by any
// watchlist. This is the price refresh universe.
func (r *Repository) ActiveTickers(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT s.ticker
		FROM stocks s
		JOIN watchlist_stocks ws ON ws.ticker = s.ticker
		WHERE s.active = 1
		ORDER BY s.ticker
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tickers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ActiveStocks returns every active stock with its market, for jobs
// that need per-market filtering.
func (r *Repository) ActiveStocks(ctx context.Context) ([]Stock, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT s.ticker, s.name, s.market, s.active, s.added_at
		FROM stocks s
		JOIN watchlist_stocks ws ON ws.ticker = s.ticker
		WHERE s.active = 1
		ORDER BY s.ticker
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active stocks: %w", err)
	}
	defer rows.Close()
	return scanStocks(rows)
}

func scanStocks(rows *sql.Rows) ([]Stock, error) {
	var out []Stock
	for rows.Next() {
		var s Stock
		var active int
		if err := rows.Scan(&s.Ticker, &s.Name, &s.Market, &active, &s.AddedAt); err != nil {
			return nil, err
		}
		s.Active = active != 0
		out = append(out, s)
	}
	return out, rows.Err()
}
