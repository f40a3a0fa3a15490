// Package ratings owns the ai_ratings price cache. The table holds two
// disjoint column groups written by different paths: the price refresh
// job writes current_price, price_change, price_change_pct and
// updated_at; analytics writes rating, score, confidence, rsi,
// sentiment, technical and fundamental fields. Neither path may touch
// the other group's columns.
package ratings

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/database"
)

// Rating is one ai_ratings row.
type Rating struct {
	Ticker           string   `json:"ticker"`
	Rating           *string  `json:"rating"`
	Score            *float64 `json:"score"`
	Confidence       *float64 `json:"confidence"`
	CurrentPrice     *float64 `json:"current_price"`
	PriceChange      *float64 `json:"price_change"`
	PriceChangePct   *float64 `json:"price_change_pct"`
	RSI              *float64 `json:"rsi"`
	SentimentScore   *float64 `json:"sentiment_score"`
	SentimentLabel   *string  `json:"sentiment_label"`
	TechnicalScore   *float64 `json:"technical_score"`
	FundamentalScore *float64 `json:"fundamental_score"`
	Summary          *string  `json:"summary"`
	UpdatedAt        *string  `json:"updated_at"`
}

// PriceUpdate is the payload the price refresh job writes per ticker.
type PriceUpdate struct {
	Ticker    string
	Price     float64
	Change    float64
	ChangePct float64
}

// Analytics is the payload the analysis path writes per ticker.
type Analytics struct {
	Ticker           string
	Rating           string
	Score            float64
	Confidence       float64
	RSI              *float64
	SentimentScore   *float64
	SentimentLabel   *string
	TechnicalScore   *float64
	FundamentalScore *float64
	Summary          string
}

// Repository handles ai_ratings table operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new ratings repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "ratings").Logger(),
	}
}

const ratingColumns = `ticker, rating, score, confidence, current_price, price_change,
	price_change_pct, rsi, sentiment_score, sentiment_label, technical_score,
	fundamental_score, summary, updated_at`

func scanRating(row interface{ Scan(...interface{}) error }) (*Rating, error) {
	var r Rating
	err := row.Scan(&r.Ticker, &r.Rating, &r.Score, &r.Confidence, &r.CurrentPrice,
		&r.PriceChange, &r.PriceChangePct, &r.RSI, &r.SentimentScore, &r.SentimentLabel,
		&r.TechnicalScore, &r.FundamentalScore, &r.Summary, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Get returns the rating row for one ticker, nil when absent.
func (r *Repository) Get(ctx context.Context, ticker string) (*Rating, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+ratingColumns+" FROM ai_ratings WHERE ticker = ?", ticker)
	rating, err := scanRating(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rating for %s: %w", ticker, err)
	}
	return rating, nil
}

// GetAll returns every rating row keyed by ticker.
func (r *Repository) GetAll(ctx context.Context) (map[string]*Rating, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+ratingColumns+" FROM ai_ratings")
	if err != nil {
		return nil, fmt.Errorf("failed to list ratings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Rating)
	for rows.Next() {
		rating, err := scanRating(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan rating row")
			continue
		}
		out[rating.Ticker] = rating
	}
	return out, rows.Err()
}

// CurrentPrice returns the cached price and percent change for one
// ticker. Used by the alert engine right after a refresh so alerts see
// exactly what was persisted.
func (r *Repository) CurrentPrice(ctx context.Context, ticker string) (price, changePct float64, ok bool, err error) {
	var p, pct sql.NullFloat64
	err = r.db.QueryRowContext(ctx,
		"SELECT current_price, price_change_pct FROM ai_ratings WHERE ticker = ?", ticker).
		Scan(&p, &pct)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to read price for %s: %w", ticker, err)
	}
	if !p.Valid {
		return 0, 0, false, nil
	}
	return p.Float64, pct.Float64, true, nil
}

// UpdatePrices batch-upserts price columns for all tickers in one
// statement. On conflict only the price group and updated_at are
// overwritten so analytics columns written by UpsertAnalytics survive.
func (r *Repository) UpdatePrices(ctx context.Context, updates []PriceUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	rows := make([][]interface{}, 0, len(updates))
	for _, u := range updates {
		rows = append(rows, []interface{}{u.Ticker, u.Price, u.Change, u.ChangePct, now})
	}
	return database.BatchUpsert(ctx, r.db, "ai_ratings",
		[]string{"ticker", "current_price", "price_change", "price_change_pct", "updated_at"},
		rows,
		[]string{"ticker"},
		[]string{"current_price", "price_change", "price_change_pct", "updated_at"})
}

// UpsertAnalytics writes the analysis column group for one ticker. On
// conflict the price group is left untouched.
func (r *Repository) UpsertAnalytics(ctx context.Context, a Analytics) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ai_ratings (ticker, rating, score, confidence, rsi, sentiment_score,
			sentiment_label, technical_score, fundamental_score, summary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			rating = excluded.rating,
			score = excluded.score,
			confidence = excluded.confidence,
			rsi = excluded.rsi,
			sentiment_score = excluded.sentiment_score,
			sentiment_label = excluded.sentiment_label,
			technical_score = excluded.technical_score,
			fundamental_score = excluded.fundamental_score,
			summary = excluded.summary,
			updated_at = excluded.updated_at
	`, a.Ticker, a.Rating, a.Score, a.Confidence, a.RSI, a.SentimentScore,
		a.SentimentLabel, a.TechnicalScore, a.FundamentalScore, a.Summary, now)
	if err != nil {
		return fmt.Errorf("failed to upsert analytics for %s: %w", a.Ticker, err)
	}
	return nil
}

// Delete removes the rating row. Idempotent.
func (r *Repository) Delete(ctx context.Context, ticker string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM ai_ratings WHERE ticker = ?", ticker)
	if err != nil {
		return fmt.Errorf("failed to delete rating for %s: %w", ticker, err)
	}
	return nil
}
