// Package alerts implements the price alert engine: CRUD over the
// price_alerts table, condition evaluation after each price refresh,
// sound resolution and SSE payload construction.
package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Condition types.
const (
	CondPriceAbove = "price_above"
	CondPriceBelow = "price_below"
	CondPctChange  = "pct_change"
)

// Sound types stored on the alert row. "default" resolves to the
// global setting at fire time.
const (
	SoundDefault = "default"
	SoundChime   = "chime"
	SoundAlarm   = "alarm"
	SoundSilent  = "silent"
)

// ErrInvalidTicker is returned for symbols outside 1 to 5 uppercase
// ASCII letters.
var ErrInvalidTicker = errors.New("alerts: invalid ticker")

// ErrInvalidCondition is returned for unknown condition types.
var ErrInvalidCondition = errors.New("alerts: invalid condition type")

var tickerPattern = regexp.MustCompile(`^[A-Z]{1,5}$`)

// pctChangeCap bounds pct_change thresholds.
const pctChangeCap = 100.0

// Alert is one price_alerts row.
type Alert struct {
	ID               int64   `json:"id"`
	Ticker           string  `json:"ticker"`
	ConditionType    string  `json:"condition_type"`
	Threshold        float64 `json:"threshold"`
	Enabled          bool    `json:"enabled"`
	SoundType        string  `json:"sound_type"`
	TriggeredAt      *string `json:"triggered_at"`
	NotificationSent bool    `json:"notification_sent"`
	FiredAt          *string `json:"fired_at"`
	FireCount        int     `json:"fire_count"`
	CreatedAt        string  `json:"created_at"`
}

// Repository handles price_alerts table operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new alerts repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "alerts").Logger(),
	}
}

// validate normalises and checks a new alert's fields. The pct_change
// threshold is capped, not rejected.
func validate(ticker, conditionType string, threshold float64) (string, float64, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerPattern.MatchString(ticker) {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidTicker, ticker)
	}
	switch conditionType {
	case CondPriceAbove, CondPriceBelow:
	case CondPctChange:
		if threshold > pctChangeCap {
			threshold = pctChangeCap
		}
	default:
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCondition, conditionType)
	}
	return ticker, threshold, nil
}

// normalizeSound maps unknown sound values to "default" so corrupt
// rows never break evaluation.
func normalizeSound(sound string) string {
	switch sound {
	case SoundDefault, SoundChime, SoundAlarm, SoundSilent:
		return sound
	default:
		return SoundDefault
	}
}

const alertColumns = `id, ticker, condition_type, threshold, enabled, sound_type,
	triggered_at, notification_sent, fired_at, fire_count, created_at`

func scanAlert(row interface{ Scan(...interface{}) error }) (*Alert, error) {
	var a Alert
	var enabled, sent int
	err := row.Scan(&a.ID, &a.Ticker, &a.ConditionType, &a.Threshold, &enabled, &a.SoundType,
		&a.TriggeredAt, &sent, &a.FiredAt, &a.FireCount, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Enabled = enabled != 0
	a.NotificationSent = sent != 0
	a.SoundType = normalizeSound(a.SoundType)
	return &a, nil
}

// Create inserts a new enabled alert.
func (r *Repository) Create(ctx context.Context, ticker, conditionType string, threshold float64, soundType string) (*Alert, error) {
	ticker, threshold, err := validate(ticker, conditionType, threshold)
	if err != nil {
		return nil, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO price_alerts (ticker, condition_type, threshold, enabled, sound_type)
		VALUES (?, ?, ?, 1, ?)
	`, ticker, conditionType, threshold, normalizeSound(soundType))
	if err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}
	id, _ := res.LastInsertId()
	return r.Get(ctx, id)
}

// Get returns one alert, nil when absent.
func (r *Repository) Get(ctx context.Context, id int64) (*Alert, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+alertColumns+" FROM price_alerts WHERE id = ?", id)
	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %d: %w", id, err)
	}
	return alert, nil
}

// List returns all alerts, newest first.
func (r *Repository) List(ctx context.Context) ([]*Alert, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+alertColumns+" FROM price_alerts ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan alert row")
			continue
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

// Active returns enabled alerts not yet triggered.
func (r *Repository) Active(ctx context.Context) ([]*Alert, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+alertColumns+" FROM price_alerts WHERE enabled = 1 AND triggered_at IS NULL")
	if err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan alert row")
			continue
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

// PendingForTickers returns enabled, untriggered alerts whose ticker is
// in the given set. The evaluation path after a price refresh.
func (r *Repository) PendingForTickers(ctx context.Context, tickers []string) ([]*Alert, error) {
	if len(tickers) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(tickers)-1) + "?"
	args := make([]interface{}, len(tickers))
	for i, t := range tickers {
		args[i] = strings.ToUpper(t)
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+alertColumns+" FROM price_alerts WHERE enabled = 1 AND triggered_at IS NULL AND ticker IN ("+placeholders+")",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending alerts: %w", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan alert row")
			continue
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

// MarkFired records a fire on the alert row. The stored sound_type is
// left untouched.
func (r *Repository) MarkFired(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		UPDATE price_alerts
		SET triggered_at = ?, fired_at = ?, notification_sent = 1, fire_count = fire_count + 1
		WHERE id = ?
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark alert %d fired: %w", id, err)
	}
	return nil
}

// Rearm clears the triggered state so the alert can fire again.
// fire_count is preserved.
func (r *Repository) Rearm(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE price_alerts
		SET triggered_at = NULL, notification_sent = 0, enabled = 1
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to rearm alert %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetEnabled toggles an alert.
func (r *Repository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	_, err := r.db.ExecContext(ctx, "UPDATE price_alerts SET enabled = ? WHERE id = ?", val, id)
	if err != nil {
		return fmt.Errorf("failed to toggle alert %d: %w", id, err)
	}
	return nil
}

// SetSound updates the per-alert notification sound. Unknown values
// collapse to "default".
func (r *Repository) SetSound(ctx context.Context, id int64, sound string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE price_alerts SET sound_type = ? WHERE id = ?", normalizeSound(sound), id)
	if err != nil {
		return fmt.Errorf("failed to set sound on alert %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes an alert. Idempotent.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM price_alerts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete alert %d: %w", id, err)
	}
	return nil
}
