package alerts

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/events"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/ratings"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/settings"
)

// Engine evaluates alerts against freshly persisted prices. It runs
// inside the price refresh job after the price batch lands, so every
// fired alert reflects exactly the prices clients were just shown.
type Engine struct {
	repo     *Repository
	ratings  *ratings.Repository
	settings *settings.Repository
	bus      *events.Bus
	log      zerolog.Logger
}

// NewEngine wires the alert engine.
func NewEngine(repo *Repository, ratingsRepo *ratings.Repository, settingsRepo *settings.Repository, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		repo:     repo,
		ratings:  ratingsRepo,
		settings: settingsRepo,
		bus:      bus,
		log:      log.With().Str("component", "alert_engine").Logger(),
	}
}

// EvaluateAlerts tests every enabled, untriggered alert for the given
// tickers against the cached prices. Returns the number of alerts
// fired.
func (e *Engine) EvaluateAlerts(ctx context.Context, tickers []string) (int, error) {
	pending, err := e.repo.PendingForTickers(ctx, tickers)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, alert := range pending {
		price, changePct, ok, err := e.ratings.CurrentPrice(ctx, alert.Ticker)
		if err != nil {
			e.log.Warn().Err(err).Str("ticker", alert.Ticker).Msg("Failed to read price for alert")
			continue
		}
		if !ok {
			continue
		}
		if !conditionMet(alert, price, changePct) {
			continue
		}
		if err := e.repo.MarkFired(ctx, alert.ID); err != nil {
			e.log.Error().Err(err).Int64("alert_id", alert.ID).Msg("Failed to persist alert fire")
			continue
		}
		alert.FireCount++
		e.bus.Publish(events.Alert, e.BuildSSEAlertPayload(alert, price))
		fired++
		e.log.Info().
			Int64("alert_id", alert.ID).
			Str("ticker", alert.Ticker).
			Str("condition", alert.ConditionType).
			Float64("threshold", alert.Threshold).
			Float64("price", price).
			Msg("Alert fired")
	}
	return fired, nil
}

// FireTestAlert builds the live payload for an alert using a synthetic
// price just past its threshold. No database state changes.
func (e *Engine) FireTestAlert(ctx context.Context, id int64) (map[string]interface{}, error) {
	alert, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, fmt.Errorf("alert %d not found", id)
	}

	price, _, ok, err := e.ratings.CurrentPrice(ctx, alert.Ticker)
	if err != nil || !ok {
		// Synthesise a price that satisfies the condition.
		switch alert.ConditionType {
		case CondPriceBelow:
			price = alert.Threshold * 0.99
		default:
			price = alert.Threshold * 1.01
		}
	}
	return e.BuildSSEAlertPayload(alert, price), nil
}

func conditionMet(alert *Alert, price, changePct float64) bool {
	switch alert.ConditionType {
	case CondPriceAbove:
		return price >= alert.Threshold
	case CondPriceBelow:
		return price <= alert.Threshold
	case CondPctChange:
		return math.Abs(changePct) >= math.Min(alert.Threshold, pctChangeCap)
	default:
		return false
	}
}

// BuildSSEAlertPayload assembles the alert event payload. The stored
// "default" sound resolves to the global setting; non-finite floats
// become nil so the payload always serialises.
func (e *Engine) BuildSSEAlertPayload(alert *Alert, currentPrice float64) map[string]interface{} {
	sound := normalizeSound(alert.SoundType)
	if sound == SoundDefault {
		sound = e.settings.GlobalAlertSound()
	}
	return map[string]interface{}{
		"alert_id":       alert.ID,
		"ticker":         alert.Ticker,
		"condition_type": alert.ConditionType,
		"threshold":      scrubFloat(alert.Threshold),
		"current_price":  scrubFloat(currentPrice),
		"message":        alertMessage(alert, currentPrice),
		"sound_type":     sound,
		"type":           "price_alert",
		"severity":       "high",
		"fire_count":     alert.FireCount,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
}

func alertMessage(alert *Alert, price float64) string {
	switch alert.ConditionType {
	case CondPriceAbove:
		return fmt.Sprintf("%s rose above $%.2f (now $%.2f)", alert.Ticker, alert.Threshold, price)
	case CondPriceBelow:
		return fmt.Sprintf("%s fell below $%.2f (now $%.2f)", alert.Ticker, alert.Threshold, price)
	case CondPctChange:
		return fmt.Sprintf("%s moved more than %.1f%% (now $%.2f)", alert.Ticker, alert.Threshold, price)
	default:
		return fmt.Sprintf("%s alert (now $%.2f)", alert.Ticker, price)
	}
}

// scrubFloat replaces NaN and infinities with nil.
func scrubFloat(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}
