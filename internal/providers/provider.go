// Package providers implements the market-data provider layer: a set of
// HTTP quote/history/search clients behind a common interface, an
// ordered fallback registry, and per-provider rate-limit accounting.
package providers

import (
	"context"
	"errors"
	"time"
)

// ErrNoData indicates the provider responded but had nothing for the
// requested ticker. The registry treats it as a fallback trigger, not a
// hard failure.
var ErrNoData = errors.New("providers: no data")

// Period is a supported history window.
type Period string

const (
	Period1D  Period = "1d"
	Period5D  Period = "5d"
	Period1Mo Period = "1mo"
	Period3Mo Period = "3mo"
	Period6Mo Period = "6mo"
	Period1Y  Period = "1y"
	Period2Y  Period = "2y"
	Period5Y  Period = "5y"
)

// ValidPeriod reports whether p is one of the supported windows.
func ValidPeriod(p Period) bool {
	switch p {
	case Period1D, Period5D, Period1Mo, Period3Mo, Period6Mo, Period1Y, Period2Y, Period5Y:
		return true
	}
	return false
}

// Quote is a latest-trade snapshot. Timestamps are UTC.
type Quote struct {
	Ticker        string    `json:"ticker"`
	Price         float64   `json:"price"`
	PreviousClose float64   `json:"previous_close"`
	Change        float64   `json:"change"`
	ChangePct     float64   `json:"change_pct"`
	Volume        int64     `json:"volume"`
	Currency      string    `json:"currency,omitempty"`
	AsOf          time.Time `json:"as_of"`
}

// Candle is one OHLCV bar. Timestamps are UTC.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// PriceHistory is a series of candles for one ticker.
type PriceHistory struct {
	Ticker  string   `json:"ticker"`
	Period  Period   `json:"period"`
	Candles []Candle `json:"candles"`
}

// TickerResult is one search hit.
type TickerResult struct {
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Exchange string `json:"exchange,omitempty"`
	Type     string `json:"type,omitempty"`
}

// EarningsEvent is one reported or upcoming earnings date.
type EarningsEvent struct {
	Ticker          string     `json:"ticker"`
	EarningsDate    time.Time  `json:"earnings_date"`
	EPSEstimate     *float64   `json:"eps_estimate,omitempty"`
	EPSActual       *float64   `json:"eps_actual,omitempty"`
	RevenueEstimate *float64   `json:"revenue_estimate,omitempty"`
	RevenueActual   *float64   `json:"revenue_actual,omitempty"`
}

// ProviderInfo describes a provider for the settings UI and the
// rate-limit tracker.
type ProviderInfo struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Tier               string   `json:"tier"`
	RequiresKey        bool     `json:"requires_key"`
	SupportedMarkets   []string `json:"supported_markets"`
	Realtime           bool     `json:"realtime"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	Description        string   `json:"description"`
}

// Provider is a market-data source. Implementations normalise all
// timestamps to UTC and return ErrNoData when the upstream answers with
// an empty result.
type Provider interface {
	GetQuote(ctx context.Context, ticker string) (*Quote, error)
	GetHistorical(ctx context.Context, ticker string, period Period) (*PriceHistory, error)
	SearchTicker(ctx context.Context, query string) ([]TickerResult, error)
	Info() ProviderInfo
	// Available reports whether the provider can serve requests (a
	// keyed provider without its key is unavailable and silently
	// skipped by the registry).
	Available() bool
}

// BatchQuoter is implemented by providers that can fetch many quotes in
// a single upstream call. The price refresh job prefers this path.
type BatchQuoter interface {
	GetQuotes(ctx context.Context, tickers []string) (map[string]*Quote, error)
}

// EarningsFetcher is implemented by providers that expose earnings
// calendars.
type EarningsFetcher interface {
	GetEarnings(ctx context.Context, ticker string) ([]EarningsEvent, error)
}
