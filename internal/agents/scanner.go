package agents

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/providers"
)

const (
	rsiLength     = 14
	smaFastLength = 20
	smaSlowLength = 50

	rsiOverbought = 70.0
	rsiOversold   = 30.0
)

// TechnicalSignal is one scanner finding for a ticker.
type TechnicalSignal struct {
	Ticker  string  `json:"ticker"`
	Signal  string  `json:"signal"`
	RSI     float64 `json:"rsi"`
	SMA20   float64 `json:"sma20"`
	SMA50   float64 `json:"sma50"`
	Close   float64 `json:"close"`
	Message string  `json:"message"`
}

// Scanner computes RSI(14) and SMA(20/50) over provider history and
// flags overbought, oversold and moving-average cross conditions.
type Scanner struct {
	providers *providers.Registry
	log       zerolog.Logger
}

// NewScanner creates the technical scanner agent.
func NewScanner(reg *providers.Registry, log zerolog.Logger) *Scanner {
	return &Scanner{
		providers: reg,
		log:       log.With().Str("agent", "scanner").Logger(),
	}
}

// Name implements Agent.
func (s *Scanner) Name() string { return "scanner" }

// Run scans inputs["tickers"] and returns the signals found. Tickers
// whose history cannot be fetched are skipped and listed in the
// output so callers can tell silence from failure.
func (s *Scanner) Run(ctx context.Context, inputs map[string]interface{}) (*Result, error) {
	tickers := stringSlice(inputs["tickers"])
	if len(tickers) == 0 {
		return nil, fmt.Errorf("scanner: no tickers provided")
	}

	var signals []TechnicalSignal
	var skipped []string
	for _, ticker := range tickers {
		ticker = strings.ToUpper(strings.TrimSpace(ticker))
		if ticker == "" {
			continue
		}
		history, err := s.providers.GetHistorical(ctx, ticker, providers.Period6Mo)
		if err != nil {
			s.log.Debug().Err(err).Str("ticker", ticker).Msg("History unavailable, skipping")
			skipped = append(skipped, ticker)
			continue
		}
		if sig := s.analyze(ticker, history.Candles); sig != nil {
			signals = append(signals, *sig)
		}
	}

	output := map[string]interface{}{
		"signals":      signals,
		"scanned":      len(tickers),
		"signal_count": len(signals),
		"skipped":      skipped,
		"rsi_length":   rsiLength,
		"sma_fast":     smaFastLength,
		"sma_slow":     smaSlowLength,
	}
	return &Result{Output: output, Model: "none"}, nil
}

// analyze returns a signal for the ticker, or nil when nothing is
// notable. Needs at least smaSlowLength+1 closes for a valid slow SMA
// and cross detection.
func (s *Scanner) analyze(ticker string, candles []providers.Candle) *TechnicalSignal {
	if len(candles) < smaSlowLength+1 {
		return nil
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	rsiSeries := talib.Rsi(closes, rsiLength)
	fastSeries := talib.Sma(closes, smaFastLength)
	slowSeries := talib.Sma(closes, smaSlowLength)

	last := len(closes) - 1
	rsi := rsiSeries[last]
	fast := fastSeries[last]
	slow := slowSeries[last]
	prevFast := fastSeries[last-1]
	prevSlow := slowSeries[last-1]
	if math.IsNaN(rsi) || math.IsNaN(fast) || math.IsNaN(slow) {
		return nil
	}

	sig := TechnicalSignal{
		Ticker: ticker,
		RSI:    round2(rsi),
		SMA20:  round2(fast),
		SMA50:  round2(slow),
		Close:  round2(closes[last]),
	}

	switch {
	case prevFast <= prevSlow && fast > slow:
		sig.Signal = "golden_cross"
		sig.Message = fmt.Sprintf("%s: SMA20 crossed above SMA50 (%.2f > %.2f)", ticker, fast, slow)
	case prevFast >= prevSlow && fast < slow:
		sig.Signal = "death_cross"
		sig.Message = fmt.Sprintf("%s: SMA20 crossed below SMA50 (%.2f < %.2f)", ticker, fast, slow)
	case rsi >= rsiOverbought:
		sig.Signal = "overbought"
		sig.Message = fmt.Sprintf("%s: RSI %.1f above %.0f", ticker, rsi, rsiOverbought)
	case rsi <= rsiOversold:
		sig.Signal = "oversold"
		sig.Message = fmt.Sprintf("%s: RSI %.1f below %.0f", ticker, rsi, rsiOversold)
	default:
		return nil
	}
	return &sig
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// stringSlice coerces the loosely-typed JSON input forms ([]string or
// []interface{} of strings) into a string slice.
func stringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
