package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const alphaVantageBaseURL = "https://www.alphavantage.co/query"

// AlphaVantageProvider is a keyed fallback with a very small free
// quota, so it sits late in the chain.
type AlphaVantageProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewAlphaVantageProvider creates the Alpha Vantage client.
func NewAlphaVantageProvider(apiKey string, log zerolog.Logger) *AlphaVantageProvider {
	return &AlphaVantageProvider{
		baseURL: alphaVantageBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("provider", "alphavantage").Logger(),
	}
}

// Info implements Provider.
func (p *AlphaVantageProvider) Info() ProviderInfo {
	return ProviderInfo{
		ID:                 "alphavantage",
		Name:               "Alpha Vantage",
		Tier:               "free",
		RequiresKey:        true,
		SupportedMarkets:   []string{"US"},
		Realtime:           false,
		RateLimitPerMinute: 5,
		Description:        "Delayed quotes, daily candles and symbol search on a 5 req/min free tier.",
	}
}

// Available implements Provider.
func (p *AlphaVantageProvider) Available() bool { return p.apiKey != "" }

type alphaGlobalQuote struct {
	GlobalQuote map[string]string `json:"Global Quote"`
	Note        string            `json:"Note"`
	Information string            `json:"Information"`
}

// GetQuote implements Provider. Alpha Vantage reports quota exhaustion
// as a 200 with a Note field.
func (p *AlphaVantageProvider) GetQuote(ctx context.Context, ticker string) (*Quote, error) {
	endpoint := fmt.Sprintf("%s?function=GLOBAL_QUOTE&symbol=%s&apikey=%s",
		p.baseURL, url.QueryEscape(ticker), p.apiKey)

	var decoded alphaGlobalQuote
	if err := p.getJSON(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}
	if decoded.Note != "" || decoded.Information != "" {
		return nil, fmt.Errorf("alphavantage rate limited: %s%s", decoded.Note, decoded.Information)
	}
	if len(decoded.GlobalQuote) == 0 {
		return nil, fmt.Errorf("alphavantage: %s: %w", ticker, ErrNoData)
	}

	price := parseFloat(decoded.GlobalQuote["05. price"])
	prev := parseFloat(decoded.GlobalQuote["08. previous close"])
	if price == 0 {
		return nil, fmt.Errorf("alphavantage: %s: %w", ticker, ErrNoData)
	}
	return &Quote{
		Ticker:        strings.ToUpper(ticker),
		Price:         price,
		PreviousClose: prev,
		Change:        price - prev,
		ChangePct:     changePct(price, prev),
		Volume:        int64(parseFloat(decoded.GlobalQuote["06. volume"])),
		Currency:      "USD",
		AsOf:          time.Now().UTC(),
	}, nil
}

type alphaDaily struct {
	Series      map[string]map[string]string `json:"Time Series (Daily)"`
	Note        string                       `json:"Note"`
	Information string                       `json:"Information"`
}

var alphaSpans = map[Period]int{
	Period1D:  2,
	Period5D:  5,
	Period1Mo: 22,
	Period3Mo: 66,
	Period6Mo: 130,
	Period1Y:  260,
	Period2Y:  520,
	Period5Y:  1300,
}

// GetHistorical implements Provider. Only daily resolution is offered
// on the free tier; the period maps to a trailing bar count.
func (p *AlphaVantageProvider) GetHistorical(ctx context.Context, ticker string, period Period) (*PriceHistory, error) {
	outputSize := "compact"
	if alphaSpans[period] > 100 {
		outputSize = "full"
	}
	endpoint := fmt.Sprintf("%s?function=TIME_SERIES_DAILY&symbol=%s&outputsize=%s&apikey=%s",
		p.baseURL, url.QueryEscape(ticker), outputSize, p.apiKey)

	var decoded alphaDaily
	if err := p.getJSON(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}
	if decoded.Note != "" || decoded.Information != "" {
		return nil, fmt.Errorf("alphavantage rate limited: %s%s", decoded.Note, decoded.Information)
	}
	if len(decoded.Series) == 0 {
		return nil, fmt.Errorf("alphavantage: no series for %s: %w", ticker, ErrNoData)
	}

	candles := make([]Candle, 0, len(decoded.Series))
	for day, bar := range decoded.Series {
		ts, err := time.ParseInLocation("2006-01-02", day, time.UTC)
		if err != nil {
			continue
		}
		candles = append(candles, Candle{
			Time:   ts,
			Open:   parseFloat(bar["1. open"]),
			High:   parseFloat(bar["2. high"]),
			Low:    parseFloat(bar["3. low"]),
			Close:  parseFloat(bar["4. close"]),
			Volume: int64(parseFloat(bar["5. volume"])),
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	if n := alphaSpans[period]; len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	return &PriceHistory{Ticker: strings.ToUpper(ticker), Period: period, Candles: candles}, nil
}

type alphaSearch struct {
	BestMatches []map[string]string `json:"bestMatches"`
}

// SearchTicker implements Provider.
func (p *AlphaVantageProvider) SearchTicker(ctx context.Context, query string) ([]TickerResult, error) {
	endpoint := fmt.Sprintf("%s?function=SYMBOL_SEARCH&keywords=%s&apikey=%s",
		p.baseURL, url.QueryEscape(query), p.apiKey)

	var decoded alphaSearch
	if err := p.getJSON(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}
	results := make([]TickerResult, 0, len(decoded.BestMatches))
	for _, m := range decoded.BestMatches {
		results = append(results, TickerResult{
			Ticker:   strings.ToUpper(m["1. symbol"]),
			Name:     m["2. name"],
			Exchange: m["4. region"],
			Type:     m["3. type"],
		})
	}
	return results, nil
}

func (p *AlphaVantageProvider) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("alphavantage API error: status %d, body: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func parseFloat(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
