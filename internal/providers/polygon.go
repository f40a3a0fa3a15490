package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const polygonBaseURL = "https://api.polygon.io"

// PolygonProvider is the last keyed fallback. The free tier serves
// previous-day aggregates only, so quotes are end-of-day.
type PolygonProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewPolygonProvider creates the Polygon client.
func NewPolygonProvider(apiKey string, log zerolog.Logger) *PolygonProvider {
	return &PolygonProvider{
		baseURL: polygonBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("provider", "polygon").Logger(),
	}
}

// Info implements Provider.
func (p *PolygonProvider) Info() ProviderInfo {
	return ProviderInfo{
		ID:                 "polygon",
		Name:               "Polygon.io",
		Tier:               "free",
		RequiresKey:        true,
		SupportedMarkets:   []string{"US"},
		Realtime:           false,
		RateLimitPerMinute: 5,
		Description:        "Previous-day aggregates, historical bars and reference search.",
	}
}

// Available implements Provider.
func (p *PolygonProvider) Available() bool { return p.apiKey != "" }

type polygonAggs struct {
	Status  string `json:"status"`
	Results []struct {
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		Volume    float64 `json:"v"`
		Timestamp int64   `json:"t"`
	} `json:"results"`
}

// GetQuote implements Provider using the previous-close aggregate.
func (p *PolygonProvider) GetQuote(ctx context.Context, ticker string) (*Quote, error) {
	endpoint := fmt.Sprintf("%s/v2/aggs/ticker/%s/prev?adjusted=true&apiKey=%s",
		p.baseURL, url.PathEscape(strings.ToUpper(ticker)), p.apiKey)

	var decoded polygonAggs
	if err := p.getJSON(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Results) == 0 {
		return nil, fmt.Errorf("polygon: %s: %w", ticker, ErrNoData)
	}

	bar := decoded.Results[0]
	return &Quote{
		Ticker:        strings.ToUpper(ticker),
		Price:         bar.Close,
		PreviousClose: bar.Open,
		Change:        bar.Close - bar.Open,
		ChangePct:     changePct(bar.Close, bar.Open),
		Volume:        int64(bar.Volume),
		Currency:      "USD",
		AsOf:          time.UnixMilli(bar.Timestamp).UTC(),
	}, nil
}

var polygonRanges = map[Period]struct {
	multiplier int
	timespan   string
	span       time.Duration
}{
	Period1D:  {5, "minute", 24 * time.Hour},
	Period5D:  {30, "minute", 5 * 24 * time.Hour},
	Period1Mo: {1, "day", 30 * 24 * time.Hour},
	Period3Mo: {1, "day", 91 * 24 * time.Hour},
	Period6Mo: {1, "day", 182 * 24 * time.Hour},
	Period1Y:  {1, "day", 365 * 24 * time.Hour},
	Period2Y:  {1, "week", 2 * 365 * 24 * time.Hour},
	Period5Y:  {1, "week", 5 * 365 * 24 * time.Hour},
}

// GetHistorical implements Provider.
func (p *PolygonProvider) GetHistorical(ctx context.Context, ticker string, period Period) (*PriceHistory, error) {
	r := polygonRanges[period]
	now := time.Now().UTC()
	endpoint := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%s/%s?adjusted=true&sort=asc&limit=5000&apiKey=%s",
		p.baseURL, url.PathEscape(strings.ToUpper(ticker)), r.multiplier, r.timespan,
		now.Add(-r.span).Format("2006-01-02"), now.Format("2006-01-02"), p.apiKey)

	var decoded polygonAggs
	if err := p.getJSON(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Results) == 0 {
		return nil, fmt.Errorf("polygon: no bars for %s: %w", ticker, ErrNoData)
	}

	candles := make([]Candle, 0, len(decoded.Results))
	for _, bar := range decoded.Results {
		candles = append(candles, Candle{
			Time:   time.UnixMilli(bar.Timestamp).UTC(),
			Open:   bar.Open,
			High:   bar.High,
			Low:    bar.Low,
			Close:  bar.Close,
			Volume: int64(bar.Volume),
		})
	}
	return &PriceHistory{Ticker: strings.ToUpper(ticker), Period: period, Candles: candles}, nil
}

type polygonSearch struct {
	Results []struct {
		Ticker          string `json:"ticker"`
		Name            string `json:"name"`
		PrimaryExchange string `json:"primary_exchange"`
		Type            string `json:"type"`
	} `json:"results"`
}

// SearchTicker implements Provider.
func (p *PolygonProvider) SearchTicker(ctx context.Context, query string) ([]TickerResult, error) {
	endpoint := fmt.Sprintf("%s/v3/reference/tickers?search=%s&active=true&limit=10&apiKey=%s",
		p.baseURL, url.QueryEscape(query), p.apiKey)

	var decoded polygonSearch
	if err := p.getJSON(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}
	results := make([]TickerResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		results = append(results, TickerResult{
			Ticker:   strings.ToUpper(r.Ticker),
			Name:     r.Name,
			Exchange: r.PrimaryExchange,
			Type:     r.Type,
		})
	}
	return results, nil
}

func (p *PolygonProvider) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("polygon API rate limited: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("polygon API error: status %d, body: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
