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

const finnhubBaseURL = "https://finnhub.io/api/v1"

// FinnhubProvider is the first keyed fallback. It also serves the
// earnings calendar for the earnings sync job.
type FinnhubProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewFinnhubProvider creates the Finnhub client. An empty apiKey makes
// the provider unavailable.
func NewFinnhubProvider(apiKey string, log zerolog.Logger) *FinnhubProvider {
	return &FinnhubProvider{
		baseURL: finnhubBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("provider", "finnhub").Logger(),
	}
}

// Info implements Provider.
func (p *FinnhubProvider) Info() ProviderInfo {
	return ProviderInfo{
		ID:                 "finnhub",
		Name:               "Finnhub",
		Tier:               "free",
		RequiresKey:        true,
		SupportedMarkets:   []string{"US"},
		Realtime:           true,
		RateLimitPerMinute: 60,
		Description:        "Realtime US quotes, candles, symbol search and earnings calendar.",
	}
}

// Available implements Provider.
func (p *FinnhubProvider) Available() bool { return p.apiKey != "" }

type finnhubQuote struct {
	Current       float64 `json:"c"`
	PreviousClose float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

// GetQuote implements Provider. Finnhub signals unknown symbols with a
// zero current price and zero timestamp.
func (p *FinnhubProvider) GetQuote(ctx context.Context, ticker string) (*Quote, error) {
	endpoint := fmt.Sprintf("%s/quote?symbol=%s", p.baseURL, url.QueryEscape(ticker))

	var decoded finnhubQuote
	if err := p.getJSON(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}
	if decoded.Current == 0 && decoded.Timestamp == 0 {
		return nil, fmt.Errorf("finnhub: %s: %w", ticker, ErrNoData)
	}
	return &Quote{
		Ticker:        strings.ToUpper(ticker),
		Price:         decoded.Current,
		PreviousClose: decoded.PreviousClose,
		Change:        decoded.Current - decoded.PreviousClose,
		ChangePct:     changePct(decoded.Current, decoded.PreviousClose),
		Currency:      "USD",
		AsOf:          time.Unix(decoded.Timestamp, 0).UTC(),
	}, nil
}

var finnhubResolutions = map[Period]struct {
	resolution string
	span       time.Duration
}{
	Period1D:  {"5", 24 * time.Hour},
	Period5D:  {"30", 5 * 24 * time.Hour},
	Period1Mo: {"D", 30 * 24 * time.Hour},
	Period3Mo: {"D", 91 * 24 * time.Hour},
	Period6Mo: {"D", 182 * 24 * time.Hour},
	Period1Y:  {"D", 365 * 24 * time.Hour},
	Period2Y:  {"W", 2 * 365 * 24 * time.Hour},
	Period5Y:  {"W", 5 * 365 * 24 * time.Hour},
}

type finnhubCandles struct {
	Status    string    `json:"s"`
	Timestamp []int64   `json:"t"`
	Open      []float64 `json:"o"`
	High      []float64 `json:"h"`
	Low       []float64 `json:"l"`
	Close     []float64 `json:"c"`
	Volume    []int64   `json:"v"`
}

// GetHistorical implements Provider.
func (p *FinnhubProvider) GetHistorical(ctx context.Context, ticker string, period Period) (*PriceHistory, error) {
	res := finnhubResolutions[period]
	now := time.Now().UTC()
	endpoint := fmt.Sprintf("%s/stock/candle?symbol=%s&resolution=%s&from=%d&to=%d",
		p.baseURL, url.QueryEscape(ticker), res.resolution, now.Add(-res.span).Unix(), now.Unix())

	var decoded finnhubCandles
	if err := p.getJSON(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}
	if decoded.Status != "ok" || len(decoded.Timestamp) == 0 {
		return nil, fmt.Errorf("finnhub: no candles for %s: %w", ticker, ErrNoData)
	}

	candles := make([]Candle, 0, len(decoded.Timestamp))
	for i, ts := range decoded.Timestamp {
		candles = append(candles, Candle{
			Time:   time.Unix(ts, 0).UTC(),
			Open:   at(decoded.Open, i),
			High:   at(decoded.High, i),
			Low:    at(decoded.Low, i),
			Close:  at(decoded.Close, i),
			Volume: atInt(decoded.Volume, i),
		})
	}
	return &PriceHistory{Ticker: strings.ToUpper(ticker), Period: period, Candles: candles}, nil
}

type finnhubSearch struct {
	Result []struct {
		Symbol      string `json:"symbol"`
		Description string `json:"description"`
		Type        string `json:"type"`
	} `json:"result"`
}

// SearchTicker implements Provider.
func (p *FinnhubProvider) SearchTicker(ctx context.Context, query string) ([]TickerResult, error) {
	endpoint := fmt.Sprintf("%s/search?q=%s", p.baseURL, url.QueryEscape(query))

	var decoded finnhubSearch
	if err := p.getJSON(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}
	results := make([]TickerResult, 0, len(decoded.Result))
	for _, r := range decoded.Result {
		results = append(results, TickerResult{
			Ticker: strings.ToUpper(r.Symbol),
			Name:   r.Description,
			Type:   r.Type,
		})
	}
	return results, nil
}

type finnhubEarnings struct {
	EarningsCalendar []struct {
		Date            string   `json:"date"`
		Symbol          string   `json:"symbol"`
		EPSEstimate     *float64 `json:"epsEstimate"`
		EPSActual       *float64 `json:"epsActual"`
		RevenueEstimate *float64 `json:"revenueEstimate"`
		RevenueActual   *float64 `json:"revenueActual"`
	} `json:"earningsCalendar"`
}

// GetEarnings implements EarningsFetcher. The window covers one year
// back and half a year forward so both reported and upcoming dates land
// in the calendar.
func (p *FinnhubProvider) GetEarnings(ctx context.Context, ticker string) ([]EarningsEvent, error) {
	now := time.Now().UTC()
	endpoint := fmt.Sprintf("%s/calendar/earnings?symbol=%s&from=%s&to=%s",
		p.baseURL, url.QueryEscape(ticker),
		now.AddDate(-1, 0, 0).Format("2006-01-02"),
		now.AddDate(0, 6, 0).Format("2006-01-02"))

	var decoded finnhubEarnings
	if err := p.getJSON(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}

	events := make([]EarningsEvent, 0, len(decoded.EarningsCalendar))
	for _, e := range decoded.EarningsCalendar {
		date, err := time.ParseInLocation("2006-01-02", e.Date, time.UTC)
		if err != nil {
			p.log.Warn().Str("date", e.Date).Msg("Skipping unparseable earnings date")
			continue
		}
		events = append(events, EarningsEvent{
			Ticker:          strings.ToUpper(e.Symbol),
			EarningsDate:    date,
			EPSEstimate:     e.EPSEstimate,
			EPSActual:       e.EPSActual,
			RevenueEstimate: e.RevenueEstimate,
			RevenueActual:   e.RevenueActual,
		})
	}
	return events, nil
}

func (p *FinnhubProvider) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Finnhub-Token", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("finnhub API rate limited: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("finnhub API error: status %d, body: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
