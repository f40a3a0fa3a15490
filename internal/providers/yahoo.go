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

const yahooBaseURL = "https://query1.finance.yahoo.com"

// YahooProvider is the keyless default provider. It is the only chain
// member implementing BatchQuoter, which makes it the price refresh
// workhorse.
type YahooProvider struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewYahooProvider creates the Yahoo Finance client.
func NewYahooProvider(log zerolog.Logger) *YahooProvider {
	return &YahooProvider{
		baseURL: yahooBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("provider", "yahoo").Logger(),
	}
}

// Info implements Provider.
func (p *YahooProvider) Info() ProviderInfo {
	return ProviderInfo{
		ID:                 "yahoo",
		Name:               "Yahoo Finance",
		Tier:               "free",
		RequiresKey:        false,
		SupportedMarkets:   []string{"US", "IN"},
		Realtime:           false,
		RateLimitPerMinute: 120,
		Description:        "Keyless quotes, historical candles and symbol search. Supports batch downloads.",
	}
}

// Available implements Provider. Yahoo needs no key.
func (p *YahooProvider) Available() bool { return true }

type yahooQuoteResponse struct {
	QuoteResponse struct {
		Result []yahooQuote `json:"result"`
		Error  *yahooError  `json:"error"`
	} `json:"quoteResponse"`
}

type yahooError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type yahooQuote struct {
	Symbol             string  `json:"symbol"`
	RegularMarketPrice float64 `json:"regularMarketPrice"`
	PreviousClose      float64 `json:"regularMarketPreviousClose"`
	Volume             int64   `json:"regularMarketVolume"`
	Currency           string  `json:"currency"`
	MarketTime         int64   `json:"regularMarketTime"`
}

// GetQuote implements Provider.
func (p *YahooProvider) GetQuote(ctx context.Context, ticker string) (*Quote, error) {
	quotes, err := p.GetQuotes(ctx, []string{ticker})
	if err != nil {
		return nil, err
	}
	quote, ok := quotes[strings.ToUpper(ticker)]
	if !ok {
		return nil, fmt.Errorf("yahoo: %s: %w", ticker, ErrNoData)
	}
	return quote, nil
}

// GetQuotes implements BatchQuoter. All tickers go out in one request.
func (p *YahooProvider) GetQuotes(ctx context.Context, tickers []string) (map[string]*Quote, error) {
	if len(tickers) == 0 {
		return map[string]*Quote{}, nil
	}
	endpoint := fmt.Sprintf("%s/v7/finance/quote?symbols=%s",
		p.baseURL, url.QueryEscape(strings.Join(tickers, ",")))

	var decoded yahooQuoteResponse
	if err := p.getJSON(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}
	if decoded.QuoteResponse.Error != nil {
		return nil, fmt.Errorf("yahoo: %s", decoded.QuoteResponse.Error.Description)
	}

	out := make(map[string]*Quote, len(decoded.QuoteResponse.Result))
	for _, q := range decoded.QuoteResponse.Result {
		ticker := strings.ToUpper(q.Symbol)
		out[ticker] = &Quote{
			Ticker:        ticker,
			Price:         q.RegularMarketPrice,
			PreviousClose: q.PreviousClose,
			Change:        q.RegularMarketPrice - q.PreviousClose,
			ChangePct:     changePct(q.RegularMarketPrice, q.PreviousClose),
			Volume:        q.Volume,
			Currency:      q.Currency,
			AsOf:          time.Unix(q.MarketTime, 0).UTC(),
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("yahoo: empty quote response: %w", ErrNoData)
	}
	return out, nil
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *yahooError `json:"error"`
	} `json:"chart"`
}

var yahooIntervals = map[Period]string{
	Period1D:  "5m",
	Period5D:  "30m",
	Period1Mo: "1d",
	Period3Mo: "1d",
	Period6Mo: "1d",
	Period1Y:  "1d",
	Period2Y:  "1wk",
	Period5Y:  "1wk",
}

// GetHistorical implements Provider.
func (p *YahooProvider) GetHistorical(ctx context.Context, ticker string, period Period) (*PriceHistory, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?range=%s&interval=%s",
		p.baseURL, url.PathEscape(ticker), period, yahooIntervals[period])

	var decoded yahooChartResponse
	if err := p.getJSON(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}
	if decoded.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo: %s", decoded.Chart.Error.Description)
	}
	if len(decoded.Chart.Result) == 0 || len(decoded.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("yahoo: no chart data for %s: %w", ticker, ErrNoData)
	}

	result := decoded.Chart.Result[0]
	bars := result.Indicators.Quote[0]
	candles := make([]Candle, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(bars.Close) {
			break
		}
		candles = append(candles, Candle{
			Time:   time.Unix(ts, 0).UTC(),
			Open:   at(bars.Open, i),
			High:   at(bars.High, i),
			Low:    at(bars.Low, i),
			Close:  at(bars.Close, i),
			Volume: atInt(bars.Volume, i),
		})
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("yahoo: empty candle set for %s: %w", ticker, ErrNoData)
	}
	return &PriceHistory{Ticker: strings.ToUpper(ticker), Period: period, Candles: candles}, nil
}

type yahooSearchResponse struct {
	Quotes []struct {
		Symbol    string `json:"symbol"`
		ShortName string `json:"shortname"`
		LongName  string `json:"longname"`
		Exchange  string `json:"exchange"`
		QuoteType string `json:"quoteType"`
	} `json:"quotes"`
}

// SearchTicker implements Provider.
func (p *YahooProvider) SearchTicker(ctx context.Context, query string) ([]TickerResult, error) {
	endpoint := fmt.Sprintf("%s/v1/finance/search?q=%s&quotesCount=10&newsCount=0",
		p.baseURL, url.QueryEscape(query))

	var decoded yahooSearchResponse
	if err := p.getJSON(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}

	results := make([]TickerResult, 0, len(decoded.Quotes))
	for _, q := range decoded.Quotes {
		name := q.LongName
		if name == "" {
			name = q.ShortName
		}
		results = append(results, TickerResult{
			Ticker:   strings.ToUpper(q.Symbol),
			Name:     name,
			Exchange: q.Exchange,
			Type:     q.QuoteType,
		})
	}
	return results, nil
}

func (p *YahooProvider) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; tickerpulse/1.0)")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("yahoo API error: status %d, body: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func changePct(price, prev float64) float64 {
	if prev == 0 {
		return 0
	}
	return (price - prev) / prev * 100
}

func at(vals []float64, i int) float64 {
	if i < len(vals) {
		return vals[i]
	}
	return 0
}

func atInt(vals []int64, i int) int64 {
	if i < len(vals) {
		return vals[i]
	}
	return 0
}
