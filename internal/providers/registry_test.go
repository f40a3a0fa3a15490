package providers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	id        string
	available bool
	quote     *Quote
	err       error
	calls     int
}

func (f *fakeProvider) GetQuote(ctx context.Context, ticker string) (*Quote, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.quote, nil
}

func (f *fakeProvider) GetHistorical(ctx context.Context, ticker string, period Period) (*PriceHistory, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.quote == nil {
		return nil, ErrNoData
	}
	return &PriceHistory{Ticker: ticker, Period: period, Candles: []Candle{{Close: f.quote.Price}}}, nil
}

func (f *fakeProvider) SearchTicker(ctx context.Context, query string) ([]TickerResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.quote == nil {
		return nil, nil
	}
	return []TickerResult{{Ticker: f.quote.Ticker}}, nil
}

func (f *fakeProvider) Info() ProviderInfo {
	return ProviderInfo{ID: f.id, Name: f.id, RateLimitPerMinute: 60}
}

func (f *fakeProvider) Available() bool { return f.available }

func TestRegistryFirstAvailableWins(t *testing.T) {
	first := &fakeProvider{id: "a", available: true, quote: &Quote{Ticker: "AAPL", Price: 180}}
	second := &fakeProvider{id: "b", available: true, quote: &Quote{Ticker: "AAPL", Price: 181}}
	reg := NewRegistry([]Provider{first, second}, nil, zerolog.Nop())

	fallbacks := 0
	reg.OnFallback(func(from, to string, reason FallbackReason) { fallbacks++ })

	quote, err := reg.GetQuote(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, 180.0, quote.Price)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls)
	assert.Equal(t, 0, fallbacks, "no fallback when the head of the chain answers")
}

func TestRegistryFallbackFiresOncePerRequest(t *testing.T) {
	failing := &fakeProvider{id: "a", available: true, err: errors.New("boom")}
	empty := &fakeProvider{id: "b", available: true, err: ErrNoData}
	winner := &fakeProvider{id: "c", available: true, quote: &Quote{Ticker: "MSFT", Price: 410}}
	reg := NewRegistry([]Provider{failing, empty, winner}, nil, zerolog.Nop())

	type fb struct {
		from, to string
		reason   FallbackReason
	}
	var got []fb
	reg.OnFallback(func(from, to string, reason FallbackReason) {
		got = append(got, fb{from, to, reason})
	})

	_, err := reg.GetQuote(context.Background(), "MSFT")
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].from)
	assert.Equal(t, "c", got[0].to)
	assert.Equal(t, ReasonException, got[0].reason)
}

func TestRegistryNoDataReason(t *testing.T) {
	empty := &fakeProvider{id: "a", available: true, err: ErrNoData}
	winner := &fakeProvider{id: "b", available: true, quote: &Quote{Ticker: "MSFT", Price: 410}}
	reg := NewRegistry([]Provider{empty, winner}, nil, zerolog.Nop())

	var reason FallbackReason
	reg.OnFallback(func(from, to string, r FallbackReason) { reason = r })

	_, err := reg.GetQuote(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, ReasonNoData, reason)
}

func TestRegistrySkipsUnavailableSilently(t *testing.T) {
	keyless := &fakeProvider{id: "a", available: false}
	winner := &fakeProvider{id: "b", available: true, quote: &Quote{Ticker: "NVDA", Price: 130}}
	reg := NewRegistry([]Provider{keyless, winner}, nil, zerolog.Nop())

	fallbacks := 0
	reg.OnFallback(func(from, to string, reason FallbackReason) { fallbacks++ })

	quote, err := reg.GetQuote(context.Background(), "NVDA")
	require.NoError(t, err)
	assert.Equal(t, 130.0, quote.Price)
	assert.Equal(t, 0, keyless.calls, "unavailable providers are never called")
	assert.Equal(t, 0, fallbacks, "skipping an unavailable provider is not a fallback")
}

func TestRegistryAllFailed(t *testing.T) {
	reg := NewRegistry([]Provider{
		&fakeProvider{id: "a", available: true, err: errors.New("down")},
		&fakeProvider{id: "b", available: false},
	}, nil, zerolog.Nop())

	_, err := reg.GetQuote(context.Background(), "TSLA")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestRegistryPrimaryOverride(t *testing.T) {
	first := &fakeProvider{id: "a", available: true, quote: &Quote{Ticker: "AMD", Price: 160}}
	second := &fakeProvider{id: "b", available: true, quote: &Quote{Ticker: "AMD", Price: 161}}
	reg := NewRegistry([]Provider{first, second}, nil, zerolog.Nop())

	reg.SetPrimary("b")
	quote, err := reg.GetQuote(context.Background(), "AMD")
	require.NoError(t, err)
	assert.Equal(t, 161.0, quote.Price)

	reg.SetPrimary("")
	quote, err = reg.GetQuote(context.Background(), "AMD")
	require.NoError(t, err)
	assert.Equal(t, 160.0, quote.Price)
}

// brokenBatchProvider answers per-ticker calls but fails batch calls,
// forcing GetQuotes onto the degraded path.
type brokenBatchProvider struct {
	quotes map[string]*Quote

	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (p *brokenBatchProvider) GetQuote(ctx context.Context, ticker string) (*Quote, error) {
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		max := p.maxSeen.Load()
		if cur <= max || p.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	if q, ok := p.quotes[ticker]; ok {
		return q, nil
	}
	return nil, ErrNoData
}

func (p *brokenBatchProvider) GetQuotes(ctx context.Context, tickers []string) (map[string]*Quote, error) {
	return nil, errors.New("upstream 500")
}

func (p *brokenBatchProvider) GetHistorical(ctx context.Context, ticker string, period Period) (*PriceHistory, error) {
	return nil, ErrNoData
}

func (p *brokenBatchProvider) SearchTicker(ctx context.Context, query string) ([]TickerResult, error) {
	return nil, nil
}

func (p *brokenBatchProvider) Info() ProviderInfo {
	return ProviderInfo{ID: "broken", Name: "broken", RateLimitPerMinute: 60}
}

func (p *brokenBatchProvider) Available() bool { return true }

func TestRegistryGetQuotesDegradesToParallelPerTicker(t *testing.T) {
	p := &brokenBatchProvider{quotes: map[string]*Quote{
		"AAPL": {Ticker: "AAPL", Price: 182.5},
		"MSFT": {Ticker: "MSFT", Price: 410},
		"NVDA": {Ticker: "NVDA", Price: 130},
		"TSLA": {Ticker: "TSLA", Price: 250},
		"AMD":  {Ticker: "AMD", Price: 160},
		"META": {Ticker: "META", Price: 560},
	}}
	reg := NewRegistry([]Provider{p}, nil, zerolog.Nop())
	reg.SetWorkers(2)

	quotes, err := reg.GetQuotes(context.Background(),
		[]string{"aapl", "msft", "nvda", "tsla", "amd", "meta", "UNKNOWN"})
	require.NoError(t, err)
	assert.Len(t, quotes, 6, "unknown tickers are skipped, not fatal")
	assert.Equal(t, 182.5, quotes["AAPL"].Price)
	assert.LessOrEqual(t, p.maxSeen.Load(), int32(2), "fan-out never exceeds the worker bound")
}

func TestRegistrySetWorkersIgnoresInvalid(t *testing.T) {
	reg := NewRegistry(nil, nil, zerolog.Nop())
	assert.Equal(t, defaultQuoteWorkers, reg.quoteWorkers())
	reg.SetWorkers(0)
	assert.Equal(t, defaultQuoteWorkers, reg.quoteWorkers())
	reg.SetWorkers(8)
	assert.Equal(t, 8, reg.quoteWorkers())
}

func TestRegistryInvalidPeriod(t *testing.T) {
	reg := NewRegistry(nil, nil, zerolog.Nop())
	_, err := reg.GetHistorical(context.Background(), "AAPL", Period("7d"))
	require.Error(t, err)
}
