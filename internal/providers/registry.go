package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// FallbackReason classifies why the registry moved past a provider.
type FallbackReason string

const (
	ReasonNoData    FallbackReason = "no_data"
	ReasonException FallbackReason = "exception"
)

// FallbackFunc is invoked at most once per request when a later
// provider served a request an earlier one could not. from is the first
// provider that was tried and failed, to is the provider that answered.
type FallbackFunc func(from, to string, reason FallbackReason)

// Registry walks an ordered provider chain. Providers reporting
// unavailable (missing key) are skipped silently; tried-and-failed
// providers trigger the fallback callback once the request eventually
// succeeds elsewhere.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	primary   string
	workers   int

	tracker  *RateLimitTracker
	fallback FallbackFunc
	log      zerolog.Logger
}

// defaultQuoteWorkers bounds the per-ticker fan-out when no explicit
// worker count is configured.
const defaultQuoteWorkers = 4

// NewRegistry creates a registry over the given chain order.
func NewRegistry(providers []Provider, tracker *RateLimitTracker, log zerolog.Logger) *Registry {
	return &Registry{
		providers: providers,
		tracker:   tracker,
		log:       log.With().Str("component", "provider_registry").Logger(),
	}
}

// OnFallback registers the fallback callback.
func (r *Registry) OnFallback(fn FallbackFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// SetPrimary promotes the named provider to the front of the chain for
// subsequent requests. An empty id restores the configured order.
func (r *Registry) SetPrimary(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = id
}

// Primary returns the current primary override, or "" when the
// configured order applies.
func (r *Registry) Primary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// SetWorkers bounds the concurrent per-ticker fetches GetQuotes runs
// when a batch call fails. Values below 1 keep the default.
func (r *Registry) SetWorkers(n int) {
	if n < 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = n
}

func (r *Registry) quoteWorkers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.workers < 1 {
		return defaultQuoteWorkers
	}
	return r.workers
}

// Get returns the provider with the given id, or nil.
func (r *Registry) Get(id string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.Info().ID == id {
			return p
		}
	}
	return nil
}

// All returns the chain in effective order (primary first).
func (r *Registry) All() []Provider {
	return r.chain()
}

// Infos returns ProviderInfo plus availability for every registered
// provider, in effective order.
func (r *Registry) Infos() []map[string]interface{} {
	chain := r.chain()
	out := make([]map[string]interface{}, 0, len(chain))
	for _, p := range chain {
		info := p.Info()
		out = append(out, map[string]interface{}{
			"id":                    info.ID,
			"name":                  info.Name,
			"tier":                  info.Tier,
			"requires_key":          info.RequiresKey,
			"supported_markets":     info.SupportedMarkets,
			"realtime":              info.Realtime,
			"rate_limit_per_minute": info.RateLimitPerMinute,
			"description":           info.Description,
			"available":             p.Available(),
		})
	}
	return out
}

func (r *Registry) chain() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.primary == "" {
		out := make([]Provider, len(r.providers))
		copy(out, r.providers)
		return out
	}
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if p.Info().ID == r.primary {
			out = append(out, p)
			break
		}
	}
	for _, p := range r.providers {
		if p.Info().ID != r.primary {
			out = append(out, p)
		}
	}
	return out
}

// failure remembers the first tried provider that could not serve the
// request.
type failure struct {
	provider string
	reason   FallbackReason
}

func (r *Registry) fireFallback(first *failure, winner string) {
	if first == nil {
		return
	}
	r.mu.RLock()
	fn := r.fallback
	r.mu.RUnlock()
	r.log.Info().
		Str("from", first.provider).
		Str("to", winner).
		Str("reason", string(first.reason)).
		Msg("Data provider fallback")
	if fn != nil {
		fn(first.provider, winner, first.reason)
	}
}

// GetQuote walks the chain until a provider returns a quote.
func (r *Registry) GetQuote(ctx context.Context, ticker string) (*Quote, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	var first *failure
	for _, p := range r.chain() {
		if !p.Available() {
			continue
		}
		info := p.Info()
		if r.tracker != nil {
			r.tracker.Track(info)
		}
		quote, err := p.GetQuote(ctx, ticker)
		if err == nil && quote != nil {
			r.fireFallback(first, info.ID)
			return quote, nil
		}
		if first == nil {
			first = &failure{provider: info.ID, reason: classify(err)}
		}
		r.log.Debug().Err(err).Str("provider", info.ID).Str("ticker", ticker).Msg("Provider quote failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("no provider returned a quote for %s: %w", ticker, ErrNoData)
}

// GetHistorical walks the chain until a provider returns candles.
func (r *Registry) GetHistorical(ctx context.Context, ticker string, period Period) (*PriceHistory, error) {
	if !ValidPeriod(period) {
		return nil, fmt.Errorf("invalid period %q", period)
	}
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	var first *failure
	for _, p := range r.chain() {
		if !p.Available() {
			continue
		}
		info := p.Info()
		if r.tracker != nil {
			r.tracker.Track(info)
		}
		hist, err := p.GetHistorical(ctx, ticker, period)
		if err == nil && hist != nil && len(hist.Candles) > 0 {
			r.fireFallback(first, info.ID)
			return hist, nil
		}
		if first == nil {
			first = &failure{provider: info.ID, reason: classify(err)}
		}
		r.log.Debug().Err(err).Str("provider", info.ID).Str("ticker", ticker).Msg("Provider history failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("no provider returned history for %s: %w", ticker, ErrNoData)
}

// SearchTicker walks the chain until a provider returns hits.
func (r *Registry) SearchTicker(ctx context.Context, query string) ([]TickerResult, error) {
	var first *failure
	for _, p := range r.chain() {
		if !p.Available() {
			continue
		}
		info := p.Info()
		if r.tracker != nil {
			r.tracker.Track(info)
		}
		results, err := p.SearchTicker(ctx, query)
		if err == nil && len(results) > 0 {
			r.fireFallback(first, info.ID)
			return results, nil
		}
		if first == nil {
			first = &failure{provider: info.ID, reason: classify(err)}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("no provider returned results for %q: %w", query, ErrNoData)
}

// GetQuotes batch-fetches quotes, preferring a BatchQuoter at the head
// of the chain. On batch failure it degrades to per-ticker walks so one
// bad upstream call cannot blank the whole refresh.
func (r *Registry) GetQuotes(ctx context.Context, tickers []string) (map[string]*Quote, error) {
	upper := make([]string, 0, len(tickers))
	for _, t := range tickers {
		upper = append(upper, strings.ToUpper(strings.TrimSpace(t)))
	}

	for _, p := range r.chain() {
		if !p.Available() {
			continue
		}
		bq, ok := p.(BatchQuoter)
		if !ok {
			continue
		}
		if r.tracker != nil {
			r.tracker.Track(p.Info())
		}
		quotes, err := bq.GetQuotes(ctx, upper)
		if err == nil && len(quotes) > 0 {
			return quotes, nil
		}
		r.log.Warn().Err(err).Str("provider", p.Info().ID).Msg("Batch quote failed, degrading to per-ticker")
		break
	}

	// Per-ticker walks run in parallel, bounded so a long watchlist
	// cannot stampede the upstream APIs.
	var outMu sync.Mutex
	out := make(map[string]*Quote, len(upper))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.quoteWorkers())
	for _, t := range upper {
		t := t
		g.Go(func() error {
			quote, err := r.GetQuote(gctx, t)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil
			}
			outMu.Lock()
			out[t] = quote
			outMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func classify(err error) FallbackReason {
	if err == nil || errors.Is(err, ErrNoData) {
		return ReasonNoData
	}
	return ReasonException
}
