package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/agents"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/alerts"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/briefs"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/compare"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/config"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/database"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/downloads"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/earnings"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/errorlog"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/events"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/jobs"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/llm"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/market"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/metrics"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/portfolio"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/providers"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/ratings"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/realtime"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/scheduler"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/sentiment"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/settings"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/uistate"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/watchlist"
)

// quoteProvider serves canned quotes and a short synthetic history.
type quoteProvider struct {
	quotes map[string]*providers.Quote
}

func (p *quoteProvider) GetQuote(ctx context.Context, ticker string) (*providers.Quote, error) {
	if q, ok := p.quotes[ticker]; ok {
		return q, nil
	}
	return nil, providers.ErrNoData
}

func (p *quoteProvider) GetHistorical(ctx context.Context, ticker string, period providers.Period) (*providers.PriceHistory, error) {
	q, ok := p.quotes[ticker]
	if !ok {
		return nil, providers.ErrNoData
	}
	history := &providers.PriceHistory{Ticker: ticker, Period: period}
	for i := 0; i < 10; i++ {
		history.Candles = append(history.Candles, providers.Candle{
			Close: q.Price + float64(i),
		})
	}
	return history, nil
}

func (p *quoteProvider) SearchTicker(ctx context.Context, query string) ([]providers.TickerResult, error) {
	return []providers.TickerResult{{Ticker: "AAPL"}}, nil
}

func (p *quoteProvider) Info() providers.ProviderInfo {
	return providers.ProviderInfo{ID: "fake", Name: "Fake", RateLimitPerMinute: 60}
}

func (p *quoteProvider) Available() bool { return true }

// fakeLLM answers instantly with a structured response.
type fakeLLM struct {
	name string
}

func (f *fakeLLM) Name() string  { return f.name }
func (f *fakeLLM) Model() string { return "test-model" }

func (f *fakeLLM) GenerateAnalysisWithUsage(ctx context.Context, prompt string, maxTokens int) (string, int, error) {
	return `{"rating": "buy", "score": 82, "confidence": 0.9, "summary": "Strong setup."}`, 100, nil
}

func (f *fakeLLM) TestConnection(ctx context.Context) error { return nil }

type testEnv struct {
	srv     *Server
	db      *sql.DB
	watchID int64
}

func newTestEnv(t *testing.T) *testEnv {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, database.InitSchemaOn(db))
	t.Cleanup(func() { db.Close() })

	nop := zerolog.Nop()
	ctx := context.Background()
	bus := events.NewBus()

	settingsRepo := settings.NewRepository(db, nop)
	watchRepo := watchlist.NewRepository(db, nop)
	ratingsRepo := ratings.NewRepository(db, nop)
	alertsRepo := alerts.NewRepository(db, nop)
	alertEng := alerts.NewEngine(alertsRepo, ratingsRepo, settingsRepo, bus, nop)
	registry := providers.NewRegistry([]providers.Provider{
		&quoteProvider{quotes: map[string]*providers.Quote{
			"AAPL": {Ticker: "AAPL", Price: 180, Change: 2, ChangePct: 1.1},
		}},
	}, nil, nop)

	runs := agents.NewRunsRepository(db, nop)
	agentReg := agents.NewRegistry(runs, nop)

	calendar, err := market.NewCalendar()
	require.NoError(t, err)

	sched := scheduler.New(db, nil, nop)
	latency := metrics.NewLatencyBuffer(nop)
	collector := metrics.NewCollector(db, nop)
	sse := realtime.NewSSEHub(bus, func() map[string]interface{} { return nil }, nop)
	ws := realtime.NewWSHub(8, nop)

	deps := Deps{
		Config:    &config.Config{PriceRefreshIntervalSeconds: 60},
		DB:        db,
		Settings:  settingsRepo,
		Watchlist: watchRepo,
		Ratings:   ratingsRepo,
		Alerts:    alertsRepo,
		AlertEng:  alertEng,
		Briefs:    briefs.NewRepository(db, nop),
		Sentiment: sentiment.NewAggregator(db, nil, nop),
		Earnings:  earnings.NewRepository(db, nop),
		Portfolio: portfolio.NewRepository(db, nop),
		GitHub:    downloads.NewClient("", nop),
		Downloads: downloads.NewRepository(db, nop),
		UIState:   uistate.NewRepository(db, nop),
		ErrorLog:  errorlog.NewRepository(db, nop),
		Providers: registry,
		LLM:       map[string]llm.Provider{"anthropic": &fakeLLM{name: "anthropic"}},
		Compare:   compare.NewExecutor(db, nop),
		Agents:    agentReg,
		AgentRuns: runs,
		Scheduler: sched,
		Latency:   latency,
		Collector: collector,
		Metrics:   metrics.NewQueries(db),
		SSE:       sse,
		WS:        ws,
	}

	lib := jobs.NewLibrary(jobs.Deps{
		Config:    deps.Config,
		Bus:       bus,
		Settings:  settingsRepo,
		Watchlist: watchRepo,
		Ratings:   ratingsRepo,
		Providers: registry,
		Alerts:    alertEng,
		Agents:    agentReg,
		Earnings:  deps.Earnings,
		WSHub:     ws,
		Calendar:  calendar,
		Latency:   latency,
		Collector: collector,
		UIState:   deps.UIState,
		GitHub:    deps.GitHub,
		Downloads: deps.Downloads,
		Portfolio: deps.Portfolio,
	}, db, nop)
	require.NoError(t, lib.RegisterAll(sched))
	deps.Jobs = lib

	list, err := watchRepo.Create(ctx, "Main")
	require.NoError(t, err)

	return &testEnv{
		srv:     New(0, deps, nop),
		db:      db,
		watchID: list.ID,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.9:4711"
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(12), body["jobs"])
}

func TestErrorEnvelopeShape(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/watchlists", map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var envelope apiError
	decode(t, rec, &envelope)
	assert.Equal(t, CodeMissingField, envelope.ErrorCode)
	assert.NotEmpty(t, envelope.RequestID)
	require.Len(t, envelope.FieldErrors, 1)
	assert.Equal(t, "name", envelope.FieldErrors[0].Field)
}

func TestWatchlistFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/watchlists/%d/stocks", env.watchID),
		map[string]string{"ticker": "aapl", "name": "Apple", "market": "US"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/watchlists/%d", env.watchID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stocks []watchlist.Stock `json:"stocks"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Stocks, 1)
	assert.Equal(t, "AAPL", body.Stocks[0].Ticker)

	rec = env.do(t, http.MethodGet, "/api/watchlists/99999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlertLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/alerts", map[string]interface{}{
		"ticker": "AAPL", "condition_type": "price_above", "threshold": 200.0,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created alerts.Alert
	decode(t, rec, &created)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/alerts/%d/test", created.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]interface{}
	decode(t, rec, &payload)
	assert.Equal(t, "AAPL", payload["ticker"])

	rec = env.do(t, http.MethodPut, fmt.Sprintf("/api/alerts/%d/sound", created.ID),
		map[string]string{"sound_type": "chime"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/alerts/%d/rearm", created.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/alerts/99999/rearm", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/alerts", map[string]interface{}{
		"ticker": "AAPL", "condition_type": "nonsense", "threshold": 1.0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var envelope apiError
	decode(t, rec, &envelope)
	assert.Equal(t, CodeValidation, envelope.ErrorCode)
}

func TestErrorIngestRateLimit(t *testing.T) {
	env := newTestEnv(t)

	var last int
	for i := 0; i < 11; i++ {
		rec := env.do(t, http.MethodPost, "/api/errors", map[string]string{
			"source": "frontend", "message": fmt.Sprintf("boom %d", i),
		})
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last, "11th report within a minute is rejected")

	rec := env.do(t, http.MethodGet, "/api/errors/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var stats errorlog.Stats
	decode(t, rec, &stats)
	assert.Equal(t, 10, stats.Total)
}

func TestAppStateRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/app-state/theme", map[string]string{"value": "dark"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/app-state/theme", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "dark", body["value"])

	rec = env.do(t, http.MethodDelete, "/api/app-state/theme", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/app-state/theme", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulerEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/scheduler/jobs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Jobs []scheduler.JobStatus `json:"jobs"`
	}
	decode(t, rec, &body)
	assert.Len(t, body.Jobs, 12)

	rec = env.do(t, http.MethodPost, "/api/scheduler/jobs/price_refresh/pause", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var job scheduler.JobStatus
	decode(t, rec, &job)
	assert.True(t, job.Paused)

	rec = env.do(t, http.MethodPut, "/api/scheduler/jobs/price_refresh/schedule",
		map[string]int64{"seconds": 120})
	assert.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &job)
	assert.False(t, job.Paused)
	assert.Equal(t, int64(120), job.TriggerSpec.Seconds)

	rec = env.do(t, http.MethodPost, "/api/scheduler/jobs/nope/trigger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentRunUnknown(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/agents/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompareSyncParsesStructuredFields(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/ai/compare", map[string]interface{}{
		"ticker":    "AAPL",
		"providers": []string{"anthropic"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Ticker  string           `json:"ticker"`
		Results []compare.Result `json:"results"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "AAPL", body.Ticker)
	require.Len(t, body.Results, 1)
	require.NotNil(t, body.Results[0].Rating)
	assert.Equal(t, "buy", *body.Results[0].Rating)

	rec = env.do(t, http.MethodPost, "/api/ai/compare", map[string]interface{}{
		"ticker":    "AAPL",
		"providers": []string{"unknown"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompareSeries(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/compare/series?symbols=AAPL&timeframe=1M", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Series map[string][]map[string]interface{} `json:"series"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Series["AAPL"], 10)
	assert.Equal(t, 0.0, body.Series["AAPL"][0]["return_pct"])

	rec = env.do(t, http.MethodGet, "/api/compare/series?symbols=A,B,C,D,E,F", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/compare/series?symbols=AAPL&timeframe=2W", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStockQuoteAndHistory(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/stocks/AAPL/quote", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/stocks/MSFT/quote", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var envelope apiError
	decode(t, rec, &envelope)
	assert.Equal(t, CodeTickerNotFound, envelope.ErrorCode)

	rec = env.do(t, http.MethodGet, "/api/stocks/AAPL/history?period=1mo&page=2&page_size=4", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Total   int                      `json:"total"`
		Candles []map[string]interface{} `json:"candles"`
	}
	decode(t, rec, &history)
	assert.Equal(t, 10, history.Total)
	assert.Len(t, history.Candles, 4)
}

func TestBriefLifecycleAndExport(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/briefs", map[string]interface{}{
		"ticker": "aapl", "title": "Apple setup", "content": "Holding the 50 day.", "tags": "technical",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created briefs.Brief
	decode(t, rec, &created)
	assert.Equal(t, "AAPL", created.Ticker)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/briefs/%d", created.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/briefs", map[string]string{"ticker": "AAPL"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var envelope apiError
	decode(t, rec, &envelope)
	assert.Equal(t, CodeValidation, envelope.ErrorCode)

	rec = env.do(t, http.MethodPost, "/api/briefs/export", map[string]interface{}{"format": "md"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/markdown", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "# Apple setup")

	rec = env.do(t, http.MethodPost, "/api/briefs/export", map[string]interface{}{"format": "docx"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/briefs/%d", created.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/briefs/export", map[string]interface{}{"format": "json"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDataProviderEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/providers/primary", map[string]string{"id": "fake"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/providers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "fake", body["primary"])

	rec = env.do(t, http.MethodPost, "/api/providers/unknown/test", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/providers/fake/test", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Equal(t, true, body["ok"])
}
