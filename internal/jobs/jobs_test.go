package jobs

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/agents"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/alerts"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/briefs"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/config"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/database"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/downloads"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/events"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/market"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/metrics"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/portfolio"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/providers"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/ratings"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/realtime"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/scheduler"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/settings"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/uistate"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/watchlist"
)

func setupDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, database.InitSchemaOn(db))
	t.Cleanup(func() { db.Close() })
	return db
}

// batchProvider serves canned quotes for the price refresh path.
type batchProvider struct {
	quotes map[string]*providers.Quote
}

func (p *batchProvider) GetQuote(ctx context.Context, ticker string) (*providers.Quote, error) {
	if q, ok := p.quotes[ticker]; ok {
		return q, nil
	}
	return nil, providers.ErrNoData
}

func (p *batchProvider) GetQuotes(ctx context.Context, tickers []string) (map[string]*providers.Quote, error) {
	out := make(map[string]*providers.Quote)
	for _, t := range tickers {
		if q, ok := p.quotes[t]; ok {
			out[t] = q
		}
	}
	return out, nil
}

func (p *batchProvider) GetHistorical(ctx context.Context, ticker string, period providers.Period) (*providers.PriceHistory, error) {
	return nil, providers.ErrNoData
}

func (p *batchProvider) SearchTicker(ctx context.Context, query string) ([]providers.TickerResult, error) {
	return nil, nil
}

func (p *batchProvider) Info() providers.ProviderInfo {
	return providers.ProviderInfo{ID: "fake", Name: "fake", RateLimitPerMinute: 60}
}

func (p *batchProvider) Available() bool { return true }

// stubAgent returns a fixed output map.
type stubAgent struct {
	name   string
	output map[string]interface{}
	err    error
}

func (a *stubAgent) Name() string { return a.name }

func (a *stubAgent) Run(ctx context.Context, inputs map[string]interface{}) (*agents.Result, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &agents.Result{Output: a.output, Model: "none"}, nil
}

type harness struct {
	db      *sql.DB
	bus     *events.Bus
	lib     *Library
	deps    Deps
	watchID int64
}

func setupHarness(t *testing.T, quotes map[string]*providers.Quote, agentList ...agents.Agent) *harness {
	db := setupDB(t)
	ctx := context.Background()
	nop := zerolog.Nop()
	bus := events.NewBus()

	settingsRepo := settings.NewRepository(db, nop)
	watchRepo := watchlist.NewRepository(db, nop)
	ratingsRepo := ratings.NewRepository(db, nop)
	alertsEngine := alerts.NewEngine(alerts.NewRepository(db, nop), ratingsRepo, settingsRepo, bus, nop)

	registry := providers.NewRegistry([]providers.Provider{&batchProvider{quotes: quotes}}, nil, nop)

	runs := agents.NewRunsRepository(db, nop)
	agentRegistry := agents.NewRegistry(runs, nop)
	for _, a := range agentList {
		agentRegistry.Register(a)
	}

	calendar, err := market.NewCalendar()
	require.NoError(t, err)

	list, err := watchRepo.Create(ctx, "Main")
	require.NoError(t, err)

	deps := Deps{
		Config:    &config.Config{PriceRefreshIntervalSeconds: 60},
		Bus:       bus,
		Settings:  settingsRepo,
		Watchlist: watchRepo,
		Ratings:   ratingsRepo,
		Providers: registry,
		Alerts:    alertsEngine,
		Agents:    agentRegistry,
		Briefs:    briefs.NewRepository(db, nop),
		WSHub:     realtime.NewWSHub(8, nop),
		Calendar:  calendar,
		Latency:   metrics.NewLatencyBuffer(nop),
		Collector: metrics.NewCollector(db, nop),
		UIState:   uistate.NewRepository(db, nop),
		GitHub:    downloads.NewClient("", nop),
		Downloads: downloads.NewRepository(db, nop),
		Portfolio: portfolio.NewRepository(db, nop),
	}

	return &harness{
		db:      db,
		bus:     bus,
		lib:     NewLibrary(deps, db, nop),
		deps:    deps,
		watchID: list.ID,
	}
}

func marketOpen(cal *market.Calendar) {
	// A Wednesday at noon Eastern.
	loc, _ := time.LoadLocation("America/New_York")
	cal.Now = func() time.Time { return time.Date(2026, 1, 7, 12, 0, 0, 0, loc) }
}

func marketClosed(cal *market.Calendar) {
	loc, _ := time.LoadLocation("America/New_York")
	cal.Now = func() time.Time { return time.Date(2026, 1, 10, 12, 0, 0, 0, loc) }
}

func TestTimerRecordsSuccess(t *testing.T) {
	db := setupDB(t)
	bus := events.NewBus()
	var got *events.Event
	bus.Subscribe(events.JobCompleted, func(e *events.Event) { got = e })

	timer := newJobTimer(db, bus, zerolog.Nop())
	err := timer.run(context.Background(), "demo", "Demo", func(ctx context.Context) (result, error) {
		return result{Summary: "did things", AgentName: "scanner", Cost: 0.25}, nil
	})
	require.NoError(t, err)

	var status, summary string
	var agent sql.NullString
	var cost float64
	require.NoError(t, db.QueryRow(
		"SELECT status, result_summary, agent_name, cost FROM job_history WHERE job_id = 'demo'").
		Scan(&status, &summary, &agent, &cost))
	assert.Equal(t, "success", status)
	assert.Equal(t, "did things", summary)
	assert.Equal(t, "scanner", agent.String)
	assert.Equal(t, 0.25, cost)

	var points int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM performance_metrics WHERE job_id = 'demo'").Scan(&points))
	assert.Equal(t, 3, points, "duration, cost and success points")

	var successValue float64
	require.NoError(t, db.QueryRow(
		"SELECT value FROM performance_metrics WHERE job_id = 'demo' AND metric = 'success'").Scan(&successValue))
	assert.Equal(t, 1.0, successValue)

	require.NotNil(t, got)
	assert.Equal(t, "demo", got.Data["job_id"])
	assert.Equal(t, "success", got.Data["status"])
}

func TestTimerRecordsPanicAsError(t *testing.T) {
	db := setupDB(t)
	timer := newJobTimer(db, events.NewBus(), zerolog.Nop())

	err := timer.run(context.Background(), "demo", "Demo", func(ctx context.Context) (result, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	var status, summary string
	require.NoError(t, db.QueryRow(
		"SELECT status, result_summary FROM job_history WHERE job_id = 'demo'").Scan(&status, &summary))
	assert.Equal(t, "error", status)
	assert.Contains(t, summary, "panic: boom")

	var successValue float64
	require.NoError(t, db.QueryRow(
		"SELECT value FROM performance_metrics WHERE job_id = 'demo' AND metric = 'success'").Scan(&successValue))
	assert.Equal(t, 0.0, successValue)
}

func TestTimerTruncatesLongSummary(t *testing.T) {
	db := setupDB(t)
	timer := newJobTimer(db, events.NewBus(), zerolog.Nop())

	long := strings.Repeat("x", maxSummaryLen+500)
	err := timer.run(context.Background(), "demo", "Demo", func(ctx context.Context) (result, error) {
		return result{Summary: long}, nil
	})
	require.NoError(t, err)

	var summary string
	require.NoError(t, db.QueryRow(
		"SELECT result_summary FROM job_history WHERE job_id = 'demo'").Scan(&summary))
	assert.Len(t, summary, maxSummaryLen)
}

func TestTimerRecordsSkip(t *testing.T) {
	db := setupDB(t)
	timer := newJobTimer(db, events.NewBus(), zerolog.Nop())
	timer.recordSkip("demo", "Demo")

	var status string
	require.NoError(t, db.QueryRow(
		"SELECT status FROM job_history WHERE job_id = 'demo'").Scan(&status))
	assert.Equal(t, "skipped", status)
}

func TestHistoryFiltersByJob(t *testing.T) {
	db := setupDB(t)
	timer := newJobTimer(db, events.NewBus(), zerolog.Nop())
	ctx := context.Background()

	ok := func(ctx context.Context) (result, error) { return result{Summary: "ok"}, nil }
	require.NoError(t, timer.run(ctx, "a", "A", ok))
	require.NoError(t, timer.run(ctx, "a", "A", ok))
	require.NoError(t, timer.run(ctx, "b", "B", ok))

	all, err := timer.History(ctx, "", 50)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyA, err := timer.History(ctx, "a", 50)
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)
	for _, e := range onlyA {
		assert.Equal(t, "a", e.JobID)
	}
}

func TestRegisterAllRegistersEveryJob(t *testing.T) {
	h := setupHarness(t, nil)
	sched := scheduler.New(h.db, nil, zerolog.Nop())

	require.NoError(t, h.lib.RegisterAll(sched))
	ids := sched.KnownJobIDs()
	assert.Len(t, ids, 12)
	assert.Contains(t, ids, "price_refresh")
	assert.Contains(t, ids, "db_backup")
}

func TestRefreshPricesDisabledBySetting(t *testing.T) {
	h := setupHarness(t, nil)
	require.NoError(t, h.deps.Settings.SetInt("price_refresh_interval", 0))

	res, err := h.lib.refreshPrices(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "disabled")
}

func TestRefreshPricesUpdatesAndBroadcasts(t *testing.T) {
	quotes := map[string]*providers.Quote{
		"AAPL": {Ticker: "AAPL", Price: 182.5, Change: 1.5, ChangePct: 0.83, Volume: 1000},
	}
	h := setupHarness(t, quotes)
	ctx := context.Background()

	_, err := h.deps.Watchlist.AddStock(ctx, h.watchID, "AAPL", "Apple", "US")
	require.NoError(t, err)

	var priceEvents int
	h.bus.Subscribe(events.PriceUpdate, func(e *events.Event) { priceEvents++ })

	res, err := h.lib.refreshPrices(ctx)
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "updated 1/1 tickers")
	assert.Equal(t, 1, priceEvents)

	price, _, ok, err := h.deps.Ratings.CurrentPrice(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 182.5, price)
}

func TestRefreshPricesNoBroadcastWhenPersistFails(t *testing.T) {
	quotes := map[string]*providers.Quote{
		"AAPL": {Ticker: "AAPL", Price: 182.5, Change: 1.5, ChangePct: 0.83, Volume: 1000},
	}
	h := setupHarness(t, quotes)
	ctx := context.Background()

	_, err := h.deps.Watchlist.AddStock(ctx, h.watchID, "AAPL", "Apple", "US")
	require.NoError(t, err)

	// Break the upsert target so persistence fails after the fetch.
	_, err = h.db.Exec("DROP TABLE ai_ratings")
	require.NoError(t, err)

	var priceEvents int
	h.bus.Subscribe(events.PriceUpdate, func(e *events.Event) { priceEvents++ })

	_, err = h.lib.refreshPrices(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to persist prices")
	assert.Equal(t, 0, priceEvents, "nothing reaches clients when the write fails")
}

func TestMonitorTechnicalsSkipsWhenClosed(t *testing.T) {
	h := setupHarness(t, nil)
	marketClosed(h.deps.Calendar)

	res, err := h.lib.monitorTechnicals(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "markets closed")
}

func TestMonitorTechnicalsPublishesSignals(t *testing.T) {
	scanner := &stubAgent{name: "scanner", output: map[string]interface{}{
		"signal_count": 2,
		"signals":      []map[string]interface{}{{"ticker": "AAPL", "signal": "overbought"}},
	}}
	h := setupHarness(t, nil, scanner)
	marketOpen(h.deps.Calendar)
	ctx := context.Background()

	_, err := h.deps.Watchlist.AddStock(ctx, h.watchID, "AAPL", "Apple", "US")
	require.NoError(t, err)

	var published *events.Event
	h.bus.Subscribe(events.TechnicalAlerts, func(e *events.Event) { published = e })

	res, err := h.lib.monitorTechnicals(ctx)
	require.NoError(t, err)
	assert.Equal(t, "scanner", res.AgentName)
	assert.Contains(t, res.Summary, "2 signals")
	require.NotNil(t, published)
}

func TestDailySummaryPublishesBriefing(t *testing.T) {
	writer := &stubAgent{name: "briefing", output: map[string]interface{}{
		"text": "Markets drifted sideways into the close.",
	}}
	h := setupHarness(t, nil, writer)
	ctx := context.Background()

	var published *events.Event
	h.bus.Subscribe(events.DailySummary, func(e *events.Event) { published = e })

	res, err := h.lib.dailySummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "briefing", res.AgentName)
	assert.Contains(t, res.Summary, "drifted sideways")
	require.NotNil(t, published)
	assert.Equal(t, "Markets drifted sideways into the close.", published.Data["text"])

	stored, err := h.deps.Briefs.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Contains(t, stored[0].Title, "end-of-day briefing")
	assert.Equal(t, "briefing,end-of-day", stored[0].Tags)
}

func TestSyncEarningsWithoutCapableProvider(t *testing.T) {
	h := setupHarness(t, nil)

	res, err := h.lib.syncEarnings(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "no earnings-capable provider")
}

func TestSnapshotMetricsFlushesAndPrunes(t *testing.T) {
	h := setupHarness(t, nil)
	ctx := context.Background()

	h.deps.Latency.Observe("/api/stocks", "GET", 200, 12*time.Millisecond)

	res, err := h.lib.snapshotMetrics(ctx)
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "flushed 1 latency samples")

	var logRows, snapRows int
	require.NoError(t, h.db.QueryRow("SELECT COUNT(*) FROM api_request_log").Scan(&logRows))
	require.NoError(t, h.db.QueryRow("SELECT COUNT(*) FROM perf_snapshots").Scan(&snapRows))
	assert.Equal(t, 1, logRows)
	assert.Equal(t, 1, snapRows)
}

func TestTrackDownloadsWithoutToken(t *testing.T) {
	h := setupHarness(t, nil)

	res, err := h.lib.trackDownloads(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "github token not configured")
}

func TestSnapshotPortfolioEmpty(t *testing.T) {
	h := setupHarness(t, nil)

	res, err := h.lib.snapshotPortfolio(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "no positions held")
}

func TestSnapshotPortfolioStoresSnapshot(t *testing.T) {
	reviewer := &stubAgent{name: "portfolio", output: map[string]interface{}{
		"text": "Concentration in tech remains high.",
	}}
	h := setupHarness(t, nil, reviewer)
	ctx := context.Background()

	require.NoError(t, h.deps.Portfolio.Upsert(ctx, "AAPL", 10, 150))
	_, err := h.deps.Ratings.UpdatePrices(ctx, []ratings.PriceUpdate{
		{Ticker: "AAPL", Price: 180, Change: 2, ChangePct: 1.1},
	})
	require.NoError(t, err)

	res, err := h.lib.snapshotPortfolio(ctx)
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "1 positions")
	assert.Equal(t, "portfolio", res.AgentName)

	snaps, err := h.deps.Portfolio.Snapshots(ctx, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.InDelta(t, 1800.0, snaps[0].TotalValue, 0.01)
}
