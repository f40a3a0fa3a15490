package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/agents"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/alerts"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/backup"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/briefs"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/config"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/downloads"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/earnings"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/events"
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

// Deps carries everything the job library touches.
type Deps struct {
	Config    *config.Config
	Bus       *events.Bus
	Settings  *settings.Repository
	Watchlist *watchlist.Repository
	Ratings   *ratings.Repository
	Providers *providers.Registry
	Alerts    *alerts.Engine
	Agents    *agents.Registry
	Earnings  *earnings.Repository
	Briefs    *briefs.Repository
	News      *sentiment.NewsFetcher
	Sentiment *sentiment.Aggregator
	WSHub     *realtime.WSHub
	Calendar  *market.Calendar
	Latency   *metrics.LatencyBuffer
	Collector *metrics.Collector
	UIState   *uistate.Repository
	GitHub    *downloads.Client
	Downloads *downloads.Repository
	Portfolio *portfolio.Repository
	Backup    *backup.Service
}

// Library holds the job implementations and their shared timer.
type Library struct {
	deps  Deps
	timer *jobTimer
	log   zerolog.Logger
}

// NewLibrary builds the job library. db backs job_history and the
// metric points; bus carries the job_completed events.
func NewLibrary(deps Deps, db *sql.DB, log zerolog.Logger) *Library {
	return &Library{
		deps:  deps,
		timer: newJobTimer(db, deps.Bus, log),
		log:   log.With().Str("component", "jobs").Logger(),
	}
}

// History exposes job_history rows for the API layer.
func (l *Library) History(ctx context.Context, jobID string, limit int) ([]HistoryEntry, error) {
	return l.timer.History(ctx, jobID, limit)
}

// RegisterAll registers every job with its default trigger and wires
// the overlap-skip callback so skipped ticks land in job_history.
func (l *Library) RegisterAll(sched *scheduler.Scheduler) error {
	priceInterval := int64(l.deps.Config.PriceRefreshIntervalSeconds)
	if priceInterval <= 0 {
		priceInterval = 60
	}

	regs := []struct {
		id, name, description string
		trigger               scheduler.TriggerSpec
		body                  func(ctx context.Context) (result, error)
	}{
		{"price_refresh", "Price Refresh", "Fetch quotes for active tickers, broadcast updates and evaluate alerts",
			scheduler.Interval(priceInterval), l.refreshPrices},
		{"technical_monitor", "Technical Monitor", "Scan the watchlist for RSI and moving-average signals during market hours",
			scheduler.Interval(900), l.monitorTechnicals},
		{"regime_check", "Regime Check", "Classify the current market regime during market hours",
			scheduler.Interval(7200), l.checkRegime},
		{"earnings_sync", "Earnings Sync", "Pull upcoming earnings dates for the watchlist",
			scheduler.Cron(6, 0, ""), l.syncEarnings},
		{"metrics_snapshot", "Metrics Snapshot", "Flush latency samples, capture system stats and prune old rows",
			scheduler.Interval(300), l.snapshotMetrics},
		{"morning_briefing", "Morning Briefing", "Write the pre-market briefing",
			scheduler.Cron(8, 30, "mon-fri"), l.morningBriefing},
		{"daily_summary", "Daily Summary", "Write the end-of-day market summary",
			scheduler.Cron(16, 30, "mon-fri"), l.dailySummary},
		{"weekly_review", "Weekly Review", "Write the weekly portfolio and market review",
			scheduler.Cron(20, 0, "sun"), l.weeklyReview},
		{"reddit_scanner", "Reddit Scanner", "Surface trending social-sentiment tickers",
			scheduler.Interval(3600), l.scanReddit},
		{"download_tracker", "Download Tracker", "Record GitHub clone traffic for tracked repositories",
			scheduler.Cron(9, 0, ""), l.trackDownloads},
		{"portfolio_snapshot", "Portfolio Snapshot", "Value the portfolio at the close and store a snapshot",
			scheduler.Cron(16, 45, "mon-fri"), l.snapshotPortfolio},
		{"db_backup", "Database Backup", "Snapshot the database and ship it to remote storage",
			scheduler.Cron(1, 0, ""), l.runBackup},
	}

	for _, reg := range regs {
		reg := reg
		fn := func(ctx context.Context) error {
			return l.timer.run(ctx, reg.id, reg.name, reg.body)
		}
		if err := sched.Register(reg.id, fn, reg.trigger, reg.name, reg.description); err != nil {
			return fmt.Errorf("failed to register job %s: %w", reg.id, err)
		}
	}

	sched.OnSkip(l.timer.recordSkip)
	return nil
}

// refreshPrices is the hot path: batch quotes, rating price columns,
// realtime fan-out and alert evaluation. The interval setting acts as a
// kill switch when set to zero.
func (l *Library) refreshPrices(ctx context.Context) (result, error) {
	interval, err := l.deps.Settings.GetInt("price_refresh_interval", l.deps.Config.PriceRefreshIntervalSeconds)
	if err != nil {
		return result{}, fmt.Errorf("failed to read refresh interval: %w", err)
	}
	if interval == 0 {
		return result{Summary: "price refresh disabled (interval 0)"}, nil
	}

	tickers, err := l.deps.Watchlist.ActiveTickers(ctx)
	if err != nil {
		return result{}, fmt.Errorf("failed to load active tickers: %w", err)
	}
	if len(tickers) == 0 {
		return result{Summary: "no active tickers"}, nil
	}

	quotes, err := l.deps.Providers.GetQuotes(ctx, tickers)
	if err != nil {
		return result{}, fmt.Errorf("quote fetch failed: %w", err)
	}

	updates := make([]ratings.PriceUpdate, 0, len(quotes))
	broadcast := make(map[string]map[string]interface{}, len(quotes))
	fresh := make([]string, 0, len(quotes))
	for ticker, quote := range quotes {
		if quote == nil {
			continue
		}
		updates = append(updates, ratings.PriceUpdate{
			Ticker:    ticker,
			Price:     quote.Price,
			Change:    quote.Change,
			ChangePct: quote.ChangePct,
		})
		payload := map[string]interface{}{
			"ticker":     ticker,
			"price":      quote.Price,
			"change":     quote.Change,
			"change_pct": quote.ChangePct,
			"volume":     quote.Volume,
		}
		broadcast[ticker] = payload
		fresh = append(fresh, ticker)
	}

	if _, err := l.deps.Ratings.UpdatePrices(ctx, updates); err != nil {
		return result{}, fmt.Errorf("failed to persist prices: %w", err)
	}

	// Fan-out happens only after the rows are written, so clients never
	// render a price the database rejected.
	for _, ticker := range fresh {
		l.deps.Bus.Publish(events.PriceUpdate, broadcast[ticker])
	}
	l.deps.WSHub.BroadcastPrices(broadcast)

	fired, err := l.deps.Alerts.EvaluateAlerts(ctx, fresh)
	if err != nil {
		// Prices are already persisted and broadcast; surface the alert
		// failure without undoing that work.
		return result{}, fmt.Errorf("alert evaluation failed after price update: %w", err)
	}

	return result{
		Summary: fmt.Sprintf("updated %d/%d tickers, %d alerts fired", len(fresh), len(tickers), fired),
	}, nil
}

func (l *Library) monitorTechnicals(ctx context.Context) (result, error) {
	if !l.deps.Calendar.AnyOpen() {
		return result{Summary: "markets closed, scan skipped"}, nil
	}
	tickers, err := l.deps.Watchlist.ActiveTickers(ctx)
	if err != nil {
		return result{}, fmt.Errorf("failed to load active tickers: %w", err)
	}
	if len(tickers) == 0 {
		return result{Summary: "no active tickers"}, nil
	}

	output, run, err := l.runAgent(ctx, "scanner", map[string]interface{}{"tickers": tickers})
	if err != nil {
		return result{AgentName: "scanner"}, err
	}

	signalCount, _ := output["signal_count"].(float64)
	if signalCount > 0 {
		l.deps.Bus.Publish(events.TechnicalAlerts, output)
	}
	return result{
		Summary:   fmt.Sprintf("scanned %d tickers, %d signals", len(tickers), int(signalCount)),
		AgentName: "scanner",
		Cost:      run.EstimatedCost,
	}, nil
}

func (l *Library) checkRegime(ctx context.Context) (result, error) {
	if !l.deps.Calendar.AnyOpen() {
		return result{Summary: "markets closed, regime check skipped"}, nil
	}

	output, run, err := l.runAgent(ctx, "regime", map[string]interface{}{})
	if err != nil {
		return result{AgentName: "regime"}, err
	}

	l.deps.Bus.Publish(events.RegimeUpdate, output)

	regime, _ := output["regime"].(string)
	summary, marshalErr := json.Marshal(map[string]interface{}{"regime": regime})
	if marshalErr != nil {
		summary = []byte(regime)
	}
	return result{
		Summary:   string(summary),
		AgentName: "regime",
		Cost:      run.EstimatedCost,
	}, nil
}

// syncEarnings walks the watchlist against the first provider that
// serves an earnings calendar. Per-ticker failures are logged and the
// sync continues.
func (l *Library) syncEarnings(ctx context.Context) (result, error) {
	var fetcher providers.EarningsFetcher
	for _, p := range l.deps.Providers.All() {
		if f, ok := p.(providers.EarningsFetcher); ok && p.Available() {
			fetcher = f
			break
		}
	}
	if fetcher == nil {
		return result{Summary: "no earnings-capable provider configured"}, nil
	}

	tickers, err := l.deps.Watchlist.ActiveTickers(ctx)
	if err != nil {
		return result{}, fmt.Errorf("failed to load active tickers: %w", err)
	}
	if len(tickers) == 0 {
		return result{Summary: "no active tickers"}, nil
	}

	var all []providers.EarningsEvent
	failed := 0
	for _, ticker := range tickers {
		fetched, err := fetcher.GetEarnings(ctx, ticker)
		if err != nil {
			failed++
			l.log.Warn().Err(err).Str("ticker", ticker).Msg("Earnings fetch failed")
			continue
		}
		all = append(all, fetched...)
	}

	stored, err := l.deps.Earnings.UpsertBatch(ctx, all)
	if err != nil {
		return result{}, fmt.Errorf("failed to store earnings events: %w", err)
	}
	if failed == len(tickers) {
		return result{}, fmt.Errorf("earnings fetch failed for all %d tickers", failed)
	}
	return result{
		Summary: fmt.Sprintf("stored %d earnings events for %d tickers (%d fetch failures)", stored, len(tickers), failed),
	}, nil
}

// snapshotMetrics runs the whole 5-minute housekeeping pass and keeps
// going past individual failures so one broken step cannot starve the
// others.
func (l *Library) snapshotMetrics(ctx context.Context) (result, error) {
	samples := l.deps.Latency.Len()
	var errs []error

	if err := l.deps.Latency.Flush(ctx, l.timer.db); err != nil {
		errs = append(errs, fmt.Errorf("latency flush: %w", err))
	}
	if _, err := l.deps.Collector.Capture(ctx); err != nil {
		errs = append(errs, fmt.Errorf("system capture: %w", err))
	}
	if err := l.deps.Collector.Prune(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics prune: %w", err))
	}
	pruned, err := l.deps.UIState.Prune(ctx, 90*24*time.Hour)
	if err != nil {
		errs = append(errs, fmt.Errorf("ui state prune: %w", err))
	}

	if len(errs) > 0 {
		return result{}, errors.Join(errs...)
	}
	return result{
		Summary: fmt.Sprintf("flushed %d latency samples, pruned %d stale ui-state keys", samples, pruned),
	}, nil
}

func (l *Library) morningBriefing(ctx context.Context) (result, error) {
	return l.briefing(ctx, "morning", events.MorningBriefing, true)
}

func (l *Library) dailySummary(ctx context.Context) (result, error) {
	return l.briefing(ctx, "end-of-day", events.DailySummary, false)
}

func (l *Library) weeklyReview(ctx context.Context) (result, error) {
	return l.briefing(ctx, "weekly", events.WeeklyReview, false)
}

// briefing is the shared body of the three narrative jobs. The morning
// run refreshes the news table first so the writer sees today's feed.
func (l *Library) briefing(ctx context.Context, horizon string, event events.EventType, fetchNews bool) (result, error) {
	tickers, err := l.deps.Watchlist.ActiveTickers(ctx)
	if err != nil {
		return result{}, fmt.Errorf("failed to load active tickers: %w", err)
	}

	if fetchNews && len(tickers) > 0 {
		if stored, err := l.deps.News.FetchAndStore(ctx, tickers); err != nil {
			l.log.Warn().Err(err).Msg("News refresh failed before briefing")
		} else {
			l.log.Debug().Int("stored", stored).Msg("News refreshed before briefing")
		}
	}

	output, run, err := l.runAgent(ctx, "briefing", map[string]interface{}{
		"horizon": horizon,
		"tickers": tickers,
	})
	if err != nil {
		return result{AgentName: "briefing"}, err
	}

	l.deps.Bus.Publish(event, output)

	text, _ := output["text"].(string)
	if l.deps.Briefs != nil && text != "" {
		title := fmt.Sprintf("%s briefing %s", horizon, time.Now().Format("2006-01-02"))
		if _, err := l.deps.Briefs.Create(ctx, "", title, text, nil, nil, "briefing,"+horizon); err != nil {
			l.log.Warn().Err(err).Msg("Failed to store briefing as research brief")
		}
	}
	return result{
		Summary:   text,
		AgentName: "briefing",
		Cost:      run.EstimatedCost,
	}, nil
}

// scanReddit runs the investigator and invalidates the sentiment cache
// for every ticker it surfaced so the next read picks up fresh data.
func (l *Library) scanReddit(ctx context.Context) (result, error) {
	tickers, err := l.deps.Watchlist.ActiveTickers(ctx)
	if err != nil {
		return result{}, fmt.Errorf("failed to load active tickers: %w", err)
	}
	if len(tickers) == 0 {
		return result{Summary: "no active tickers"}, nil
	}

	output, run, err := l.runAgent(ctx, "investigator", map[string]interface{}{"tickers": tickers})
	if err != nil {
		return result{AgentName: "investigator"}, err
	}

	l.deps.Bus.Publish(events.RedditTrending, output)

	mentioned := 0
	if items, ok := output["items"].([]interface{}); ok {
		for _, raw := range items {
			item, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if ticker, ok := item["ticker"].(string); ok && ticker != "" {
				if err := l.deps.Sentiment.InvalidateTicker(ctx, ticker); err != nil {
					l.log.Warn().Err(err).Str("ticker", ticker).Msg("Sentiment invalidation failed")
				}
				mentioned++
			}
		}
	}
	return result{
		Summary:   fmt.Sprintf("investigated %d tickers, %d trending mentions", len(tickers), mentioned),
		AgentName: "investigator",
		Cost:      run.EstimatedCost,
	}, nil
}

func (l *Library) trackDownloads(ctx context.Context) (result, error) {
	if !l.deps.GitHub.Available() {
		return result{Summary: "github token not configured"}, nil
	}
	repoSetting, err := l.deps.Settings.Get("tracked_repos")
	if err != nil {
		return result{}, fmt.Errorf("failed to read tracked repos: %w", err)
	}
	if repoSetting == nil || strings.TrimSpace(*repoSetting) == "" {
		return result{Summary: "no repositories configured"}, nil
	}

	tracked := 0
	var errs []error
	for _, repo := range strings.Split(*repoSetting, ",") {
		repo = strings.TrimSpace(repo)
		if repo == "" {
			continue
		}
		stats, err := l.deps.GitHub.FetchClones(ctx, repo)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", repo, err))
			continue
		}
		if err := l.deps.Downloads.Record(ctx, stats); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", repo, err))
			continue
		}
		tracked++
		l.deps.Bus.Publish(events.DownloadTracker, map[string]interface{}{
			"repo":          stats.Repo,
			"clones":        stats.Clones,
			"unique_clones": stats.UniqueClones,
		})
	}

	if tracked == 0 && len(errs) > 0 {
		return result{}, errors.Join(errs...)
	}
	summary := fmt.Sprintf("recorded clone stats for %d repositories", tracked)
	if len(errs) > 0 {
		summary += fmt.Sprintf(" (%d failed)", len(errs))
	}
	return result{Summary: summary}, nil
}

// snapshotPortfolio values the book at current rating prices, stores
// the snapshot, then asks the portfolio agent for a review. The
// snapshot is the point of the job; a failed review only degrades the
// summary.
func (l *Library) snapshotPortfolio(ctx context.Context) (result, error) {
	positions, err := l.deps.Portfolio.Positions(ctx)
	if err != nil {
		return result{}, fmt.Errorf("failed to load positions: %w", err)
	}
	if len(positions) == 0 {
		return result{Summary: "no positions held"}, nil
	}

	prices := make(map[string]float64, len(positions))
	for _, pos := range positions {
		price, _, ok, err := l.deps.Ratings.CurrentPrice(ctx, pos.Ticker)
		if err != nil {
			return result{}, fmt.Errorf("failed to read price for %s: %w", pos.Ticker, err)
		}
		if ok {
			prices[pos.Ticker] = price
		}
	}

	values, totalValue, totalCost, err := l.deps.Portfolio.Value(ctx, prices)
	if err != nil {
		return result{}, fmt.Errorf("failed to value portfolio: %w", err)
	}
	if err := l.deps.Portfolio.RecordSnapshot(ctx, values, totalValue, totalCost); err != nil {
		return result{}, fmt.Errorf("failed to record snapshot: %w", err)
	}

	summary := fmt.Sprintf("snapshot stored: %d positions, value %.2f, cost %.2f", len(values), totalValue, totalCost)

	positionsJSON, err := json.Marshal(values)
	if err != nil {
		return result{Summary: summary}, nil
	}
	_, run, err := l.runAgent(ctx, "portfolio", map[string]interface{}{
		"positions": string(positionsJSON),
	})
	if err != nil {
		l.log.Warn().Err(err).Msg("Portfolio review failed, snapshot kept")
		return result{Summary: summary + "; review skipped"}, nil
	}
	return result{
		Summary:   summary,
		AgentName: "portfolio",
		Cost:      run.EstimatedCost,
	}, nil
}

func (l *Library) runBackup(ctx context.Context) (result, error) {
	path, err := l.deps.Backup.Run(ctx)
	if err != nil {
		return result{}, err
	}
	summary := fmt.Sprintf("backup written to %s", path)
	if l.deps.Backup.Enabled() {
		summary += " and uploaded"
	}
	return result{Summary: summary}, nil
}

// runAgent executes a registry agent and decodes its stored output.
func (l *Library) runAgent(ctx context.Context, name string, inputs map[string]interface{}) (map[string]interface{}, *agents.Run, error) {
	run, _, err := l.deps.Agents.Run(ctx, name, inputs)
	if err != nil {
		return nil, run, fmt.Errorf("agent %s failed: %w", name, err)
	}
	output := map[string]interface{}{}
	if run.OutputData != nil {
		if err := json.Unmarshal([]byte(*run.OutputData), &output); err != nil {
			return nil, run, fmt.Errorf("agent %s produced malformed output: %w", name, err)
		}
	}
	return output, run, nil
}
