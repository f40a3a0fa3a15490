package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/agents"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/alerts"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/backup"
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
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/server"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/settings"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/uistate"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/watchlist"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := newLogger(cfg)
	log.Info().Msg("Starting TickerPulse")

	db, err := database.Open(database.Config{
		Path:          cfg.DBPath,
		PoolSize:      cfg.DBPoolSize,
		PoolTimeout:   cfg.DBPoolTimeout,
		BusyTimeoutMS: cfg.DBBusyTimeoutMS,
		CacheSizeKB:   cfg.DBCacheSizeKB,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := database.InitSchemaOn(db.Conn()); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise schema")
	}

	bus := events.NewBus()
	conn := db.Conn()

	settingsRepo := settings.NewRepository(conn, log)
	watchRepo := watchlist.NewRepository(conn, log)
	ratingsRepo := ratings.NewRepository(conn, log)
	alertsRepo := alerts.NewRepository(conn, log)
	alertEng := alerts.NewEngine(alertsRepo, ratingsRepo, settingsRepo, bus, log)
	earningsRepo := earnings.NewRepository(conn, log)
	briefsRepo := briefs.NewRepository(conn, log)
	portfolioRepo := portfolio.NewRepository(conn, log)
	uiStateRepo := uistate.NewRepository(conn, log)
	errorRepo := errorlog.NewRepository(conn, log)

	tracker := providers.NewRateLimitTracker(conn, bus, log)
	registry := providers.NewRegistry([]providers.Provider{
		providers.NewYahooProvider(log),
		providers.NewFinnhubProvider(cfg.FinnhubAPIKey, log),
		providers.NewAlphaVantageProvider(cfg.AlphaVantageKey, log),
		providers.NewPolygonProvider(cfg.PolygonAPIKey, log),
	}, tracker, log)
	registry.SetWorkers(cfg.PriceRefreshWorkers)
	registry.OnFallback(func(from, to string, reason providers.FallbackReason) {
		bus.Publish(events.ProviderFallback, map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": string(reason),
		})
	})

	llmProviders := buildLLMProviders(cfg, log)

	runsRepo := agents.NewRunsRepository(conn, log)
	agentReg := agents.NewRegistry(runsRepo, log)
	agentReg.Register(agents.NewScanner(registry, log))
	if analysis := pickAnalysisProvider(llmProviders); analysis != nil {
		agentReg.Register(agents.NewInvestigator(analysis, log))
		agentReg.Register(agents.NewRegimeDetector(analysis, log))
		agentReg.Register(agents.NewBriefingWriter(analysis, log))
		agentReg.Register(agents.NewPortfolioReviewer(analysis, log))
		log.Info().Str("provider", analysis.Name()).Msg("LLM agents registered")
	} else {
		log.Warn().Msg("No LLM API key configured, only the technical scanner is available")
	}

	stocktwits := sentiment.NewStockTwitsClient(log)
	aggregator := sentiment.NewAggregator(conn, stocktwits, log)
	newsFetcher := sentiment.NewNewsFetcher(conn, bus, log)

	calendar, err := market.NewCalendar()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load market calendar")
	}

	latency := metrics.NewLatencyBuffer(log)
	collector := metrics.NewCollector(conn, log)

	sse := realtime.NewSSEHub(bus, snapshotFunc(alertsRepo, runsRepo, log), log)
	ws := realtime.NewWSHub(cfg.WSMaxSubscriptionsPerClient, log)
	ws.OnRefresh(refreshFunc(registry, log))

	githubClient := downloads.NewClient(cfg.GitHubToken, log)
	downloadsRepo := downloads.NewRepository(conn, log)
	backupSvc := backup.NewService(conn, "backups", cfg, log)

	loc, err := time.LoadLocation(cfg.MarketTimezone)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.MarketTimezone).Msg("Invalid market timezone")
	}
	sched := scheduler.New(conn, loc, log)

	library := jobs.NewLibrary(jobs.Deps{
		Config:    cfg,
		Bus:       bus,
		Settings:  settingsRepo,
		Watchlist: watchRepo,
		Ratings:   ratingsRepo,
		Providers: registry,
		Alerts:    alertEng,
		Agents:    agentReg,
		Earnings:  earningsRepo,
		Briefs:    briefsRepo,
		News:      newsFetcher,
		Sentiment: aggregator,
		WSHub:     ws,
		Calendar:  calendar,
		Latency:   latency,
		Collector: collector,
		UIState:   uiStateRepo,
		GitHub:    githubClient,
		Downloads: downloadsRepo,
		Portfolio: portfolioRepo,
		Backup:    backupSvc,
	}, conn, log)
	if err := library.RegisterAll(sched); err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.StartAll(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}
	defer sched.Stop()

	srv := server.New(cfg.Port, server.Deps{
		Config:    cfg,
		DB:        conn,
		Settings:  settingsRepo,
		Watchlist: watchRepo,
		Ratings:   ratingsRepo,
		Alerts:    alertsRepo,
		AlertEng:  alertEng,
		Briefs:    briefsRepo,
		Sentiment: aggregator,
		Earnings:  earningsRepo,
		Portfolio: portfolioRepo,
		GitHub:    githubClient,
		Downloads: downloadsRepo,
		UIState:   uiStateRepo,
		ErrorLog:  errorRepo,
		Providers: registry,
		LLM:       llmProviders,
		Compare:   compare.NewExecutor(conn, log),
		Agents:    agentReg,
		AgentRuns: runsRepo,
		Scheduler: sched,
		Jobs:      library,
		Latency:   latency,
		Collector: collector,
		Metrics:   metrics.NewQueries(conn),
		SSE:       sse,
		WS:        ws,
	}, log)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
			stop()
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("TickerPulse started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shut down")
	}

	// Flush buffered latency samples so the last window is not lost.
	if err := latency.Flush(shutdownCtx, conn); err != nil {
		log.Warn().Err(err).Msg("Failed to flush latency buffer")
	}

	log.Info().Msg("Stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = os.Stdout
	if cfg.LogFormatJSON {
		return zerolog.New(out).Level(level).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// buildLLMProviders constructs one provider per configured API key.
func buildLLMProviders(cfg *config.Config, log zerolog.Logger) map[string]llm.Provider {
	keys := map[string]string{
		llm.ProviderAnthropic: cfg.AnthropicAPIKey,
		llm.ProviderOpenAI:    cfg.OpenAIAPIKey,
		llm.ProviderGemini:    cfg.GoogleAIKey,
		llm.ProviderGrok:      cfg.XAIAPIKey,
	}
	out := make(map[string]llm.Provider)
	for name, key := range keys {
		if key == "" {
			continue
		}
		provider, err := llm.NewProvider(name, key, "")
		if err != nil {
			log.Warn().Err(err).Str("provider", name).Msg("Skipping LLM provider")
			continue
		}
		out[name] = provider
		log.Info().Str("provider", name).Str("model", provider.Model()).Msg("LLM provider configured")
	}
	return out
}

// pickAnalysisProvider chooses the vendor backing the LLM agents.
func pickAnalysisProvider(configured map[string]llm.Provider) llm.Provider {
	for _, name := range []string{llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderGemini, llm.ProviderGrok} {
		if p, ok := configured[name]; ok {
			return p
		}
	}
	return nil
}

// refreshFunc serves client-requested price pushes over WebSocket.
func refreshFunc(registry *providers.Registry, log zerolog.Logger) realtime.RefreshFunc {
	return func(ctx context.Context, tickers []string) map[string]map[string]interface{} {
		quotes, err := registry.GetQuotes(ctx, tickers)
		if err != nil {
			log.Debug().Err(err).Msg("WebSocket refresh fetch incomplete")
		}
		out := make(map[string]map[string]interface{}, len(quotes))
		for ticker, quote := range quotes {
			if quote == nil {
				continue
			}
			out[ticker] = map[string]interface{}{
				"ticker":     ticker,
				"price":      quote.Price,
				"change":     quote.Change,
				"change_pct": quote.ChangePct,
				"volume":     quote.Volume,
			}
		}
		return out
	}
}

// snapshotFunc builds the initial state frame for new SSE clients:
// active alerts plus the most recent regime and technical scan results.
func snapshotFunc(alertsRepo *alerts.Repository, runs *agents.RunsRepository, log zerolog.Logger) realtime.SnapshotFunc {
	lastOutput := func(agent string) map[string]interface{} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		run, err := runs.LatestCompleted(ctx, agent)
		if err != nil || run == nil || run.OutputData == nil {
			return nil
		}
		var output map[string]interface{}
		if err := json.Unmarshal([]byte(*run.OutputData), &output); err != nil {
			return nil
		}
		return output
	}

	return func() map[string]interface{} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		active, err := alertsRepo.Active(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load active alerts for snapshot")
		}
		return map[string]interface{}{
			"active_alerts":         active,
			"last_regime":           lastOutput("regime"),
			"last_technical_signal": lastOutput("scanner"),
		}
	}
}
