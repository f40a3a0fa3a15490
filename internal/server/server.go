// Package server exposes the REST, SSE and WebSocket surface. Routes
// are grouped into per-domain registration methods on the one Server
// value; every handler speaks the shared error envelope.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/agents"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/alerts"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/briefs"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/compare"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/config"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/downloads"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/earnings"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/errorlog"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/jobs"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/llm"
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

// Deps is everything the HTTP layer talks to.
type Deps struct {
	Config    *config.Config
	DB        *sql.DB
	Settings  *settings.Repository
	Watchlist *watchlist.Repository
	Ratings   *ratings.Repository
	Alerts    *alerts.Repository
	AlertEng  *alerts.Engine
	Briefs    *briefs.Repository
	Sentiment *sentiment.Aggregator
	Earnings  *earnings.Repository
	Portfolio *portfolio.Repository
	GitHub    *downloads.Client
	Downloads *downloads.Repository
	UIState   *uistate.Repository
	ErrorLog  *errorlog.Repository
	Providers *providers.Registry
	LLM       map[string]llm.Provider
	Compare   *compare.Executor
	Agents    *agents.Registry
	AgentRuns *agents.RunsRepository
	Scheduler *scheduler.Scheduler
	Jobs      *jobs.Library
	Latency   *metrics.LatencyBuffer
	Collector *metrics.Collector
	Metrics   *metrics.Queries
	SSE       *realtime.SSEHub
	WS        *realtime.WSHub
}

// Server is the HTTP front end.
type Server struct {
	deps      Deps
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	started   time.Time
	errLimits *ipLimiters
}

// New builds the server and its full route tree.
func New(port int, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		deps:      deps,
		router:    chi.NewRouter(),
		log:       log.With().Str("component", "server").Logger(),
		started:   time.Now(),
		errLimits: newIPLimiters(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE and WS hold connections open
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		s.registerMarketRoutes(r)
		s.registerAlertRoutes(r)
		s.registerBriefRoutes(r)
		s.registerAIRoutes(r)
		s.registerOpsRoutes(r)

		r.Handle("/stream", s.deps.SSE)
		r.Handle("/ws/prices", s.deps.WS)
	})
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// recoverMiddleware turns a handler panic into a logged, persisted
// INTERNAL_ERROR response instead of a dropped connection.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				requestID := middleware.GetReqID(r.Context())
				stack := string(debug.Stack())
				s.log.Error().
					Interface("panic", rec).
					Str("request_id", requestID).
					Str("path", r.URL.Path).
					Str("stack", stack).
					Msg("Handler panic")
				if s.deps.ErrorLog != nil {
					msg := fmt.Sprintf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
					if _, err := s.deps.ErrorLog.Record(r.Context(), "backend", msg, &stack, &requestID, nil); err != nil {
						s.log.Error().Err(err).Msg("Failed to persist panic")
					}
				}
				s.writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each completed request and feeds the latency
// buffer that backs the api_request_log aggregates. Streaming
// endpoints are excluded from latency sampling; their lifetime is the
// connection, not a request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("X-Request-ID", middleware.GetReqID(r.Context()))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")

		if s.deps.Latency != nil && r.URL.Path != "/api/stream" && r.URL.Path != "/api/ws/prices" {
			s.deps.Latency.Observe(routePattern(r), r.Method, ww.Status(), elapsed)
		}
	})
}

// routePattern returns the chi route template so /api/alerts/17 and
// /api/alerts/23 aggregate under one endpoint key.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
