package server

import (
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/scheduler"
)

// errorIngestLimit is 10 reports per minute per IP.
var errorIngestLimit = rate.Every(6 * time.Second)

const errorIngestBurst = 10

// ipLimiters hands out one token bucket per client IP.
type ipLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newIPLimiters() *ipLimiters {
	return &ipLimiters{limiters: make(map[string]*rate.Limiter)}
}

func (l *ipLimiters) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(errorIngestLimit, errorIngestBurst)
		l.limiters[ip] = limiter
	}
	return limiter.Allow()
}

func (s *Server) registerOpsRoutes(r chi.Router) {
	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/jobs", s.handleSchedulerJobs)
		r.Get("/history", s.handleSchedulerHistory)
		r.Get("/known-agents", s.handleKnownAgents)
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Post("/pause", s.handleJobPause)
			r.Post("/resume", s.handleJobResume)
			r.Post("/trigger", s.handleJobTrigger)
			r.Put("/schedule", s.handleJobReschedule)
			r.Get("/history", s.handleSchedulerHistory)
		})
		r.Route("/agent-schedules", func(r chi.Router) {
			r.Get("/", s.handleAgentScheduleList)
			r.Post("/", s.handleAgentScheduleCreate)
			r.Put("/{id}", s.handleAgentScheduleUpdate)
			r.Delete("/{id}", s.handleAgentScheduleDelete)
		})
	})

	r.Route("/metrics", func(r chi.Router) {
		r.Get("/summary", s.handleMetricsSummary)
		r.Get("/system", s.handleMetricsSystem)
		r.Get("/endpoints", s.handleMetricsEndpoints)
		r.Get("/daily", s.handleMetricsDaily)
		r.Get("/jobs", s.handleMetricsJobs)
		r.Get("/agents", s.handleMetricsAgents)
	})

	r.Route("/health", func(r chi.Router) {
		r.Get("/", s.handleHealth)
		r.Get("/ready", s.handleHealthReady)
		r.Get("/live", s.handleHealthLive)
		r.Get("/status", s.handleHealthStatus)
	})

	r.Route("/errors", func(r chi.Router) {
		r.Get("/", s.handleErrorsRecent)
		r.Post("/", s.handleErrorIngest)
		r.Get("/stats", s.handleErrorStats)
	})

	r.Route("/app-state", func(r chi.Router) {
		r.Get("/", s.handleAppStateAll)
		r.Get("/{key}", s.handleAppStateGet)
		r.Put("/{key}", s.handleAppStateSet)
		r.Delete("/{key}", s.handleAppStateDelete)
	})
	r.Get("/state", s.handleAppStateAll)

	r.Get("/activity", s.handleActivity)

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", s.handleDownloads)
		r.Post("/sync", s.handleDownloadsSync)
	})

	r.Route("/portfolio", func(r chi.Router) {
		r.Get("/", s.handlePortfolio)
		r.Post("/", s.handlePortfolioUpsert)
		r.Delete("/{ticker}", s.handlePortfolioDelete)
		r.Get("/snapshots", s.handlePortfolioSnapshots)
	})

	r.Get("/providers", s.handleDataProviders)
	r.Put("/providers/primary", s.handleDataProviderPrimary)
	r.Post("/providers/{id}/test", s.handleDataProviderTest)
}

func (s *Server) handleSchedulerJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.deps.Scheduler.GetAllJobs()})
}

func (s *Server) handleSchedulerHistory(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	limit := queryInt(r, "limit", 50)
	history, err := s.deps.Jobs.History(r.Context(), jobID, limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load job history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

func (s *Server) handleKnownAgents(w http.ResponseWriter, r *http.Request) {
	names := s.deps.Agents.Names()
	sort.Strings(names)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"agents": names})
}

func (s *Server) schedulerJobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := chi.URLParam(r, "jobID")
	if s.deps.Scheduler.GetJob(jobID) == nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "unknown job "+jobID)
		return "", false
	}
	return jobID, true
}

func (s *Server) handleJobPause(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.schedulerJobID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Scheduler.Pause(r.Context(), jobID); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, "failed to pause job")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Scheduler.GetJob(jobID))
}

func (s *Server) handleJobResume(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.schedulerJobID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Scheduler.Resume(r.Context(), jobID); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, "failed to resume job")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Scheduler.GetJob(jobID))
}

func (s *Server) handleJobTrigger(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.schedulerJobID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Scheduler.Trigger(jobID); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, "failed to trigger job")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"triggered": true})
}

// handleJobReschedule accepts either a full trigger spec or a bare
// interval. seconds = 0 pauses the job.
func (s *Server) handleJobReschedule(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.schedulerJobID(w, r)
	if !ok {
		return
	}
	var req struct {
		Seconds *int64                 `json:"seconds"`
		Trigger *scheduler.TriggerSpec `json:"trigger"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}

	var err error
	switch {
	case req.Seconds != nil:
		err = s.deps.Scheduler.Reschedule(r.Context(), jobID, *req.Seconds)
	case req.Trigger != nil:
		err = s.deps.Scheduler.UpdateSchedule(r.Context(), jobID, *req.Trigger)
	default:
		s.writeError(w, r, http.StatusBadRequest, CodeMissingField, "seconds or trigger is required")
		return
	}
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidTrigger) {
			s.writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, "failed to update schedule")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Scheduler.GetJob(jobID))
}

func (s *Server) handleAgentScheduleList(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Scheduler.ListAgentSchedules(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to list schedules")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

func (s *Server) handleAgentScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID   string                `json:"job_id"`
		Name    string                `json:"name"`
		Trigger scheduler.TriggerSpec `json:"trigger"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	created, err := s.deps.Scheduler.CreateAgentSchedule(r.Context(), req.JobID, req.Name, req.Trigger)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrUnknownJob):
			s.writeError(w, r, http.StatusNotFound, CodeNotFound, err.Error())
		case errors.Is(err, scheduler.ErrInvalidTrigger):
			s.writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		default:
			s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to create schedule")
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleAgentScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	var req struct {
		Trigger *scheduler.TriggerSpec `json:"trigger"`
		Enabled *bool                  `json:"enabled"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	updated, err := s.deps.Scheduler.UpdateAgentSchedule(r.Context(), id, req.Trigger, req.Enabled)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidTrigger) {
			s.writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
			return
		}
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "agent schedule not found")
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAgentScheduleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Scheduler.DeleteAgentSchedule(r.Context(), id); err != nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "agent schedule not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Metrics.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to build summary")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMetricsSystem(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.deps.Collector.LatestSnapshot(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to read snapshot")
		return
	}
	if snapshot == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"snapshot": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"snapshot": snapshot})
}

func (s *Server) handleMetricsEndpoints(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Metrics.Endpoints(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load endpoint stats")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"endpoints": stats})
}

func (s *Server) handleMetricsDaily(w http.ResponseWriter, r *http.Request) {
	series, err := s.deps.Metrics.DailySeries(r.Context(), queryInt(r, "days", 14))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load daily series")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"series": series})
}

func (s *Server) handleMetricsJobs(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Metrics.Jobs(r.Context(), queryInt(r, "days", 7))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load job stats")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": stats})
}

func (s *Server) handleMetricsAgents(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.AgentRuns.Costs(r.Context(), queryInt(r, "window", 7))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load agent costs")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.DB.PingContext(r.Context()) == nil
	status := "healthy"
	if !dbOK {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"service":        "tickerpulse",
		"database":       dbOK,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"jobs":           len(s.deps.Scheduler.KnownJobIDs()),
		"sse_clients":    s.deps.SSE.ClientCount(),
		"ws_clients":     s.deps.WS.ClientCount(),
	})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.DB.PingContext(r.Context()); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, "database not ready")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"alive": true})
}

// handleHealthStatus is the cheap polling endpoint: no DB round trip.
func (s *Server) handleHealthStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleErrorsRecent(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.ErrorLog.Recent(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load errors")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"errors": entries})
}

func (s *Server) handleErrorIngest(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !s.errLimits.allow(ip) {
		s.writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, "error ingestion rate limit exceeded")
		return
	}

	var req struct {
		Source   string  `json:"source"`
		Message  string  `json:"message"`
		Stack    *string `json:"stack"`
		Metadata *string `json:"metadata"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, r, http.StatusBadRequest, CodeMissingField, "message is required",
			FieldError{Field: "message", Message: "required"})
		return
	}
	requestID := middleware.GetReqID(r.Context())
	id, err := s.deps.ErrorLog.Record(r.Context(), req.Source, req.Message, req.Stack, &requestID, req.Metadata)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to record error")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

func (s *Server) handleErrorStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.ErrorLog.GetStats(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load error stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAppStateAll(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.UIState.GetAll(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load state")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"state": state})
}

func (s *Server) handleAppStateGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := s.deps.UIState.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to read state")
		return
	}
	if value == nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "state key not set")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": *value})
}

func (s *Server) handleAppStateSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req struct {
		Value string `json:"value"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if err := s.deps.UIState.Set(r.Context(), key, req.Value); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to store state")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"stored": true})
}

func (s *Server) handleAppStateDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.deps.UIState.Delete(r.Context(), key); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to delete state")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// activityItem is one row of the unified timeline.
type activityItem struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Detail    interface{} `json:"detail"`
}

// handleActivity merges agent runs, job history and errors into one
// reverse-chronological feed with the daily cost rollup alongside.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	ctx := r.Context()

	items := []activityItem{}

	runs, err := s.deps.AgentRuns.Recent(ctx, "", limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load agent runs")
		return
	}
	for i := range runs {
		items = append(items, activityItem{
			Type:      "agent_run",
			Timestamp: parseDBTime(runs[i].StartedAt),
			Detail:    &runs[i],
		})
	}

	history, err := s.deps.Jobs.History(ctx, "", limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load job history")
		return
	}
	for i := range history {
		items = append(items, activityItem{
			Type:      "job",
			Timestamp: parseDBTime(history[i].ExecutedAt),
			Detail:    &history[i],
		})
	}

	logged, err := s.deps.ErrorLog.Recent(ctx, limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load errors")
		return
	}
	for i := range logged {
		items = append(items, activityItem{
			Type:      "error",
			Timestamp: parseDBTime(logged[i].CreatedAt),
			Detail:    &logged[i],
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp.After(items[j].Timestamp) })
	if len(items) > limit {
		items = items[:limit]
	}

	costs, err := s.deps.AgentRuns.Costs(ctx, 7)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load cost rollup")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":       items,
		"daily_costs": costs.ByDay,
	})
}

// parseDBTime accepts both sqlite datetime and RFC 3339 stamps.
func parseDBTime(raw string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Downloads.Latest(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load download stats")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"repos": stats})
}

func (s *Server) handleDownloadsSync(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Trigger("download_tracker"); err != nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "download tracker job not registered")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"triggered": true})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	positions, err := s.deps.Portfolio.Positions(ctx)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load positions")
		return
	}
	prices := make(map[string]float64, len(positions))
	for _, pos := range positions {
		price, _, ok, err := s.deps.Ratings.CurrentPrice(ctx, pos.Ticker)
		if err == nil && ok {
			prices[pos.Ticker] = price
		}
	}
	values, totalValue, totalCost, err := s.deps.Portfolio.Value(ctx, prices)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to value portfolio")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions":   values,
		"total_value": totalValue,
		"total_cost":  totalCost,
	})
}

func (s *Server) handlePortfolioUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticker    string  `json:"ticker"`
		Shares    float64 `json:"shares"`
		CostBasis float64 `json:"cost_basis"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Ticker) == "" {
		s.writeError(w, r, http.StatusBadRequest, CodeMissingField, "ticker is required",
			FieldError{Field: "ticker", Message: "required"})
		return
	}
	if err := s.deps.Portfolio.Upsert(r.Context(), req.Ticker, req.Shares, req.CostBasis); err != nil {
		s.writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"stored": true})
}

func (s *Server) handlePortfolioDelete(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	if err := s.deps.Portfolio.Delete(r.Context(), ticker); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to delete position")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (s *Server) handlePortfolioSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.deps.Portfolio.Snapshots(r.Context(), queryInt(r, "limit", 30))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load snapshots")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snapshots})
}

func (s *Server) handleDataProviders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": s.deps.Providers.Infos(),
		"primary":   s.deps.Providers.Primary(),
	})
}

func (s *Server) handleDataProviderPrimary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if s.deps.Providers.Get(req.ID) == nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "unknown provider "+req.ID)
		return
	}
	s.deps.Providers.SetPrimary(req.ID)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"primary": req.ID})
}

// handleDataProviderTest exercises one provider with a well-known
// ticker to confirm connectivity and key validity.
func (s *Server) handleDataProviderTest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	provider := s.deps.Providers.Get(id)
	if provider == nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "unknown provider "+id)
		return
	}
	if !provider.Available() {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"provider": id,
			"ok":       false,
			"error":    "provider not configured",
		})
		return
	}
	quote, err := provider.GetQuote(r.Context(), "AAPL")
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"provider": id,
			"ok":       false,
			"error":    err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": id,
		"ok":       true,
		"ticker":   quote.Ticker,
		"price":    quote.Price,
	})
}
