package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EndpointStats is the aggregated view of one endpoint for today.
type EndpointStats struct {
	Endpoint    string  `json:"endpoint"`
	Method      string  `json:"method"`
	StatusClass string  `json:"status_class"`
	CallCount   int     `json:"call_count"`
	P95Ms       float64 `json:"p95_ms"`
	AvgMs       float64 `json:"avg_ms"`
}

// DailyPoint is one day of request volume.
type DailyPoint struct {
	Day       string  `json:"day"`
	CallCount int     `json:"call_count"`
	AvgMs     float64 `json:"avg_ms"`
	ErrorPct  float64 `json:"error_pct"`
}

// JobStats summarises job_history per job.
type JobStats struct {
	JobID      string  `json:"job_id"`
	Runs       int     `json:"runs"`
	Errors     int     `json:"errors"`
	AvgMs      float64 `json:"avg_ms"`
	SuccessPct float64 `json:"success_pct"`
	LastStatus string  `json:"last_status"`
}

// Summary is the headline metrics payload.
type Summary struct {
	CallsToday    int     `json:"calls_today"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	ErrorPctToday float64 `json:"error_pct_today"`
	JobRuns24h    int     `json:"job_runs_24h"`
	JobErrors24h  int     `json:"job_errors_24h"`
}

// Queries reads the aggregated metrics tables.
type Queries struct {
	db *sql.DB
}

// NewQueries creates the reader.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// Summary builds the headline payload for today.
func (q *Queries) Summary(ctx context.Context) (*Summary, error) {
	today := time.Now().UTC().Format("2006-01-02")
	summary := &Summary{}

	err := q.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(call_count), 0),
			COALESCE(SUM(avg_ms * call_count) / NULLIF(SUM(call_count), 0), 0),
			COALESCE(CAST(SUM(CASE WHEN status_class IN ('4xx','5xx') THEN call_count ELSE 0 END) AS REAL)
				* 100 / NULLIF(SUM(call_count), 0), 0)
		FROM api_request_log WHERE log_date = ?
	`, today).Scan(&summary.CallsToday, &summary.AvgLatencyMs, &summary.ErrorPctToday)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise request log: %w", err)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format("2006-01-02 15:04:05")
	err = q.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0)
		FROM job_history WHERE executed_at >= ?
	`, cutoff).Scan(&summary.JobRuns24h, &summary.JobErrors24h)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise job history: %w", err)
	}
	return summary, nil
}

// Endpoints returns today's per-endpoint rows ordered by volume.
func (q *Queries) Endpoints(ctx context.Context) ([]EndpointStats, error) {
	today := time.Now().UTC().Format("2006-01-02")
	rows, err := q.db.QueryContext(ctx, `
		SELECT endpoint, method, status_class, call_count, p95_ms, avg_ms
		FROM api_request_log WHERE log_date = ?
		ORDER BY call_count DESC
	`, today)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoint stats: %w", err)
	}
	defer rows.Close()

	var out []EndpointStats
	for rows.Next() {
		var e EndpointStats
		if err := rows.Scan(&e.Endpoint, &e.Method, &e.StatusClass, &e.CallCount, &e.P95Ms, &e.AvgMs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DailySeries returns request volume per day over the window.
func (q *Queries) DailySeries(ctx context.Context, days int) ([]DailyPoint, error) {
	if days <= 0 || days > 90 {
		days = 14
	}
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := q.db.QueryContext(ctx, `
		SELECT log_date, SUM(call_count),
			COALESCE(SUM(avg_ms * call_count) / NULLIF(SUM(call_count), 0), 0),
			COALESCE(CAST(SUM(CASE WHEN status_class IN ('4xx','5xx') THEN call_count ELSE 0 END) AS REAL)
				* 100 / NULLIF(SUM(call_count), 0), 0)
		FROM api_request_log WHERE log_date >= ?
		GROUP BY log_date ORDER BY log_date
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily series: %w", err)
	}
	defer rows.Close()

	var out []DailyPoint
	for rows.Next() {
		var p DailyPoint
		if err := rows.Scan(&p.Day, &p.CallCount, &p.AvgMs, &p.ErrorPct); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Jobs aggregates job_history per job over the window.
func (q *Queries) Jobs(ctx context.Context, days int) ([]JobStats, error) {
	if days <= 0 || days > 90 {
		days = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02 15:04:05")
	rows, err := q.db.QueryContext(ctx, `
		SELECT job_id, COUNT(*),
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
			AVG(duration_ms),
			(SELECT status FROM job_history h2
				WHERE h2.job_id = job_history.job_id ORDER BY h2.id DESC LIMIT 1)
		FROM job_history
		WHERE executed_at >= ?
		GROUP BY job_id ORDER BY job_id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query job stats: %w", err)
	}
	defer rows.Close()

	var out []JobStats
	for rows.Next() {
		var j JobStats
		if err := rows.Scan(&j.JobID, &j.Runs, &j.Errors, &j.AvgMs, &j.LastStatus); err != nil {
			return nil, err
		}
		if j.Runs > 0 {
			j.SuccessPct = float64(j.Runs-j.Errors) / float64(j.Runs) * 100
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
