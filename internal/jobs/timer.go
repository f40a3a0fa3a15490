// Package jobs implements the scheduled job library: price refresh,
// technical and regime monitoring, earnings sync, briefings, metrics
// snapshots and housekeeping. Every job runs under the shared timer
// that persists job_history, emits the job_completed event and records
// performance metric points.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/events"
)

// maxSummaryLen caps persisted result summaries.
const maxSummaryLen = 5000

// result is what a job body reports on success.
type result struct {
	Summary   string
	AgentName string
	Cost      float64
}

// jobTimer wraps job bodies with history persistence, the
// job_completed event and the three metric points per run.
type jobTimer struct {
	db  *sql.DB
	bus *events.Bus
	log zerolog.Logger
}

func newJobTimer(db *sql.DB, bus *events.Bus, log zerolog.Logger) *jobTimer {
	return &jobTimer{
		db:  db,
		bus: bus,
		log: log.With().Str("component", "job_timer").Logger(),
	}
}

// run executes the body and records the outcome. A panic inside the
// body flips the status to error with the panic message as summary.
func (t *jobTimer) run(ctx context.Context, jobID, jobName string, body func(ctx context.Context) (result, error)) error {
	start := time.Now()

	var res result
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		res, err = body(ctx)
	}()

	elapsed := time.Since(start)
	status := "success"
	summary := res.Summary
	if err != nil {
		status = "error"
		summary = err.Error()
	}
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen]
	}

	t.record(ctx, jobID, jobName, status, summary, res.AgentName, res.Cost, elapsed)
	return err
}

// recordSkip writes a skipped history row for an overlapping tick.
func (t *jobTimer) recordSkip(jobID, jobName string) {
	t.record(context.Background(), jobID, jobName, "skipped", "previous run still in flight", "", 0, 0)
}

func (t *jobTimer) record(ctx context.Context, jobID, jobName, status, summary, agentName string, cost float64, elapsed time.Duration) {
	var agent interface{}
	if agentName != "" {
		agent = agentName
	}
	if _, err := t.db.ExecContext(ctx, `
		INSERT INTO job_history (job_id, job_name, status, result_summary, agent_name, duration_ms, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, jobID, jobName, status, summary, agent, elapsed.Milliseconds(), cost); err != nil {
		t.log.Error().Err(err).Str("job", jobID).Msg("Failed to persist job history")
	}

	t.bus.Publish(events.JobCompleted, map[string]interface{}{
		"job_id":      jobID,
		"job_name":    jobName,
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
		"summary":     summary,
	})

	success := 1.0
	if status != "success" {
		success = 0.0
	}
	points := []struct {
		metric string
		value  float64
	}{
		{"duration_ms", float64(elapsed.Milliseconds())},
		{"cost_usd", cost},
		{"success", success},
	}
	for _, p := range points {
		if _, err := t.db.ExecContext(ctx,
			"INSERT INTO performance_metrics (job_id, metric, value) VALUES (?, ?, ?)",
			jobID, p.metric, p.value); err != nil {
			t.log.Error().Err(err).Str("job", jobID).Str("metric", p.metric).Msg("Failed to record metric point")
		}
	}
}

// History returns recent job_history rows, optionally for one job.
func (t *jobTimer) History(ctx context.Context, jobID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `
		SELECT id, job_id, job_name, status, COALESCE(result_summary, ''),
			agent_name, duration_ms, cost, executed_at
		FROM job_history`
	args := []interface{}{}
	if jobID != "" {
		query += " WHERE job_id = ?"
		args = append(args, jobID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.JobName, &e.Status, &e.Summary,
			&e.AgentName, &e.DurationMs, &e.Cost, &e.ExecutedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HistoryEntry is one job_history row.
type HistoryEntry struct {
	ID         int64   `json:"id"`
	JobID      string  `json:"job_id"`
	JobName    string  `json:"job_name"`
	Status     string  `json:"status"`
	Summary    string  `json:"result_summary"`
	AgentName  *string `json:"agent_name,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	Cost       float64 `json:"cost"`
	ExecutedAt string  `json:"executed_at"`
}
