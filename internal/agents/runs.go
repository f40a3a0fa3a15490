package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Run is one agent_runs row.
type Run struct {
	ID            int64   `json:"id"`
	AgentName     string  `json:"agent_name"`
	Framework     string  `json:"framework"`
	Status        string  `json:"status"`
	InputData     *string `json:"input_data"`
	OutputData    *string `json:"output_data"`
	TokensInput   int     `json:"tokens_input"`
	TokensOutput  int     `json:"tokens_output"`
	EstimatedCost float64 `json:"estimated_cost"`
	DurationMs    int64   `json:"duration_ms"`
	Error         *string `json:"error"`
	StartedAt     string  `json:"started_at"`
	CompletedAt   *string `json:"completed_at"`
}

// RunsRepository handles agent_runs table operations.
type RunsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRunsRepository creates the repository.
func NewRunsRepository(db *sql.DB, log zerolog.Logger) *RunsRepository {
	return &RunsRepository{
		db:  db,
		log: log.With().Str("repository", "agent_runs").Logger(),
	}
}

// Start inserts a running row and returns its id.
func (r *RunsRepository) Start(ctx context.Context, agentName string, inputs map[string]interface{}) (int64, error) {
	inputJSON, _ := json.Marshal(inputs)
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_runs (agent_name, status, input_data, started_at)
		VALUES (?, ?, ?, ?)
	`, agentName, StatusRunning, string(inputJSON), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to start agent run: %w", err)
	}
	return res.LastInsertId()
}

// Complete finalises a successful run.
func (r *RunsRepository) Complete(ctx context.Context, runID int64, output map[string]interface{}, tokensInput, tokensOutput int, cost float64, duration time.Duration) error {
	outputJSON, _ := json.Marshal(output)
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = ?, output_data = ?, tokens_input = ?, tokens_output = ?,
			estimated_cost = ?, duration_ms = ?, completed_at = ?
		WHERE id = ?
	`, StatusCompleted, string(outputJSON), tokensInput, tokensOutput,
		cost, duration.Milliseconds(), time.Now().UTC().Format(time.RFC3339), runID)
	if err != nil {
		return fmt.Errorf("failed to complete agent run %d: %w", runID, err)
	}
	return nil
}

// Fail finalises a failed run.
func (r *RunsRepository) Fail(ctx context.Context, runID int64, runErr error, duration time.Duration) error {
	msg := runErr.Error()
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = ?, error = ?, duration_ms = ?, completed_at = ?
		WHERE id = ?
	`, StatusError, msg, duration.Milliseconds(), time.Now().UTC().Format(time.RFC3339), runID)
	if err != nil {
		return fmt.Errorf("failed to fail agent run %d: %w", runID, err)
	}
	return nil
}

// Get returns one run, nil when absent.
func (r *RunsRepository) Get(ctx context.Context, runID int64) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, agent_name, framework, status, input_data, output_data,
			tokens_input, tokens_output, estimated_cost, duration_ms, error,
			started_at, completed_at
		FROM agent_runs WHERE id = ?
	`, runID)
	var run Run
	err := row.Scan(&run.ID, &run.AgentName, &run.Framework, &run.Status,
		&run.InputData, &run.OutputData, &run.TokensInput, &run.TokensOutput,
		&run.EstimatedCost, &run.DurationMs, &run.Error, &run.StartedAt, &run.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent run %d: %w", runID, err)
	}
	return &run, nil
}

// Recent returns the latest runs for one agent, newest first. An empty
// agent name returns runs for all agents.
func (r *RunsRepository) Recent(ctx context.Context, agentName string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, agent_name, framework, status, input_data, output_data,
			tokens_input, tokens_output, estimated_cost, duration_ms, error,
			started_at, completed_at
		FROM agent_runs`
	args := []interface{}{}
	if agentName != "" {
		query += " WHERE agent_name = ?"
		args = append(args, Resolve(agentName))
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.AgentName, &run.Framework, &run.Status,
			&run.InputData, &run.OutputData, &run.TokensInput, &run.TokensOutput,
			&run.EstimatedCost, &run.DurationMs, &run.Error, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// LatestCompleted returns the newest completed run for an agent, nil
// when none exists.
func (r *RunsRepository) LatestCompleted(ctx context.Context, agentName string) (*Run, error) {
	runs, err := r.recentCompleted(ctx, agentName, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (r *RunsRepository) recentCompleted(ctx context.Context, agentName string, limit int) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, agent_name, framework, status, input_data, output_data,
			tokens_input, tokens_output, estimated_cost, duration_ms, error,
			started_at, completed_at
		FROM agent_runs
		WHERE agent_name = ? AND status = ?
		ORDER BY id DESC LIMIT ?
	`, Resolve(agentName), StatusCompleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.AgentName, &run.Framework, &run.Status,
			&run.InputData, &run.OutputData, &run.TokensInput, &run.TokensOutput,
			&run.EstimatedCost, &run.DurationMs, &run.Error, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// AgentCost is aggregated spend for one agent.
type AgentCost struct {
	AgentName string  `json:"agent_name"`
	Runs      int     `json:"runs"`
	Tokens    int     `json:"tokens"`
	Cost      float64 `json:"cost"`
}

// DailyCost is aggregated spend for one day.
type DailyCost struct {
	Day    string  `json:"day"`
	Runs   int     `json:"runs"`
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// CostSummary aggregates completed runs over a rolling window of 1, 7
// or 30 days, grouped by agent and by day.
type CostSummary struct {
	WindowDays int         `json:"window_days"`
	TotalCost  float64     `json:"total_cost"`
	ByAgent    []AgentCost `json:"by_agent"`
	ByDay      []DailyCost `json:"by_day"`
}

// Costs builds the summary for the window.
func (r *RunsRepository) Costs(ctx context.Context, windowDays int) (*CostSummary, error) {
	switch windowDays {
	case 1, 7, 30:
	default:
		windowDays = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays).Format(time.RFC3339)
	summary := &CostSummary{WindowDays: windowDays}

	rows, err := r.db.QueryContext(ctx, `
		SELECT agent_name, COUNT(*), SUM(tokens_input + tokens_output), SUM(estimated_cost)
		FROM agent_runs
		WHERE status = ? AND completed_at >= ?
		GROUP BY agent_name ORDER BY SUM(estimated_cost) DESC
	`, StatusCompleted, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate agent costs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c AgentCost
		if err := rows.Scan(&c.AgentName, &c.Runs, &c.Tokens, &c.Cost); err != nil {
			return nil, err
		}
		summary.ByAgent = append(summary.ByAgent, c)
		summary.TotalCost += c.Cost
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	dayRows, err := r.db.QueryContext(ctx, `
		SELECT substr(completed_at, 1, 10), COUNT(*), SUM(tokens_input + tokens_output), SUM(estimated_cost)
		FROM agent_runs
		WHERE status = ? AND completed_at >= ?
		GROUP BY substr(completed_at, 1, 10) ORDER BY 1
	`, StatusCompleted, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate daily costs: %w", err)
	}
	defer dayRows.Close()
	for dayRows.Next() {
		var d DailyCost
		if err := dayRows.Scan(&d.Day, &d.Runs, &d.Tokens, &d.Cost); err != nil {
			return nil, err
		}
		summary.ByDay = append(summary.ByDay, d)
	}
	return summary, dayRows.Err()
}
