// Package compare implements the multi-provider LLM fan-out: the
// synchronous compare endpoint with a hard group deadline and the
// asynchronous run-and-poll flavour with incremental persistence.
package compare

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/llm"
)

const (
	// perCallTimeout bounds each provider call.
	perCallTimeout = 30 * time.Second
	// syncDeadline bounds the whole synchronous fan-out. Slots still
	// in flight at the deadline report "Request timed out".
	syncDeadline = 35 * time.Second
	// asyncDeadline bounds the background fan-out. Completions after
	// drain are discarded.
	asyncDeadline = 120 * time.Second

	timedOutMessage = "Request timed out"
)

// Run statuses.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusError    = "error"
)

// ErrProviderCount rejects fan-outs outside 1..4 providers.
var ErrProviderCount = errors.New("compare: between 1 and 4 providers required")

// Result is one provider's outcome, in input order.
type Result struct {
	Provider   string   `json:"provider"`
	Model      string   `json:"model"`
	Response   string   `json:"response,omitempty"`
	Rating     *string  `json:"rating,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Summary    *string  `json:"summary,omitempty"`
	TokensUsed int      `json:"tokens_used"`
	DurationMs int64    `json:"duration_ms"`
	Error      *string  `json:"error,omitempty"`
}

// Run is one comparison_runs row with whatever results exist so far.
type Run struct {
	ID        int64    `json:"id"`
	Prompt    string   `json:"prompt"`
	Ticker    string   `json:"ticker"`
	Status    string   `json:"status"`
	Template  string   `json:"template"`
	CreatedAt string   `json:"created_at"`
	Results   []Result `json:"results"`
}

// Executor drives fan-outs and persists runs.
type Executor struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewExecutor creates the executor.
func NewExecutor(db *sql.DB, log zerolog.Logger) *Executor {
	return &Executor{
		db:  db,
		log: log.With().Str("component", "compare").Logger(),
	}
}

// callProvider runs one provider with the per-call deadline and builds
// its Result, parsing structured fields from the text.
func callProvider(ctx context.Context, p llm.Provider, prompt string, maxTokens int) Result {
	result := Result{Provider: p.Name(), Model: p.Model()}

	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	start := time.Now()
	text, tokens, err := p.GenerateAnalysisWithUsage(callCtx, prompt, maxTokens)
	result.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			msg = timedOutMessage
		}
		result.Error = &msg
		return result
	}

	result.Response = text
	result.TokensUsed = tokens
	if parsed := llm.ParseStructuredResponse(text); parsed != nil {
		result.Rating = &parsed.Rating
		result.Score = &parsed.Score
		result.Confidence = &parsed.Confidence
		result.Summary = &parsed.Summary
	}
	return result
}

// CompareSync fans the prompt out to every provider and blocks until
// all slots resolve or the group deadline expires. Results keep input
// order; slots cancelled by the deadline carry the timed-out error. A
// background goroutine persists the run.
func (e *Executor) CompareSync(ctx context.Context, prompt, ticker, template string, providers []llm.Provider) ([]Result, error) {
	if len(providers) < 1 || len(providers) > 4 {
		return nil, ErrProviderCount
	}
	prompt = ExpandTemplate(template, ticker, prompt)

	groupCtx, cancel := context.WithTimeout(ctx, syncDeadline)
	defer cancel()

	results := make([]Result, len(providers))
	g, gctx := errgroup.WithContext(groupCtx)
	for i, p := range providers {
		g.Go(func() error {
			results[i] = callProvider(gctx, p, prompt, 1024)
			return nil
		})
	}
	_ = g.Wait()

	// Slots that never got past the deadline report the group timeout.
	if groupCtx.Err() != nil {
		for i := range results {
			if results[i].Error == nil && results[i].Response == "" {
				msg := timedOutMessage
				results[i].Error = &msg
			}
		}
	}

	go e.persistRun(prompt, ticker, template, results)
	return results, nil
}

// persistRun writes the run and its results. Failures are logged only;
// the caller already has the results.
func (e *Executor) persistRun(prompt, ticker, template string, results []Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := e.db.ExecContext(ctx, `
		INSERT INTO comparison_runs (prompt, ticker, status, template) VALUES (?, ?, ?, ?)
	`, prompt, ticker, StatusComplete, template)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to persist comparison run")
		return
	}
	runID, _ := res.LastInsertId()
	for _, r := range results {
		if err := e.insertResult(ctx, runID, r); err != nil {
			e.log.Warn().Err(err).Int64("run_id", runID).Msg("Failed to persist comparison result")
		}
	}
}

func (e *Executor) insertResult(ctx context.Context, runID int64, r Result) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO comparison_results (run_id, provider_name, model, response, tokens_used,
			latency_ms, error, extracted_rating, extracted_score, extracted_confidence, extracted_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, r.Provider, r.Model, r.Response, r.TokensUsed, r.DurationMs,
		r.Error, r.Rating, r.Score, r.Confidence, r.Summary)
	return err
}

// StartAsync creates a pending run and launches the background fan-out.
// Each provider's result row is inserted as it completes; the run
// status flips to complete when the executor drains, or error when no
// providers matched.
func (e *Executor) StartAsync(ctx context.Context, prompt, ticker, template string, providers []llm.Provider) (int64, error) {
	prompt = ExpandTemplate(template, ticker, prompt)
	res, err := e.db.ExecContext(ctx, `
		INSERT INTO comparison_runs (prompt, ticker, status, template) VALUES (?, ?, ?, ?)
	`, prompt, ticker, StatusPending, template)
	if err != nil {
		return 0, fmt.Errorf("failed to create comparison run: %w", err)
	}
	runID, _ := res.LastInsertId()

	if len(providers) == 0 {
		e.setStatus(context.Background(), runID, StatusError)
		return runID, nil
	}

	go e.runAsync(runID, prompt, providers)
	return runID, nil
}

func (e *Executor) runAsync(runID int64, prompt string, providers []llm.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), asyncDeadline)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range providers {
		g.Go(func() error {
			result := callProvider(gctx, p, prompt, 1024)
			if err := e.insertResult(ctx, runID, result); err != nil {
				e.log.Warn().Err(err).Int64("run_id", runID).Str("provider", result.Provider).
					Msg("Failed to persist async comparison result")
			}
			return nil
		})
	}
	_ = g.Wait()
	e.setStatus(context.Background(), runID, StatusComplete)
	e.log.Info().Int64("run_id", runID).Int("providers", len(providers)).Msg("Comparison run drained")
}

func (e *Executor) setStatus(ctx context.Context, runID int64, status string) {
	if _, err := e.db.ExecContext(ctx,
		"UPDATE comparison_runs SET status = ? WHERE id = ?", status, runID); err != nil {
		e.log.Warn().Err(err).Int64("run_id", runID).Msg("Failed to update run status")
	}
}

// GetRun returns the run plus whatever results have landed, supporting
// partial progress polling. Nil when the run does not exist.
func (e *Executor) GetRun(ctx context.Context, runID int64) (*Run, error) {
	var run Run
	var ticker sql.NullString
	err := e.db.QueryRowContext(ctx, `
		SELECT id, prompt, ticker, status, template, created_at
		FROM comparison_runs WHERE id = ?
	`, runID).Scan(&run.ID, &run.Prompt, &ticker, &run.Status, &run.Template, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get comparison run %d: %w", runID, err)
	}
	run.Ticker = ticker.String

	rows, err := e.db.QueryContext(ctx, `
		SELECT provider_name, model, response, tokens_used, latency_ms, error,
			extracted_rating, extracted_score, extracted_confidence, extracted_summary
		FROM comparison_results WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comparison results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Result
		var model, response sql.NullString
		if err := rows.Scan(&r.Provider, &model, &response, &r.TokensUsed, &r.DurationMs,
			&r.Error, &r.Rating, &r.Score, &r.Confidence, &r.Summary); err != nil {
			return nil, err
		}
		r.Model = model.String
		r.Response = response.String
		run.Results = append(run.Results, r)
	}
	return &run, rows.Err()
}

// ListRuns returns recent runs without their results.
func (e *Executor) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, prompt, ticker, status, template, created_at
		FROM comparison_runs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list comparison runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var ticker sql.NullString
		if err := rows.Scan(&run.ID, &run.Prompt, &ticker, &run.Status, &run.Template, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.Ticker = ticker.String
		out = append(out, run)
	}
	return out, rows.Err()
}

// Templates.
const (
	TemplateCustom      = "custom"
	TemplateBullBear    = "bull_bear_thesis"
	TemplateRiskSummary = "risk_summary"
	TemplatePriceTarget = "price_target"
)

// ExpandTemplate prepends the selected role prefix to the prompt.
// "custom" and unknown templates pass the prompt through unchanged.
func ExpandTemplate(template, ticker, prompt string) string {
	subject := ""
	if ticker != "" {
		subject = fmt.Sprintf(" for %s", strings.ToUpper(ticker))
	}
	switch template {
	case TemplateBullBear:
		return fmt.Sprintf("You are an equity analyst. Present the strongest bull case and bear case%s, then conclude with a JSON object containing rating, score, confidence and summary.\n\n%s", subject, prompt)
	case TemplateRiskSummary:
		return fmt.Sprintf("You are a risk analyst. Summarise the key downside risks%s and conclude with a JSON object containing rating, score, confidence and summary.\n\n%s", subject, prompt)
	case TemplatePriceTarget:
		return fmt.Sprintf("You are an equity analyst. Estimate a 12-month price target%s with your reasoning, then conclude with a JSON object containing rating, score, confidence and summary.\n\n%s", subject, prompt)
	default:
		return prompt
	}
}
