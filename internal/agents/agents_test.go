package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/database"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/providers"
)

type stubAgent struct {
	name   string
	result *Result
	err    error
}

func (s *stubAgent) Name() string { return s.name }

func (s *stubAgent) Run(ctx context.Context, inputs map[string]interface{}) (*Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubLLM struct {
	model string
	text  string
	err   error
}

func (s *stubLLM) Name() string  { return "stub" }
func (s *stubLLM) Model() string { return s.model }

func (s *stubLLM) GenerateAnalysisWithUsage(ctx context.Context, prompt string, maxTokens int) (string, int, error) {
	if s.err != nil {
		return "", 0, s.err
	}
	return s.text, 500, nil
}

func (s *stubLLM) TestConnection(ctx context.Context) error { return s.err }

func setupRegistry(t *testing.T) (*Registry, *RunsRepository) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, database.InitSchemaOn(db))
	t.Cleanup(func() { db.Close() })

	runs := NewRunsRepository(db, zerolog.Nop())
	return NewRegistry(runs, zerolog.Nop()), runs
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "scanner", Resolve("technical_analyst"))
	assert.Equal(t, "investigator", Resolve("sentiment_analyst"))
	assert.Equal(t, "investigator", Resolve("news_analyst"))
	assert.Equal(t, "regime", Resolve("regime_detector"))
	assert.Equal(t, "briefing", Resolve("briefing_writer"))
	assert.Equal(t, "portfolio", Resolve("portfolio_reviewer"))
	assert.Equal(t, "scanner", Resolve("scanner"), "real names pass through")
	assert.Equal(t, "made_up", Resolve("made_up"))
}

func TestRunPersistsCompletedRow(t *testing.T) {
	reg, _ := setupRegistry(t)
	reg.Register(&stubAgent{
		name: "scanner",
		result: &Result{
			Output:       map[string]interface{}{"signals": []string{}},
			Model:        "gpt-4o-mini",
			TokensInput:  1000,
			TokensOutput: 2000,
		},
	})

	run, runID, err := reg.Run(context.Background(), "technical_analyst", map[string]interface{}{"tickers": []string{"AAPL"}})
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, "scanner", run.AgentName, "stub id resolved before persisting")
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 1000, run.TokensInput)
	assert.Equal(t, 2000, run.TokensOutput)
	assert.InDelta(t, EstimateCost("gpt-4o-mini", 1000, 2000), run.EstimatedCost, 1e-9)
	require.NotNil(t, run.InputData)
	assert.Contains(t, *run.InputData, "AAPL")
	require.NotNil(t, run.OutputData)
	require.NotNil(t, run.CompletedAt)
}

func TestRunPersistsFailure(t *testing.T) {
	reg, runs := setupRegistry(t)
	reg.Register(&stubAgent{name: "regime", err: errors.New("model unavailable")})

	run, runID, err := reg.Run(context.Background(), "regime", nil)
	require.Error(t, err)
	require.NotNil(t, run)

	row, getErr := runs.Get(context.Background(), runID)
	require.NoError(t, getErr)
	assert.Equal(t, StatusError, row.Status)
	require.NotNil(t, row.Error)
	assert.Contains(t, *row.Error, "model unavailable")
	require.NotNil(t, row.CompletedAt)
}

func TestRunUnknownAgent(t *testing.T) {
	reg, _ := setupRegistry(t)
	_, _, err := reg.Run(context.Background(), "nope", nil)
	assert.Error(t, err)
}

func TestCostsWindowAndGrouping(t *testing.T) {
	_, runs := setupRegistry(t)
	ctx := context.Background()

	complete := func(agent string, cost float64, tokens int) {
		id, err := runs.Start(ctx, agent, nil)
		require.NoError(t, err)
		require.NoError(t, runs.Complete(ctx, id, nil, tokens, 0, cost, time.Second))
	}
	complete("scanner", 0.10, 100)
	complete("scanner", 0.20, 200)
	complete("briefing", 0.50, 300)

	// A running row must not count.
	_, err := runs.Start(ctx, "scanner", nil)
	require.NoError(t, err)

	summary, err := runs.Costs(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, summary.WindowDays)
	assert.InDelta(t, 0.80, summary.TotalCost, 1e-9)
	require.Len(t, summary.ByAgent, 2)
	assert.Equal(t, "briefing", summary.ByAgent[0].AgentName, "ordered by spend")
	assert.Equal(t, 2, summary.ByAgent[1].Runs)
	assert.Equal(t, 300, summary.ByAgent[0].Tokens)
	require.Len(t, summary.ByDay, 1)
	assert.Equal(t, 3, summary.ByDay[0].Runs)

	bad, err := runs.Costs(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, 7, bad.WindowDays, "invalid window defaults to 7")
}

func TestEstimateCost(t *testing.T) {
	assert.InDelta(t, 1.0/1e6*3.0+2.0/1e6*15.0, EstimateCost("claude-sonnet-4-5", 1, 2), 1e-12)
	assert.InDelta(t, 1.0/1e6*1.0+1.0/1e6*5.0, EstimateCost("unknown-model", 1, 1), 1e-12)
	assert.Zero(t, EstimateCost("gpt-4o", 0, 0))
}

func TestScannerAnalyzeSignals(t *testing.T) {
	s := &Scanner{log: zerolog.Nop()}

	candles := func(closes []float64) []providers.Candle {
		out := make([]providers.Candle, len(closes))
		for i, c := range closes {
			out[i] = providers.Candle{Close: c}
		}
		return out
	}

	// Monotonic rise keeps SMA20 above SMA50 throughout and pushes RSI
	// to overbought.
	rising := make([]float64, 120)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	sig := s.analyze("AAPL", candles(rising))
	require.NotNil(t, sig)
	assert.Equal(t, "overbought", sig.Signal)
	assert.GreaterOrEqual(t, sig.RSI, 70.0)
	assert.False(t, math.IsNaN(sig.SMA20))

	falling := make([]float64, 120)
	for i := range falling {
		falling[i] = 300 - float64(i)
	}
	sig = s.analyze("MSFT", candles(falling))
	require.NotNil(t, sig)
	assert.Equal(t, "oversold", sig.Signal)

	assert.Nil(t, s.analyze("NEW", candles(rising[:30])), "too little history")
}

func TestPromptAgentParsesJSON(t *testing.T) {
	agent := NewInvestigator(&stubLLM{
		model: "gpt-4o-mini",
		text:  `Here you go: {"items": [{"ticker": "AAPL", "mentions": 7, "sentiment": "bullish"}], "summary": "busy day"}`,
	}, zerolog.Nop())

	result, err := agent.Run(context.Background(), map[string]interface{}{"tickers": []string{"aapl"}})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", result.Model)
	assert.Equal(t, 500, result.TokensInput+result.TokensOutput)

	items, ok := result.Output["items"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 1)
	raw, _ := json.Marshal(items[0])
	assert.Contains(t, string(raw), `"AAPL"`)
	assert.NotEmpty(t, result.Output["text"])
}

func TestPromptAgentInputValidation(t *testing.T) {
	inv := NewInvestigator(&stubLLM{model: "m"}, zerolog.Nop())
	_, err := inv.Run(context.Background(), nil)
	assert.Error(t, err, "investigator requires tickers")

	pf := NewPortfolioReviewer(&stubLLM{model: "m"}, zerolog.Nop())
	_, err = pf.Run(context.Background(), map[string]interface{}{})
	assert.Error(t, err, "portfolio requires positions")
}

func TestRegimeNormalisation(t *testing.T) {
	cases := map[string]string{
		`{"regime": "bull", "confidence": 80}`:   "Bull",
		`{"regime": "VOLATILE"}`:                 "Volatile",
		`{"regime": "sideways"}`:                 "Normal",
		`no json at all`:                         "Normal",
		`{"confidence": 10}`:                     "Normal",
	}
	for text, want := range cases {
		agent := NewRegimeDetector(&stubLLM{model: "m", text: text}, zerolog.Nop())
		result, err := agent.Run(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, want, result.Output["regime"], "input %q", text)
	}
}

func TestRecentFiltersByAgent(t *testing.T) {
	_, runs := setupRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"scanner", "scanner", "briefing"} {
		id, err := runs.Start(ctx, name, nil)
		require.NoError(t, err)
		require.NoError(t, runs.Complete(ctx, id, nil, 0, 0, 0, 0))
	}

	all, err := runs.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "briefing", all[0].AgentName, "newest first")

	scans, err := runs.Recent(ctx, "technical_analyst", 10)
	require.NoError(t, err)
	assert.Len(t, scans, 2, "stub id resolves for filtering")

	latest, err := runs.LatestCompleted(ctx, "briefing")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "briefing", latest.AgentName)
}
