package compare

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/database"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/llm"
)

type fakeLLM struct {
	name  string
	model string
	text  string
	err   error
	delay time.Duration
}

func (f *fakeLLM) Name() string  { return f.name }
func (f *fakeLLM) Model() string { return f.model }

func (f *fakeLLM) GenerateAnalysisWithUsage(ctx context.Context, prompt string, maxTokens int) (string, int, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}
	if f.err != nil {
		return "", 0, f.err
	}
	return f.text, 42, nil
}

func (f *fakeLLM) TestConnection(ctx context.Context) error { return nil }

func setupExecutor(t *testing.T) *Executor {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, database.InitSchemaOn(db))
	t.Cleanup(func() { db.Close() })
	return NewExecutor(db, zerolog.Nop())
}

func TestCompareSyncPreservesInputOrder(t *testing.T) {
	e := setupExecutor(t)

	good := `{"rating": "BUY", "score": 80, "confidence": 70, "summary": "ok"}`
	results, err := e.CompareSync(context.Background(), "analyze", "AAPL", TemplateCustom,
		[]llm.Provider{
			&fakeLLM{name: "anthropic", model: "m1", text: good, delay: 30 * time.Millisecond},
			&fakeLLM{name: "openai", model: "m2", err: errors.New("boom")},
			&fakeLLM{name: "gemini", model: "m3", text: "unstructured reply"},
		})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "anthropic", results[0].Provider)
	assert.Equal(t, "openai", results[1].Provider)
	assert.Equal(t, "gemini", results[2].Provider)

	require.NotNil(t, results[0].Rating)
	assert.Equal(t, "BUY", *results[0].Rating)
	require.NotNil(t, results[1].Error)
	assert.Contains(t, *results[1].Error, "boom")
	assert.Nil(t, results[2].Rating, "unparseable text keeps raw response only")
	assert.Equal(t, "unstructured reply", results[2].Response)
}

func TestCompareSyncProviderCountValidation(t *testing.T) {
	e := setupExecutor(t)

	_, err := e.CompareSync(context.Background(), "p", "", TemplateCustom, nil)
	assert.ErrorIs(t, err, ErrProviderCount)

	five := make([]llm.Provider, 5)
	for i := range five {
		five[i] = &fakeLLM{name: "x", text: "t"}
	}
	_, err = e.CompareSync(context.Background(), "p", "", TemplateCustom, five)
	assert.ErrorIs(t, err, ErrProviderCount)
}

func TestAsyncRunLifecycle(t *testing.T) {
	e := setupExecutor(t)
	ctx := context.Background()

	good := `{"rating": "HOLD", "score": 50, "confidence": 60, "summary": "mid"}`
	runID, err := e.StartAsync(ctx, "analyze", "MSFT", TemplateBullBear, []llm.Provider{
		&fakeLLM{name: "anthropic", model: "m1", text: good},
		&fakeLLM{name: "grok", model: "m4", err: errors.New("down")},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := e.GetRun(ctx, runID)
		return err == nil && run != nil && run.Status == StatusComplete
	}, 5*time.Second, 20*time.Millisecond)

	run, err := e.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "MSFT", run.Ticker)
	assert.Equal(t, TemplateBullBear, run.Template)
	require.Len(t, run.Results, 2)
}

func TestAsyncNoProvidersMarksError(t *testing.T) {
	e := setupExecutor(t)
	ctx := context.Background()

	runID, err := e.StartAsync(ctx, "analyze", "", TemplateCustom, nil)
	require.NoError(t, err)

	run, err := e.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, run.Status)
	assert.Empty(t, run.Results)
}

func TestGetRunMissing(t *testing.T) {
	e := setupExecutor(t)
	run, err := e.GetRun(context.Background(), 12345)
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestExpandTemplate(t *testing.T) {
	assert.Equal(t, "raw", ExpandTemplate(TemplateCustom, "AAPL", "raw"))
	expanded := ExpandTemplate(TemplateBullBear, "aapl", "raw")
	assert.Contains(t, expanded, "for AAPL")
	assert.Contains(t, expanded, "raw")
	assert.Contains(t, ExpandTemplate(TemplatePriceTarget, "", "raw"), "price target")
}
