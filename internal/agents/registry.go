package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Result is what an agent produces for one run.
type Result struct {
	Output       map[string]interface{}
	Model        string
	TokensInput  int
	TokensOutput int
}

// Agent is a named analysis unit executed by the registry.
type Agent interface {
	Name() string
	Run(ctx context.Context, inputs map[string]interface{}) (*Result, error)
}

// Registry executes agents with per-run persistence: a running row at
// start, the outcome written on completion.
type Registry struct {
	agents map[string]Agent
	runs   *RunsRepository
	log    zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(runs *RunsRepository, log zerolog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		runs:   runs,
		log:    log.With().Str("component", "agent_registry").Logger(),
	}
}

// Register adds an agent under its real name.
func (r *Registry) Register(a Agent) {
	r.agents[a.Name()] = a
}

// Names returns the registered real agent names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	return out
}

// Has reports whether name (stub or real) resolves to a registered
// agent.
func (r *Registry) Has(name string) bool {
	_, ok := r.agents[Resolve(name)]
	return ok
}

// Run executes the named agent (stub ids accepted), persisting the run
// row around the call. Returns the final row and its id.
func (r *Registry) Run(ctx context.Context, name string, inputs map[string]interface{}) (*Run, int64, error) {
	realName := Resolve(name)
	agent, ok := r.agents[realName]
	if !ok {
		return nil, 0, fmt.Errorf("agents: unknown agent %q", name)
	}

	runID, err := r.runs.Start(ctx, realName, inputs)
	if err != nil {
		return nil, 0, err
	}

	start := time.Now()
	result, runErr := agent.Run(ctx, inputs)
	elapsed := time.Since(start)

	if runErr != nil {
		if err := r.runs.Fail(ctx, runID, runErr, elapsed); err != nil {
			r.log.Error().Err(err).Int64("run_id", runID).Msg("Failed to persist agent failure")
		}
		r.log.Warn().Err(runErr).Str("agent", realName).Int64("run_id", runID).Msg("Agent run failed")
		row, _ := r.runs.Get(ctx, runID)
		return row, runID, runErr
	}

	cost := EstimateCost(result.Model, result.TokensInput, result.TokensOutput)
	if err := r.runs.Complete(ctx, runID, result.Output, result.TokensInput, result.TokensOutput, cost, elapsed); err != nil {
		r.log.Error().Err(err).Int64("run_id", runID).Msg("Failed to persist agent completion")
	}
	r.log.Info().
		Str("agent", realName).
		Int64("run_id", runID).
		Dur("duration", elapsed).
		Float64("cost", cost).
		Msg("Agent run completed")

	row, err := r.runs.Get(ctx, runID)
	if err != nil {
		return nil, runID, err
	}
	return row, runID, nil
}
