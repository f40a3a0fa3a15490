package agents

// modelCost is USD per million tokens.
type modelCost struct {
	input  float64
	output float64
}

// modelCosts is the per-model estimate table. Unknown models use
// defaultCost so estimates stay non-zero.
var modelCosts = map[string]modelCost{
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {0.80, 4.00},
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"gemini-2.0-flash":  {0.10, 0.40},
	"grok-2-latest":     {2.00, 10.00},
}

var defaultCost = modelCost{1.00, 5.00}

// EstimateCost converts token usage into a USD estimate.
func EstimateCost(model string, tokensInput, tokensOutput int) float64 {
	cost, ok := modelCosts[model]
	if !ok {
		cost = defaultCost
	}
	return float64(tokensInput)/1e6*cost.input + float64(tokensOutput)/1e6*cost.output
}
