// Package agents implements the agent runtime: named analysis agents,
// the registry that executes them with per-run persistence, and cost
// accounting over the agent_runs table.
package agents

// Frontend-visible agent ids map onto the five real agents. The API
// accepts either form; real names pass through.
var NameMap = map[string]string{
	"technical_analyst":  "scanner",
	"sentiment_analyst":  "investigator",
	"news_analyst":       "investigator",
	"regime_detector":    "regime",
	"briefing_writer":    "briefing",
	"portfolio_reviewer": "portfolio",
}

// Resolve maps a frontend id or real name to the real agent name.
func Resolve(name string) string {
	if real, ok := NameMap[name]; ok {
		return real
	}
	return name
}
