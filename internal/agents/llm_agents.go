package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/llm"
)

// promptAgent wraps an llm.Provider behind the Agent interface: build
// a prompt from the inputs, call the model, post-process the reply.
type promptAgent struct {
	name      string
	provider  llm.Provider
	maxTokens int
	build     func(inputs map[string]interface{}) (string, error)
	post      func(text string, output map[string]interface{})
	log       zerolog.Logger
}

func (a *promptAgent) Name() string { return a.name }

func (a *promptAgent) Run(ctx context.Context, inputs map[string]interface{}) (*Result, error) {
	prompt, err := a.build(inputs)
	if err != nil {
		return nil, err
	}

	text, tokens, err := a.provider.GenerateAnalysisWithUsage(ctx, prompt, a.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}

	output := map[string]interface{}{"text": text}
	if a.post != nil {
		a.post(text, output)
	}

	// Vendors report total usage only; approximate the split at four
	// chars per prompt token.
	tokensIn := len(prompt) / 4
	if tokensIn > tokens {
		tokensIn = tokens
	}
	return &Result{
		Output:       output,
		Model:        a.provider.Model(),
		TokensInput:  tokensIn,
		TokensOutput: tokens - tokensIn,
	}, nil
}

// regimeNames are the labels regime_check persists; anything else the
// model emits is normalised to Normal.
var regimeNames = map[string]bool{
	"Bull": true, "Bear": true, "Neutral": true, "Volatile": true, "Normal": true,
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// extractJSON merges the first JSON object found in text into output.
func extractJSON(text string, output map[string]interface{}) {
	match := jsonObjectPattern.FindString(text)
	if match == "" {
		return
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		return
	}
	for k, v := range parsed {
		output[k] = v
	}
}

func tickerList(inputs map[string]interface{}) string {
	tickers := stringSlice(inputs["tickers"])
	if len(tickers) == 0 {
		return ""
	}
	return strings.ToUpper(strings.Join(tickers, ", "))
}

// NewInvestigator builds the social/news sentiment agent. Its output
// carries an "items" array of {ticker, mentions, sentiment} records
// that the sentiment aggregator consumes.
func NewInvestigator(provider llm.Provider, log zerolog.Logger) Agent {
	return &promptAgent{
		name:      "investigator",
		provider:  provider,
		maxTokens: 1500,
		log:       log.With().Str("agent", "investigator").Logger(),
		build: func(inputs map[string]interface{}) (string, error) {
			tickers := tickerList(inputs)
			if tickers == "" {
				return "", fmt.Errorf("investigator: no tickers provided")
			}
			extra, _ := inputs["context"].(string)
			prompt := fmt.Sprintf(
				"You are a retail-sentiment investigator. Assess current social media and news chatter for these tickers: %s.\n"+
					"Respond with JSON only, shaped as:\n"+
					`{"items": [{"ticker": "AAPL", "mentions": 12, "sentiment": "bullish"}], "summary": "one paragraph"}`+"\n"+
					"sentiment must be bullish, bearish or neutral. mentions is your estimate of discussion volume.",
				tickers)
			if extra != "" {
				prompt += "\nAdditional context:\n" + extra
			}
			return prompt, nil
		},
		post: extractJSON,
	}
}

// NewRegimeDetector builds the market-regime agent. Output includes a
// "regime" field from {Bull, Bear, Neutral, Volatile, Normal}.
func NewRegimeDetector(provider llm.Provider, log zerolog.Logger) Agent {
	return &promptAgent{
		name:      "regime",
		provider:  provider,
		maxTokens: 800,
		log:       log.With().Str("agent", "regime").Logger(),
		build: func(inputs map[string]interface{}) (string, error) {
			extra, _ := inputs["context"].(string)
			prompt := "You are a market-regime analyst. Classify the current US equity market regime.\n" +
				"Respond with JSON only, shaped as:\n" +
				`{"regime": "Bull", "confidence": 75, "summary": "one paragraph"}` + "\n" +
				"regime must be exactly one of Bull, Bear, Neutral, Volatile, Normal."
			if extra != "" {
				prompt += "\nMarket data:\n" + extra
			}
			return prompt, nil
		},
		post: func(text string, output map[string]interface{}) {
			extractJSON(text, output)
			regime, _ := output["regime"].(string)
			regime = strings.ToLower(strings.TrimSpace(regime))
			if regime != "" {
				regime = strings.ToUpper(regime[:1]) + regime[1:]
			}
			if !regimeNames[regime] {
				regime = "Normal"
			}
			output["regime"] = regime
		},
	}
}

// NewBriefingWriter builds the narrative agent behind morning_briefing,
// daily_summary and weekly_review. inputs["horizon"] selects the frame.
func NewBriefingWriter(provider llm.Provider, log zerolog.Logger) Agent {
	return &promptAgent{
		name:      "briefing",
		provider:  provider,
		maxTokens: 2000,
		log:       log.With().Str("agent", "briefing").Logger(),
		build: func(inputs map[string]interface{}) (string, error) {
			horizon, _ := inputs["horizon"].(string)
			if horizon == "" {
				horizon = "morning"
			}
			tickers := tickerList(inputs)
			extra, _ := inputs["context"].(string)
			prompt := fmt.Sprintf(
				"Write a concise %s market briefing for a personal investor. Plain prose, at most four paragraphs, no headers.",
				horizon)
			if tickers != "" {
				prompt += "\nFocus on the watchlist: " + tickers + "."
			}
			if extra != "" {
				prompt += "\nRecent data:\n" + extra
			}
			return prompt, nil
		},
	}
}

// NewPortfolioReviewer builds the portfolio review agent. inputs
// carries a "positions" JSON blob prepared by the caller.
func NewPortfolioReviewer(provider llm.Provider, log zerolog.Logger) Agent {
	return &promptAgent{
		name:      "portfolio",
		provider:  provider,
		maxTokens: 1500,
		log:       log.With().Str("agent", "portfolio").Logger(),
		build: func(inputs map[string]interface{}) (string, error) {
			positions, _ := inputs["positions"].(string)
			if positions == "" {
				return "", fmt.Errorf("portfolio: no positions provided")
			}
			return "Review this portfolio. Call out concentration risk, notable winners and losers, " +
				"and anything that deserves attention this week. Plain prose, at most three paragraphs.\n" +
				"Positions:\n" + positions, nil
		},
	}
}
