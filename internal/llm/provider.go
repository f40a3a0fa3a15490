// Package llm provides a uniform interface over the supported model
// vendors (Anthropic, OpenAI, Google Gemini, xAI Grok) plus the
// structured-response parser used by the comparison executor.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// requestTimeout bounds every vendor HTTP call.
const requestTimeout = 30 * time.Second

// testPrompt is the tiny prompt used by TestConnection.
const testPrompt = "Reply with the single word OK."

// ErrUnknownProvider is returned by the factory for unsupported names.
var ErrUnknownProvider = errors.New("llm: unknown provider")

// Provider generates analysis text for a prompt. Implementations
// return ("", 0, err) on any failure; tokens is the total usage the
// vendor reported.
type Provider interface {
	Name() string
	Model() string
	GenerateAnalysisWithUsage(ctx context.Context, prompt string, maxTokens int) (text string, tokens int, err error)
	TestConnection(ctx context.Context) error
}

// Provider names accepted by the factory.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderGrok      = "grok"
)

// Default models per provider, used when the caller passes none.
var defaultModels = map[string]string{
	ProviderAnthropic: "claude-sonnet-4-5",
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderGemini:    "gemini-2.0-flash",
	ProviderGrok:      "grok-2-latest",
}

// NewProvider constructs a provider by name. model may be empty to use
// the vendor default.
func NewProvider(name, apiKey, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if model == "" {
		model = defaultModels[name]
	}
	switch name {
	case ProviderAnthropic:
		return NewAnthropicProvider(apiKey, model), nil
	case ProviderOpenAI:
		return NewOpenAIProvider(apiKey, model), nil
	case ProviderGemini:
		return NewGeminiProvider(apiKey, model), nil
	case ProviderGrok:
		return NewGrokProvider(apiKey, model), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}
