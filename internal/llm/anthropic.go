package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates the provider.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

// Model implements Provider.
func (p *AnthropicProvider) Model() string { return p.model }

// GenerateAnalysisWithUsage implements Provider.
func (p *AnthropicProvider) GenerateAnalysisWithUsage(ctx context.Context, prompt string, maxTokens int) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", 0, fmt.Errorf("anthropic call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", 0, fmt.Errorf("anthropic returned no text")
	}
	tokens := int(resp.Usage.InputTokens + resp.Usage.OutputTokens)
	return text.String(), tokens, nil
}

// TestConnection implements Provider.
func (p *AnthropicProvider) TestConnection(ctx context.Context) error {
	_, _, err := p.GenerateAnalysisWithUsage(ctx, testPrompt, 16)
	return err
}
