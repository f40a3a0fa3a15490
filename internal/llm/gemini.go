package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider calls the Google Gemini API. The genai client is
// created lazily because construction needs a context.
type GeminiProvider struct {
	apiKey string
	model  string
	client *genai.Client
}

// NewGeminiProvider creates the provider.
func NewGeminiProvider(apiKey, model string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey, model: model}
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return ProviderGemini }

// Model implements Provider.
func (p *GeminiProvider) Model() string { return p.model }

func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client init failed: %w", err)
	}
	p.client = client
	return client, nil
}

// GenerateAnalysisWithUsage implements Provider.
func (p *GeminiProvider) GenerateAnalysisWithUsage(ctx context.Context, prompt string, maxTokens int) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	client, err := p.getClient(ctx)
	if err != nil {
		return "", 0, err
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	}
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	resp, err := client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return "", 0, fmt.Errorf("gemini call failed: %w", err)
	}

	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
		}
		if text.Len() > 0 {
			break
		}
	}
	if text.Len() == 0 {
		return "", 0, fmt.Errorf("gemini returned no text")
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return text.String(), tokens, nil
}

// TestConnection implements Provider.
func (p *GeminiProvider) TestConnection(ctx context.Context) error {
	_, _, err := p.GenerateAnalysisWithUsage(ctx, testPrompt, 16)
	return err
}
