package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// chatCompletionsProvider speaks the OpenAI-compatible chat completions
// protocol. OpenAI and xAI Grok share this implementation with
// different base URLs.
type chatCompletionsProvider struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAIProvider creates the OpenAI provider.
func NewOpenAIProvider(apiKey, model string) Provider {
	return &chatCompletionsProvider{
		name:       ProviderOpenAI,
		baseURL:    "https://api.openai.com/v1",
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// NewGrokProvider creates the xAI Grok provider.
func NewGrokProvider(apiKey, model string) Provider {
	return &chatCompletionsProvider{
		name:       ProviderGrok,
		baseURL:    "https://api.x.ai/v1",
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Name implements Provider.
func (p *chatCompletionsProvider) Name() string { return p.name }

// Model implements Provider.
func (p *chatCompletionsProvider) Model() string { return p.model }

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateAnalysisWithUsage implements Provider.
func (p *chatCompletionsProvider) GenerateAnalysisWithUsage(ctx context.Context, prompt string, maxTokens int) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:     p.model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%s call failed after %s: %w", p.name, time.Since(start).Round(time.Millisecond), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", 0, fmt.Errorf("%s API error: status %d, body: %s", p.name, resp.StatusCode, string(excerpt))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", 0, fmt.Errorf("failed to decode %s response: %w", p.name, err)
	}
	if decoded.Error != nil {
		return "", 0, fmt.Errorf("%s API error: %s", p.name, decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 || decoded.Choices[0].Message.Content == "" {
		return "", 0, fmt.Errorf("%s returned no text", p.name)
	}
	return decoded.Choices[0].Message.Content, decoded.Usage.TotalTokens, nil
}

// TestConnection implements Provider.
func (p *chatCompletionsProvider) TestConnection(ctx context.Context) error {
	_, _, err := p.GenerateAnalysisWithUsage(ctx, testPrompt, 16)
	return err
}
