package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/client"
)

// AnthropicProvider implements the Provider interface for Anthropic Claude
type AnthropicProvider struct {
	apiKey    string
	model     string
	maxTokens int
	logger    *zap.Logger
	baseURL   string
	http      *client.HTTPClient
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, model string, maxTokens int, timeout time.Duration, logger *zap.Logger, opts ...client.Option) *AnthropicProvider {
	if apiKey == "" {
		return &AnthropicProvider{logger: logger}
	}

	return &AnthropicProvider{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
		baseURL:   "https://api.anthropic.com/v1",
		http:      client.NewHTTPClient("anthropic", timeout, opts...),
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// IsAvailable checks if the provider is available
func (p *AnthropicProvider) IsAvailable() bool {
	return p.apiKey != ""
}

// Chat runs a messages request
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (string, error) {
	if !p.IsAvailable() {
		return "", fmt.Errorf("Anthropic provider not available")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	body := map[string]interface{}{
		"model":       p.model,
		"max_tokens":  maxTokens,
		"messages":    req.Messages,
		"temperature": req.Temperature,
	}
	if req.System != "" {
		body["system"] = req.System
	}

	var resp struct {
		Content []struct {
			Text string `json:"text"`
			Type string `json:"type"`
		} `json:"content"`
	}
	err := p.http.PostJSON(ctx, p.baseURL+"/messages", map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	}, body, &resp)
	if err != nil {
		return "", err
	}

	for _, c := range resp.Content {
		if c.Type == "text" || c.Type == "" {
			return strings.TrimSpace(c.Text), nil
		}
	}
	return "", fmt.Errorf("no content in response")
}
