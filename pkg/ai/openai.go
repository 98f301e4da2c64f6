package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/client"
)

// OpenAIProvider implements the Provider interface for OpenAI chat completions
type OpenAIProvider struct {
	apiKey    string
	model     string
	maxTokens int
	logger    *zap.Logger
	baseURL   string
	http      *client.HTTPClient
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey, model string, maxTokens int, timeout time.Duration, logger *zap.Logger, opts ...client.Option) *OpenAIProvider {
	if apiKey == "" {
		return &OpenAIProvider{logger: logger}
	}

	return &OpenAIProvider{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
		baseURL:   "https://api.openai.com/v1",
		http:      client.NewHTTPClient("openai", timeout, opts...),
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// IsAvailable checks if the provider is available
func (p *OpenAIProvider) IsAvailable() bool {
	return p.apiKey != ""
}

// Chat runs a chat completion
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (string, error) {
	if !p.IsAvailable() {
		return "", fmt.Errorf("OpenAI provider not available")
	}

	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 || (p.maxTokens > 0 && maxTokens > p.maxTokens) {
		maxTokens = p.maxTokens
	}
	body := map[string]interface{}{
		"model":       p.model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
	}
	if req.JSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	err := p.http.PostJSON(ctx, p.baseURL+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}, body, &resp)
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
