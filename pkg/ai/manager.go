package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Manager manages AI providers with fallback logic
type Manager struct {
	providers []Provider
	logger    *zap.Logger
}

// NewManager creates a new AI provider manager
func NewManager(providers []Provider, logger *zap.Logger) *Manager {
	return &Manager{
		providers: providers,
		logger:    logger,
	}
}

// GetAvailableProvider returns the first available provider
func (m *Manager) GetAvailableProvider() Provider {
	for _, provider := range m.providers {
		if provider.IsAvailable() {
			return provider
		}
	}
	return nil
}

// Available reports whether any provider is configured
func (m *Manager) Available() bool {
	return m.GetAvailableProvider() != nil
}

// ExecuteWithFallback executes a method on providers in order until one succeeds
func (m *Manager) ExecuteWithFallback(
	ctx context.Context,
	method func(Provider, context.Context) (interface{}, error),
) (interface{}, error) {
	if len(m.providers) == 0 {
		return nil, fmt.Errorf("no AI providers available")
	}

	var lastErr error
	for _, provider := range m.providers {
		if !provider.IsAvailable() {
			continue
		}

		result, err := method(provider, ctx)
		if err == nil {
			m.logger.Debug("AI provider answered", zap.String("provider", provider.Name()))
			return result, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		m.logger.Warn("AI provider failed, trying next",
			zap.String("provider", provider.Name()),
			zap.Error(err),
		)
	}

	if lastErr == nil {
		return nil, fmt.Errorf("no AI providers configured")
	}
	return nil, fmt.Errorf("all AI providers failed. Last error: %w", lastErr)
}

// Chat runs a chat request with fallback
func (m *Manager) Chat(ctx context.Context, req *ChatRequest) (string, error) {
	result, err := m.ExecuteWithFallback(ctx, func(provider Provider, ctx context.Context) (interface{}, error) {
		return provider.Chat(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

const summaryPrompt = `You are a call analytics assistant for a medical clinic. Analyze the call transcript and reply with a JSON object:
{"summary": "2-3 sentences", "tags": ["..."], "key_points": ["..."], "sentiment": "positive|neutral|negative"}
Write the summary in the language of the call.`

// SummarizeCall summarizes a call transcript with fallback
func (m *Manager) SummarizeCall(ctx context.Context, transcript string) (*SummarizeResponse, error) {
	result, err := m.ExecuteWithFallback(ctx, func(provider Provider, ctx context.Context) (interface{}, error) {
		content, err := provider.Chat(ctx, &ChatRequest{
			System:      summaryPrompt,
			Messages:    []Message{{Role: RoleUser, Content: transcript}},
			MaxTokens:   600,
			Temperature: 0.3,
			JSON:        true,
		})
		if err != nil {
			return nil, err
		}
		resp := parseSummary(content)
		resp.Provider = provider.Name()
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*SummarizeResponse), nil
}

// parseSummary reads the JSON reply, falling back to the raw text when the
// model ignored the format.
func parseSummary(content string) *SummarizeResponse {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var resp SummarizeResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &resp); err == nil && resp.Summary != "" {
		if resp.Sentiment == "" {
			resp.Sentiment = "neutral"
		}
		return &resp
	}

	sentiment := "neutral"
	for _, line := range strings.Split(content, "\n") {
		line = strings.ToLower(line)
		if strings.Contains(line, "sentiment") {
			if strings.Contains(line, "positive") {
				sentiment = "positive"
			} else if strings.Contains(line, "negative") {
				sentiment = "negative"
			}
		}
	}
	return &SummarizeResponse{
		Summary:   strings.TrimSpace(content),
		Tags:      []string{"call"},
		Sentiment: sentiment,
	}
}
