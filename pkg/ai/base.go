package ai

import (
	"context"
	"encoding/json"
	"fmt"
)

// Provider is a chat model backend
type Provider interface {
	// Chat returns the model's reply to the conversation
	Chat(ctx context.Context, req *ChatRequest) (string, error)

	// IsAvailable checks if the provider is configured
	IsAvailable() bool

	// Name returns the provider name
	Name() string
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation entry
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-neutral chat completion request
type ChatRequest struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// JSON asks providers that support it for a JSON object reply
	JSON bool
}

// SummarizeResponse represents a call summarization response
type SummarizeResponse struct {
	Summary   string   `json:"summary"`
	Tags      []string `json:"tags"`
	KeyPoints []string `json:"key_points"`
	Sentiment string   `json:"sentiment"`
	Provider  string   `json:"provider"`
}

func jsonBody(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return data, nil
}
