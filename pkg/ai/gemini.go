package ai

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/client"
)

// GeminiProvider implements the Provider interface for Google Gemini
type GeminiProvider struct {
	apiKey  string
	model   string
	logger  *zap.Logger
	baseURL string
	http    *client.HTTPClient
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(apiKey, model string, timeout time.Duration, logger *zap.Logger, opts ...client.Option) *GeminiProvider {
	if apiKey == "" {
		return &GeminiProvider{logger: logger}
	}

	return &GeminiProvider{
		apiKey:  apiKey,
		model:   model,
		logger:  logger,
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
		http:    client.NewHTTPClient("gemini", timeout, opts...),
	}
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// IsAvailable checks if the provider is available
func (p *GeminiProvider) IsAvailable() bool {
	return p.apiKey != ""
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// Chat runs a generateContent request. Gemini names the assistant role "model".
func (p *GeminiProvider) Chat(ctx context.Context, req *ChatRequest) (string, error) {
	if !p.IsAvailable() {
		return "", fmt.Errorf("Gemini provider not available")
	}

	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}

	genConfig := map[string]interface{}{
		"temperature":     req.Temperature,
		"topK":            40,
		"topP":            0.95,
		"maxOutputTokens": req.MaxTokens,
	}
	if req.JSON {
		genConfig["responseMimeType"] = "application/json"
	}
	body := map[string]interface{}{
		"contents":         contents,
		"generationConfig": genConfig,
	}
	if req.System != "" {
		body["systemInstruction"] = geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	var resp struct {
		Candidates []struct {
			Content geminiContent `json:"content"`
		} `json:"candidates"`
	}
	apiURL := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.model, url.QueryEscape(p.apiKey))
	if err := p.http.PostJSON(ctx, apiURL, nil, body, &resp); err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	return strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text), nil
}
