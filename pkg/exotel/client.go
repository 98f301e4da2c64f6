package exotel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when the provider has no record of the call
var ErrNotFound = errors.New("exotel: call not found")

// Client reads call records from the Exotel REST API
type Client struct {
	baseURL    string
	accountSID string
	apiKey     string
	apiToken   string
	httpClient *http.Client
}

// normalizeSubdomain removes .exotel.com if already present in subdomain
func normalizeSubdomain(subdomain string) string {
	return strings.TrimSuffix(strings.TrimSpace(subdomain), ".exotel.com")
}

// NewClient returns nil when credentials are missing so callers can treat
// the provider lookup as optional.
func NewClient(subdomain, accountSID, apiKey, apiToken string) *Client {
	if accountSID == "" || apiKey == "" || apiToken == "" {
		return nil
	}
	if subdomain == "" {
		subdomain = "api"
	}
	return &Client{
		baseURL:    fmt.Sprintf("https://%s.exotel.com", normalizeSubdomain(subdomain)),
		accountSID: accountSID,
		apiKey:     apiKey,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// WithBaseURL points the client at another host, used by tests
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimSuffix(u, "/")
	return c
}

// CallDetails is the provider's view of one call leg
type CallDetails struct {
	Sid          string `json:"sid"`
	Status       string `json:"status"`
	Direction    string `json:"direction"`
	From         string `json:"from"`
	To           string `json:"to"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	Duration     string `json:"duration"`
	RecordingURL string `json:"recording_url,omitempty"`
}

type callStatusResponse struct {
	Call struct {
		Sid          string          `json:"Sid"`
		Status       string          `json:"Status"`
		Direction    string          `json:"Direction"`
		From         string          `json:"From"`
		To           string          `json:"To"`
		StartTime    string          `json:"StartTime"`
		EndTime      string          `json:"EndTime"`
		Duration     json.RawMessage `json:"Duration"`
		RecordingURL string          `json:"RecordingUrl"`
	} `json:"Call"`
}

// GetCall fetches the status of a call from the Exotel API
func (c *Client) GetCall(ctx context.Context, callSID string) (*CallDetails, error) {
	endpoint := fmt.Sprintf("%s/v1/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.SetBasicAuth(c.apiKey, c.apiToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("exotel API error: %s (status %d)", string(body), resp.StatusCode)
	}

	var result callStatusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &CallDetails{
		Sid:          result.Call.Sid,
		Status:       result.Call.Status,
		Direction:    result.Call.Direction,
		From:         result.Call.From,
		To:           result.Call.To,
		StartTime:    result.Call.StartTime,
		EndTime:      result.Call.EndTime,
		Duration:     rawScalar(result.Call.Duration),
		RecordingURL: result.Call.RecordingURL,
	}, nil
}

// rawScalar renders a JSON number or string field as text; null becomes empty
func rawScalar(raw json.RawMessage) string {
	v := strings.Trim(string(raw), `"`)
	if v == "null" {
		return ""
	}
	return v
}
