package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/metrics"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/retry"
)

// maxErrorBody bounds how much of an error response is kept
const maxErrorBody = 512

// StatusError is a non-2xx response from an upstream service
type StatusError struct {
	Service string
	Status  int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error: %d - %s", e.Service, e.Status, e.Body)
}

// Retryable reports whether the request may succeed if repeated
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// HTTPClient wraps http.Client with retry and upstream metrics. The caller's
// context bounds every attempt; dependency health is judged by the caller.
type HTTPClient struct {
	client  *http.Client
	service string
	retry   retry.Config
	metrics *metrics.Metrics
}

// Option customises an HTTPClient
type Option func(*HTTPClient)

// WithRetry retries transient failures. The default is a single attempt.
func WithRetry(cfg retry.Config) Option {
	return func(c *HTTPClient) { c.retry = cfg }
}

// WithMetrics records each request
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *HTTPClient) { c.metrics = m }
}

// WithHTTPClient replaces the underlying client, used by tests
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.client = hc }
}

// NewHTTPClient creates a client for one upstream service
func NewHTTPClient(service string, timeout time.Duration, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		service: service,
		retry:   retry.Config{MaxAttempts: 1},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Service returns the upstream name used in errors and metrics
func (c *HTTPClient) Service() string {
	return c.service
}

// Post sends body and returns the response body of a 2xx reply
func (c *HTTPClient) Post(ctx context.Context, url string, headers map[string]string, body []byte) ([]byte, error) {
	var out []byte
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		data, err := c.do(ctx, url, headers, body)
		if err != nil {
			if se, ok := err.(*StatusError); ok && !se.Retryable() {
				return retry.Permanent(err)
			}
			if ctx.Err() != nil {
				return retry.Permanent(err)
			}
			return err
		}
		out = data
		return nil
	})
	return out, err
}

// PostJSON marshals in, posts it and decodes the reply into out
func (c *HTTPClient) PostJSON(ctx context.Context, url string, headers map[string]string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	h := map[string]string{"Content-Type": "application/json"}
	for k, v := range headers {
		h[k] = v
	}

	data, err := c.Post(ctx, url, h, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.service, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, url string, headers map[string]string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.observe(0, start)
		return nil, fmt.Errorf("failed to execute %s request: %w", c.service, err)
	}
	defer resp.Body.Close()
	c.observe(resp.StatusCode, start)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", c.service, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &StatusError{Service: c.service, Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *HTTPClient) observe(status int, start time.Time) {
	if c.metrics != nil {
		c.metrics.UpstreamCall(c.service, status, time.Since(start))
	}
}
