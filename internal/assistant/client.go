// Package assistant talks to the external assistant service. The endpoint is
// a black box: POST a JSON body, read the raw response text. Everything the
// engine needs to know about an outcome fits in (string, error); an aborted
// request surfaces the context error unchanged so callers can tell
// interruption apart from transport failure.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Turn is one entry of the bounded context window sent with a prompt.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the wire body of a prompt dispatch.
type Request struct {
	Prompt   string `json:"prompt"`
	History  []Turn `json:"history"`
	Identity string `json:"identity"`
}

// Client dispatches a prompt and returns the assistant's reply text.
type Client interface {
	Send(ctx context.Context, req Request) (string, error)
}

const defaultTimeout = 2 * time.Minute

// HTTPClient is the production Client.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// HTTPOption customizes an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient substitutes the underlying *http.Client (tests, custom
// transports).
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.httpClient.Timeout = d }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = l }
}

// NewHTTPClient builds a client for the given endpoint URL.
func NewHTTPClient(endpoint string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts the request and returns the response body as text. A non-2xx
// status is a failure carrying the status and a body excerpt. When ctx is
// done the context error is returned as-is.
func (c *HTTPClient) Send(ctx context.Context, req Request) (string, error) {
	if req.History == nil {
		req.History = []Turn{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Surface cancellation undisguised; the coordinator maps it to the
		// interrupted transition.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("assistant request complete",
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("bytes", len(data)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("assistant endpoint returned %s: %s", resp.Status, excerpt(string(data), 200))
	}
	return string(data), nil
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
