// Package upstream implements the OpenRouter chat-completions client
// used by the dispatch engine. It owns request construction and raw
// status reporting; outcome policy lives in the dispatcher.
// API Reference: https://openrouter.ai/docs
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/openchat-hq/keyrelay/pkg/types"
)

const (
	// DefaultBaseURL is the default OpenRouter API endpoint.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// maxErrorBody bounds how much of an upstream error body is kept
	// for logging.
	maxErrorBody = 2048
)

// Config holds upstream client settings.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Referer string        `yaml:"referer"` // HTTP-Referer attribution header
	Title   string        `yaml:"title"`   // X-Title attribution header
	Timeout time.Duration `yaml:"timeout"` // response-header timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// StatusError reports a non-2xx upstream response. The body excerpt is
// for server-side logging only and must never be forwarded to callers:
// upstream error bodies can echo credential detail.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

// Client issues streaming chat-completion calls against OpenRouter.
// It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	referer    string
	title      string
}

// NewClient creates an upstream client with connection pooling. No
// whole-request timeout is set: streams are long-lived, so only the
// time to response headers is bounded.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
		baseURL: cfg.BaseURL,
		referer: cfg.Referer,
		title:   cfg.Title,
	}
}

// StreamCompletion opens a streaming chat-completion call authorized
// with the given credential secret. On 2xx it returns the response body
// for relaying; the caller owns closing it. Non-2xx responses are
// drained, closed, and returned as *StatusError.
func (c *Client) StreamCompletion(ctx context.Context, secret string, req *types.CompletionRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+secret)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		httpReq.Header.Set("X-Title", c.title)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return resp.Body, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
