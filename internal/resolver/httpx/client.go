// Package httpx wraps resty with the retry and timeout policy shared by
// every outbound call the resolver layer makes.
package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client wraps resty.Client with transport-level retries and debug logging.
// Retries here cover 5xx/429/network only; identity-level fallback policy
// belongs to the callers.
type Client struct {
	resty      *resty.Client
	timeout    time.Duration
	maxRetries int
}

// Config holds configuration for the HTTP client
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	UserAgent  string
	Debug      bool
	Logger     *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		UserAgent:  "vidway/1.0",
	}
}

// New creates an HTTP client with the given configuration
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "vidway/1.0"
	}

	rc := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json, text/html, */*")

	rc.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() >= 500 || r.StatusCode() == 429
	})

	if cfg.Debug && cfg.Logger != nil {
		logger := cfg.Logger
		rc.OnBeforeRequest(func(c *resty.Client, r *resty.Request) error {
			logger.Debug("http request", "method", r.Method, "url", r.URL)
			return nil
		})
		rc.OnAfterResponse(func(c *resty.Client, r *resty.Response) error {
			logger.Debug("http response",
				"status", r.StatusCode(), "url", r.Request.URL, "time", r.Time())
			return nil
		})
	}

	return &Client{resty: rc, timeout: cfg.Timeout, maxRetries: cfg.MaxRetries}
}

// Get performs a GET request with context support. Responses with status
// >= 400 are returned alongside an error so callers can inspect the body.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*resty.Response, error) {
	req := c.resty.R().SetContext(ctx)
	for key, value := range headers {
		req.SetHeader(key, value)
	}

	resp, err := req.Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET request failed for %s: %w", url, err)
	}
	if resp.StatusCode() >= 400 {
		return resp, fmt.Errorf("HTTP error %d for %s", resp.StatusCode(), url)
	}
	return resp, nil
}

// GetWithParams performs a GET request with query parameters
func (c *Client) GetWithParams(ctx context.Context, url string, params map[string]string) (*resty.Response, error) {
	req := c.resty.R().SetContext(ctx)
	if len(params) > 0 {
		req.SetQueryParams(params)
	}

	resp, err := req.Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET request failed for %s: %w", url, err)
	}
	if resp.StatusCode() >= 400 {
		return resp, fmt.Errorf("HTTP error %d for %s", resp.StatusCode(), url)
	}
	return resp, nil
}

// Timeout returns the configured per-request timeout
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// MaxRetries returns the configured transport retry count
func (c *Client) MaxRetries() int {
	return c.maxRetries
}
