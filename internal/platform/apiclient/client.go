// Package apiclient is the signed JSON-over-HTTP transport shared by the
// payment-rail and identity provider clients.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/dealbroker/internal/crypto"
)

// Config configures a Client.
type Config struct {
	// Name prefixes errors, e.g. "rail".
	Name    string
	BaseURL string
	APIKey  string
	Secret  string
	Timeout time.Duration
	// RequestsPerSecond caps outbound calls; zero disables the limit.
	RequestsPerSecond float64
	Burst             int
}

// Client sends requests signed with crypto.RequestSigner.
type Client struct {
	name       string
	baseURL    string
	signer     *crypto.RequestSigner
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		signer:     &crypto.RequestSigner{Key: cfg.APIKey, Secret: cfg.Secret},
		httpClient: &http.Client{Timeout: timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Option sets per-request headers.
type Option func(*http.Request)

// IdempotencyKey lets the provider drop a replayed request.
func IdempotencyKey(key string) Option {
	return func(r *http.Request) {
		if key != "" {
			r.Header.Set("Idempotency-Key", key)
		}
	}
}

// Do sends in as the JSON body (nil for none) and decodes the response into
// out (nil to discard).
func (c *Client) Do(ctx context.Context, method, path string, in, out any, opts ...Option) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limit wait: %w", c.name, err)
		}
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%s: marshal request body: %w", c.name, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.name, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.signer.Headers(method, path, string(body)) {
		req.Header.Set(k, v)
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %s %s: %w", c.name, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &payload) == nil && payload.Message != "" {
			apiErr.Code, apiErr.Message = payload.Code, payload.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return fmt.Errorf("%s: %s %s: %w", c.name, method, path, apiErr)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decode %s response: %w", c.name, path, err)
	}
	return nil
}
