// Package llmclient provides the HTTP client used to talk to the inference backend:
// - JSON request marshaling and response unmarshaling
// - Retries with exponential backoff for non-streaming calls
// - Standardized error parsing (429, 5xx, Ollama error bodies)
// - Optional circuit breaking
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"time"

	"elley/internal/core"
	"elley/internal/httpclient"
)

// Config holds configuration for the backend client
type Config struct {
	// ProviderName identifies the backend in error messages
	ProviderName string

	// BaseURL is the API root, e.g. http://localhost:11434
	BaseURL string

	// Retry configuration, applied to Do only.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// CircuitBreaker is nil when breaking is disabled.
	CircuitBreaker *CircuitBreakerConfig
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close a half-open circuit
	SuccessThreshold int
	// Timeout is how long the circuit stays open before a trial request is allowed
	Timeout time.Duration
}

// DefaultConfig returns default client configuration with breaking disabled.
func DefaultConfig(providerName, baseURL string) Config {
	return Config{
		ProviderName:   providerName,
		BaseURL:        baseURL,
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// HeaderSetter is a function that sets headers on an HTTP request
type HeaderSetter func(req *http.Request)

// Client is the HTTP client for the inference backend
type Client struct {
	httpClient     *http.Client
	config         Config
	headerSetter   HeaderSetter
	circuitBreaker *circuitBreaker
}

// New creates a client backed by a streaming-friendly transport whose
// connect and response-header phase is bounded by headerTimeout.
func New(config Config, headerTimeout time.Duration, headerSetter HeaderSetter) *Client {
	cfg := httpclient.StreamingConfig(headerTimeout)
	return NewWithHTTPClient(httpclient.NewHTTPClient(&cfg), config, headerSetter)
}

// NewWithHTTPClient creates a new client with a custom HTTP client
func NewWithHTTPClient(httpClient *http.Client, config Config, headerSetter HeaderSetter) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		httpClient:   httpClient,
		config:       config,
		headerSetter: headerSetter,
	}
	if cb := config.CircuitBreaker; cb != nil && cb.FailureThreshold > 0 {
		c.circuitBreaker = newCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout)
	}
	return c
}

// BaseURL returns the current base URL
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// Request represents an HTTP request to be made
type Request struct {
	Method   string
	Endpoint string
	Body     any // JSON marshaled if not nil
	Headers  map[string]string
}

// Do executes a request with retries and circuit breaking, then unmarshals the response
func (c *Client) Do(ctx context.Context, req Request, result any) error {
	body, err := c.doWithRetries(ctx, req)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "failed to unmarshal response: "+err.Error(), err)
		}
	}
	return nil
}

func (c *Client) doWithRetries(ctx context.Context, req Request) ([]byte, error) {
	if !c.allow() {
		return nil, c.openCircuitError()
	}

	var lastErr error
	maxAttempts := max(c.config.MaxRetries+1, 1)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		status, body, err := c.doRequest(ctx, req)
		if err != nil {
			c.recordFailure()
			lastErr = err
			continue
		}

		if isRetryable(status) {
			c.recordFailure()
			lastErr = core.ParseProviderError(c.config.ProviderName, status, body, nil)
			continue
		}

		if !isSuccess(status) {
			if status >= 500 {
				c.recordFailure()
			}
			return nil, core.ParseProviderError(c.config.ProviderName, status, body, nil)
		}

		c.recordSuccess()
		return body, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "request failed after retries", nil)
}

// DoStream executes a streaming request and returns the open response body.
// Streaming requests are never retried: exactly one connection is attempted.
// The caller must close the returned body.
func (c *Client) DoStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	if !c.allow() {
		return nil, c.openCircuitError()
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "failed to send request: "+err.Error(), err)
	}

	if !isSuccess(resp.StatusCode) {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			respBody = []byte("failed to read error response")
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.recordFailure()
		}
		return nil, core.ParseProviderError(c.config.ProviderName, resp.StatusCode, respBody, nil)
	}

	c.recordSuccess()
	return resp.Body, nil
}

// doRequest executes a single HTTP request without retries
func (c *Client) doRequest(ctx context.Context, req Request) (int, []byte, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "failed to send request: "+err.Error(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "failed to read response: "+err.Error(), err)
	}
	return resp.StatusCode, body, nil
}

// buildRequest creates an HTTP request from a Request
func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	url := c.config.BaseURL + req.Endpoint

	var bodyReader io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to marshal request", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to create request", err)
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.headerSetter != nil {
		c.headerSetter(httpReq)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	return httpReq, nil
}

// calculateBackoff calculates the backoff duration for a given attempt
func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := float64(c.config.InitialBackoff) * math.Pow(c.config.BackoffFactor, float64(attempt-1))
	if backoff > float64(c.config.MaxBackoff) {
		backoff = float64(c.config.MaxBackoff)
	}
	return time.Duration(backoff)
}

func (c *Client) openCircuitError() error {
	return core.NewProviderError(c.config.ProviderName, http.StatusServiceUnavailable,
		"circuit breaker is open - backend temporarily unavailable", nil)
}

func (c *Client) allow() bool {
	return c.circuitBreaker == nil || c.circuitBreaker.Allow()
}

func (c *Client) recordFailure() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordFailure()
	}
}

func (c *Client) recordSuccess() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordSuccess()
	}
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func isRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusGatewayTimeout
}
