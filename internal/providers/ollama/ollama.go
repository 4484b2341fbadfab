// Package ollama provides the Ollama native API backend for the gateway.
package ollama

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"elley/internal/core"
	"elley/internal/llmclient"
)

const (
	providerName   = "ollama"
	defaultBaseURL = "http://localhost:11434"

	generateEndpoint = "/api/generate"
	tagsEndpoint     = "/api/tags"
)

// Options configures a Provider.
type Options struct {
	// BaseURL is the Ollama root URL. Defaults to http://localhost:11434.
	BaseURL string
	// ResponseHeaderTimeout bounds connect plus time to the first response.
	ResponseHeaderTimeout time.Duration
	// CircuitBreaker is optional; nil disables breaking.
	CircuitBreaker *llmclient.CircuitBreakerConfig
}

// Provider streams generations from Ollama's /api/generate endpoint.
type Provider struct {
	client *llmclient.Client
}

// New creates a new Ollama provider.
func New(opts Options) *Provider {
	cfg := llmclient.DefaultConfig(providerName, normalizeBaseURL(opts.BaseURL))
	cfg.CircuitBreaker = opts.CircuitBreaker
	return &Provider{client: llmclient.New(cfg, opts.ResponseHeaderTimeout, setHeaders)}
}

// NewWithHTTPClient creates a new Ollama provider with a custom HTTP client.
// If httpClient is nil, http.DefaultClient is used.
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Provider {
	cfg := llmclient.DefaultConfig(providerName, normalizeBaseURL(baseURL))
	return &Provider{client: llmclient.NewWithHTTPClient(httpClient, cfg, setHeaders)}
}

// normalizeBaseURL accepts either the server root or the full generate URL.
func normalizeBaseURL(baseURL string) string {
	if baseURL == "" {
		return defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return strings.TrimSuffix(baseURL, generateEndpoint)
}

// BaseURL returns the backend root URL.
func (p *Provider) BaseURL() string {
	return p.client.BaseURL()
}

func setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/x-ndjson")
	if requestID := core.GetRequestID(req.Context()); requestID != "" {
		req.Header.Set(core.RequestIDHeader, requestID)
	}
}

// Generate opens a streaming generation. The returned body yields one JSON
// object per line until EOF; the caller must close it.
func (p *Provider) Generate(ctx context.Context, req *core.GenerateRequest) (io.ReadCloser, error) {
	return p.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: generateEndpoint,
		Body:     req,
	})
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the names of the models installed on the backend.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	var resp tagsResponse
	if err := p.client.Do(ctx, llmclient.Request{Method: http.MethodGet, Endpoint: tagsEndpoint}, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// CheckAvailability verifies that Ollama is running and accessible within 5s
// and returns the installed model names.
func (p *Provider) CheckAvailability(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ListModels(ctx)
}
