package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"elley/internal/core"
)

func fastConfig(baseURL string) Config {
	cfg := DefaultConfig("test", baseURL)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func TestClient_Do_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "value" {
			t.Errorf("expected header X-Test=value, got %q", r.Header.Get("X-Test"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest"}]}`))
	}))
	defer server.Close()

	client := NewWithHTTPClient(server.Client(), fastConfig(server.URL), func(req *http.Request) {
		req.Header.Set("X-Test", "value")
	})

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	err := client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/api/tags"}, &result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Models) != 1 || result.Models[0].Name != "llama3:latest" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestClient_Do_RetriesOnServiceUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewWithHTTPClient(server.Client(), fastConfig(server.URL), nil)

	if err := client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestClient_Do_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad prompt"}`))
	}))
	defer server.Close()

	client := NewWithHTTPClient(server.Client(), fastConfig(server.URL), nil)

	err := client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"}, nil)
	var gwErr *core.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gwErr.Message != "bad prompt" {
		t.Errorf("expected message 'bad prompt', got %q", gwErr.Message)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestClient_DoStream_Success(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected JSON content type, got %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		_, _ = w.Write([]byte("{\"response\":\"a\"}\n{\"response\":\"b\"}\n"))
	}))
	defer server.Close()

	client := NewWithHTTPClient(server.Client(), fastConfig(server.URL), nil)

	body, err := client.DoStream(context.Background(), Request{
		Method:   http.MethodPost,
		Endpoint: "/api/generate",
		Body:     core.GenerateRequest{Model: "llama3", Prompt: "hi", Stream: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer body.Close()

	data, _ := io.ReadAll(body)
	if string(data) != "{\"response\":\"a\"}\n{\"response\":\"b\"}\n" {
		t.Errorf("unexpected body: %q", data)
	}
	if received["stream"] != true || received["model"] != "llama3" || received["prompt"] != "hi" {
		t.Errorf("unexpected payload: %v", received)
	}
}

func TestClient_DoStream_AcceptsAny2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("{}\n"))
	}))
	defer server.Close()

	client := NewWithHTTPClient(server.Client(), fastConfig(server.URL), nil)
	body, err := client.DoStream(context.Background(), Request{Method: http.MethodPost, Endpoint: "/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = body.Close()
}

func TestClient_DoStream_NeverRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewWithHTTPClient(server.Client(), fastConfig(server.URL), nil)

	_, err := client.DoStream(context.Background(), Request{Method: http.MethodPost, Endpoint: "/api/generate"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 connection, got %d", calls.Load())
	}
}

func TestClient_DoStream_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewWithHTTPClient(nil, fastConfig(url), nil)

	_, err := client.DoStream(context.Background(), Request{Method: http.MethodPost, Endpoint: "/api/generate"})
	var gwErr *core.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gwErr.Type != core.ErrorTypeProvider {
		t.Errorf("expected provider error, got %s", gwErr.Type)
	}
}

func TestClient_DoStream_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.CircuitBreaker = &CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}
	client := NewWithHTTPClient(server.Client(), cfg, nil)

	for i := 0; i < 4; i++ {
		_, err := client.DoStream(context.Background(), Request{Method: http.MethodPost, Endpoint: "/"})
		if err == nil {
			t.Fatal("expected error")
		}
	}
	if calls.Load() != 2 {
		t.Errorf("expected breaker to stop calls after 2 failures, got %d calls", calls.Load())
	}
	if client.circuitBreaker.State() != "open" {
		t.Errorf("expected open circuit, got %s", client.circuitBreaker.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newCircuitBreaker(1, 2, time.Minute)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("expected open circuit to reject")
	}

	now = now.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatal("expected half-open circuit to allow a trial request")
	}
	if cb.State() != "half-open" {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != "closed" {
		t.Errorf("expected closed after successes, got %s", cb.State())
	}
}

func TestClient_CalculateBackoff(t *testing.T) {
	client := NewWithHTTPClient(nil, Config{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		BackoffFactor:  2,
	}, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := client.calculateBackoff(tt.attempt); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
