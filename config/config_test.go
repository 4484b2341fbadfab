package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp runs the test in an empty directory so no stray config.yaml or .env is picked up.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envBindings {
		t.Setenv(env, "")
		_ = os.Unsetenv(env)
	}
	t.Setenv("ELLEY_CONFIG", "")
	_ = os.Unsetenv("ELLEY_CONFIG")
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8000", cfg.Server.Addr())
	assert.Equal(t, DefaultBodySizeLimit, cfg.Server.BodySizeLimit)
	assert.Equal(t, "http://localhost:11434", cfg.Backend.URL)
	assert.Equal(t, "llama3", cfg.Backend.Model)
	assert.Equal(t, 60*time.Second, cfg.Backend.ResponseHeaderTimeout)
	assert.Zero(t, cfg.Backend.CircuitBreaker.FailureThreshold)
	assert.Equal(t, "Sorry, there was an error connecting to the AI model.", cfg.Persona.Apology)
	assert.Equal(t, "http://127.0.0.1:8000/ask-stream", cfg.Client.GatewayURL)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Endpoint)
	assert.Equal(t, "auto", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdirTemp(t)
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("ELLEY_MODEL", "mistral")
	t.Setenv("ELLEY_BACKEND_URL", "http://gpu-box:11434")
	t.Setenv("ELLEY_BACKEND_TIMEOUT", "15")
	t.Setenv("ELLEY_BREAKER_FAILURES", "5")
	t.Setenv("ELLEY_BREAKER_TIMEOUT", "2m")
	t.Setenv("METRICS_ENABLED", "true")
	t.Setenv("ELLEY_GATEWAY_URL", "http://gateway.internal:8000/ask-stream")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "mistral", cfg.Backend.Model)
	assert.Equal(t, "http://gpu-box:11434", cfg.Backend.URL)
	assert.Equal(t, 15*time.Second, cfg.Backend.ResponseHeaderTimeout)
	assert.Equal(t, 5, cfg.Backend.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Backend.CircuitBreaker.Timeout)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "http://gateway.internal:8000/ask-stream", cfg.Client.GatewayURL)
}

func TestLoad_YAMLWithPlaceholders(t *testing.T) {
	dir := chdirTemp(t)
	clearEnv(t)
	t.Setenv("TEST_OLLAMA_HOST", "ollama.lan")

	yaml := `
server:
  port: "${TEST_ELLEY_PORT:-8123}"
backend:
  url: "http://${TEST_OLLAMA_HOST}:11434"
  model: llama3.1
  response_header_timeout: 90s
persona:
  template: "Answer briefly: {{.Query}}"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8123", cfg.Server.Port)
	assert.Equal(t, "http://ollama.lan:11434", cfg.Backend.URL)
	assert.Equal(t, "llama3.1", cfg.Backend.Model)
	assert.Equal(t, 90*time.Second, cfg.Backend.ResponseHeaderTimeout)
	assert.Equal(t, "Answer briefly: {{.Query}}", cfg.Persona.Template)
}

func TestLoad_EnvBeatsYAML(t *testing.T) {
	dir := chdirTemp(t)
	clearEnv(t)
	t.Setenv("ELLEY_MODEL", "phi3")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.yaml"), []byte("backend:\n  model: llama3\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "phi3", cfg.Backend.Model)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdirTemp(t)
	clearEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ELLEY_MODEL=gemma\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("ELLEY_MODEL") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gemma", cfg.Backend.Model)
}

func TestLoad_InvalidConfig(t *testing.T) {
	chdirTemp(t)
	clearEnv(t)
	t.Setenv("ELLEY_BACKEND_URL", "localhost:11434")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.url")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:  ServerConfig{Host: "127.0.0.1", Port: "8000", BodySizeLimit: DefaultBodySizeLimit},
			Backend: BackendConfig{URL: "http://localhost:11434", Model: "llama3", ResponseHeaderTimeout: time.Minute},
			Persona: PersonaConfig{Apology: "sorry"},
			Client:  ClientConfig{GatewayURL: "http://127.0.0.1:8000/ask-stream"},
			Metrics: MetricsConfig{Enabled: true, Endpoint: "/metrics"},
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = "http" }, "server.port"},
		{"empty model", func(c *Config) { c.Backend.Model = " " }, "backend.model"},
		{"negative timeout", func(c *Config) { c.Backend.ResponseHeaderTimeout = -time.Second }, "response_header_timeout"},
		{"relative gateway url", func(c *Config) { c.Client.GatewayURL = "/ask-stream" }, "client.gateway_url"},
		{"metrics path", func(c *Config) { c.Metrics.Endpoint = "metrics" }, "metrics.endpoint"},
		{"empty apology", func(c *Config) { c.Persona.Apology = "" }, "persona.apology"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExpandString(t *testing.T) {
	t.Setenv("EXPAND_SET", "value")
	t.Setenv("EXPAND_EMPTY", "")

	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"plain", "plain"},
		{"${EXPAND_SET}", "value"},
		{"pre-${EXPAND_SET}-post", "pre-value-post"},
		{"${EXPAND_UNSET:-http://localhost:11434}", "http://localhost:11434"},
		{"${EXPAND_EMPTY:-fallback}", "fallback"},
		{"${EXPAND_UNSET}", "${EXPAND_UNSET}"},
		{"${EXPAND_EMPTY}", "${EXPAND_EMPTY}"},
		{"${EXPAND_UNSET:-}", ""},
		{"${EXPAND_SET}:${EXPAND_UNSET:-x}:${EXPAND_MISSING}", "value:x:${EXPAND_MISSING}"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, expandString(tt.in), tt.in)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	example, err := filepath.Abs("config.example.yaml")
	require.NoError(t, err)
	chdirTemp(t)
	clearEnv(t)
	t.Setenv("ELLEY_CONFIG", example)
	t.Setenv("OLLAMA_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8000", cfg.Server.Addr())
	assert.Equal(t, "http://localhost:11434", cfg.Backend.URL)
	assert.Equal(t, 60*time.Second, cfg.Backend.ResponseHeaderTimeout)
	assert.Equal(t, 30*time.Second, cfg.Backend.CircuitBreaker.Timeout)
	assert.Empty(t, cfg.Persona.Template)
}
