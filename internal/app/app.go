// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the Elley gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"elley/config"
	"elley/internal/llmclient"
	"elley/internal/observability"
	"elley/internal/persona"
	"elley/internal/providers/ollama"
	"elley/internal/relay"
	"elley/internal/server"
)

// App represents the gateway with all its dependencies.
type App struct {
	config   *config.Config
	logger   *slog.Logger
	provider *ollama.Provider
	relay    *relay.Relay
	server   *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the options for creating an App.
type Config struct {
	// AppConfig is the configuration produced by config.Load.
	AppConfig *config.Config

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Registerer receives the relay metrics when metrics are enabled.
	// Defaults to prometheus.DefaultRegisterer, which is what the metrics endpoint serves.
	Registerer prometheus.Registerer
}

// New creates a new App with all dependencies initialized.
// The backend is checked once; an unreachable backend is logged, not fatal.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	appCfg := cfg.AppConfig

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p, err := persona.Load(appCfg.Persona.File, appCfg.Persona.Template)
	if err != nil {
		return nil, fmt.Errorf("failed to load persona: %w", err)
	}

	opts := ollama.Options{
		BaseURL:               appCfg.Backend.URL,
		ResponseHeaderTimeout: appCfg.Backend.ResponseHeaderTimeout,
	}
	if cb := appCfg.Backend.CircuitBreaker; cb.FailureThreshold > 0 {
		opts.CircuitBreaker = &llmclient.CircuitBreakerConfig{
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			Timeout:          cb.Timeout,
		}
	}
	provider := ollama.New(opts)

	var hooks relay.Hooks
	if appCfg.Metrics.Enabled {
		reg := cfg.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		hooks = observability.NewPrometheusHooks(reg)
	}

	app := &App{
		config:   appCfg,
		logger:   logger,
		provider: provider,
	}
	app.relay = relay.New(provider, relay.Config{
		Model:   appCfg.Backend.Model,
		Apology: appCfg.Persona.Apology,
		Persona: p,
		Hooks:   hooks,
		Logger:  logger,
	})
	app.server = server.New(app.relay, &server.Config{
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
		Logger:          logger,
	})

	app.logStartupInfo()
	app.checkBackend(ctx)

	return app, nil
}

// Handler returns the HTTP handler serving the gateway routes.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the configured address.
// This is a blocking call that returns when the server stops.
func (a *App) Start() error {
	addr := a.config.Server.Addr()
	a.logger.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			a.logger.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight streams,
// honoring the deadline of ctx. It is idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.logger.Info("shutting down application...")

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	a.logger.Info("application shutdown complete")
	return nil
}

func (a *App) logStartupInfo() {
	cfg := a.config

	a.logger.Info("backend configured",
		"url", a.provider.BaseURL(),
		"model", a.relay.Model(),
		"response_header_timeout", cfg.Backend.ResponseHeaderTimeout,
	)

	if cfg.Backend.CircuitBreaker.FailureThreshold > 0 {
		a.logger.Info("circuit breaker enabled",
			"failure_threshold", cfg.Backend.CircuitBreaker.FailureThreshold,
			"timeout", cfg.Backend.CircuitBreaker.Timeout,
		)
	}

	if cfg.Metrics.Enabled {
		a.logger.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		a.logger.Info("prometheus metrics disabled")
	}
}

// checkBackend warns when the backend is down or the model is not installed.
func (a *App) checkBackend(ctx context.Context) {
	models, err := a.provider.CheckAvailability(ctx)
	if err != nil {
		a.logger.Warn("backend not reachable, queries will receive the apology until it is",
			"url", a.provider.BaseURL(), "error", err)
		return
	}
	if !hasModel(models, a.config.Backend.Model) {
		a.logger.Warn("model not installed on backend", "model", a.config.Backend.Model, "installed", models)
	}
}

// hasModel matches "llama3" against installed names such as "llama3:latest".
func hasModel(installed []string, model string) bool {
	for _, name := range installed {
		if name == model || strings.HasPrefix(name, model+":") {
			return true
		}
	}
	return false
}
