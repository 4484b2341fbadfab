// Package config provides configuration management for the gateway and chat client.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// DefaultBodySizeLimit is the default maximum request body size (1MB)
	DefaultBodySizeLimit int64 = 1 << 20

	// DefaultResponseHeaderTimeout bounds backend connect plus first response.
	DefaultResponseHeaderTimeout = 60 * time.Second
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Backend BackendConfig `mapstructure:"backend"`
	Persona PersonaConfig `mapstructure:"persona"`
	Client  ClientConfig  `mapstructure:"client"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          string `mapstructure:"port"`
	BodySizeLimit int64  `mapstructure:"body_size_limit"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// BackendConfig describes the inference backend.
type BackendConfig struct {
	URL                   string               `mapstructure:"url"`
	Model                 string               `mapstructure:"model"`
	ResponseHeaderTimeout time.Duration        `mapstructure:"response_header_timeout"`
	CircuitBreaker        CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig holds backend circuit breaker settings.
// A zero FailureThreshold disables the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// PersonaConfig holds the prompt template and the apology text.
type PersonaConfig struct {
	Template string `mapstructure:"template"`
	File     string `mapstructure:"file"`
	Apology  string `mapstructure:"apology"`
}

// ClientConfig holds chat client settings.
type ClientConfig struct {
	GatewayURL string `mapstructure:"gateway_url"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"server.host":                               "ELLEY_HOST",
	"server.port":                               "PORT",
	"server.body_size_limit":                    "ELLEY_BODY_SIZE_LIMIT",
	"backend.url":                               "ELLEY_BACKEND_URL",
	"backend.model":                             "ELLEY_MODEL",
	"backend.response_header_timeout":           "ELLEY_BACKEND_TIMEOUT",
	"backend.circuit_breaker.failure_threshold": "ELLEY_BREAKER_FAILURES",
	"backend.circuit_breaker.timeout":           "ELLEY_BREAKER_TIMEOUT",
	"persona.file":                              "ELLEY_PERSONA_FILE",
	"persona.apology":                           "ELLEY_APOLOGY",
	"client.gateway_url":                        "ELLEY_GATEWAY_URL",
	"metrics.enabled":                           "METRICS_ENABLED",
	"metrics.endpoint":                          "METRICS_ENDPOINT",
	"log.format":                                "LOG_FORMAT",
	"log.level":                                 "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.body_size_limit", DefaultBodySizeLimit)
	v.SetDefault("backend.url", "http://localhost:11434")
	v.SetDefault("backend.model", "llama3")
	v.SetDefault("backend.response_header_timeout", DefaultResponseHeaderTimeout)
	v.SetDefault("backend.circuit_breaker.failure_threshold", 0)
	v.SetDefault("backend.circuit_breaker.success_threshold", 1)
	v.SetDefault("backend.circuit_breaker.timeout", 30*time.Second)
	v.SetDefault("persona.template", "")
	v.SetDefault("persona.file", "")
	v.SetDefault("persona.apology", "Sorry, there was an error connecting to the AI model.")
	v.SetDefault("client.gateway_url", "http://127.0.0.1:8000/ask-stream")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("log.format", "auto")
	v.SetDefault("log.level", "info")
}

// Load reads configuration from defaults, an optional config.yaml (in . or
// ./config, or the path in ELLEY_CONFIG) and the environment, in increasing
// order of precedence. A .env file in the working directory is loaded into
// the environment first; variables already set are not overwritten.
// ${VAR} and ${VAR:-default} placeholders in the YAML file are expanded.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(v *viper.Viper) error {
	path := os.Getenv("ELLEY_CONFIG")
	if path == "" {
		for _, candidate := range []string{"config.yaml", "config/config.yaml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader([]byte(expandString(string(raw))))); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString resolves ${VAR} and ${VAR:-default}. A variable that is unset
// or empty takes the default when one is given; otherwise the placeholder is
// left untouched.
func expandString(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// secondsToDurationHook lets durations be written as plain integers (seconds).
func secondsToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			if secs, err := strconv.Atoi(s); err == nil {
				return time.Duration(secs) * time.Second, nil
			}
		case reflect.Int, reflect.Int64, reflect.Int32:
			if _, isDuration := data.(time.Duration); isDuration {
				return data, nil
			}
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		}
		return data, nil
	}
}

// Validate checks the configuration for values the binaries cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := strconv.ParseUint(c.Server.Port, 10, 16); err != nil {
		errs = append(errs, fmt.Errorf("server.port %q is not a valid port", c.Server.Port))
	}
	if c.Server.BodySizeLimit <= 0 {
		errs = append(errs, fmt.Errorf("server.body_size_limit must be positive"))
	}
	if err := validateHTTPURL("backend.url", c.Backend.URL); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Backend.Model) == "" {
		errs = append(errs, fmt.Errorf("backend.model is required"))
	}
	if c.Backend.ResponseHeaderTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.response_header_timeout must not be negative"))
	}
	if c.Backend.CircuitBreaker.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("backend.circuit_breaker.failure_threshold must not be negative"))
	}
	if err := validateHTTPURL("client.gateway_url", c.Client.GatewayURL); err != nil {
		errs = append(errs, err)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("metrics.endpoint %q must start with /", c.Metrics.Endpoint))
	}
	if c.Persona.Apology == "" {
		errs = append(errs, fmt.Errorf("persona.apology must not be empty"))
	}

	return errors.Join(errs...)
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute http(s) URL", field, raw)
	}
	return nil
}
