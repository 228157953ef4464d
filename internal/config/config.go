// Package config provides configuration loading for mendd.
//
// Configuration is loaded from a YAML file with environment variable
// overrides and sensible defaults. This package covers state paths, the
// resilience knobs (breaker, retry, cooldown), dispatch policy, provider
// backends, and the operational surfaces (server, events, telemetry).
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete mendd configuration.
type Config struct {
	State     StateConfig     `koanf:"state"`
	Log       LogConfig       `koanf:"log"`
	Server    ServerConfig    `koanf:"server"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Patterns  PatternsConfig  `koanf:"patterns"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Retry     RetryConfig     `koanf:"retry"`
	Cooldown  CooldownConfig  `koanf:"cooldown"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Providers ProvidersConfig `koanf:"providers"`
	Approval  ApprovalConfig  `koanf:"approval"`
	Events    EventsConfig    `koanf:"events"`
	Redact    RedactConfig    `koanf:"redact"`
}

// StateConfig holds durable state locations.
type StateConfig struct {
	// Dir is the directory holding the patterns, stats, and failure files.
	// Empty means ~/.config/mendd/state, resolved at load time.
	Dir string `koanf:"dir"`
}

// LogConfig holds logging settings surfaced through the main config file.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ServerConfig holds status API server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // "grpc" or "http/protobuf"
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// PatternsConfig holds pattern store tuning.
type PatternsConfig struct {
	// SimilarityFloor is the minimum normalized similarity for FindSimilar hits.
	SimilarityFloor float64 `koanf:"similarity_floor"`
	// Watch reloads the store when the backing file changes externally.
	Watch bool `koanf:"watch"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int      `koanf:"failure_threshold"`
	SuccessThreshold int      `koanf:"success_threshold"`
	Cooldown         Duration `koanf:"cooldown"`
}

// RetryConfig holds retry/backoff policy.
type RetryConfig struct {
	MaxRetries int      `koanf:"max_retries"`
	BaseDelay  Duration `koanf:"base_delay"`
	MaxDelay   Duration `koanf:"max_delay"`
	Multiplier float64  `koanf:"multiplier"`
}

// CooldownConfig holds failure cooldown tracker settings.
type CooldownConfig struct {
	// MaxAge is the cleanup horizon for stale failure records.
	MaxAge Duration `koanf:"max_age"`
}

// DispatchConfig holds dual-provider dispatch policy.
type DispatchConfig struct {
	Primary        string   `koanf:"primary"`
	Fallback       string   `koanf:"fallback"`
	MaxRetries     int      `koanf:"max_retries"`
	AllowFallback  bool     `koanf:"allow_fallback"`
	AttemptTimeout Duration `koanf:"attempt_timeout"`
	// RequiredFields are JSON paths that must be present in provider output
	// for a dispatch to count as structurally valid.
	RequiredFields []string `koanf:"required_fields"`
}

// ProvidersConfig holds text-generation provider backends.
type ProvidersConfig struct {
	Subprocess SubprocessProviderConfig `koanf:"subprocess"`
	API        APIProviderConfig        `koanf:"api"`
}

// SubprocessProviderConfig configures the local agent binary provider.
type SubprocessProviderConfig struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
}

// APIProviderConfig configures the hosted model provider.
type APIProviderConfig struct {
	Model     string  `koanf:"model"`
	BaseURL   string  `koanf:"base_url"`
	APIKey    Secret  `koanf:"api_key"`
	RateLimit float64 `koanf:"rate_limit"` // requests per second
	Burst     int     `koanf:"burst"`
}

// ApprovalConfig holds the approval gate settings.
type ApprovalConfig struct {
	// Mode selects the gate implementation: "auto-approve", "auto-deny", "nats".
	Mode    string   `koanf:"mode"`
	Timeout Duration `koanf:"timeout"`
}

// EventsConfig holds the cycle event bus settings.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// RedactConfig holds secret redaction settings.
type RedactConfig struct {
	Enabled bool `koanf:"enabled"`
	// AllowlistPath points at a TOML allowlist merged into detection.
	AllowlistPath string `koanf:"allowlist_path"`
}

// NewDefaultConfig returns a Config with production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "mendd",
			SampleRate:  1.0,
		},
		Patterns: PatternsConfig{
			SimilarityFloor: 0.4,
			Watch:           false,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			Cooldown:         Duration(60 * time.Second),
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  Duration(1000 * time.Millisecond),
			MaxDelay:   Duration(30000 * time.Millisecond),
			Multiplier: 2.0,
		},
		Cooldown: CooldownConfig{
			MaxAge: Duration(30 * 24 * time.Hour),
		},
		Dispatch: DispatchConfig{
			Primary:        "subprocess",
			Fallback:       "api",
			MaxRetries:     3,
			AllowFallback:  true,
			AttemptTimeout: Duration(5 * time.Minute),
			RequiredFields: []string{"success"},
		},
		Providers: ProvidersConfig{
			Subprocess: SubprocessProviderConfig{
				Command: "agent",
			},
			API: APIProviderConfig{
				Model:     "gpt-4o-mini",
				RateLimit: 2.0,
				Burst:     1,
			},
		},
		Approval: ApprovalConfig{
			Mode:    "auto-deny",
			Timeout: Duration(2 * time.Minute),
		},
		Events: EventsConfig{
			Enabled: false,
			URL:     "nats://localhost:4222",
		},
		Redact: RedactConfig{
			Enabled: true,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server shutdown timeout must be positive")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry endpoint required when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return errors.New("telemetry service name required when telemetry is enabled")
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry sample rate must be in [0,1], got %v", c.Telemetry.SampleRate)
	}

	if c.Patterns.SimilarityFloor < 0 || c.Patterns.SimilarityFloor > 1 {
		return fmt.Errorf("patterns similarity floor must be in [0,1], got %v", c.Patterns.SimilarityFloor)
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker success threshold must be >= 1, got %d", c.Breaker.SuccessThreshold)
	}
	if c.Breaker.Cooldown.Duration() <= 0 {
		return errors.New("breaker cooldown must be positive")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelay.Duration() <= 0 {
		return errors.New("retry base delay must be positive")
	}
	if c.Retry.MaxDelay.Duration() < c.Retry.BaseDelay.Duration() {
		return errors.New("retry max delay must be >= base delay")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}

	if c.Cooldown.MaxAge.Duration() <= 0 {
		return errors.New("cooldown max age must be positive")
	}

	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch max retries must be >= 0, got %d", c.Dispatch.MaxRetries)
	}
	if c.Dispatch.Primary == "" {
		return errors.New("dispatch primary provider is required")
	}
	if c.Dispatch.AllowFallback && c.Dispatch.Fallback == "" {
		return errors.New("dispatch fallback provider required when fallback is allowed")
	}
	if c.Dispatch.AttemptTimeout.Duration() <= 0 {
		return errors.New("dispatch attempt timeout must be positive")
	}

	switch c.Approval.Mode {
	case "auto-approve", "auto-deny", "nats":
	default:
		return fmt.Errorf("approval mode must be auto-approve, auto-deny, or nats, got %q", c.Approval.Mode)
	}
	if c.Approval.Timeout.Duration() <= 0 {
		return errors.New("approval timeout must be positive")
	}

	if c.Events.Enabled && c.Events.URL == "" {
		return errors.New("events URL required when events are enabled")
	}

	return nil
}
