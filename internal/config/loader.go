// Package config provides configuration loading for mendd.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	envPrefix = "MENDD_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (MENDD_BREAKER_FAILURE_THRESHOLD, MENDD_SERVER_PORT, ...)
//  2. YAML config file (~/.config/mendd/config.yaml)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, the
// default path ~/.config/mendd/config.yaml is used.
//
// Config files must live under ~/.config/mendd/ or /etc/mendd/, carry 0600
// or 0400 permissions, and stay under 1MB; anything else is rejected.
//
// Environment variables map to config keys by stripping the MENDD_ prefix,
// lowercasing, and splitting on the first underscore:
//
//	MENDD_SERVER_PORT              -> server.port
//	MENDD_BREAKER_FAILURE_THRESHOLD -> breaker.failure_threshold
//	MENDD_RETRY_BASE_DELAY          -> retry.base_delay
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "mendd", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	// Load from YAML file if it exists
	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a TOCTOU race
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Override with environment variables
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// MENDD_SECTION_FIELD_NAME -> section.field_name: strip the prefix,
		// lowercase, split on the first underscore only.
		trimmed := strings.TrimPrefix(s, envPrefix)
		lower := strings.ToLower(trimmed)
		parts := strings.SplitN(lower, "_", 2)

		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	// Bools that default to true are set here: after unmarshal the zero
	// value is indistinguishable from an explicit false, so the key's
	// presence decides.
	if !k.Exists("dispatch.allow_fallback") {
		cfg.Dispatch.AllowFallback = true
	}
	if !k.Exists("redact.enabled") {
		cfg.Redact.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureStateDir creates the mendd state directory if it doesn't exist.
// The directory is created with 0700 permissions (owner only); state files
// hold learned solution bodies and fault text, which may be sensitive.
func EnsureStateDir(cfg *Config) error {
	if cfg.State.Dir == "" {
		return fmt.Errorf("state dir not resolved")
	}
	if err := os.MkdirAll(cfg.State.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", cfg.State.Dir, err)
	}
	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so a link cannot escape the allowed directories
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Path may not exist yet; validate the literal path instead
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "mendd"),
		"/etc/mendd",
	}

	allowed := false
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			allowed = true
			break
		}
	}

	if !allowed {
		return fmt.Errorf("config file must be in ~/.config/mendd/ or /etc/mendd/")
	}

	return nil
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened descriptor to avoid a TOCTOU race.
func validateConfigFileProperties(info os.FileInfo) error {
	// Windows has a different permission model; skip the mode check there
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	def := NewDefaultConfig()

	if cfg.State.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.State.Dir = filepath.Join(home, ".config", "mendd", "state")
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = def.Telemetry.Endpoint
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = def.Telemetry.Protocol
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}

	if cfg.Patterns.SimilarityFloor == 0 {
		cfg.Patterns.SimilarityFloor = def.Patterns.SimilarityFloor
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = def.Breaker.SuccessThreshold
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = def.Breaker.Cooldown
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = def.Retry.MaxRetries
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = def.Retry.Multiplier
	}

	if cfg.Cooldown.MaxAge == 0 {
		cfg.Cooldown.MaxAge = def.Cooldown.MaxAge
	}

	if cfg.Dispatch.Primary == "" {
		cfg.Dispatch.Primary = def.Dispatch.Primary
	}
	if cfg.Dispatch.Fallback == "" {
		cfg.Dispatch.Fallback = def.Dispatch.Fallback
	}
	if cfg.Dispatch.MaxRetries == 0 {
		cfg.Dispatch.MaxRetries = def.Dispatch.MaxRetries
	}
	if cfg.Dispatch.AttemptTimeout == 0 {
		cfg.Dispatch.AttemptTimeout = def.Dispatch.AttemptTimeout
	}
	if len(cfg.Dispatch.RequiredFields) == 0 {
		cfg.Dispatch.RequiredFields = def.Dispatch.RequiredFields
	}

	if cfg.Providers.Subprocess.Command == "" {
		cfg.Providers.Subprocess.Command = def.Providers.Subprocess.Command
	}
	if cfg.Providers.API.Model == "" {
		cfg.Providers.API.Model = def.Providers.API.Model
	}
	if cfg.Providers.API.RateLimit == 0 {
		cfg.Providers.API.RateLimit = def.Providers.API.RateLimit
	}
	if cfg.Providers.API.Burst == 0 {
		cfg.Providers.API.Burst = def.Providers.API.Burst
	}

	if cfg.Approval.Mode == "" {
		cfg.Approval.Mode = def.Approval.Mode
	}
	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = def.Approval.Timeout
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = def.Events.URL
	}
}

// StateFile returns the path of a named state file under the state dir.
func (c *Config) StateFile(name string) string {
	return filepath.Join(c.State.Dir, name)
}
