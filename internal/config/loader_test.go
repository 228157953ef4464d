package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temp directory so config path validation
// resolves against a sandbox instead of the real home.
func setupTestHome(t *testing.T) string {
	t.Helper()

	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)
	return tmpHome
}

func writeTestConfig(t *testing.T, home, content string) string {
	t.Helper()

	configDir := filepath.Join(home, ".config", "mendd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return configPath
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `server:
  port: 9191
  host: 127.0.0.1

breaker:
  failure_threshold: 8
  cooldown: 90s

retry:
  base_delay: 500ms
  multiplier: 3.0
`)

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Breaker.FailureThreshold != 8 {
		t.Errorf("Breaker.FailureThreshold = %d, want 8", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.Cooldown.Duration() != 90*time.Second {
		t.Errorf("Breaker.Cooldown = %v, want 90s", cfg.Breaker.Cooldown.Duration())
	}
	if cfg.Retry.BaseDelay.Duration() != 500*time.Millisecond {
		t.Errorf("Retry.BaseDelay = %v, want 500ms", cfg.Retry.BaseDelay.Duration())
	}
	if cfg.Retry.Multiplier != 3.0 {
		t.Errorf("Retry.Multiplier = %v, want 3.0", cfg.Retry.Multiplier)
	}

	// Fields absent from the file keep their defaults
	if cfg.Breaker.SuccessThreshold != 3 {
		t.Errorf("Breaker.SuccessThreshold = %d, want default 3", cfg.Breaker.SuccessThreshold)
	}
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `server:
  port: 9191

breaker:
  failure_threshold: 8
`)

	t.Setenv("MENDD_SERVER_PORT", "7777")
	t.Setenv("MENDD_BREAKER_FAILURE_THRESHOLD", "12")
	t.Setenv("MENDD_RETRY_BASE_DELAY", "250ms")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (from env override)", cfg.Server.Port)
	}
	if cfg.Breaker.FailureThreshold != 12 {
		t.Errorf("Breaker.FailureThreshold = %d, want 12 (from env override)", cfg.Breaker.FailureThreshold)
	}
	if cfg.Retry.BaseDelay.Duration() != 250*time.Millisecond {
		t.Errorf("Retry.BaseDelay = %v, want 250ms (from env override)", cfg.Retry.BaseDelay.Duration())
	}
}

func TestLoadWithFile_MissingFile(t *testing.T) {
	home := setupTestHome(t)

	// Path is in an allowed directory but the file doesn't exist
	configPath := filepath.Join(home, ".config", "mendd", "config.yaml")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() should not error on missing file, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("LoadWithFile() returned nil config for missing file")
	}

	// Missing file means pure defaults
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want default 9090", cfg.Server.Port)
	}
	if cfg.State.Dir != filepath.Join(home, ".config", "mendd", "state") {
		t.Errorf("State.Dir = %q, want resolved default under fake home", cfg.State.Dir)
	}
	if !cfg.Dispatch.AllowFallback {
		t.Error("Dispatch.AllowFallback = false, want default true")
	}
	if !cfg.Redact.Enabled {
		t.Error("Redact.Enabled = false, want default true")
	}
}

func TestLoadWithFile_ExplicitFalseBooleans(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `dispatch:
  allow_fallback: false

redact:
  enabled: false
`)

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Dispatch.AllowFallback {
		t.Error("Dispatch.AllowFallback = true, want explicit false preserved")
	}
	if cfg.Redact.Enabled {
		t.Error("Redact.Enabled = true, want explicit false preserved")
	}
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `server:
  port: [not, a, number
`)

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Error("LoadWithFile() should error on invalid YAML, got nil")
	}
}

func TestLoadWithFile_ValidationFailure(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `server:
  port: 99999
`)

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Error("LoadWithFile() should error on invalid port, got nil")
	}
}

func TestLoadWithFile_PathTraversal(t *testing.T) {
	setupTestHome(t)

	_, err := LoadWithFile("../../../../etc/passwd")
	if err == nil {
		t.Fatal("Expected error for path traversal, got nil")
	}
	if !strings.Contains(err.Error(), "must be in ~/.config/mendd/ or /etc/mendd/") {
		t.Errorf("Expected path validation error, got: %v", err)
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}

	home := setupTestHome(t)
	configPath := writeTestConfig(t, home, "server:\n  port: 9191\n")

	// Loosen to world-readable
	if err := os.Chmod(configPath, 0644); err != nil {
		t.Fatalf("Failed to chmod test config: %v", err)
	}

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("Expected error for insecure permissions, got nil")
	}
	if !strings.Contains(err.Error(), "permissions") {
		t.Errorf("Expected permissions error, got: %v", err)
	}
}

func TestLoadWithFile_ReadOnlyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}

	home := setupTestHome(t)
	configPath := writeTestConfig(t, home, "server:\n  port: 9191\n")

	if err := os.Chmod(configPath, 0400); err != nil {
		t.Fatalf("Failed to chmod test config: %v", err)
	}

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() should accept 0400 permissions, got: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	home := setupTestHome(t)

	// 2MB of comments exceeds the 1MB cap
	large := bytes.Repeat([]byte("# comment line\n"), 150000)
	configPath := writeTestConfig(t, home, string(large))

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("Expected error for oversized file, got nil")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected 'too large' error, got: %v", err)
	}
}

func TestEnsureStateDir(t *testing.T) {
	home := setupTestHome(t)

	cfg := NewDefaultConfig()
	cfg.State.Dir = filepath.Join(home, ".config", "mendd", "state")

	if err := EnsureStateDir(cfg); err != nil {
		t.Fatalf("EnsureStateDir() error = %v", err)
	}

	info, err := os.Stat(cfg.State.Dir)
	if err != nil {
		t.Fatalf("state dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("state dir path is not a directory")
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0700 {
		t.Errorf("state dir permissions = %v, want 0700", info.Mode().Perm())
	}

	// Idempotent
	if err := EnsureStateDir(cfg); err != nil {
		t.Errorf("EnsureStateDir() second call error = %v", err)
	}
}

func TestStateFile(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.State.Dir = "/var/lib/mendd"

	got := cfg.StateFile("patterns.json")
	want := filepath.Join("/var/lib/mendd", "patterns.json")
	if got != want {
		t.Errorf("StateFile() = %q, want %q", got, want)
	}
}
