// Package provider implements the text-generation backends that execute
// escalated prompts: a local agent subprocess, a hosted model API, and an
// inert noop for dry runs and tests.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/mendd/internal/config"
	"github.com/fyrsmithlabs/mendd/internal/logging"
)

// Result is the outcome of a single provider execution.
type Result struct {
	// Success reports whether the backend produced a usable response.
	Success bool
	// Output is the captured response text: stdout for the subprocess
	// backend, the model completion for the api backend. May hold partial
	// output on failure.
	Output string
	// Error is a short failure summary, empty on success.
	Error string
	// Duration is the wall-clock time the execution took.
	Duration time.Duration
}

// Provider executes a prompt against a text-generation backend.
type Provider interface {
	// Name identifies the backend ("subprocess", "api", "noop").
	Name() string

	// Execute runs the prompt. A timeout > 0 bounds the attempt;
	// workingDir is where filesystem-aware backends operate. On failure
	// the returned Result, when non-nil, still carries any partial output
	// and the error summary alongside the error.
	Execute(ctx context.Context, prompt string, timeout time.Duration, workingDir string) (*Result, error)
}

// New creates a provider by name from the providers configuration.
//
// Supported names:
//   - "subprocess": local agent binary with the prompt on stdin
//   - "api": hosted model via langchaingo with local rate limiting
//   - "noop": succeeds immediately without doing anything
func New(name string, cfg config.ProvidersConfig, logger *logging.Logger) (Provider, error) {
	switch name {
	case "subprocess":
		return NewSubprocess(SubprocessConfig{
			Command: cfg.Subprocess.Command,
			Args:    cfg.Subprocess.Args,
		}, logger)

	case "api":
		return NewAPI(APIConfig{
			Model:     cfg.API.Model,
			BaseURL:   cfg.API.BaseURL,
			APIKey:    cfg.API.APIKey.Value(),
			RateLimit: cfg.API.RateLimit,
			Burst:     cfg.API.Burst,
		}, logger)

	case "noop":
		return &Noop{}, nil

	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: subprocess, api, noop)", name)
	}
}

// Noop is an inert provider that succeeds immediately, returning its
// canned output. Used for dry runs and tests.
type Noop struct {
	// Output is returned verbatim from every execution.
	Output string
}

// Name identifies the backend.
func (n *Noop) Name() string { return "noop" }

// Execute returns a successful result without doing anything.
func (n *Noop) Execute(_ context.Context, _ string, _ time.Duration, _ string) (*Result, error) {
	return &Result{Success: true, Output: n.Output}, nil
}

// failedResult pairs a failure Result with its error so callers can
// classify the error while keeping captured output for diagnostics.
func failedResult(output string, d time.Duration, err error) (*Result, error) {
	return &Result{Success: false, Output: output, Error: err.Error(), Duration: d}, err
}

// Ensure interfaces are implemented.
var _ Provider = (*Subprocess)(nil)
var _ Provider = (*API)(nil)
var _ Provider = (*Noop)(nil)
