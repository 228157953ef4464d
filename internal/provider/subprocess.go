package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/logging"
)

// stderrLimit caps how much captured stderr is carried into error summaries.
const stderrLimit = 512

// SubprocessConfig configures the local agent binary provider.
type SubprocessConfig struct {
	// Command is the agent binary to run. Required.
	Command string
	// Args are fixed arguments passed ahead of the prompt on stdin.
	Args []string
}

// Subprocess runs a local agent binary, writing the prompt to its stdin
// and capturing stdout as the response. The default primary dispatch path.
type Subprocess struct {
	command string
	args    []string
	logger  *logging.Logger
}

// NewSubprocess creates the subprocess provider.
func NewSubprocess(cfg SubprocessConfig, logger *logging.Logger) (*Subprocess, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("subprocess command required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Subprocess{
		command: cfg.Command,
		args:    cfg.Args,
		logger:  logger.Named("provider.subprocess"),
	}, nil
}

// Name identifies the backend.
func (s *Subprocess) Name() string { return "subprocess" }

// Execute runs the agent binary in workingDir with the prompt on stdin.
// A non-zero exit, a start failure, or a timeout all produce a failure
// Result carrying whatever stdout was written before the failure.
func (s *Subprocess) Execute(ctx context.Context, prompt string, timeout time.Duration, workingDir string) (*Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, s.command, s.args...)
	cmd.Dir = workingDir
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug(ctx, "executing agent binary",
		zap.String("command", s.command),
		zap.Duration("timeout", timeout),
		zap.String("working_dir", workingDir))

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if ctxErr := runCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return failedResult(stdout.String(), duration,
				fmt.Errorf("%s timed out after %s", s.command, timeout))
		}
		return failedResult(stdout.String(), duration,
			fmt.Errorf("%s canceled: %w", s.command, ctxErr))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail := truncate(strings.TrimSpace(stderr.String()), stderrLimit)
			if detail == "" {
				detail = "no stderr output"
			}
			return failedResult(stdout.String(), duration,
				fmt.Errorf("%s exited with code %d: %s", s.command, exitErr.ExitCode(), detail))
		}
		return failedResult(stdout.String(), duration,
			fmt.Errorf("%s execution failed: %w", s.command, err))
	}

	s.logger.Debug(ctx, "agent binary completed",
		zap.Duration("duration", duration),
		zap.Int("output_bytes", stdout.Len()))

	return &Result{Success: true, Output: stdout.String(), Duration: duration}, nil
}

// truncate caps s at limit bytes, marking the cut.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
