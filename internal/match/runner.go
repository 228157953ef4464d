package match

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

// scriptStderrLimit caps how much captured stderr is carried into errors.
const scriptStderrLimit = 512

// ShellRunner executes script solution bodies through the system shell.
type ShellRunner struct {
	timeout time.Duration
	logger  *logging.Logger
}

// NewShellRunner creates a shell-backed script runner. A zero timeout
// leaves script execution unbounded.
func NewShellRunner(timeout time.Duration, logger *logging.Logger) *ShellRunner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ShellRunner{timeout: timeout, logger: logger.Named("match.runner")}
}

// RunScript runs the script with sh -c in workingDir, returning stdout.
// A non-zero exit, a start failure, or a timeout all return whatever
// stdout was written before the failure alongside the error.
func (r *ShellRunner) RunScript(ctx context.Context, script, workingDir string) (string, error) {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", script)
	cmd.Dir = workingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if ctxErr := runCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return stdout.String(), fmt.Errorf("script timed out after %s", r.timeout)
		}
		return stdout.String(), fmt.Errorf("script canceled: %w", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail := strings.TrimSpace(stderr.String())
			if len(detail) > scriptStderrLimit {
				detail = detail[:scriptStderrLimit] + "..."
			}
			if detail == "" {
				detail = "no stderr output"
			}
			return stdout.String(), fmt.Errorf("script exited with code %d: %s", exitErr.ExitCode(), detail)
		}
		return stdout.String(), fmt.Errorf("script execution failed: %w", err)
	}

	r.logger.Debug(ctx, "script completed",
		zap.Duration("duration", duration),
		zap.Int("output_bytes", stdout.Len()))

	return stdout.String(), nil
}
