// Package retry executes operations with classification-aware retries,
// jittered exponential backoff, breaker gating and primary-to-fallback
// escalation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/breaker"
	"github.com/fyrsmithlabs/mendd/internal/fault"
	"github.com/fyrsmithlabs/mendd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/mendd/internal/retry"

// ErrBreakerOpen is returned when the breaker rejects an operation before
// any attempt is made.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Jitter bounds applied to every backoff delay.
const (
	jitterMin = 0.85
	jitterMax = 1.15
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 3
	MaxRetries int

	// BaseDelay is the backoff before the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Multiplier grows the backoff each attempt.
	// Default: 2
	Multiplier float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = defaults.BaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.Multiplier == 0 {
		c.Multiplier = defaults.Multiplier
	}
}

// Backoff returns the jittered delay before retrying after the given
// zero-based attempt: min(base × multiplier^attempt × jitter, max), with
// jitter uniform in [0.85, 1.15].
func (c Config) Backoff(attempt int) time.Duration {
	jitter := jitterMin + (jitterMax-jitterMin)*rand.Float64()
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt)) * jitter
	if delay > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// Operation is one retryable unit of work.
type Operation func(ctx context.Context) error

// Executor runs operations under the retry policy.
type Executor struct {
	config     Config
	classifier *fault.Classifier
	logger     *logging.Logger
	tracer     trace.Tracer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger *logging.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor with the given policy and classifier.
func NewExecutor(config Config, classifier *fault.Classifier, opts ...ExecutorOption) (*Executor, error) {
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	config.ApplyDefaults()

	e := &Executor{
		config:     config,
		classifier: classifier,
		logger:     logging.Nop(),
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the executor's effective policy.
func (e *Executor) Config() Config {
	return e.config
}

// ExecuteWithRetry runs the operation with up to maxRetries retries.
//
// When a breaker is supplied and rejects, the call fails immediately with
// ErrBreakerOpen: no attempt is made and no counters move. Non-retryable
// faults propagate without consuming remaining retries. The terminal error
// always carries the classified fault.
func (e *Executor) ExecuteWithRetry(ctx context.Context, name string, op Operation, maxRetries int, br *breaker.Breaker) error {
	ctx, span := e.tracer.Start(ctx, "retry.execute")
	defer span.End()
	span.SetAttributes(attribute.String("operation", name))

	if maxRetries < 0 {
		maxRetries = e.config.MaxRetries
	}

	var lastFault *fault.Fault
	startTime := time.Now()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if br != nil && !br.CanExecute() {
			err := fmt.Errorf("%w: %s", ErrBreakerOpen, br.Name())
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Warn(ctx, "operation rejected by open breaker",
				zap.String("operation", name),
				zap.String("breaker", br.Name()),
				zap.Int("attempt", attempt))
			return err
		}

		err := op(ctx)
		if err == nil {
			if br != nil {
				br.RecordSuccess()
			}
			if attempt > 0 {
				e.logger.Info(ctx, "operation recovered after retries",
					zap.String("operation", name),
					zap.Int("attempts", attempt+1),
					zap.Duration("total_time", time.Since(startTime)))
			}
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return nil
		}

		if br != nil {
			br.RecordFailure()
		}

		f := e.classifier.Classify(err, map[string]string{"operation": name})
		if !f.Retryable {
			span.RecordError(f)
			span.SetStatus(codes.Error, f.Error())
			e.logger.Debug(ctx, "fault is not retryable",
				zap.String("operation", name),
				zap.String("category", string(f.Category)),
				zap.Error(err))
			return f
		}
		lastFault = f

		if attempt == maxRetries {
			break
		}

		backoff := e.config.Backoff(attempt)
		e.logger.Info(ctx, "retrying after transient fault",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxRetries+1),
			zap.String("category", string(f.Category)),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	e.logger.Warn(ctx, "operation failed after all retries exhausted",
		zap.String("operation", name),
		zap.Int("total_attempts", maxRetries+1),
		zap.Duration("total_time", time.Since(startTime)),
		zap.Error(lastFault))
	span.RecordError(lastFault)
	span.SetStatus(codes.Error, lastFault.Error())

	return fmt.Errorf("%s failed after %d attempts: %w", name, maxRetries+1, lastFault)
}
