// Package dispatch routes escalated work items to text-generation
// providers. The primary provider is retried with classified backoff and
// circuit breaker accounting; when policy permits, an exhausted primary
// path escalates to the fallback provider exactly once. Provider output
// is validated against a required structural shape before a dispatch
// counts as successful, and every dispatch updates per-skill statistics.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/breaker"
	"github.com/fyrsmithlabs/mendd/internal/fault"
	"github.com/fyrsmithlabs/mendd/internal/logging"
	"github.com/fyrsmithlabs/mendd/internal/metrics"
	"github.com/fyrsmithlabs/mendd/internal/provider"
	"github.com/fyrsmithlabs/mendd/internal/retry"
)

const instrumentationName = "github.com/fyrsmithlabs/mendd/internal/dispatch"

// Serving paths reported in statistics, metrics, and log fields.
const (
	PathPrimary  = "primary"
	PathFallback = "fallback"
)

// ErrInvalidShape marks provider output that is missing the required
// structural fields. Shape failures stay on the retry path.
var ErrInvalidShape = errors.New("invalid output shape")

// shapeRule classifies structurally invalid provider output as external
// so it is retried rather than treated as a permanent validation error.
var shapeRule = fault.Rule{
	Name:     "invalid-output-shape",
	Pattern:  `(?i)invalid output shape`,
	Category: fault.CategoryExternal,
}

// Config controls dispatch policy.
type Config struct {
	// MaxRetries bounds primary provider attempts. Total attempts on the
	// primary path are MaxRetries + 1.
	MaxRetries int

	// AllowFallback permits escalation to the fallback provider after the
	// primary path is exhausted.
	AllowFallback bool

	// AttemptTimeout bounds each provider execution. Zero means no limit.
	AttemptTimeout time.Duration

	// RequiredFields lists gjson paths that must be present in provider
	// output for a dispatch to count as successful. Empty disables shape
	// validation.
	RequiredFields []string

	// Retry is the backoff policy applied to primary attempts.
	Retry retry.Config
}

// Request is one unit of work routed to the providers.
type Request struct {
	// Skill labels the kind of work for statistics and metrics.
	Skill string

	// Prompt is handed verbatim to the provider.
	Prompt string

	// WorkingDir is where filesystem-aware providers operate.
	WorkingDir string
}

// Response reports a served dispatch.
type Response struct {
	// Output is the provider output that passed shape validation.
	Output string

	// ServedBy is the path that produced the output.
	ServedBy string

	// Duration is total dispatch wall-clock time including retries.
	Duration time.Duration
}

// Stats aggregates dispatch outcomes for one skill.
type Stats struct {
	Skill          string        `json:"skill"`
	ExecutionCount int           `json:"executionCount"`
	SuccessCount   int           `json:"successCount"`
	FailureCount   int           `json:"failureCount"`
	FallbackCount  int           `json:"fallbackCount"`
	AvgDuration    time.Duration `json:"avgDuration"`
}

// Dispatcher routes work to a primary provider with retries and an
// optional single-shot fallback, keeping per-skill statistics.
type Dispatcher struct {
	primary  provider.Provider
	fallback provider.Provider
	breakers *breaker.Group
	executor *retry.Executor
	config   Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	mu    sync.RWMutex
	stats map[string]*Stats
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher wires a dual-provider dispatcher. The primary provider is
// required; a fallback is required only when cfg.AllowFallback is set. A
// nil breaker group gets defaults. The dispatcher builds its own fault
// classifier so shape failures are always classified as retryable.
func NewDispatcher(primary, fallback provider.Provider, breakers *breaker.Group, cfg Config, opts ...Option) (*Dispatcher, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary provider required")
	}
	if cfg.AllowFallback && fallback == nil {
		return nil, fmt.Errorf("fallback provider required when fallback is allowed")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.Retry.ApplyDefaults()

	d := &Dispatcher{
		primary:  primary,
		fallback: fallback,
		breakers: breakers,
		config:   cfg,
		logger:   logging.Nop(),
		tracer:   otel.Tracer(instrumentationName),
		stats:    make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("dispatch")
	if d.breakers == nil {
		d.breakers = breaker.NewGroup(breaker.DefaultConfig(), d.logger)
	}
	d.metrics = metrics.NewMetrics()

	classifier, err := fault.NewClassifier(
		fault.WithPrependedRules(shapeRule),
		fault.WithClassifierLogger(d.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("building dispatch classifier: %w", err)
	}
	executor, err := retry.NewExecutor(cfg.Retry, classifier, retry.WithLogger(d.logger))
	if err != nil {
		return nil, fmt.Errorf("building dispatch executor: %w", err)
	}
	d.executor = executor

	return d, nil
}

// Breakers exposes the circuit breaker group serving this dispatcher.
func (d *Dispatcher) Breakers() *breaker.Group {
	return d.breakers
}

// Dispatch routes one request. The primary provider is attempted with
// classified retries, skipping straight to the fallback when the primary
// breaker is open. When policy permits, an exhausted primary path invokes
// the fallback provider exactly once. The fallback breaker is consulted
// before that single attempt; an open fallback breaker surfaces as
// retry.ErrBreakerOpen, the signal callers treat as an unrecoverable
// abort.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.dispatch",
		trace.WithAttributes(attribute.String("skill", req.Skill)))
	defer span.End()

	start := time.Now()

	var output string
	primaryBr := d.breakers.For(d.primary.Name())

	primaryOp := func(ctx context.Context) error {
		return d.executor.ExecuteWithRetry(ctx, req.Skill, func(ctx context.Context) error {
			out, err := d.attempt(ctx, d.primary, req, PathPrimary)
			if err != nil {
				return err
			}
			output = out
			return nil
		}, d.config.MaxRetries, primaryBr)
	}

	var usedFallback bool
	var err error
	if d.config.AllowFallback {
		fallbackBr := d.breakers.For(d.fallback.Name())
		fallbackOp := func(ctx context.Context) error {
			if !fallbackBr.CanExecute() {
				return fmt.Errorf("%w: %s", retry.ErrBreakerOpen, fallbackBr.Name())
			}
			out, ferr := d.attempt(ctx, d.fallback, req, PathFallback)
			if ferr != nil {
				fallbackBr.RecordFailure()
				return ferr
			}
			fallbackBr.RecordSuccess()
			output = out
			return nil
		}
		// Primary breaker accounting happens inside ExecuteWithRetry, so
		// the fallback orchestration runs without one.
		usedFallback, err = d.executor.ExecuteWithFallback(ctx, req.Skill, primaryOp, fallbackOp, nil)
	} else {
		err = primaryOp(ctx)
	}

	duration := time.Since(start)
	servedBy := PathPrimary
	if usedFallback {
		servedBy = PathFallback
		d.metrics.RecordFallback()
	}

	d.recordStats(req.Skill, duration, err == nil, usedFallback)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn(ctx, "dispatch failed",
			zap.String("skill", req.Skill),
			zap.String("served_by", servedBy),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.String("served_by", servedBy))
	d.logger.Info(ctx, "dispatch served",
		zap.String("skill", req.Skill),
		zap.String("served_by", servedBy),
		zap.Duration("duration", duration))

	return &Response{Output: output, ServedBy: servedBy, Duration: duration}, nil
}

// attempt runs a single provider execution and validates the output
// shape. Each attempt is recorded in the metrics registry under its
// serving path.
func (d *Dispatcher) attempt(ctx context.Context, p provider.Provider, req Request, path string) (string, error) {
	start := time.Now()
	res, err := p.Execute(ctx, req.Prompt, d.config.AttemptTimeout, req.WorkingDir)
	duration := time.Since(start)

	if err == nil {
		err = d.validateShape(res.Output)
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	d.metrics.RecordDispatch(path, outcome, duration.Seconds())

	d.logger.Debug(ctx, "provider attempt",
		zap.String("skill", req.Skill),
		zap.String("provider", p.Name()),
		zap.String("path", path),
		zap.String("outcome", outcome),
		zap.Duration("duration", duration))

	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// validateShape checks that provider output is valid JSON carrying every
// required field. Returns nil when no fields are configured.
func (d *Dispatcher) validateShape(output string) error {
	if len(d.config.RequiredFields) == 0 {
		return nil
	}
	if !gjson.Valid(output) {
		return fmt.Errorf("%w: output is not valid JSON", ErrInvalidShape)
	}
	for _, field := range d.config.RequiredFields {
		if !gjson.Get(output, field).Exists() {
			return fmt.Errorf("%w: missing required field %q", ErrInvalidShape, field)
		}
	}
	return nil
}

// recordStats folds one dispatch outcome into the per-skill statistics.
func (d *Dispatcher) recordStats(skill string, duration time.Duration, success, usedFallback bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.stats[skill]
	if !ok {
		s = &Stats{Skill: skill}
		d.stats[skill] = s
	}
	s.ExecutionCount++
	if success {
		s.SuccessCount++
	} else {
		s.FailureCount++
	}
	if usedFallback {
		s.FallbackCount++
	}
	// Incremental running average.
	s.AvgDuration += (duration - s.AvgDuration) / time.Duration(s.ExecutionCount)
}

// Stats returns a copy of the statistics recorded for one skill.
func (d *Dispatcher) Stats(skill string) (Stats, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.stats[skill]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// AllStats returns per-skill statistics sorted by skill name.
func (d *Dispatcher) AllStats() []Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Stats, 0, len(d.stats))
	for _, s := range d.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Skill < out[j].Skill })
	return out
}
