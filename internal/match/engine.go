// Package match evaluates pattern conditions against work items and applies
// the matched solutions.
//
// Conditions are compiled once per store revision; evaluation is pure and
// allocation-light so it can run on every item of every cycle. Application
// enforces the verification gate: an executable-script solution whose
// pattern needs verification is returned as a suggestion, never run.
package match

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/logging"
	"github.com/fyrsmithlabs/mendd/internal/pattern"
)

const instrumentationName = "github.com/fyrsmithlabs/mendd/internal/match"

// Item is one unit of work presented to the engine.
type Item struct {
	// ID identifies the item (a path, a task name, a finding ID).
	ID string
	// Content is the item's body text.
	Content string
	// FaultMessage is the failure text associated with the item, if any.
	FaultMessage string
}

// Match pairs an item with the pattern that matched it.
type Match struct {
	Pattern *pattern.Pattern
	Item    Item
}

// ApplyOutcome describes what Apply did with a solution.
type ApplyOutcome string

const (
	// OutcomeExecuted means a script solution ran; Output holds its stdout.
	OutcomeExecuted ApplyOutcome = "executed"
	// OutcomeRendered means a template solution was substituted.
	OutcomeRendered ApplyOutcome = "rendered"
	// OutcomeSuggestion means the solution was withheld pending confirmation.
	OutcomeSuggestion ApplyOutcome = "suggestion"
	// OutcomeEscalate means the solution is a prompt for the fallback provider.
	OutcomeEscalate ApplyOutcome = "escalate"
)

// ApplyResult is the outcome of applying one pattern's solution.
type ApplyResult struct {
	PatternID string
	Outcome   ApplyOutcome
	Output    string
	// RequiresConfirmation is set when the solution may not run until an
	// external party verifies it.
	RequiresConfirmation bool
}

// ApplyContext carries per-application inputs for solution rendering and
// script execution.
type ApplyContext struct {
	Item       Item
	Vars       map[string]string
	WorkingDir string
}

// ScriptRunner executes an executable-script solution body.
type ScriptRunner interface {
	RunScript(ctx context.Context, script, workingDir string) (string, error)
}

// conditionEval evaluates one compiled condition against an item.
type conditionEval func(Item) bool

// compiledEntry is one pattern with its pre-compiled condition evaluators.
type compiledEntry struct {
	pattern *pattern.Pattern
	conds   []conditionEval
	// dead is set when a condition failed to compile; the pattern can
	// never match until its conditions are fixed.
	dead bool
}

// Engine matches items against the pattern store and applies solutions.
type Engine struct {
	store  *pattern.Store
	logger *logging.Logger
	runner ScriptRunner

	tracer       trace.Tracer
	meter        metric.Meter
	matchCounter metric.Int64Counter
	hitCounter   metric.Int64Counter
	applyCounter metric.Int64Counter

	mu       sync.Mutex
	cacheRev uint64
	cache    []*compiledEntry
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *logging.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithScriptRunner sets the runner used for executable-script solutions.
// Without one, Apply returns an error for trusted scripts.
func WithScriptRunner(runner ScriptRunner) EngineOption {
	return func(e *Engine) {
		e.runner = runner
	}
}

// NewEngine creates a matching engine over the given store.
func NewEngine(store *pattern.Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	e := &Engine{
		store:  store,
		logger: logging.Nop(),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.initMetrics()

	return e, nil
}

func (e *Engine) initMetrics() {
	var err error

	e.matchCounter, err = e.meter.Int64Counter(
		"mendd.match.evaluations_total",
		metric.WithDescription("Total number of items evaluated against the pattern store"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create evaluation counter", zap.Error(err))
	}

	e.hitCounter, err = e.meter.Int64Counter(
		"mendd.match.hits_total",
		metric.WithDescription("Total number of items matched by at least one pattern"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create hit counter", zap.Error(err))
	}

	e.applyCounter, err = e.meter.Int64Counter(
		"mendd.match.applies_total",
		metric.WithDescription("Total number of solution applications by outcome"),
		metric.WithUnit("{apply}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create apply counter", zap.Error(err))
	}
}

// Match evaluates the item against every pattern and returns the
// best-confidence match, or nil when nothing matches.
func (e *Engine) Match(ctx context.Context, item Item) *Match {
	ctx, span := e.tracer.Start(ctx, "match.match")
	defer span.End()
	span.SetAttributes(attribute.String("item_id", item.ID))

	if e.matchCounter != nil {
		e.matchCounter.Add(ctx, 1)
	}

	ranked := e.rankedMatches(item)
	if len(ranked) == 0 {
		span.SetAttributes(attribute.Bool("hit", false))
		return nil
	}

	best := ranked[0]
	span.SetAttributes(
		attribute.Bool("hit", true),
		attribute.String("pattern_id", best.Pattern.ID),
		attribute.Float64("confidence", best.Pattern.Stats.Confidence),
	)
	if e.hitCounter != nil {
		e.hitCounter.Add(ctx, 1)
	}

	e.logger.Debug(ctx, "pattern matched item",
		zap.String("item_id", item.ID),
		zap.String("pattern_id", best.Pattern.ID),
		zap.Float64("confidence", best.Pattern.Stats.Confidence),
		zap.Int("candidates", len(ranked)))
	return best
}

// MatchAll evaluates every item and returns the best match per item,
// ranked by confidence descending. Items with no match are omitted.
func (e *Engine) MatchAll(ctx context.Context, items []Item) []*Match {
	ctx, span := e.tracer.Start(ctx, "match.match_all")
	defer span.End()
	span.SetAttributes(attribute.Int("items", len(items)))

	var out []*Match
	for _, item := range items {
		if e.matchCounter != nil {
			e.matchCounter.Add(ctx, 1)
		}
		ranked := e.rankedMatches(item)
		if len(ranked) == 0 {
			continue
		}
		if e.hitCounter != nil {
			e.hitCounter.Add(ctx, 1)
		}
		out = append(out, ranked[0])
	}

	// Stable: equal confidence keeps item presentation order
	sortMatches(out)

	span.SetAttributes(attribute.Int("matches", len(out)))
	return out
}

// MatchesFor returns every pattern matching the item, ranked by confidence
// descending with ties in insertion order.
func (e *Engine) MatchesFor(ctx context.Context, item Item) []*Match {
	_, span := e.tracer.Start(ctx, "match.matches_for")
	defer span.End()
	span.SetAttributes(attribute.String("item_id", item.ID))

	ranked := e.rankedMatches(item)
	span.SetAttributes(attribute.Int("matches", len(ranked)))
	return ranked
}

// Apply renders or executes a pattern's solution for the given context.
//
// Executable scripts run only when the pattern is trusted; a pattern that
// needs verification gets its script returned as a non-executed suggestion.
// Unresolved template placeholders are left verbatim.
func (e *Engine) Apply(ctx context.Context, p *pattern.Pattern, ac ApplyContext) (*ApplyResult, error) {
	ctx, span := e.tracer.Start(ctx, "match.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("pattern_id", p.ID),
		attribute.String("solution_kind", string(p.Solution.Kind)),
		attribute.String("item_id", ac.Item.ID),
	)

	result, err := e.apply(ctx, p, ac)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.applyCounter != nil {
			e.applyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	if e.applyCounter != nil {
		e.applyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(result.Outcome))))
	}
	return result, nil
}

func (e *Engine) apply(ctx context.Context, p *pattern.Pattern, ac ApplyContext) (*ApplyResult, error) {
	switch p.Solution.Kind {
	case pattern.SolutionExecutableScript:
		if p.NeedsVerification() {
			e.logger.Info(ctx, "script withheld pending verification",
				zap.String("pattern_id", p.ID),
				zap.Float64("confidence", p.Stats.Confidence),
				zap.String("phase", string(p.Stats.Phase)))
			return &ApplyResult{
				PatternID:            p.ID,
				Outcome:              OutcomeSuggestion,
				Output:               p.Solution.Body,
				RequiresConfirmation: true,
			}, nil
		}
		if e.runner == nil {
			return nil, fmt.Errorf("no script runner configured for pattern %s", p.ID)
		}
		output, err := e.runner.RunScript(ctx, p.Solution.Body, ac.WorkingDir)
		if err != nil {
			return nil, fmt.Errorf("script for pattern %s failed: %w", p.ID, err)
		}
		return &ApplyResult{PatternID: p.ID, Outcome: OutcomeExecuted, Output: output}, nil

	case pattern.SolutionTextTemplate:
		return &ApplyResult{
			PatternID: p.ID,
			Outcome:   OutcomeRendered,
			Output:    substitute(p.Solution.Body, ac.Item, ac.Vars),
		}, nil

	case pattern.SolutionEscalatePrompt:
		return &ApplyResult{
			PatternID: p.ID,
			Outcome:   OutcomeEscalate,
			Output:    substitute(p.Solution.Body, ac.Item, ac.Vars),
		}, nil

	default:
		return nil, fmt.Errorf("unknown solution kind %q for pattern %s", p.Solution.Kind, p.ID)
	}
}

// ReportOutcome feeds a pattern use back into the store's confidence
// accounting. Every use is reported, hit or escalation alike.
func (e *Engine) ReportOutcome(ctx context.Context, patternID string, success bool) error {
	return e.store.UpdateConfidence(ctx, patternID, success)
}

// rankedMatches returns all patterns matching the item, ranked by
// confidence descending; ties keep insertion order.
func (e *Engine) rankedMatches(item Item) []*Match {
	var out []*Match
	for _, entry := range e.snapshot() {
		if entry.dead || len(entry.conds) == 0 {
			continue
		}
		matched := true
		for _, cond := range entry.conds {
			if !cond(item) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, &Match{Pattern: entry.pattern, Item: item})
		}
	}
	sortMatches(out)
	return out
}

// sortMatches orders by confidence descending; stability keeps the walk
// order for equal confidence.
func sortMatches(matches []*Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Pattern.Stats.Confidence > matches[j].Pattern.Stats.Confidence
	})
}

// snapshot returns the compiled pattern set, recompiling when the store
// revision has moved.
func (e *Engine) snapshot() []*compiledEntry {
	rev := e.store.Revision()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache != nil && e.cacheRev == rev {
		return e.cache
	}

	patterns := e.store.List()
	entries := make([]*compiledEntry, 0, len(patterns))
	for _, p := range patterns {
		entries = append(entries, e.compile(p))
	}
	e.cache = entries
	e.cacheRev = rev

	e.logger.Debug(context.Background(), "pattern conditions compiled",
		zap.Uint64("revision", rev),
		zap.Int("patterns", len(entries)))
	return e.cache
}

func (e *Engine) compile(p *pattern.Pattern) *compiledEntry {
	entry := &compiledEntry{pattern: p}
	for i, cond := range p.Conditions {
		eval, err := compileCondition(cond)
		if err != nil {
			e.logger.Warn(context.Background(), "condition failed to compile, pattern disabled",
				zap.String("pattern_id", p.ID),
				zap.Int("condition", i),
				zap.String("kind", string(cond.Kind)),
				zap.Error(err))
			entry.dead = true
			entry.conds = nil
			return entry
		}
		entry.conds = append(entry.conds, eval)
	}
	return entry
}

func compileCondition(cond pattern.Condition) (conditionEval, error) {
	target := cond.Target
	switch cond.Kind {
	case pattern.ConditionTextRegex:
		re, err := regexp.Compile(cond.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", cond.Value, err)
		}
		return func(item Item) bool {
			return re.MatchString(targetValue(item, target))
		}, nil

	case pattern.ConditionPathGlob:
		if _, err := filepath.Match(cond.Value, "test"); err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", cond.Value, err)
		}
		glob := cond.Value
		return func(item Item) bool {
			return matchGlob(glob, targetValue(item, target))
		}, nil

	case pattern.ConditionStructuralSubstring:
		fragment := cond.Value
		return func(item Item) bool {
			return strings.Contains(targetValue(item, target), fragment)
		}, nil

	case pattern.ConditionFaultCode:
		code := strings.ToLower(cond.Value)
		return func(item Item) bool {
			return strings.Contains(strings.ToLower(targetValue(item, target)), code)
		}, nil

	default:
		return nil, fmt.Errorf("unknown condition kind %q", cond.Kind)
	}
}

func targetValue(item Item, target pattern.ConditionTarget) string {
	switch target {
	case pattern.TargetContent:
		return item.Content
	case pattern.TargetIdentifier:
		return item.ID
	case pattern.TargetFaultMessage:
		return item.FaultMessage
	default:
		return ""
	}
}

// matchGlob matches a path against a glob, trying the full path, its
// basename, and a "dir/**" prefix form.
func matchGlob(glob, path string) bool {
	if matched, _ := filepath.Match(glob, path); matched {
		return true
	}
	if matched, _ := filepath.Match(glob, filepath.Base(path)); matched {
		return true
	}
	if strings.Contains(glob, "**") {
		prefix := strings.TrimSuffix(glob, "/**")
		if strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
