// Package cycle runs improvement cycles over batches of work items.
//
// A cycle drives each item through the decision chain: cooldown check,
// pattern match, auto-apply or suggestion, and provider dispatch for
// everything the pattern store cannot resolve. Per-item failures are
// recorded and the cycle moves on; only an exhausted dispatch path or a
// permanent fault aborts the batch. After the last item the engine
// extracts candidate patterns from verified escalations, recomputes
// learning statistics, and persists them.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/approval"
	"github.com/fyrsmithlabs/mendd/internal/breaker"
	"github.com/fyrsmithlabs/mendd/internal/cooldown"
	"github.com/fyrsmithlabs/mendd/internal/dispatch"
	"github.com/fyrsmithlabs/mendd/internal/events"
	"github.com/fyrsmithlabs/mendd/internal/fault"
	"github.com/fyrsmithlabs/mendd/internal/logging"
	"github.com/fyrsmithlabs/mendd/internal/match"
	"github.com/fyrsmithlabs/mendd/internal/metrics"
	"github.com/fyrsmithlabs/mendd/internal/pattern"
	"github.com/fyrsmithlabs/mendd/internal/redact"
	"github.com/fyrsmithlabs/mendd/internal/retry"
)

const instrumentationName = "github.com/fyrsmithlabs/mendd/internal/cycle"

// ErrAborted wraps the cause when a cycle stops before processing every
// item. Callers should treat it as an operational failure even though
// the partial report is still returned.
var ErrAborted = errors.New("cycle aborted")

// WorkItem is one unit of work fed into a cycle, typically a failing
// task or diagnostic finding loaded from a batch file.
type WorkItem struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	FaultMessage string `json:"faultMessage,omitempty"`
	FaultCode    string `json:"faultCode,omitempty"`
	Skill        string `json:"skill,omitempty"`
	WorkingDir   string `json:"workingDir,omitempty"`
}

// ItemOutcome is the terminal state of one work item within a cycle.
type ItemOutcome string

const (
	OutcomeApplied   ItemOutcome = "applied"
	OutcomeSuggested ItemOutcome = "suggested"
	OutcomeEscalated ItemOutcome = "escalated"
	OutcomeSkipped   ItemOutcome = "skipped"
	OutcomeFailed    ItemOutcome = "failed"
)

// ItemResult records how a single item fared.
type ItemResult struct {
	Item      string        `json:"item"`
	Outcome   ItemOutcome   `json:"outcome"`
	PatternID string        `json:"patternId,omitempty"`
	ServedBy  string        `json:"servedBy,omitempty"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Category  string        `json:"category,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Report summarizes a completed (or aborted) cycle.
type Report struct {
	CycleID     string                `json:"cycleId"`
	StartedAt   time.Time             `json:"startedAt"`
	Duration    time.Duration         `json:"duration"`
	Items       []ItemResult          `json:"items"`
	Processed   int                   `json:"processed"`
	Applied     int                   `json:"applied"`
	Suggested   int                   `json:"suggested"`
	Escalated   int                   `json:"escalated"`
	Skipped     int                   `json:"skipped"`
	Failed      int                   `json:"failed"`
	Extracted   int                   `json:"extracted"`
	Aborted     bool                  `json:"aborted"`
	AbortReason string                `json:"abortReason,omitempty"`
	Stats       pattern.LearningStats `json:"stats"`
}

func (r *Report) tally(outcome ItemOutcome) {
	r.Processed++
	switch outcome {
	case OutcomeApplied:
		r.Applied++
	case OutcomeSuggested:
		r.Suggested++
	case OutcomeEscalated:
		r.Escalated++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
}

// Config tunes engine behavior that is not owned by a collaborator.
type Config struct {
	// MaxRetries mirrors the dispatch retry budget and feeds recovery
	// decisions after a dispatch has failed.
	MaxRetries int

	// Vars are substituted into pattern solution templates.
	Vars map[string]string
}

// Deps are the collaborators a cycle engine drives. Store, Matcher,
// Dispatcher, Stats, and Cooldowns are required; the rest default to
// inert implementations.
type Deps struct {
	Store      *pattern.Store
	Matcher    *match.Engine
	Dispatcher *dispatch.Dispatcher
	Stats      *pattern.StatsTracker
	Cooldowns  *cooldown.Tracker
	Gate       approval.Gate
	Notifier   approval.Notifier
	Bus        *events.Bus
	Scrubber   redact.Scrubber
}

// Engine executes improvement cycles.
type Engine struct {
	store      *pattern.Store
	matcher    *match.Engine
	dispatcher *dispatch.Dispatcher
	stats      *pattern.StatsTracker
	cooldowns  *cooldown.Tracker
	gate       approval.Gate
	notifier   approval.Notifier
	bus        *events.Bus
	scrubber   redact.Scrubber
	classifier *fault.Classifier

	config  Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used by the engine.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine builds a cycle engine around the given collaborators.
func NewEngine(deps Deps, cfg Config, opts ...Option) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pattern store required")
	case deps.Matcher == nil:
		return nil, errors.New("match engine required")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher required")
	case deps.Stats == nil:
		return nil, errors.New("stats tracker required")
	case deps.Cooldowns == nil:
		return nil, errors.New("cooldown tracker required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	e := &Engine{
		store:      deps.Store,
		matcher:    deps.Matcher,
		dispatcher: deps.Dispatcher,
		stats:      deps.Stats,
		cooldowns:  deps.Cooldowns,
		gate:       deps.Gate,
		notifier:   deps.Notifier,
		bus:        deps.Bus,
		scrubber:   deps.Scrubber,
		config:     cfg,
		logger:     logging.Nop(),
		metrics:    metrics.NewMetrics(),
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("cycle")

	if e.gate == nil {
		e.gate = approval.NewAuto(false, e.logger)
	}
	if e.notifier == nil {
		e.notifier = &approval.NopNotifier{}
	}
	if e.scrubber == nil {
		e.scrubber = redact.Passthrough{}
	}

	classifier, err := fault.NewClassifier(fault.WithClassifierLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("building cycle classifier: %w", err)
	}
	e.classifier = classifier

	return e, nil
}

// Run processes the batch and returns a report. The report is always
// non-nil; the error is non-nil only when the cycle aborted or the
// context was canceled. Items that individually fail do not fail the
// cycle.
func (e *Engine) Run(ctx context.Context, items []WorkItem) (*Report, error) {
	cycleID := "cyc_" + uuid.New().String()
	ctx = logging.WithCycleID(ctx, cycleID)
	ctx, span := e.tracer.Start(ctx, "cycle.run", trace.WithAttributes(
		attribute.String("cycle.id", cycleID),
		attribute.Int("cycle.items", len(items)),
	))
	defer span.End()

	start := time.Now()
	report := &Report{CycleID: cycleID, StartedAt: start.UTC()}

	e.logger.Info(ctx, "cycle started",
		zap.String("cycle_id", cycleID),
		zap.Int("items", len(items)))
	e.emit(ctx, e.bus.CycleStarted(ctx, cycleID, len(items)))

	if removed, err := e.cooldowns.Cleanup(ctx); err != nil {
		e.logger.Warn(ctx, "cooldown cleanup failed", zap.Error(err))
	} else if removed > 0 {
		e.logger.Info(ctx, "expired cooldown records removed", zap.Int("removed", removed))
	}

	var (
		resolutions []resolution
		abortErr    error
	)
	breakersBefore := e.dispatcher.Breakers().Snapshots()

	for _, item := range items {
		select {
		case <-ctx.Done():
			report.Duration = time.Since(start)
			return report, ctx.Err()
		default:
		}

		result, learned, abort := e.processItem(ctx, cycleID, item)
		report.Items = append(report.Items, result)
		report.tally(result.Outcome)
		if learned != nil {
			resolutions = append(resolutions, *learned)
		}

		e.metrics.RecordItem(string(result.Outcome))
		e.emit(ctx, e.bus.ItemProcessed(ctx, cycleID, item.ID, string(result.Outcome)))
		breakersBefore = e.observeBreakers(ctx, cycleID, breakersBefore)

		if abort != nil {
			abortErr = abort
			report.Aborted = true
			report.AbortReason = abort.Error()
			e.notifyAbort(ctx, item, abort, result.Category)
			break
		}
	}

	report.Extracted = e.extractResolutions(ctx, resolutions)

	stats, err := e.stats.CompleteCycle(ctx, e.store)
	if err != nil {
		e.logger.Error(ctx, "persisting learning stats failed", zap.Error(err))
		report.Stats = e.stats.Snapshot()
	} else {
		report.Stats = stats
	}

	e.metrics.RecordCycle()
	report.Duration = time.Since(start)

	e.emit(ctx, e.bus.CycleCompleted(ctx, cycleID, events.Summary{
		Processed:  report.Processed,
		Applied:    report.Applied,
		Suggested:  report.Suggested,
		Escalated:  report.Escalated,
		Skipped:    report.Skipped,
		Failed:     report.Failed,
		DurationMS: report.Duration.Milliseconds(),
	}))

	e.logger.Info(ctx, "cycle completed",
		zap.String("cycle_id", cycleID),
		zap.Int("processed", report.Processed),
		zap.Int("applied", report.Applied),
		zap.Int("suggested", report.Suggested),
		zap.Int("escalated", report.Escalated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("extracted", report.Extracted),
		zap.Bool("aborted", report.Aborted),
		zap.Duration("duration", report.Duration))

	if abortErr != nil {
		span.SetStatus(codes.Error, report.AbortReason)
		return report, fmt.Errorf("%w: %s", ErrAborted, report.AbortReason)
	}
	return report, nil
}

// resolution is a verified escalation kept for pattern extraction.
type resolution struct {
	item    WorkItem
	output  string
	summary string
}

// processItem walks one item through the decision chain. A non-nil
// abort error stops the whole cycle.
func (e *Engine) processItem(ctx context.Context, cycleID string, item WorkItem) (ItemResult, *resolution, error) {
	start := time.Now()
	result := ItemResult{Item: item.ID}

	if e.cooldowns.IsBlacklisted(item.ID, item.Content) {
		e.metrics.RecordCooldownBlock()
		e.logger.Info(ctx, "item cooling down, skipped", zap.String("item", item.ID))
		result.Outcome = OutcomeSkipped
		result.Duration = time.Since(start)
		return result, nil, nil
	}

	matchItem := match.Item{ID: item.ID, Content: item.Content, FaultMessage: item.FaultMessage}
	m := e.matcher.Match(ctx, matchItem)

	var prompt string
	if m != nil {
		result.PatternID = m.Pattern.ID
		e.emit(ctx, e.bus.PatternHit(ctx, cycleID, item.ID, m.Pattern.ID, m.Pattern.Stats.Confidence))

		applied, err := e.matcher.Apply(ctx, m.Pattern, match.ApplyContext{
			Item:       matchItem,
			Vars:       e.config.Vars,
			WorkingDir: item.WorkingDir,
		})
		if err != nil {
			f := e.classifier.Classify(err, map[string]string{"item": item.ID, "pattern": m.Pattern.ID})
			e.stats.RecordHit()
			e.metrics.RecordPatternHit()
			e.reportPattern(ctx, m.Pattern.ID, false)
			e.recordCooldown(ctx, item, err)
			result.Outcome = OutcomeFailed
			result.Error = err.Error()
			result.Category = string(f.Category)
			result.Duration = time.Since(start)
			return result, nil, nil
		}

		switch applied.Outcome {
		case match.OutcomeExecuted, match.OutcomeRendered:
			e.stats.RecordHit()
			e.metrics.RecordPatternHit()
			e.reportPattern(ctx, m.Pattern.ID, true)
			result.Outcome = OutcomeApplied
			result.Output = e.scrubber.Scrub(applied.Output)
			result.Duration = time.Since(start)
			return result, nil, nil
		case match.OutcomeSuggestion:
			// Suggestions are surfaced, never executed, so there is no
			// observed outcome to feed back into confidence.
			e.stats.RecordHit()
			e.metrics.RecordPatternHit()
			result.Outcome = OutcomeSuggested
			result.Output = e.scrubber.Scrub(applied.Output)
			result.Duration = time.Since(start)
			return result, nil, nil
		case match.OutcomeEscalate:
			prompt = applied.Output
		}
	}

	// No pattern resolved the item: hand it to a provider.
	e.stats.RecordEscalation()
	e.metrics.RecordEscalation()
	if prompt == "" {
		prompt = buildPrompt(item)
	}

	resp, err := e.dispatcher.Dispatch(ctx, dispatch.Request{
		Skill:      skillFor(item),
		Prompt:     prompt,
		WorkingDir: item.WorkingDir,
	})
	if err != nil {
		return e.handleDispatchFailure(ctx, item, m, err, start)
	}

	if m != nil {
		// The pattern's escalation prompt led to a resolution.
		e.reportPattern(ctx, m.Pattern.ID, true)
	}
	e.emit(ctx, e.bus.Escalated(ctx, cycleID, item.ID, skillFor(item), resp.ServedBy))

	result.Outcome = OutcomeEscalated
	result.ServedBy = resp.ServedBy
	result.Output = e.scrubber.Scrub(resp.Output)
	result.Duration = time.Since(start)

	var learned *resolution
	if m == nil && gjson.Get(resp.Output, "success").Bool() {
		learned = &resolution{
			item:    item,
			output:  resp.Output,
			summary: gjson.Get(resp.Output, "summary").String(),
		}
	}
	return result, learned, nil
}

// handleDispatchFailure classifies a terminal dispatch error and
// decides whether the cycle can continue.
func (e *Engine) handleDispatchFailure(ctx context.Context, item WorkItem, m *match.Match, err error, start time.Time) (ItemResult, *resolution, error) {
	result := ItemResult{
		Item:    item.ID,
		Outcome: OutcomeFailed,
		Error:   err.Error(),
	}

	if m != nil {
		e.reportPattern(ctx, m.Pattern.ID, false)
	}
	e.recordCooldown(ctx, item, err)

	if errors.Is(err, retry.ErrBreakerOpen) {
		result.Category = "circuit-open"
		result.Duration = time.Since(start)
		return result, nil, fmt.Errorf("no dispatch path available for %s: %w", item.ID, err)
	}

	var f *fault.Fault
	if !errors.As(err, &f) {
		result.Category = string(fault.CategoryUnknown)
		result.Duration = time.Since(start)
		return result, nil, nil
	}
	result.Category = string(f.Category)

	recovery := retry.DetermineRecoveryAction(f, e.config.MaxRetries+1, e.config.MaxRetries)
	e.logger.Info(ctx, "recovery determined",
		zap.String("item", item.ID),
		zap.String("category", string(f.Category)),
		zap.String("action", string(recovery.Action)),
		zap.Bool("requires_approval", recovery.RequiresApproval))

	if recovery.RequiresApproval {
		description := fmt.Sprintf("%s\n\nfault: %s", recovery.Reason, e.scrubber.Scrub(err.Error()))
		if f.SuggestedAction != "" {
			description += "\nsuggested: " + f.SuggestedAction
		}
		approved := e.gate.RequestApproval(ctx,
			string(recovery.Action),
			fmt.Sprintf("recovery for item %s", item.ID),
			description,
			riskFor(f.Category))
		e.logger.Info(ctx, "recovery approval decided",
			zap.String("item", item.ID),
			zap.String("action", string(recovery.Action)),
			zap.Bool("approved", approved))
	}

	if recovery.Action == retry.ActionAbort {
		result.Duration = time.Since(start)
		return result, nil, fmt.Errorf("%s fault on %s: %w", f.Category, item.ID, err)
	}

	result.Duration = time.Since(start)
	return result, nil, nil
}

// observeBreakers diffs breaker snapshots, publishing transition events
// and warning when a circuit opens. Returns the fresh snapshots.
func (e *Engine) observeBreakers(ctx context.Context, cycleID string, before []breaker.Snapshot) []breaker.Snapshot {
	after := e.dispatcher.Breakers().Snapshots()

	prev := make(map[string]breaker.State, len(before))
	for _, s := range before {
		prev[s.Name] = s.State
	}

	for _, s := range after {
		old, seen := prev[s.Name]
		if !seen {
			// Breakers start closed, so a new closed breaker is not a
			// transition.
			old = breaker.StateClosed
		}
		if old == s.State {
			continue
		}

		e.metrics.RecordBreakerTransition(s.Name, string(s.State))
		e.emit(ctx, e.bus.CircuitTransition(ctx, cycleID, s.Name, string(old), string(s.State)))
		e.logger.Warn(ctx, "circuit transitioned",
			zap.String("breaker", s.Name),
			zap.String("from", string(old)),
			zap.String("to", string(s.State)))

		if s.State == breaker.StateOpen {
			e.notify(ctx, approval.SeverityWarning, "circuit opened",
				fmt.Sprintf("breaker %s transitioned %s -> %s; dispatches on this path will be rejected until the cooldown elapses", s.Name, old, s.State))
		}
	}
	return after
}

// notifyAbort always reports aborts with the attempt count and fault
// category so an operator can act without reading logs.
func (e *Engine) notifyAbort(ctx context.Context, item WorkItem, cause error, category string) {
	if category == "" {
		category = string(fault.CategoryUnknown)
	}
	e.notify(ctx, approval.SeverityCritical, "cycle aborted",
		fmt.Sprintf("item %s failed after %d attempts (category %s): %s",
			item.ID, e.config.MaxRetries+1, category, e.scrubber.Scrub(cause.Error())))
}

func (e *Engine) notify(ctx context.Context, severity, title, body string) {
	if err := e.notifier.Notify(ctx, severity, title, body); err != nil {
		e.logger.Warn(ctx, "notification failed", zap.String("title", title), zap.Error(err))
	}
}

// extractResolutions turns verified escalations into candidate patterns
// before learning stats are recomputed, so new patterns count in the
// same cycle's snapshot.
func (e *Engine) extractResolutions(ctx context.Context, resolutions []resolution) int {
	extracted := 0
	for _, r := range resolutions {
		added, err := e.extractPattern(ctx, r)
		if err != nil {
			e.logger.Warn(ctx, "pattern extraction failed",
				zap.String("item", r.item.ID), zap.Error(err))
			continue
		}
		if added {
			extracted++
			e.metrics.RecordPatternExtracted()
		}
	}
	return extracted
}

// dedupeSimilarity is the floor above which an existing pattern blocks
// extraction of a near-duplicate.
const dedupeSimilarity = 0.8

func (e *Engine) extractPattern(ctx context.Context, r resolution) (bool, error) {
	cond, ok := conditionFor(r.item)
	if !ok {
		e.logger.Debug(ctx, "resolution has no extractable condition",
			zap.String("item", r.item.ID))
		return false, nil
	}

	description := fmt.Sprintf("learned from %s: %s", r.item.ID, shortFault(r.item))
	if similar := e.store.FindSimilar(description); len(similar) > 0 && similar[0].Similarity >= dedupeSimilarity {
		e.logger.Debug(ctx, "similar pattern exists, extraction skipped",
			zap.String("item", r.item.ID),
			zap.String("pattern_id", similar[0].Pattern.ID),
			zap.Float64("similarity", similar[0].Similarity))
		return false, nil
	}

	body := r.summary
	if body == "" {
		body = truncate(r.output, 2000)
	}

	p := &pattern.Pattern{
		Name:        "learned: " + shortFault(r.item),
		Description: e.scrubber.Scrub(description),
		Conditions:  []pattern.Condition{cond},
		Solution: pattern.Solution{
			Kind: pattern.SolutionTextTemplate,
			Body: e.scrubber.Scrub(body),
		},
	}
	if err := e.store.Add(ctx, p); err != nil {
		return false, err
	}

	e.logger.Info(ctx, "pattern extracted",
		zap.String("pattern_id", p.ID),
		zap.String("item", r.item.ID))
	return true, nil
}

// conditionFor derives a match condition from the item's fault code
// when present, otherwise from its normalized fault message.
func conditionFor(item WorkItem) (pattern.Condition, bool) {
	if item.FaultCode != "" {
		return pattern.Condition{
			Kind:   pattern.ConditionFaultCode,
			Target: pattern.TargetFaultMessage,
			Value:  item.FaultCode,
		}, true
	}
	if msg := normalizeFault(item.FaultMessage); msg != "" {
		return pattern.Condition{
			Kind:   pattern.ConditionStructuralSubstring,
			Target: pattern.TargetFaultMessage,
			Value:  msg,
		}, true
	}
	return pattern.Condition{}, false
}

func (e *Engine) reportPattern(ctx context.Context, patternID string, success bool) {
	if err := e.matcher.ReportOutcome(ctx, patternID, success); err != nil {
		e.logger.Warn(ctx, "pattern outcome report failed",
			zap.String("pattern_id", patternID), zap.Error(err))
	}
}

func (e *Engine) recordCooldown(ctx context.Context, item WorkItem, cause error) {
	if _, err := e.cooldowns.RecordFailure(ctx, item.ID, item.Content, cause.Error()); err != nil {
		e.logger.Warn(ctx, "cooldown record failed",
			zap.String("item", item.ID), zap.Error(err))
	}
}

func (e *Engine) emit(ctx context.Context, err error) {
	if err != nil {
		e.logger.Warn(ctx, "cycle event publish failed", zap.Error(err))
	}
}

// buildPrompt composes the escalation prompt for items no pattern
// covers. The reply contract matches the dispatch shape check.
func buildPrompt(item WorkItem) string {
	var b strings.Builder
	b.WriteString("Resolve the following work item.\n\n")
	fmt.Fprintf(&b, "Item: %s\n", item.ID)
	if item.FaultCode != "" {
		fmt.Fprintf(&b, "Fault code: %s\n", item.FaultCode)
	}
	if item.FaultMessage != "" {
		fmt.Fprintf(&b, "Fault: %s\n", item.FaultMessage)
	}
	b.WriteString("\n")
	b.WriteString(item.Content)
	b.WriteString("\n\nReply with a JSON object: {\"success\": true|false, \"summary\": \"<what was done>\"}.")
	return b.String()
}

func skillFor(item WorkItem) string {
	if item.Skill != "" {
		return item.Skill
	}
	return "general"
}

func riskFor(category fault.Category) string {
	switch category {
	case fault.CategoryResource:
		return approval.RiskHigh
	case fault.CategoryConfiguration:
		return approval.RiskMedium
	default:
		return approval.RiskLow
	}
}

// normalizeFault lowercases and collapses whitespace so near-identical
// fault messages produce the same condition value.
func normalizeFault(s string) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	return truncate(s, 160)
}

func shortFault(item WorkItem) string {
	if item.FaultCode != "" {
		return item.FaultCode
	}
	if msg := normalizeFault(item.FaultMessage); msg != "" {
		return truncate(msg, 60)
	}
	return item.ID
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
