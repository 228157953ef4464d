package pattern

import (
	"errors"
	"fmt"
	"time"
)

// Errors for pattern validation and lookup.
var (
	ErrPatternNotFound = errors.New("pattern not found")
	ErrPatternExists   = errors.New("pattern already exists")
	ErrNoConditions    = errors.New("pattern must have at least one condition")
	ErrInvalidPattern  = errors.New("invalid pattern")
	ErrStoreCorrupted  = errors.New("pattern store file corrupted")
)

// ConditionKind identifies how a condition value is evaluated.
type ConditionKind string

const (
	// ConditionTextRegex matches the target against a regular expression.
	ConditionTextRegex ConditionKind = "text-regex"

	// ConditionPathGlob matches the target against a filesystem glob.
	ConditionPathGlob ConditionKind = "path-glob"

	// ConditionStructuralSubstring matches when the target contains the
	// value as a substring.
	ConditionStructuralSubstring ConditionKind = "structural-substring"

	// ConditionFaultCode matches the target against a known fault code.
	ConditionFaultCode ConditionKind = "fault-code"
)

// ConditionTarget identifies which part of a work item a condition reads.
type ConditionTarget string

const (
	// TargetContent evaluates against the item's content body.
	TargetContent ConditionTarget = "content"

	// TargetIdentifier evaluates against the item's identifier (usually a path).
	TargetIdentifier ConditionTarget = "identifier"

	// TargetFaultMessage evaluates against the item's associated fault message.
	TargetFaultMessage ConditionTarget = "fault-message"
)

// SolutionKind identifies how a solution body is applied.
type SolutionKind string

const (
	// SolutionExecutableScript is a script body to run directly.
	SolutionExecutableScript SolutionKind = "executable-script"

	// SolutionTextTemplate is a template body with placeholder substitution.
	SolutionTextTemplate SolutionKind = "text-template"

	// SolutionEscalatePrompt is a prompt body handed to a provider.
	SolutionEscalatePrompt SolutionKind = "escalate-to-ai-prompt"
)

// Phase is a pattern's lifecycle stage, a pure function of usage count.
type Phase string

const (
	PhaseInitial  Phase = "initial"
	PhaseMaturing Phase = "maturing"
	PhaseStable   Phase = "stable"
)

// Lifecycle thresholds.
const (
	// maturingUsage is the usage count at which a pattern leaves initial.
	maturingUsage = 5

	// stableUsage is the usage count at which a pattern becomes stable.
	stableUsage = 20

	// initialConfidence is the optimistic prior before any usage.
	initialConfidence = 0.9

	// deprecationConfidence flags stable patterns below it for review.
	deprecationConfidence = 0.5

	// verificationConfidence forces external confirmation for maturing and
	// stable patterns below it.
	verificationConfidence = 0.6
)

// Condition is one matching predicate. All of a pattern's conditions must
// hold for the pattern to match.
type Condition struct {
	Kind   ConditionKind   `json:"kind"`
	Target ConditionTarget `json:"target"`
	Value  string          `json:"value"`
}

// Validate checks a condition's enums and value.
func (c Condition) Validate() error {
	switch c.Kind {
	case ConditionTextRegex, ConditionPathGlob, ConditionStructuralSubstring, ConditionFaultCode:
	default:
		return fmt.Errorf("%w: unknown condition kind %q", ErrInvalidPattern, c.Kind)
	}
	switch c.Target {
	case TargetContent, TargetIdentifier, TargetFaultMessage:
	default:
		return fmt.Errorf("%w: unknown condition target %q", ErrInvalidPattern, c.Target)
	}
	if c.Value == "" {
		return fmt.Errorf("%w: condition value cannot be empty", ErrInvalidPattern)
	}
	return nil
}

// Solution is the action a pattern prescribes when it matches.
type Solution struct {
	Kind SolutionKind `json:"kind"`
	Body string       `json:"body"`
}

// Validate checks a solution's kind and body.
func (s Solution) Validate() error {
	switch s.Kind {
	case SolutionExecutableScript, SolutionTextTemplate, SolutionEscalatePrompt:
	default:
		return fmt.Errorf("%w: unknown solution kind %q", ErrInvalidPattern, s.Kind)
	}
	if s.Body == "" {
		return fmt.Errorf("%w: solution body cannot be empty", ErrInvalidPattern)
	}
	return nil
}

// Stats tracks a pattern's usage-derived state.
type Stats struct {
	UsageCount   int        `json:"usageCount"`
	SuccessCount int        `json:"successCount"`
	Confidence   float64    `json:"confidence"`
	Phase        Phase      `json:"phase"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
}

// Change records one version bump in a pattern's history.
type Change struct {
	Version   int       `json:"version"`
	ChangedAt time.Time `json:"changedAt"`
	Summary   string    `json:"summary"`
}

// Pattern is a learned (conditions -> solution) rule with usage-based
// confidence.
type Pattern struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Conditions  []Condition `json:"conditions"`
	Solution    Solution    `json:"solution"`
	Stats       Stats       `json:"stats"`
	Version     int         `json:"version"`
	History     []Change    `json:"history,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// ConfidenceFor computes a pattern's confidence from its counters.
// An unused pattern gets the optimistic prior; otherwise confidence is the
// exact success rate.
func ConfidenceFor(usageCount, successCount int) float64 {
	if usageCount == 0 {
		return initialConfidence
	}
	return float64(successCount) / float64(usageCount)
}

// PhaseFor computes a pattern's lifecycle phase from its usage count alone.
func PhaseFor(usageCount int) Phase {
	switch {
	case usageCount < maturingUsage:
		return PhaseInitial
	case usageCount < stableUsage:
		return PhaseMaturing
	default:
		return PhaseStable
	}
}

// IsDeprecationCandidate reports whether the pattern should be flagged for
// review. Candidates are never removed automatically.
func (p *Pattern) IsDeprecationCandidate() bool {
	return p.Stats.Phase == PhaseStable && p.Stats.Confidence < deprecationConfidence
}

// NeedsVerification reports whether the pattern's solution requires external
// confirmation before executing. Initial-phase patterns are always trusted so
// they can accumulate data.
func (p *Pattern) NeedsVerification() bool {
	if p.Stats.Phase != PhaseMaturing && p.Stats.Phase != PhaseStable {
		return false
	}
	return p.Stats.Confidence < verificationConfidence
}

// Validate checks the pattern's structure. Patterns without conditions are
// rejected: an empty condition list would match every item.
func (p *Pattern) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidPattern)
	}
	if len(p.Conditions) == 0 {
		return ErrNoConditions
	}
	for i, c := range p.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	if err := p.Solution.Validate(); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy safe to hand to callers.
func (p *Pattern) Clone() *Pattern {
	clone := *p

	clone.Conditions = make([]Condition, len(p.Conditions))
	copy(clone.Conditions, p.Conditions)

	if len(p.History) > 0 {
		clone.History = make([]Change, len(p.History))
		copy(clone.History, p.History)
	}

	if p.Stats.LastUsedAt != nil {
		t := *p.Stats.LastUsedAt
		clone.Stats.LastUsedAt = &t
	}

	return &clone
}
