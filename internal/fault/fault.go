// Package fault maps raw failures into categories with a retryability
// verdict and a suggested recovery action.
package fault

import "fmt"

// Category groups failures by how they should be handled.
type Category string

const (
	// CategoryTransient covers network faults, timeouts, rate limits and
	// server-side errors that tend to clear on their own.
	CategoryTransient Category = "transient"
	// CategoryPermanent covers failures that will not succeed on retry,
	// such as auth rejections and missing endpoints.
	CategoryPermanent Category = "permanent"
	// CategoryConfiguration covers missing files, permissions and invalid
	// configuration. Fixing these requires a change, and the change
	// requires approval.
	CategoryConfiguration Category = "configuration"
	// CategoryResource covers exhausted memory, disk and quotas.
	CategoryResource Category = "resource"
	// CategoryExternal covers failures attributed to an external
	// dependency rather than this system.
	CategoryExternal Category = "external"
	// CategoryValidation covers schema and required-field failures.
	CategoryValidation Category = "validation"
	// CategoryUnknown is the fallback for unrecognized failures. Unknown
	// faults are never retried by default.
	CategoryUnknown Category = "unknown"
)

// Retryable reports whether faults of this category may be retried.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTransient, CategoryResource, CategoryExternal:
		return true
	default:
		return false
	}
}

// suggestedActions maps each category to a human-readable next step.
var suggestedActions = map[Category]string{
	CategoryTransient:     "retry with backoff",
	CategoryPermanent:     "do not retry; investigate credentials or endpoint",
	CategoryConfiguration: "fix configuration; automated changes require approval",
	CategoryResource:      "free resources or raise limits before retrying",
	CategoryExternal:      "check the external dependency, then retry",
	CategoryValidation:    "correct the input shape; retrying unchanged will not help",
	CategoryUnknown:       "inspect manually; unknown faults are not retried",
}

// SuggestedActionFor returns the recovery hint for a category.
func SuggestedActionFor(c Category) string {
	if action, ok := suggestedActions[c]; ok {
		return action
	}
	return suggestedActions[CategoryUnknown]
}

// Fault is a classified failure. It wraps the original error so callers can
// propagate it while keeping the classification attached.
type Fault struct {
	Category        Category
	Retryable       bool
	SuggestedAction string
	// Rule names the classification rule that matched, empty for unknown.
	Rule string
	// Context carries free-form caller-supplied detail.
	Context map[string]string
	// Err is the underlying error.
	Err error
}

// New builds a fault of the given category around an error. Used by callers
// that already know the category and bypass text classification.
func New(category Category, err error) *Fault {
	return &Fault{
		Category:        category,
		Retryable:       category.Retryable(),
		SuggestedAction: SuggestedActionFor(category),
		Err:             err,
	}
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s fault", f.Category)
	}
	return fmt.Sprintf("%s fault: %v", f.Category, f.Err)
}

// Unwrap exposes the underlying error to errors.Is/As chains.
func (f *Fault) Unwrap() error {
	return f.Err
}
