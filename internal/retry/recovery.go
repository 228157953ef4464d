package retry

import (
	"fmt"

	"github.com/fyrsmithlabs/mendd/internal/fault"
)

// RecoveryAction is the next step after a fault exhausted its retries or
// was never retryable.
type RecoveryAction string

const (
	// ActionRetry means attempts remain and the fault is worth retrying.
	ActionRetry RecoveryAction = "retry"
	// ActionFallback means the primary path is exhausted; use the
	// secondary provider.
	ActionFallback RecoveryAction = "fallback"
	// ActionFixConfig means a configuration change is needed first.
	ActionFixConfig RecoveryAction = "fix_config"
	// ActionEscalate means the fault needs a human or the AI provider.
	ActionEscalate RecoveryAction = "escalate"
	// ActionAbort means the work item should stop; retrying cannot help.
	ActionAbort RecoveryAction = "abort"
)

// Recovery is a recommended next step for a failed operation.
type Recovery struct {
	Action RecoveryAction
	// RequiresApproval marks actions that may not run unattended.
	// Configuration and resource recoveries always do.
	RequiresApproval bool
	Reason           string
}

// DetermineRecoveryAction maps a classified fault and its failure history
// to the next recovery step.
func DetermineRecoveryAction(f *fault.Fault, failureCount, maxRetries int) Recovery {
	if f == nil {
		return Recovery{Action: ActionRetry, Reason: "no fault recorded"}
	}

	switch f.Category {
	case fault.CategoryTransient, fault.CategoryExternal:
		if failureCount <= maxRetries {
			return Recovery{
				Action: ActionRetry,
				Reason: fmt.Sprintf("%s fault, %d of %d attempts used", f.Category, failureCount, maxRetries+1),
			}
		}
		return Recovery{
			Action: ActionFallback,
			Reason: fmt.Sprintf("%s fault persisted through %d attempts", f.Category, failureCount),
		}

	case fault.CategoryResource:
		if failureCount <= maxRetries {
			return Recovery{
				Action:           ActionRetry,
				RequiresApproval: true,
				Reason:           "resource exhaustion may clear, but freeing resources needs approval",
			}
		}
		return Recovery{
			Action:           ActionEscalate,
			RequiresApproval: true,
			Reason:           fmt.Sprintf("resource fault persisted through %d attempts", failureCount),
		}

	case fault.CategoryConfiguration:
		return Recovery{
			Action:           ActionFixConfig,
			RequiresApproval: true,
			Reason:           "configuration changes always require approval",
		}

	case fault.CategoryValidation:
		return Recovery{
			Action: ActionEscalate,
			Reason: "input shape is wrong; retrying unchanged cannot succeed",
		}

	case fault.CategoryPermanent:
		return Recovery{
			Action: ActionAbort,
			Reason: "permanent fault; " + f.SuggestedAction,
		}

	default:
		return Recovery{
			Action: ActionEscalate,
			Reason: "unknown fault; never retried automatically",
		}
	}
}
