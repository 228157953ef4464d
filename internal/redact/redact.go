// Package redact scrubs secrets from text before it is persisted or
// published. Detection uses the gitleaks default ruleset, optionally
// narrowed by a TOML allowlist; every finding is replaced with a
// [REDACTED:rule-id] marker.
package redact

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/config"
	"github.com/fyrsmithlabs/mendd/internal/logging"
)

// Scrubber removes secrets from text.
type Scrubber interface {
	Scrub(s string) string
}

// New builds the scrubber selected by the configuration. Disabled
// redaction yields a passthrough.
func New(cfg config.RedactConfig, logger *logging.Logger) (Scrubber, error) {
	if !cfg.Enabled {
		return Passthrough{}, nil
	}
	return NewRedactor(cfg.AllowlistPath, logger)
}

// Redactor detects secrets with the gitleaks SDK and replaces them with
// markers. The detector is built once and reused across calls.
type Redactor struct {
	detector *detect.Detector
	logger   *logging.Logger
}

// NewRedactor builds a redactor over the gitleaks default config. An
// allowlist at allowlistPath is merged into detection; a missing file is
// ignored.
func NewRedactor(allowlistPath string, logger *logging.Logger) (*Redactor, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("building secret detector: %w", err)
	}

	if allowlistPath != "" {
		allow, err := loadAllowlist(allowlistPath)
		if err != nil {
			return nil, err
		}
		if allow != nil {
			applyAllowlist(&detector.Config, allow)
		}
	}

	return &Redactor{
		detector: detector,
		logger:   logger.Named("redact"),
	}, nil
}

// Scrub replaces every detected secret with its redaction marker. Each
// detected value is replaced wherever it occurs, so a secret repeated
// outside the matched position cannot survive.
func (r *Redactor) Scrub(s string) string {
	findings := r.detector.DetectString(s)
	if len(findings) == 0 {
		return s
	}

	// Longer secrets first so a contained shorter match cannot split a
	// longer one before it is replaced.
	sort.Slice(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})

	ruleCounts := make(map[string]int, len(findings))
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		marker := fmt.Sprintf("[REDACTED:%s]", f.RuleID)
		s = strings.ReplaceAll(s, f.Secret, marker)
		ruleCounts[f.RuleID]++
	}
	if len(ruleCounts) > 0 {
		r.logger.Debug(context.Background(), "secrets scrubbed", zap.Any("rules", ruleCounts))
	}
	return s
}

// Passthrough is the scrubber used when redaction is disabled.
type Passthrough struct{}

// Scrub returns the input unchanged.
func (Passthrough) Scrub(s string) string { return s }

var (
	_ Scrubber = (*Redactor)(nil)
	_ Scrubber = Passthrough{}
)
