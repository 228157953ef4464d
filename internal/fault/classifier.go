package fault

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/logging"
)

// Rule is one ordered classification entry: a text pattern mapped to a
// category. The first matching rule wins, so overlapping patterns must be
// ordered most-specific-first.
type Rule struct {
	Name     string
	Pattern  string
	Category Category
}

// defaultRules is the fixed classification table. Phrase rules precede
// bare status-code rules so "403 rate limit exceeded" classifies as the
// rate limit it is, not the auth failure it resembles.
var defaultRules = []Rule{
	{Name: "network", Pattern: `(?i)(connection refused|connection reset|network is unreachable|no route to host|name resolution|dial tcp|broken pipe|unexpected eof)`, Category: CategoryTransient},
	{Name: "timeout", Pattern: `(?i)\b(timeout|timed out|deadline exceeded)\b`, Category: CategoryTransient},
	{Name: "rate-limit", Pattern: `(?i)(rate limit|too many requests|\b429\b)`, Category: CategoryTransient},
	{Name: "server-error", Pattern: `(?i)(\b5\d{2}\b|service unavailable|bad gateway|temporarily unavailable|internal server error)`, Category: CategoryTransient},
	{Name: "memory", Pattern: `(?i)(out of memory|oom[- ]?kill|cannot allocate memory)`, Category: CategoryResource},
	{Name: "disk", Pattern: `(?i)(disk full|no space left on device|disk quota)`, Category: CategoryResource},
	{Name: "quota", Pattern: `(?i)(quota exceeded|quota exhausted|resource exhausted)`, Category: CategoryResource},
	{Name: "missing-file", Pattern: `(?i)(no such file or directory|file not found|missing (file|config))`, Category: CategoryConfiguration},
	{Name: "permission", Pattern: `(?i)(permission denied|operation not permitted|read-only file system)`, Category: CategoryConfiguration},
	{Name: "invalid-config", Pattern: `(?i)(invalid config|malformed config|bad config|unknown flag|missing required (flag|option|setting))`, Category: CategoryConfiguration},
	{Name: "schema", Pattern: `(?i)(schema (validation|mismatch|error)|invalid schema|validation (failed|error))`, Category: CategoryValidation},
	{Name: "required-field", Pattern: `(?i)(required field|missing field)`, Category: CategoryValidation},
	{Name: "auth", Pattern: `(?i)(\b40[134]\b|unauthorized|forbidden|not authorized|access denied|invalid (credentials|token|api key))`, Category: CategoryPermanent},
}

type compiledRule struct {
	name     string
	re       *regexp.Regexp
	category Category
}

// Classifier classifies raw errors with an ordered first-match rule table.
type Classifier struct {
	rules  []compiledRule
	logger *logging.Logger
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*classifierConfig)

type classifierConfig struct {
	logger   *logging.Logger
	prepends []Rule
}

// WithClassifierLogger sets the classifier's logger.
func WithClassifierLogger(logger *logging.Logger) ClassifierOption {
	return func(c *classifierConfig) {
		c.logger = logger
	}
}

// WithPrependedRules inserts caller rules ahead of the default table; use
// it for domain categories the defaults cannot know, like external.
func WithPrependedRules(rules ...Rule) ClassifierOption {
	return func(c *classifierConfig) {
		c.prepends = append(c.prepends, rules...)
	}
}

// NewClassifier builds a classifier from the default rule table plus any
// prepended caller rules. Rule order is fixed at construction.
func NewClassifier(opts ...ClassifierOption) (*Classifier, error) {
	cfg := &classifierConfig{logger: logging.Nop()}
	for _, opt := range opts {
		opt(cfg)
	}

	ordered := make([]Rule, 0, len(cfg.prepends)+len(defaultRules))
	ordered = append(ordered, cfg.prepends...)
	ordered = append(ordered, defaultRules...)

	c := &Classifier{logger: cfg.logger}
	for _, r := range ordered {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid classification rule %q: %w", r.Name, err)
		}
		c.rules = append(c.rules, compiledRule{name: r.Name, re: re, category: r.Category})
	}
	return c, nil
}

// Classify maps a raw error to a fault. The first matching rule decides the
// category; unrecognized errors classify as unknown, which is never
// retryable. A nil error returns nil.
func (c *Classifier) Classify(err error, faultCtx map[string]string) *Fault {
	if err == nil {
		return nil
	}

	text := err.Error()
	for _, rule := range c.rules {
		if rule.re.MatchString(text) {
			f := New(rule.category, err)
			f.Rule = rule.name
			f.Context = faultCtx
			c.logger.Debug(context.Background(), "fault classified",
				zap.String("rule", rule.name),
				zap.String("category", string(rule.category)),
				zap.Bool("retryable", f.Retryable))
			return f
		}
	}

	f := New(CategoryUnknown, err)
	f.Context = faultCtx
	c.logger.Debug(context.Background(), "fault unrecognized",
		zap.String("category", string(CategoryUnknown)),
		zap.String("error", text))
	return f
}
