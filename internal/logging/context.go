package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	// Improvement cycle correlation
	if cycleID := CycleIDFromContext(ctx); cycleID != "" {
		fields = append(fields, zap.String("cycle.id", cycleID))
	}

	// Work item correlation
	if itemID := ItemIDFromContext(ctx); itemID != "" {
		fields = append(fields, zap.String("item.id", itemID))
	}

	// Dispatch target
	if skill := SkillFromContext(ctx); skill != "" {
		fields = append(fields, zap.String("skill", skill))
	}

	return fields
}

// Context key types
type cycleCtxKey struct{}
type itemCtxKey struct{}
type skillCtxKey struct{}

const maxIDLen = 128

// idPattern allows alphanumeric, hyphen, underscore, dot
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// validateID validates a cycle, item, or skill identifier.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore, dot)", name)
	}
	return nil
}

// CycleIDFromContext extracts the improvement cycle ID from context.
func CycleIDFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(cycleCtxKey{}).(string); ok {
		return c
	}
	return ""
}

// WithCycleID adds an improvement cycle ID to context.
// Panics if cycleID is empty or contains invalid characters.
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	if err := validateID(cycleID, "cycleID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, cycleCtxKey{}, cycleID)
}

// ItemIDFromContext extracts the work item ID from context.
func ItemIDFromContext(ctx context.Context) string {
	if i, ok := ctx.Value(itemCtxKey{}).(string); ok {
		return i
	}
	return ""
}

// WithItemID adds a work item ID to context.
// Panics if itemID is empty or contains invalid characters.
func WithItemID(ctx context.Context, itemID string) context.Context {
	if err := validateID(itemID, "itemID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, itemCtxKey{}, itemID)
}

// SkillFromContext extracts the dispatch skill name from context.
func SkillFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(skillCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithSkill adds a dispatch skill name to context.
// Panics if skill is empty or contains invalid characters.
func WithSkill(ctx context.Context, skill string) context.Context {
	if err := validateID(skill, "skill"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, skillCtxKey{}, skill)
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
