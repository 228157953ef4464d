package logging

import (
	"reflect"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry at trace level and up for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger for tests with full observation.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger: &Logger{
			zap:    zap.New(core),
			config: NewDefaultConfig(),
		},
		observed: observed,
	}
}

// All returns every recorded entry.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// AssertLogged fails unless an entry at level contains msgContains.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		if entry.Level == level && strings.Contains(entry.Message, msgContains) {
			return
		}
	}
	tb.Errorf("expected log at %v containing %q, logs: %+v", level, msgContains, t.observed.All())
}

// AssertField fails unless an entry with message msg carries the field.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected interface{}) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessage(msg).All() {
		for _, field := range entry.Context {
			if field.Key != key {
				continue
			}
			if field.Type == zapcore.StringType && field.String == expected {
				return
			}
			if reflect.DeepEqual(field.Interface, expected) {
				return
			}
		}
	}
	tb.Errorf("field %q=%v not found in message %q", key, expected, msg)
}

// AssertNoSecrets fails when a recorded entry leaks a value the default
// redaction rules would have caught. String fields under a sensitive key
// must carry a [REDACTED marker; observer cores bypass the encoder, so
// raw values here mean a call site skipped Secret or RedactedString.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()

	rules := NewDefaultConfig().Redaction
	patterns := make([]*regexp.Regexp, 0, len(rules.Patterns))
	for _, p := range rules.Patterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}

	for _, entry := range t.observed.All() {
		for _, re := range patterns {
			if re.MatchString(entry.Message) {
				tb.Errorf("sensitive pattern in message: %q", entry.Message)
			}
		}
		for _, field := range entry.Context {
			checkFieldForSecrets(tb, field, rules.Fields, patterns)
		}
	}
}

func checkFieldForSecrets(tb testing.TB, field zapcore.Field, keys []string, patterns []*regexp.Regexp) {
	tb.Helper()
	if field.Type != zapcore.StringType {
		return
	}

	keyLower := strings.ToLower(field.Key)
	for _, sensitive := range keys {
		if !strings.Contains(keyLower, sensitive) {
			continue
		}
		if field.String != "" && !strings.HasPrefix(field.String, "[REDACTED") {
			tb.Errorf("sensitive field %q not redacted: %q", field.Key, field.String)
		}
	}

	for _, re := range patterns {
		if re.MatchString(field.String) {
			tb.Errorf("sensitive pattern in field %q: %q", field.Key, field.String)
		}
	}
}
