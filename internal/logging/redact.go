package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/mendd/internal/config"
)

const (
	redactedValue   = "[REDACTED]"
	redactedPattern = "[REDACTED:pattern]"

	// Rejects pathological user-supplied regexes before compiling them.
	maxPatternLen = 200
)

// redactionRules is the compiled form of RedactionConfig. Encoder clones
// share one instance; the rule set is immutable after compileRules.
type redactionRules struct {
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

func compileRules(cfg RedactionConfig) (*redactionRules, error) {
	r := &redactionRules{keys: make(map[string]struct{}, len(cfg.Fields))}
	for _, f := range cfg.Fields {
		r.keys[strings.ToLower(f)] = struct{}{}
	}
	for _, p := range cfg.Patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// matchKey reports whether the field name is on the sensitive list.
// Nil rules (redaction disabled) match nothing.
func (r *redactionRules) matchKey(key string) bool {
	if r == nil {
		return false
	}
	_, ok := r.keys[strings.ToLower(key)]
	return ok
}

// matchValue reports whether a string value hits any redaction pattern.
func (r *redactionRules) matchValue(val string) bool {
	if r == nil {
		return false
	}
	for _, re := range r.patterns {
		if re.MatchString(val) {
			return true
		}
	}
	return false
}

// RedactingEncoder wraps a zapcore.Encoder and rewrites sensitive fields
// before the underlying encoder sees them. Fields match by name
// (case-insensitive) or, for strings, by value pattern. Fields attached to
// an individual log call reach the base encoder directly; use Secret or
// RedactedString for those.
type RedactingEncoder struct {
	zapcore.Encoder
	rules *redactionRules
}

// NewRedactingEncoder wraps base with the rules compiled from cfg. A
// disabled config yields a passthrough wrapper. Returns an error when a
// pattern fails to compile or exceeds the length cap.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	if !cfg.Enabled {
		return &RedactingEncoder{Encoder: base}, nil
	}
	rules, err := compileRules(cfg)
	if err != nil {
		return nil, err
	}
	return &RedactingEncoder{Encoder: base, rules: rules}, nil
}

// AddString checks the field name first, then the value patterns.
func (e *RedactingEncoder) AddString(key, val string) {
	switch {
	case e.rules.matchKey(key):
		e.Encoder.AddString(key, redactedValue)
	case e.rules.matchValue(val):
		e.Encoder.AddString(key, redactedPattern)
	default:
		e.Encoder.AddString(key, val)
	}
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.rules.matchKey(key) {
		e.Encoder.AddByteString(key, []byte(redactedValue))
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.rules.matchKey(key) {
		e.Encoder.AddBinary(key, []byte(redactedValue))
		return
	}
	e.Encoder.AddBinary(key, val)
}

// AddReflected replaces the whole value when the key is sensitive. Deep
// inspection of reflected structs needs an explicit zap.Object marshaler.
func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.rules.matchKey(key) {
		e.Encoder.AddString(key, redactedValue)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.rules.matchKey(key) {
		e.Encoder.AddString(key, redactedValue)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.rules.matchKey(key) {
		e.Encoder.AddString(key, redactedValue)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// Clone copies the underlying encoder and shares the compiled rules.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), rules: e.rules}
}

// secretField logs a config.Secret as [REDACTED:<len>], keeping the length
// visible for debugging without the value.
type secretField struct {
	key string
	n   int
}

func (s secretField) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString(s.key, "[REDACTED:"+strconv.Itoa(s.n)+"]")
	return nil
}

// Secret builds a field for a config.Secret. The value never reaches the
// encoder; only its length does.
func Secret(key string, val config.Secret) zap.Field {
	return zap.Object(key, secretField{key: key, n: len(val.Value())})
}

// RedactedString builds a string field carrying only the value's length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}
