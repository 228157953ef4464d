package logging

import (
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below zapcore.DebugLevel (-2 vs -1). It carries the
// firehose detail the cycle engine can emit: per-condition match
// evaluation, raw provider output, backoff timing. Production configs
// filter it.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a log level name. "trace" maps to TraceLevel;
// everything else follows zapcore, which treats the empty string as info.
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
