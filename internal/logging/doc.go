// Package logging provides structured logging for mendd, built on zap.
//
// # Overview
//
// The package layers mendd-specific behavior on a zap core:
//   - A trace level below debug for per-condition match evaluation
//   - Dual output to stdout and, when configured, an OpenTelemetry log core
//   - Context field injection (trace_id, cycle.id, item.id, skill)
//   - Secret redaction in the encoder, beneath every call site
//   - Per-level sampling that never drops errors
//
// # Usage
//
// Create a logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Log with context:
//
//	ctx := logging.WithCycleID(ctx, "cyc_20260825T101530Z")
//	ctx = logging.WithItemID(ctx, "item_42")
//	logger.Info(ctx, "pattern applied", zap.Float64("confidence", c))
//
// Output includes automatic correlation:
//
//	{
//	  "ts": "2026-08-25T10:15:30Z",
//	  "level": "info",
//	  "msg": "pattern applied",
//	  "trace_id": "abc123",
//	  "cycle.id": "cyc_20260825T101530Z",
//	  "item.id": "item_42",
//	  "confidence": 0.9
//	}
//
// # Secret Redaction
//
// Redaction happens in the encoder, so a sensitive value is scrubbed no
// matter which call site logged it. Fields with sensitive names are
// replaced wholesale, and string values are checked against
// configurable patterns (bearer tokens, API keys). For values known to
// be secret at the call site, say so explicitly:
//
//	logger.Info(ctx, "provider configured",
//	    logging.Secret("api_key", cfg.APIKey))
//
// # Sampling
//
// Each level below error has its own per-tick budget, so a trace flood
// from match evaluation cannot crowd out warnings:
//   - Trace: first 1 per second, drop rest
//   - Debug: first 10 per second, drop rest
//   - Info: first 100, then 1 every 10
//   - Warn: first 100, then 1 every 100
//   - Error and above: never sampled
//
// Disable for debugging:
//
//	cfg.Sampling.Enabled = false
//
// # Testing
//
// TestLogger records entries in memory for assertions:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "pattern applied", zap.String("skill", "fix-lint"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "pattern applied")
//	tl.AssertField(t, "pattern applied", "skill", "fix-lint")
//	tl.AssertNoSecrets(t)
//
// # Concurrency
//
// All loggers are safe for concurrent use. With and Named return
// independent children; fields added to a child never show up on the
// parent or a sibling.
package logging
