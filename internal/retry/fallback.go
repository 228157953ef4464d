package retry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/breaker"
)

// ExecuteWithFallback attempts the primary operation and, on any primary
// failure, the fallback exactly once.
//
// When the primary's breaker is open the primary path is skipped entirely:
// no primary attempt, no breaker counters. Fallback failure propagates as a
// classified fault. The returned flag reports whether the fallback path
// served the call.
func (e *Executor) ExecuteWithFallback(ctx context.Context, name string, primary, fallback Operation, primaryBreaker *breaker.Breaker) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "retry.execute_with_fallback")
	defer span.End()
	span.SetAttributes(attribute.String("operation", name))

	if primaryBreaker != nil && !primaryBreaker.CanExecute() {
		e.logger.Info(ctx, "primary path skipped, breaker open",
			zap.String("operation", name),
			zap.String("breaker", primaryBreaker.Name()))
		span.SetAttributes(attribute.Bool("primary_skipped", true))
	} else {
		err := primary(ctx)
		if err == nil {
			if primaryBreaker != nil {
				primaryBreaker.RecordSuccess()
			}
			span.SetAttributes(attribute.String("served_by", "primary"))
			return false, nil
		}
		if primaryBreaker != nil {
			primaryBreaker.RecordFailure()
		}
		e.logger.Warn(ctx, "primary path failed, falling back",
			zap.String("operation", name),
			zap.Error(err))
	}

	if err := fallback(ctx); err != nil {
		f := e.classifier.Classify(err, map[string]string{
			"operation": name,
			"path":      "fallback",
		})
		span.RecordError(f)
		span.SetStatus(codes.Error, f.Error())
		return true, fmt.Errorf("fallback for %s failed: %w", name, f)
	}

	span.SetAttributes(attribute.String("served_by", "fallback"))
	return true, nil
}
