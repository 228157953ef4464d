// Package metrics registers the Prometheus instrumentation for the
// improvement-cycle engine and its dispatch paths.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for cycles, dispatch, breakers, and
// cooldowns.
type Metrics struct {
	// Cycle engine
	CyclesTotal         prometheus.Counter
	ItemsProcessedTotal *prometheus.CounterVec

	// Pattern matching
	PatternHitsTotal  prometheus.Counter
	EscalationsTotal  prometheus.Counter
	PatternsExtracted prometheus.Counter

	// Dispatch
	DispatchAttemptsTotal *prometheus.CounterVec
	DispatchFallbackTotal prometheus.Counter
	DispatchDuration      *prometheus.HistogramVec

	// Resilience
	BreakerTransitionsTotal *prometheus.CounterVec
	CooldownBlocksTotal     prometheus.Counter
}

// NewMetrics creates and registers the Prometheus metrics.
//
// This function uses sync.Once to ensure metrics are only registered once
// globally, preventing "duplicate metrics collector registration" panics.
//
// All metrics are prefixed with "mendd_" for namespacing.
//
// Metrics:
//   - mendd_cycles_total - Count of improvement cycles run
//   - mendd_items_processed_total{outcome} - Count of work items by outcome
//   - mendd_pattern_hits_total - Count of pattern matches applied
//   - mendd_escalations_total - Count of items escalated to dispatch
//   - mendd_patterns_extracted_total - Count of patterns learned from resolutions
//   - mendd_dispatch_attempts_total{path,outcome} - Dispatch attempts by serving path
//   - mendd_dispatch_fallback_total - Count of fallback invocations
//   - mendd_dispatch_duration_seconds{path} - Histogram of dispatch durations
//   - mendd_breaker_transitions_total{name,state} - Breaker transitions by target state
//   - mendd_cooldown_blocks_total - Count of items skipped while blacklisted
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CyclesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "mendd_cycles_total",
					Help: "Total number of improvement cycles run",
				},
			),

			ItemsProcessedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mendd_items_processed_total",
					Help: "Total number of work items processed",
				},
				[]string{"outcome"}, // "applied", "suggested", "escalated", "skipped", "failed"
			),

			PatternHitsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "mendd_pattern_hits_total",
					Help: "Total number of pattern matches applied to work items",
				},
			),

			EscalationsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "mendd_escalations_total",
					Help: "Total number of work items escalated past the pattern store",
				},
			),

			PatternsExtracted: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "mendd_patterns_extracted_total",
					Help: "Total number of patterns learned from verified resolutions",
				},
			),

			DispatchAttemptsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mendd_dispatch_attempts_total",
					Help: "Total number of dispatch attempts",
				},
				[]string{"path", "outcome"}, // path: "primary"/"fallback", outcome: "success"/"failure"
			),

			DispatchFallbackTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "mendd_dispatch_fallback_total",
					Help: "Total number of dispatches escalated to the fallback provider",
				},
			),

			DispatchDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "mendd_dispatch_duration_seconds",
					Help:    "Duration of provider dispatches in seconds",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5min
				},
				[]string{"path"},
			),

			BreakerTransitionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mendd_breaker_transitions_total",
					Help: "Total number of circuit breaker state transitions",
				},
				[]string{"name", "state"}, // state is the target: "open", "half-open", "closed"
			),

			CooldownBlocksTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "mendd_cooldown_blocks_total",
					Help: "Total number of work items skipped while blacklisted",
				},
			),
		}
	})

	return globalMetrics
}

// RecordCycle records a completed improvement cycle.
func (m *Metrics) RecordCycle() {
	m.CyclesTotal.Inc()
}

// RecordItem records a processed work item with its outcome.
func (m *Metrics) RecordItem(outcome string) {
	m.ItemsProcessedTotal.WithLabelValues(outcome).Inc()
}

// RecordPatternHit records a pattern match applied to a work item.
func (m *Metrics) RecordPatternHit() {
	m.PatternHitsTotal.Inc()
}

// RecordEscalation records a work item escalated past the pattern store.
func (m *Metrics) RecordEscalation() {
	m.EscalationsTotal.Inc()
}

// RecordPatternExtracted records a pattern learned from a verified resolution.
func (m *Metrics) RecordPatternExtracted() {
	m.PatternsExtracted.Inc()
}

// RecordDispatch records a dispatch attempt with serving path, outcome, and
// duration.
func (m *Metrics) RecordDispatch(path, outcome string, durationSeconds float64) {
	m.DispatchAttemptsTotal.WithLabelValues(path, outcome).Inc()
	m.DispatchDuration.WithLabelValues(path).Observe(durationSeconds)
}

// RecordFallback records a dispatch served by the fallback provider.
func (m *Metrics) RecordFallback() {
	m.DispatchFallbackTotal.Inc()
}

// RecordBreakerTransition records a breaker entering the given state.
func (m *Metrics) RecordBreakerTransition(name, state string) {
	m.BreakerTransitionsTotal.WithLabelValues(name, state).Inc()
}

// RecordCooldownBlock records a work item skipped while blacklisted.
func (m *Metrics) RecordCooldownBlock() {
	m.CooldownBlocksTotal.Inc()
}
