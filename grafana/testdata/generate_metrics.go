// Command generate_metrics serves sample mendd metrics so Grafana
// dashboards can be built and tested without running real improvement
// cycles. Metric names and labels mirror internal/metrics exactly.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics for testing dashboards
var (
	// Cycle engine
	cyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mendd_cycles_total",
			Help: "Total number of improvement cycles run",
		},
	)
	itemsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mendd_items_processed_total",
			Help: "Total number of work items processed",
		},
		[]string{"outcome"},
	)

	// Pattern matching
	patternHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mendd_pattern_hits_total",
			Help: "Total number of pattern matches applied to work items",
		},
	)
	escalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mendd_escalations_total",
			Help: "Total number of work items escalated past the pattern store",
		},
	)
	patternsExtracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mendd_patterns_extracted_total",
			Help: "Total number of patterns learned from verified resolutions",
		},
	)

	// Dispatch
	dispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mendd_dispatch_attempts_total",
			Help: "Total number of dispatch attempts",
		},
		[]string{"path", "outcome"},
	)
	dispatchFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mendd_dispatch_fallback_total",
			Help: "Total number of dispatches escalated to the fallback provider",
		},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mendd_dispatch_duration_seconds",
			Help:    "Duration of provider dispatches in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"path"},
	)

	// Resilience
	breakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mendd_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "state"},
	)
	cooldownBlocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mendd_cooldown_blocks_total",
			Help: "Total number of work items skipped while blacklisted",
		},
	)
)

func init() {
	prometheus.MustRegister(
		// Cycle engine
		cyclesTotal,
		itemsProcessedTotal,
		// Pattern matching
		patternHitsTotal,
		escalationsTotal,
		patternsExtracted,
		// Dispatch
		dispatchAttemptsTotal,
		dispatchFallbackTotal,
		dispatchDuration,
		// Resilience
		breakerTransitionsTotal,
		cooldownBlocksTotal,
	)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		// The real status API defaults to 9090; stay out of its way.
		port = "9091"
	}

	// Generate initial sample data
	generateSampleData()

	// Start background goroutine to continuously generate data
	ctx, cancel := context.WithCancel(context.Background())
	go generateContinuousData(ctx)

	// Serve metrics
	http.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + port,
		Handler: nil,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
		server.Shutdown(context.Background())
	}()

	fmt.Printf("Sample metrics server running on http://localhost:%s/metrics\n", port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("\nTo use with Prometheus, add this to prometheus.yml:")
	fmt.Printf("  - job_name: 'mendd-test'\n    static_configs:\n      - targets: ['localhost:%s']\n", port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

var (
	outcomes = []string{"applied", "suggested", "escalated", "skipped", "failed"}
	paths    = []string{"primary", "fallback"}
	breakers = []string{"subprocess", "api"}
	states   = []string{"open", "half-open", "closed"}
)

func generateSampleData() {
	// A plausible history: a few dozen cycles with mostly-applied items
	for i := 0; i < 25; i++ {
		cyclesTotal.Inc()
	}

	for i := 0; i < 400; i++ {
		itemsProcessedTotal.WithLabelValues(weightedOutcome()).Inc()
	}

	for i := 0; i < 280; i++ {
		patternHitsTotal.Inc()
	}
	for i := 0; i < 90; i++ {
		escalationsTotal.Inc()
	}
	for i := 0; i < 12; i++ {
		patternsExtracted.Inc()
	}

	// Dispatch: primary succeeds most of the time, fallback picks up the rest
	for i := 0; i < 120; i++ {
		outcome := "success"
		if rand.Float64() > 0.8 {
			outcome = "failure"
		}
		dispatchAttemptsTotal.WithLabelValues("primary", outcome).Inc()
		dispatchDuration.WithLabelValues("primary").Observe(0.5 + rand.Float64()*20.0)
	}
	for i := 0; i < 20; i++ {
		dispatchAttemptsTotal.WithLabelValues("fallback", randomChoice([]string{"success", "success", "failure"})).Inc()
		dispatchDuration.WithLabelValues("fallback").Observe(1.0 + rand.Float64()*30.0)
		dispatchFallbackTotal.Inc()
	}

	// A couple of breaker trips and recoveries
	for i := 0; i < 3; i++ {
		name := randomChoice(breakers)
		breakerTransitionsTotal.WithLabelValues(name, "open").Inc()
		breakerTransitionsTotal.WithLabelValues(name, "half-open").Inc()
		breakerTransitionsTotal.WithLabelValues(name, "closed").Inc()
	}

	for i := 0; i < 15; i++ {
		cooldownBlocksTotal.Inc()
	}
}

func generateContinuousData(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A cycle completes now and then
			if rand.Float64() > 0.7 {
				cyclesTotal.Inc()
				for i := 0; i < rand.Intn(10)+2; i++ {
					itemsProcessedTotal.WithLabelValues(weightedOutcome()).Inc()
				}
				patternsExtracted.Add(float64(rand.Intn(2)))
			}

			// Steady match/escalate traffic
			if rand.Float64() > 0.3 {
				patternHitsTotal.Add(float64(rand.Intn(4)))
				escalationsTotal.Add(float64(rand.Intn(2)))
			}

			// Dispatch activity
			if rand.Float64() > 0.4 {
				path := randomChoice(paths)
				outcome := "success"
				if rand.Float64() > 0.85 {
					outcome = "failure"
				}
				dispatchAttemptsTotal.WithLabelValues(path, outcome).Inc()
				dispatchDuration.WithLabelValues(path).Observe(0.5 + rand.Float64()*25.0)
				if path == "fallback" {
					dispatchFallbackTotal.Inc()
				}
			}

			// Rare breaker transitions
			if rand.Float64() > 0.92 {
				breakerTransitionsTotal.WithLabelValues(randomChoice(breakers), randomChoice(states)).Inc()
			}

			// Occasional cooldown blocks
			if rand.Float64() > 0.85 {
				cooldownBlocksTotal.Inc()
			}
		}
	}
}

// weightedOutcome skews toward applied so dashboards show a healthy
// hit rate by default.
func weightedOutcome() string {
	r := rand.Float64()
	switch {
	case r < 0.55:
		return "applied"
	case r < 0.65:
		return "suggested"
	case r < 0.85:
		return "escalated"
	case r < 0.92:
		return "skipped"
	default:
		return "failed"
	}
}

func randomChoice(choices []string) string {
	return choices[rand.Intn(len(choices))]
}
