// Package events publishes cycle lifecycle events to NATS.
//
// Events are published to subjects:
//   - mendd.cycle.{cycle_id}.started
//   - mendd.cycle.{cycle_id}.item
//   - mendd.cycle.{cycle_id}.pattern-hit
//   - mendd.cycle.{cycle_id}.escalated
//   - mendd.cycle.{cycle_id}.circuit
//   - mendd.cycle.{cycle_id}.completed
//
// A nil *Bus is a valid no-op publisher, so callers never need to branch
// on whether eventing is configured.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/logging"
)

const subjectPrefix = "mendd.cycle"

// Event names, the final token of every subject.
const (
	EventStarted    = "started"
	EventItem       = "item"
	EventPatternHit = "pattern-hit"
	EventEscalated  = "escalated"
	EventCircuit    = "circuit"
	EventCompleted  = "completed"
)

// Scrubber removes secrets from a payload before it leaves the process.
type Scrubber interface {
	Scrub(s string) string
}

// Summary is the terminal accounting of one cycle.
type Summary struct {
	Processed  int   `json:"processed"`
	Applied    int   `json:"applied"`
	Suggested  int   `json:"suggested"`
	Escalated  int   `json:"escalated"`
	Skipped    int   `json:"skipped"`
	Failed     int   `json:"failed"`
	DurationMS int64 `json:"duration_ms"`
}

// Bus publishes cycle events over a NATS connection.
type Bus struct {
	nc       *nats.Conn
	scrubber Scrubber
	logger   *logging.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithScrubber runs every marshaled payload through the scrubber before
// publish.
func WithScrubber(s Scrubber) Option {
	return func(b *Bus) { b.scrubber = s }
}

// NewBus wraps a NATS connection. A nil connection yields a bus whose
// publishes are silent no-ops.
func NewBus(nc *nats.Conn, opts ...Option) *Bus {
	b := &Bus{
		nc:     nc,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("events")
	return b
}

// Subject returns the full subject for a cycle event, exported so
// subscribers build the same names the bus publishes to.
func Subject(cycleID, event string) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, cycleID, event)
}

// CycleStarted announces a new cycle and how many items it will process.
func (b *Bus) CycleStarted(ctx context.Context, cycleID string, itemCount int) error {
	return b.publish(ctx, cycleID, EventStarted, map[string]interface{}{
		"cycle_id":   cycleID,
		"item_count": itemCount,
		"timestamp":  time.Now(),
	})
}

// ItemProcessed reports the outcome of one work item.
func (b *Bus) ItemProcessed(ctx context.Context, cycleID, item, outcome string) error {
	return b.publish(ctx, cycleID, EventItem, map[string]interface{}{
		"cycle_id":  cycleID,
		"item":      item,
		"outcome":   outcome,
		"timestamp": time.Now(),
	})
}

// PatternHit reports that a stored pattern matched a work item.
func (b *Bus) PatternHit(ctx context.Context, cycleID, item, patternID string, score float64) error {
	return b.publish(ctx, cycleID, EventPatternHit, map[string]interface{}{
		"cycle_id":   cycleID,
		"item":       item,
		"pattern_id": patternID,
		"score":      score,
		"timestamp":  time.Now(),
	})
}

// Escalated reports that a work item was handed to a provider.
func (b *Bus) Escalated(ctx context.Context, cycleID, item, skill, servedBy string) error {
	return b.publish(ctx, cycleID, EventEscalated, map[string]interface{}{
		"cycle_id":  cycleID,
		"item":      item,
		"skill":     skill,
		"served_by": servedBy,
		"timestamp": time.Now(),
	})
}

// CircuitTransition reports a breaker state change observed during the
// cycle.
func (b *Bus) CircuitTransition(ctx context.Context, cycleID, breakerName, from, to string) error {
	return b.publish(ctx, cycleID, EventCircuit, map[string]interface{}{
		"cycle_id":  cycleID,
		"breaker":   breakerName,
		"from":      from,
		"to":        to,
		"timestamp": time.Now(),
	})
}

// CycleCompleted publishes the cycle summary.
func (b *Bus) CycleCompleted(ctx context.Context, cycleID string, summary Summary) error {
	return b.publish(ctx, cycleID, EventCompleted, map[string]interface{}{
		"cycle_id":  cycleID,
		"summary":   summary,
		"timestamp": time.Now(),
	})
}

func (b *Bus) publish(ctx context.Context, cycleID, event string, payload interface{}) error {
	if b == nil || b.nc == nil {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if b.scrubber != nil {
		data = []byte(b.scrubber.Scrub(string(data)))
	}

	subject := Subject(cycleID, event)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", event, err)
	}

	b.logger.Debug(ctx, "cycle event published",
		zap.String("subject", subject),
		zap.Int("bytes", len(data)))
	return nil
}
