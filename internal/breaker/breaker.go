// Package breaker provides a per-entity circuit breaker that gates whether
// a risky operation may be attempted at all.
//
// Each breaker is a three-state machine: closed (normal), open (failing,
// reject everything until the cooldown passes) and half-open (probing).
// Half-open admits every caller rather than a single probe; callers must
// tolerate that race.
package breaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/logging"
)

// State is the breaker phase.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// closed breaker.
	FailureThreshold int
	// SuccessThreshold is the consecutive-success count that closes a
	// half-open breaker.
	SuccessThreshold int
	// Cooldown is how long an open breaker rejects before probing.
	Cooldown time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Cooldown:         60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	return c
}

// Snapshot is a point-in-time view of one breaker for status reporting.
type Snapshot struct {
	Name         string     `json:"name"`
	State        State      `json:"state"`
	FailureCount int        `json:"failureCount"`
	SuccessCount int        `json:"successCount"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
}

// Breaker protects one entity.
type Breaker struct {
	name   string
	config Config
	logger *logging.Logger

	mu           sync.Mutex
	state        State
	failureCount int
	// successCount tracks consecutive successes, meaningful only while
	// half-open.
	successCount int
	nextRetryAt  time.Time
}

// New creates a closed breaker for the named entity.
func New(name string, config Config, logger *logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		logger: logger,
		state:  StateClosed,
	}
}

// CanExecute reports whether an attempt is currently admitted. The first
// check at or after the cooldown deadline moves an open breaker to
// half-open; closed and half-open always admit.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}

	if time.Now().Before(b.nextRetryAt) {
		return false
	}

	b.transition(StateHalfOpen)
	b.successCount = 0
	return true
}

// RecordSuccess records a successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.transition(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	case StateOpen:
		// A success while formally open can happen when an attempt began
		// before the breaker tripped. It carries no state weight.
	}
}

// RecordFailure records a failed attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		// No partial credit: one failure re-opens
		b.trip()
	case StateOpen:
		b.failureCount++
	}
}

// Reset forces the breaker closed with zeroed counters, for manual
// recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transition(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.nextRetryAt = time.Time{}
}

// State returns the current phase without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the protected entity's name.
func (b *Breaker) Name() string {
	return b.name
}

// Snapshot returns the current state for status reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if b.state == StateOpen {
		at := b.nextRetryAt
		s.NextRetryAt = &at
	}
	return s
}

// trip opens the breaker and schedules the next probe. Caller holds the
// lock.
func (b *Breaker) trip() {
	b.transition(StateOpen)
	b.nextRetryAt = time.Now().Add(b.config.Cooldown)
	b.successCount = 0
}

// transition logs a state change. Caller holds the lock.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.logger.Info(context.Background(), "breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("failure_count", b.failureCount))
}
