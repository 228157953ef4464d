// Package cooldown blacklists recently failed changes so the same fix is
// not re-attempted immediately.
//
// Records are keyed by content: a hash of the target and the normalized
// change description. The blacklist is change-scoped where the circuit
// breaker is entity-scoped; both can apply to one work item.
package cooldown

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/logging"
)

// trackerSchemaVersion is the persisted document version.
const trackerSchemaVersion = 1

// defaultMaxAge is how long records survive without a new failure.
const defaultMaxAge = 30 * 24 * time.Hour

// cooldownSteps maps the Nth failure to its cooldown, clamped to the last
// step: 3h, 12h, then 7d for every failure after.
var cooldownSteps = []time.Duration{
	3 * time.Hour,
	12 * time.Hour,
	7 * 24 * time.Hour,
}

// Record tracks repeated failures of one distinct (target, description)
// change.
type Record struct {
	Key           string    `json:"key"`
	Target        string    `json:"target"`
	Description   string    `json:"description"`
	ErrorSummary  string    `json:"errorSummary,omitempty"`
	FailureCount  int       `json:"failureCount"`
	FirstFailedAt time.Time `json:"firstFailedAt"`
	LastFailedAt  time.Time `json:"lastFailedAt"`
	CooldownUntil time.Time `json:"cooldownUntil"`
}

func (r *Record) clone() *Record {
	out := *r
	return &out
}

// trackerDocument is the persisted failure collection.
type trackerDocument struct {
	Version     int       `json:"version"`
	Failures    []*Record `json:"failures"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Key derives the content-addressed record key: a hash over the target and
// the lower-cased, whitespace-collapsed description, so formatting
// differences in an otherwise identical retry map to the same record.
func Key(target, description string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(description)), " ")
	sum := sha256.Sum256([]byte(target + "\x00" + normalized))
	return hex.EncodeToString(sum[:16])
}

// stepFor returns the cooldown for the given failure count (1-based),
// clamped to the last table entry.
func stepFor(failureCount int) time.Duration {
	idx := failureCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(cooldownSteps) {
		idx = len(cooldownSteps) - 1
	}
	return cooldownSteps[idx]
}

// Tracker persists failure records and answers blacklist queries.
type Tracker struct {
	mu     sync.Mutex
	path   string
	logger *logging.Logger
	maxAge time.Duration

	records map[string]*Record
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithLogger sets the tracker's logger.
func WithLogger(logger *logging.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithMaxAge sets how long records live without a new failure before
// Cleanup removes them.
func WithMaxAge(age time.Duration) TrackerOption {
	return func(t *Tracker) {
		if age > 0 {
			t.maxAge = age
		}
	}
}

// NewTracker creates a tracker backed by the JSON file at path. A missing
// or corrupt backing file starts empty.
func NewTracker(path string, opts ...TrackerOption) (*Tracker, error) {
	if path == "" {
		return nil, fmt.Errorf("tracker path cannot be empty")
	}

	t := &Tracker{
		path:    path,
		logger:  logging.Nop(),
		maxAge:  defaultMaxAge,
		records: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.load(); err != nil {
		ctx := context.Background()
		if os.IsNotExist(err) {
			t.logger.Info(ctx, "cooldown tracker cold start: no backing file",
				zap.String("path", path))
		} else {
			t.logger.Warn(ctx, "cooldown tracker cold start: backing file unreadable",
				zap.String("path", path), zap.Error(err))
		}
		t.records = make(map[string]*Record)
	}

	return t, nil
}

// RecordFailure records one failure of the given change and escalates its
// cooldown. The updated record is persisted before returning.
func (t *Tracker) RecordFailure(ctx context.Context, target, description, errorSummary string) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := Key(target, description)
	now := time.Now().UTC()

	rec, ok := t.records[key]
	if !ok {
		rec = &Record{
			Key:           key,
			Target:        target,
			Description:   description,
			FirstFailedAt: now,
		}
		t.records[key] = rec
	}
	rec.FailureCount++
	rec.LastFailedAt = now
	rec.ErrorSummary = errorSummary
	rec.CooldownUntil = now.Add(stepFor(rec.FailureCount))

	if err := t.persist(); err != nil {
		return nil, err
	}

	t.logger.Info(ctx, "change failure recorded",
		zap.String("key", key),
		zap.String("target", target),
		zap.Int("failure_count", rec.FailureCount),
		zap.Time("cooldown_until", rec.CooldownUntil))
	return rec.clone(), nil
}

// IsBlacklisted reports whether the change is still cooling down. It is a
// pure time comparison and never mutates state.
func (t *Tracker) IsBlacklisted(target, description string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[Key(target, description)]
	if !ok {
		return false
	}
	return time.Now().Before(rec.CooldownUntil)
}

// Get returns a copy of the record for the given change, if any.
func (t *Tracker) Get(target, description string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[Key(target, description)]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// List returns copies of all records, most recently failed first.
func (t *Tracker) List() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastFailedAt.After(out[j].LastFailedAt)
	})
	return out
}

// Len returns the number of records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Clear removes the record with the given key, lifting its cooldown
// immediately. Returns false when no such record exists.
func (t *Tracker) Clear(ctx context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		return false, nil
	}
	delete(t.records, key)

	if err := t.persist(); err != nil {
		return false, err
	}

	t.logger.Info(ctx, "cooldown record cleared",
		zap.String("key", key),
		zap.String("target", rec.Target))
	return true, nil
}

// ClearAll removes every record and reports how many were removed.
func (t *Tracker) ClearAll(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := len(t.records)
	if removed == 0 {
		return 0, nil
	}
	t.records = make(map[string]*Record)

	if err := t.persist(); err != nil {
		return 0, err
	}

	t.logger.Info(ctx, "all cooldown records cleared",
		zap.Int("removed", removed))
	return removed, nil
}

// Cleanup removes records whose last failure is older than the configured
// age and reports how many were removed.
func (t *Tracker) Cleanup(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().UTC().Add(-t.maxAge)
	removed := 0
	for key, rec := range t.records {
		if rec.LastFailedAt.Before(cutoff) {
			delete(t.records, key)
			removed++
		}
	}

	if removed == 0 {
		return 0, nil
	}
	if err := t.persist(); err != nil {
		return 0, err
	}

	t.logger.Info(ctx, "stale cooldown records removed",
		zap.Int("removed", removed),
		zap.Int("remaining", len(t.records)))
	return removed, nil
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return err
	}

	var doc trackerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse cooldown records: %w", err)
	}

	records := make(map[string]*Record, len(doc.Failures))
	for _, rec := range doc.Failures {
		if rec == nil || rec.Key == "" {
			continue
		}
		records[rec.Key] = rec
	}
	t.records = records
	return nil
}

// persist writes all records to disk atomically. Caller must hold the lock.
func (t *Tracker) persist() error {
	doc := trackerDocument{
		Version:     trackerSchemaVersion,
		Failures:    make([]*Record, 0, len(t.records)),
		LastUpdated: time.Now().UTC(),
	}
	for _, rec := range t.records {
		doc.Failures = append(doc.Failures, rec)
	}
	sort.Slice(doc.Failures, func(i, j int) bool {
		return doc.Failures[i].FirstFailedAt.Before(doc.Failures[j].FirstFailedAt)
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cooldown records: %w", err)
	}

	tmpPath := t.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write cooldown records: %w", err)
	}

	if err := os.Rename(tmpPath, t.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename cooldown records: %w", err)
	}

	return nil
}
