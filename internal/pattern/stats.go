package pattern

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/logging"
)

// defaultTopN is the number of most-used patterns reported in aggregates.
const defaultTopN = 5

// TopPattern summarizes one of the most-used patterns.
type TopPattern struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	UsageCount int    `json:"usageCount"`
}

// LearningStats aggregates pattern effectiveness across cycles.
//
// HitRate and AvgConfidence are recomputed only on cycle completion, never
// mid-cycle.
type LearningStats struct {
	PatternHits     int          `json:"patternHits"`
	Escalations     int          `json:"escalations"`
	HitRate         float64      `json:"hitRate"`
	AvgConfidence   float64      `json:"avgConfidence"`
	TopPatterns     []TopPattern `json:"topPatterns,omitempty"`
	CyclesCompleted int          `json:"cyclesCompleted"`
	LastCycleAt     *time.Time   `json:"lastCycleAt,omitempty"`
}

// statsDocument is the persisted learning stats file.
type statsDocument struct {
	Version     int           `json:"version"`
	Stats       LearningStats `json:"stats"`
	LastUpdated time.Time     `json:"lastUpdated"`
}

// StatsTracker accumulates hit and escalation counts during a cycle and
// folds them into durable aggregates when the cycle completes.
type StatsTracker struct {
	mu     sync.Mutex
	path   string
	logger *logging.Logger
	topN   int

	stats LearningStats
}

// StatsOption configures a StatsTracker.
type StatsOption func(*StatsTracker)

// WithStatsLogger sets the tracker's logger.
func WithStatsLogger(logger *logging.Logger) StatsOption {
	return func(t *StatsTracker) {
		t.logger = logger
	}
}

// WithTopN sets how many most-used patterns are kept in the aggregates.
func WithTopN(n int) StatsOption {
	return func(t *StatsTracker) {
		if n > 0 {
			t.topN = n
		}
	}
}

// NewStatsTracker creates a tracker backed by the JSON file at path. A
// missing or corrupt file starts from zeroed aggregates.
func NewStatsTracker(path string, opts ...StatsOption) (*StatsTracker, error) {
	if path == "" {
		return nil, fmt.Errorf("stats path cannot be empty")
	}

	t := &StatsTracker{
		path:   path,
		logger: logging.Nop(),
		topN:   defaultTopN,
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.load(); err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn(context.Background(), "learning stats cold start: backing file unreadable",
				zap.String("path", path), zap.Error(err))
		}
		t.stats = LearningStats{}
	}

	return t, nil
}

// RecordHit counts a pattern match that produced a result. In-memory only;
// aggregates are persisted on cycle completion.
func (t *StatsTracker) RecordHit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.PatternHits++
}

// RecordEscalation counts an item no pattern could handle.
func (t *StatsTracker) RecordEscalation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Escalations++
}

// CompleteCycle recomputes the derived aggregates from the store, persists
// them, and returns a snapshot.
func (t *StatsTracker) CompleteCycle(ctx context.Context, store *Store) (LearningStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	samples := t.stats.PatternHits + t.stats.Escalations
	if samples > 0 {
		t.stats.HitRate = float64(t.stats.PatternHits) / float64(samples)
	} else {
		t.stats.HitRate = 0
	}
	t.stats.AvgConfidence = store.AvgConfidence()

	top := store.TopByUsage(t.topN)
	t.stats.TopPatterns = make([]TopPattern, 0, len(top))
	for _, p := range top {
		t.stats.TopPatterns = append(t.stats.TopPatterns, TopPattern{
			ID:         p.ID,
			Name:       p.Name,
			UsageCount: p.Stats.UsageCount,
		})
	}

	t.stats.CyclesCompleted++
	t.stats.LastCycleAt = &now

	if err := t.persist(); err != nil {
		return LearningStats{}, err
	}

	t.logger.Info(ctx, "cycle stats recomputed",
		zap.Int("pattern_hits", t.stats.PatternHits),
		zap.Int("escalations", t.stats.Escalations),
		zap.Float64("hit_rate", t.stats.HitRate),
		zap.Float64("avg_confidence", t.stats.AvgConfidence),
		zap.Int("cycles_completed", t.stats.CyclesCompleted))

	return t.snapshotLocked(), nil
}

// Snapshot returns a copy of the current aggregates.
func (t *StatsTracker) Snapshot() LearningStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *StatsTracker) snapshotLocked() LearningStats {
	out := t.stats
	out.TopPatterns = make([]TopPattern, len(t.stats.TopPatterns))
	copy(out.TopPatterns, t.stats.TopPatterns)
	if t.stats.LastCycleAt != nil {
		at := *t.stats.LastCycleAt
		out.LastCycleAt = &at
	}
	return out
}

func (t *StatsTracker) load() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return err
	}

	var doc statsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse learning stats: %w", err)
	}

	t.stats = doc.Stats
	return nil
}

// persist writes the aggregates to disk atomically. Caller must hold the lock.
func (t *StatsTracker) persist() error {
	doc := statsDocument{
		Version:     storeSchemaVersion,
		Stats:       t.stats,
		LastUpdated: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal learning stats: %w", err)
	}

	tmpPath := t.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write learning stats: %w", err)
	}

	if err := os.Rename(tmpPath, t.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename learning stats: %w", err)
	}

	return nil
}
