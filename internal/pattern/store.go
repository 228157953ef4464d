// Package pattern persists learned solutions and their usage statistics.
//
// The store owns confidence math and the phase lifecycle: every match
// outcome flows back through UpdateConfidence, which recomputes confidence
// and phase and persists the full collection atomically. A missing or
// corrupt backing file degrades to an empty store (cold start) rather than
// failing the caller.
package pattern

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/logging"
)

// storeSchemaVersion is the persisted document version.
const storeSchemaVersion = 1

// defaultSimilarityFloor is the minimum similarity FindSimilar reports.
const defaultSimilarityFloor = 0.4

// storeDocument is the persisted patterns collection.
type storeDocument struct {
	Version     int        `json:"version"`
	Patterns    []*Pattern `json:"patterns"`
	LastUpdated time.Time  `json:"lastUpdated"`
}

// Store manages the pattern collection with durable persistence.
//
// All mutation is funneled through its methods; it is safe for concurrent
// use but assumes a single logical writer per backing file.
type Store struct {
	mu              sync.RWMutex
	path            string
	logger          *logging.Logger
	similarityFloor float64

	patterns map[string]*Pattern
	order    []string // insertion order, preserved across restarts
	revision uint64   // bumped on every change; matchers use it to invalidate compiled conditions
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithSimilarityFloor sets the minimum similarity FindSimilar reports.
func WithSimilarityFloor(floor float64) Option {
	return func(s *Store) {
		s.similarityFloor = floor
	}
}

// NewStore creates a pattern store backed by the JSON file at path.
//
// A missing file is a cold start; a corrupt file is logged and treated the
// same way rather than failing.
func NewStore(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}

	s := &Store{
		path:            path,
		logger:          logging.Nop(),
		similarityFloor: defaultSimilarityFloor,
		patterns:        make(map[string]*Pattern),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		ctx := context.Background()
		switch {
		case os.IsNotExist(err):
			s.logger.Info(ctx, "pattern store cold start: no backing file",
				zap.String("path", path))
		case errors.Is(err, ErrStoreCorrupted):
			s.logger.Warn(ctx, "pattern store cold start: backing file corrupted",
				zap.String("path", path), zap.Error(err))
			s.patterns = make(map[string]*Pattern)
			s.order = nil
		default:
			return nil, fmt.Errorf("failed to load pattern store: %w", err)
		}
	}

	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Revision returns a counter bumped on every change to the collection.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Len returns the number of stored patterns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

// Add validates and stores a new pattern, assigning identity and initial
// stats. Patterns with zero conditions are rejected.
func (s *Store) Add(ctx context.Context, p *Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = "pat_" + uuid.New().String()
	}
	if _, ok := s.patterns[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrPatternExists, p.ID)
	}

	now := time.Now().UTC()
	p.Version = 1
	p.Stats = Stats{
		UsageCount:   0,
		SuccessCount: 0,
		Confidence:   ConfidenceFor(0, 0),
		Phase:        PhaseFor(0),
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	p.History = []Change{{Version: 1, ChangedAt: now, Summary: "created"}}

	s.patterns[p.ID] = p
	s.order = append(s.order, p.ID)
	s.revision++

	if err := s.persist(); err != nil {
		return err
	}

	s.logger.Info(ctx, "pattern added",
		zap.String("pattern_id", p.ID),
		zap.String("name", p.Name),
		zap.Int("conditions", len(p.Conditions)))
	return nil
}

// Get returns a copy of the pattern with the given ID.
func (s *Store) Get(id string) (*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	return p.Clone(), nil
}

// List returns copies of all patterns in insertion order.
func (s *Store) List() []*Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Store) listLocked() []*Pattern {
	out := make([]*Pattern, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.patterns[id]; ok {
			out = append(out, p.Clone())
		}
	}
	return out
}

// ListByConfidence returns copies of all patterns ordered by confidence,
// descending. Ties keep insertion order.
func (s *Store) ListByConfidence() []*Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.listLocked()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Stats.Confidence > out[j].Stats.Confidence
	})
	return out
}

// DeprecationCandidates returns copies of stable patterns whose confidence
// has dropped below the review threshold. They are flagged, never removed.
func (s *Store) DeprecationCandidates() []*Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Pattern
	for _, id := range s.order {
		if p, ok := s.patterns[id]; ok && p.IsDeprecationCandidate() {
			out = append(out, p.Clone())
		}
	}
	return out
}

// UpdateConfidence records one use of a pattern and recomputes its derived
// stats. The full store is persisted atomically before returning.
func (s *Store) UpdateConfidence(ctx context.Context, id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}

	now := time.Now().UTC()
	p.Stats.UsageCount++
	if success {
		p.Stats.SuccessCount++
	}
	p.Stats.Confidence = ConfidenceFor(p.Stats.UsageCount, p.Stats.SuccessCount)
	p.Stats.Phase = PhaseFor(p.Stats.UsageCount)
	p.Stats.LastUsedAt = &now
	p.UpdatedAt = now
	s.revision++

	if err := s.persist(); err != nil {
		return err
	}

	s.logger.Debug(ctx, "pattern confidence updated",
		zap.String("pattern_id", id),
		zap.Bool("success", success),
		zap.Int("usage_count", p.Stats.UsageCount),
		zap.Float64("confidence", p.Stats.Confidence),
		zap.String("phase", string(p.Stats.Phase)))
	return nil
}

// Update replaces a pattern's content (name, description, conditions,
// solution), bumps its version, and appends a change history entry. Stats
// are preserved; they change only through UpdateConfidence.
func (s *Store) Update(ctx context.Context, updated *Pattern, summary string) error {
	if err := updated.Validate(); err != nil {
		return err
	}
	if summary == "" {
		summary = "updated"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[updated.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPatternNotFound, updated.ID)
	}

	now := time.Now().UTC()
	p.Name = updated.Name
	p.Description = updated.Description
	p.Conditions = make([]Condition, len(updated.Conditions))
	copy(p.Conditions, updated.Conditions)
	p.Solution = updated.Solution
	p.Version++
	p.UpdatedAt = now
	p.History = append(p.History, Change{Version: p.Version, ChangedAt: now, Summary: summary})
	s.revision++

	if err := s.persist(); err != nil {
		return err
	}

	s.logger.Info(ctx, "pattern updated",
		zap.String("pattern_id", p.ID),
		zap.Int("version", p.Version),
		zap.String("summary", summary))
	return nil
}

// Delete removes a pattern. Deletion is a manual operation; the store never
// removes patterns on its own.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.patterns[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}

	delete(s.patterns, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.revision++

	if err := s.persist(); err != nil {
		return err
	}

	s.logger.Info(ctx, "pattern deleted", zap.String("pattern_id", id))
	return nil
}

// SimilarPattern pairs a pattern with its similarity to a query.
type SimilarPattern struct {
	Pattern    *Pattern
	Similarity float64
}

// FindSimilar returns patterns whose name and description resemble the
// given free text, ordered by similarity descending. Results below the
// configured floor are dropped.
func (s *Store) FindSimilar(freeText string) []SimilarPattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SimilarPattern
	for _, id := range s.order {
		p, ok := s.patterns[id]
		if !ok {
			continue
		}

		subject := p.Name
		if p.Description != "" {
			subject += " " + p.Description
		}

		sim := calculateStringSimilarity(freeText, subject)
		if sim >= s.similarityFloor {
			out = append(out, SimilarPattern{Pattern: p.Clone(), Similarity: sim})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	return out
}

// AvgConfidence returns the mean confidence across all patterns, or 0 when
// the store is empty.
func (s *Store) AvgConfidence() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.patterns) == 0 {
		return 0
	}
	var sum float64
	for _, p := range s.patterns {
		sum += p.Stats.Confidence
	}
	return sum / float64(len(s.patterns))
}

// TopByUsage returns copies of the n most-used patterns, descending. Ties
// keep insertion order.
func (s *Store) TopByUsage(n int) []*Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.listLocked()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Stats.UsageCount > out[j].Stats.UsageCount
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Reload re-reads the backing file, replacing the in-memory collection.
// Used by the file watcher when the store is edited externally. A corrupt
// file keeps the current collection and returns ErrStoreCorrupted.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		if os.IsNotExist(err) {
			s.patterns = make(map[string]*Pattern)
			s.order = nil
			s.revision++
			return nil
		}
		return err
	}
	return nil
}

// load reads the backing file into memory. Caller must hold the write lock
// (or be the constructor).
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	}

	patterns := make(map[string]*Pattern, len(doc.Patterns))
	order := make([]string, 0, len(doc.Patterns))
	for _, p := range doc.Patterns {
		if p == nil || p.ID == "" {
			continue
		}
		patterns[p.ID] = p
		order = append(order, p.ID)
	}

	s.patterns = patterns
	s.order = order
	s.revision++
	return nil
}

// persist writes the full collection to disk atomically. Caller must hold
// the write lock.
func (s *Store) persist() error {
	doc := storeDocument{
		Version:     storeSchemaVersion,
		Patterns:    make([]*Pattern, 0, len(s.order)),
		LastUpdated: time.Now().UTC(),
	}
	for _, id := range s.order {
		if p, ok := s.patterns[id]; ok {
			doc.Patterns = append(doc.Patterns, p)
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pattern store: %w", err)
	}

	// Write atomically: temp file then rename
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write pattern store: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename pattern store: %w", err)
	}

	return nil
}
