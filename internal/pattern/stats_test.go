package pattern

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestStatsTracker_CompleteCycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "patterns.json"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	tracker, err := NewStatsTracker(filepath.Join(dir, "stats.json"))
	if err != nil {
		t.Fatalf("NewStatsTracker failed: %v", err)
	}

	busy := testPattern("busy")
	idle := testPattern("idle")
	for _, p := range []*Pattern{busy, idle} {
		if err := store.Add(ctx, p); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	for i := 0; i < 6; i++ {
		store.UpdateConfidence(ctx, busy.ID, true)
	}

	// 3 hits, 1 escalation
	tracker.RecordHit()
	tracker.RecordHit()
	tracker.RecordHit()
	tracker.RecordEscalation()

	stats, err := tracker.CompleteCycle(ctx, store)
	if err != nil {
		t.Fatalf("CompleteCycle failed: %v", err)
	}

	if stats.PatternHits != 3 || stats.Escalations != 1 {
		t.Errorf("counts = %d hits / %d escalations, want 3 / 1", stats.PatternHits, stats.Escalations)
	}
	if stats.HitRate != 0.75 {
		t.Errorf("HitRate = %v, want 0.75", stats.HitRate)
	}
	// busy: 6/6 = 1.0, idle: unused = 0.9
	if stats.AvgConfidence != 0.95 {
		t.Errorf("AvgConfidence = %v, want 0.95", stats.AvgConfidence)
	}
	if stats.CyclesCompleted != 1 {
		t.Errorf("CyclesCompleted = %d, want 1", stats.CyclesCompleted)
	}
	if stats.LastCycleAt == nil {
		t.Error("LastCycleAt not stamped")
	}
	if len(stats.TopPatterns) == 0 || stats.TopPatterns[0].Name != "busy" {
		t.Errorf("TopPatterns = %+v, want busy first", stats.TopPatterns)
	}
}

func TestStatsTracker_EmptyCycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, _ := NewStore(filepath.Join(dir, "patterns.json"))
	tracker, _ := NewStatsTracker(filepath.Join(dir, "stats.json"))

	stats, err := tracker.CompleteCycle(ctx, store)
	if err != nil {
		t.Fatalf("CompleteCycle failed: %v", err)
	}
	if stats.HitRate != 0 {
		t.Errorf("HitRate with no samples = %v, want 0", stats.HitRate)
	}
	if stats.AvgConfidence != 0 {
		t.Errorf("AvgConfidence with empty store = %v, want 0", stats.AvgConfidence)
	}
}

func TestStatsTracker_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, _ := NewStore(filepath.Join(dir, "patterns.json"))
	statsPath := filepath.Join(dir, "stats.json")

	tracker, _ := NewStatsTracker(statsPath)
	tracker.RecordHit()
	tracker.RecordEscalation()
	before, err := tracker.CompleteCycle(ctx, store)
	if err != nil {
		t.Fatalf("CompleteCycle failed: %v", err)
	}

	reopened, err := NewStatsTracker(statsPath)
	if err != nil {
		t.Fatalf("NewStatsTracker reopen failed: %v", err)
	}
	after := reopened.Snapshot()

	wantJSON, _ := json.Marshal(before)
	gotJSON, _ := json.Marshal(after)
	if string(wantJSON) != string(gotJSON) {
		t.Errorf("stats changed across restart:\n before %s\n after  %s", wantJSON, gotJSON)
	}

	// No temp file left behind
	if _, err := os.Stat(statsPath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
}

func TestStatsTracker_ColdStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")

	tracker, err := NewStatsTracker(path)
	if err != nil {
		t.Fatalf("NewStatsTracker with missing file failed: %v", err)
	}
	stats := tracker.Snapshot()
	if stats.PatternHits != 0 || stats.CyclesCompleted != 0 {
		t.Errorf("cold start stats not zeroed: %+v", stats)
	}
}

func TestStatsTracker_TopN(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, _ := NewStore(filepath.Join(dir, "patterns.json"))
	tracker, _ := NewStatsTracker(filepath.Join(dir, "stats.json"), WithTopN(2))

	for _, name := range []string{"a", "b", "c", "d"} {
		if err := store.Add(ctx, testPattern(name)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	stats, err := tracker.CompleteCycle(ctx, store)
	if err != nil {
		t.Fatalf("CompleteCycle failed: %v", err)
	}
	if len(stats.TopPatterns) != 2 {
		t.Errorf("TopPatterns = %d entries, want 2", len(stats.TopPatterns))
	}
}
