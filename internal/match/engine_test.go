package match

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mendd/internal/pattern"
)

// mockRunner implements ScriptRunner for testing.
type mockRunner struct {
	calls  []runnerCall
	output string
	err    error
}

type runnerCall struct {
	script     string
	workingDir string
}

func (m *mockRunner) RunScript(_ context.Context, script, workingDir string) (string, error) {
	m.calls = append(m.calls, runnerCall{script: script, workingDir: workingDir})
	return m.output, m.err
}

func newEngineTestStore(t *testing.T) *pattern.Store {
	t.Helper()
	store, err := pattern.NewStore(filepath.Join(t.TempDir(), "patterns.json"))
	require.NoError(t, err)
	return store
}

func addPattern(t *testing.T, store *pattern.Store, name string, conds []pattern.Condition, sol pattern.Solution) *pattern.Pattern {
	t.Helper()
	p := &pattern.Pattern{Name: name, Conditions: conds, Solution: sol}
	require.NoError(t, store.Add(context.Background(), p))
	return p
}

func templateSolution(body string) pattern.Solution {
	return pattern.Solution{Kind: pattern.SolutionTextTemplate, Body: body}
}

func TestEngine_Match_ConditionKinds(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		condition pattern.Condition
		hit       Item
		miss      Item
	}{
		{
			name:      "text regex on fault message",
			condition: pattern.Condition{Kind: pattern.ConditionTextRegex, Target: pattern.TargetFaultMessage, Value: `connection (refused|reset)`},
			hit:       Item{ID: "a", FaultMessage: "dial tcp: connection refused"},
			miss:      Item{ID: "a", FaultMessage: "file not found"},
		},
		{
			name:      "path glob on identifier",
			condition: pattern.Condition{Kind: pattern.ConditionPathGlob, Target: pattern.TargetIdentifier, Value: "*.yaml"},
			hit:       Item{ID: "deploy/config.yaml"},
			miss:      Item{ID: "deploy/config.json"},
		},
		{
			name:      "doublestar glob prefix",
			condition: pattern.Condition{Kind: pattern.ConditionPathGlob, Target: pattern.TargetIdentifier, Value: "vendor/**"},
			hit:       Item{ID: "vendor/lib/util.go"},
			miss:      Item{ID: "internal/lib/util.go"},
		},
		{
			name:      "structural substring on content is case sensitive",
			condition: pattern.Condition{Kind: pattern.ConditionStructuralSubstring, Target: pattern.TargetContent, Value: "ConnectionPool.acquire"},
			hit:       Item{ID: "a", Content: "at ConnectionPool.acquire(pool.go:42)"},
			miss:      Item{ID: "a", Content: "at connectionpool.acquire(pool.go:42)"},
		},
		{
			name:      "fault code is case insensitive",
			condition: pattern.Condition{Kind: pattern.ConditionFaultCode, Target: pattern.TargetFaultMessage, Value: "ECONNREFUSED"},
			hit:       Item{ID: "a", FaultMessage: "dial tcp 10.0.0.1:443: econnrefused"},
			miss:      Item{ID: "a", FaultMessage: "dial tcp 10.0.0.1:443: timeout"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newEngineTestStore(t)
			addPattern(t, store, tt.name, []pattern.Condition{tt.condition}, templateSolution("fix"))
			engine, err := NewEngine(store)
			require.NoError(t, err)

			assert.NotNil(t, engine.Match(ctx, tt.hit), "expected hit")
			assert.Nil(t, engine.Match(ctx, tt.miss), "expected miss")
		})
	}
}

func TestEngine_Match_ConditionsAreANDed(t *testing.T) {
	ctx := context.Background()
	store := newEngineTestStore(t)
	addPattern(t, store, "yaml-timeout", []pattern.Condition{
		{Kind: pattern.ConditionPathGlob, Target: pattern.TargetIdentifier, Value: "*.yaml"},
		{Kind: pattern.ConditionTextRegex, Target: pattern.TargetFaultMessage, Value: "timeout"},
	}, templateSolution("fix"))

	engine, err := NewEngine(store)
	require.NoError(t, err)

	assert.NotNil(t, engine.Match(ctx, Item{ID: "cfg.yaml", FaultMessage: "read timeout"}))
	assert.Nil(t, engine.Match(ctx, Item{ID: "cfg.yaml", FaultMessage: "parse error"}),
		"one of two conditions must not match")
	assert.Nil(t, engine.Match(ctx, Item{ID: "cfg.json", FaultMessage: "read timeout"}),
		"one of two conditions must not match")
}

func TestEngine_Match_RanksByConfidence(t *testing.T) {
	ctx := context.Background()
	store := newEngineTestStore(t)

	cond := []pattern.Condition{
		{Kind: pattern.ConditionFaultCode, Target: pattern.TargetFaultMessage, Value: "timeout"},
	}
	weak := addPattern(t, store, "weak", cond, templateSolution("weak fix"))
	strong := addPattern(t, store, "strong", cond, templateSolution("strong fix"))

	// weak: 1/2 = 0.5, strong: 2/2 = 1.0
	require.NoError(t, store.UpdateConfidence(ctx, weak.ID, true))
	require.NoError(t, store.UpdateConfidence(ctx, weak.ID, false))
	require.NoError(t, store.UpdateConfidence(ctx, strong.ID, true))
	require.NoError(t, store.UpdateConfidence(ctx, strong.ID, true))

	engine, err := NewEngine(store)
	require.NoError(t, err)

	item := Item{ID: "task", FaultMessage: "operation timeout"}
	best := engine.Match(ctx, item)
	require.NotNil(t, best)
	assert.Equal(t, "strong", best.Pattern.Name)

	all := engine.MatchesFor(ctx, item)
	require.Len(t, all, 2)
	assert.Equal(t, "strong", all[0].Pattern.Name)
	assert.Equal(t, "weak", all[1].Pattern.Name)
}

func TestEngine_Match_TieKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := newEngineTestStore(t)

	cond := []pattern.Condition{
		{Kind: pattern.ConditionFaultCode, Target: pattern.TargetFaultMessage, Value: "timeout"},
	}
	addPattern(t, store, "first", cond, templateSolution("a"))
	addPattern(t, store, "second", cond, templateSolution("b"))

	engine, err := NewEngine(store)
	require.NoError(t, err)

	// Both untouched at the optimistic prior; first added wins
	best := engine.Match(ctx, Item{ID: "task", FaultMessage: "timeout"})
	require.NotNil(t, best)
	assert.Equal(t, "first", best.Pattern.Name)
}

func TestEngine_Match_NoMatch(t *testing.T) {
	store := newEngineTestStore(t)
	addPattern(t, store, "narrow", []pattern.Condition{
		{Kind: pattern.ConditionTextRegex, Target: pattern.TargetContent, Value: "^exact$"},
	}, templateSolution("fix"))

	engine, err := NewEngine(store)
	require.NoError(t, err)

	assert.Nil(t, engine.Match(context.Background(), Item{ID: "x", Content: "nothing relevant"}))
}

func TestEngine_Match_InvalidRegexDisablesPattern(t *testing.T) {
	ctx := context.Background()
	store := newEngineTestStore(t)
	addPattern(t, store, "broken", []pattern.Condition{
		{Kind: pattern.ConditionTextRegex, Target: pattern.TargetContent, Value: "([unclosed"},
	}, templateSolution("fix"))

	engine, err := NewEngine(store)
	require.NoError(t, err)

	// The uncompilable pattern must never match, and must not break others
	assert.Nil(t, engine.Match(ctx, Item{ID: "x", Content: "([unclosed"}))
}

func TestEngine_Match_RecompilesOnStoreChange(t *testing.T) {
	ctx := context.Background()
	store := newEngineTestStore(t)
	engine, err := NewEngine(store)
	require.NoError(t, err)

	item := Item{ID: "task", FaultMessage: "quota exceeded"}
	assert.Nil(t, engine.Match(ctx, item))

	addPattern(t, store, "quota", []pattern.Condition{
		{Kind: pattern.ConditionFaultCode, Target: pattern.TargetFaultMessage, Value: "quota"},
	}, templateSolution("raise quota"))

	assert.NotNil(t, engine.Match(ctx, item), "engine must pick up store changes")
}

func TestEngine_MatchAll(t *testing.T) {
	ctx := context.Background()
	store := newEngineTestStore(t)

	timeout := addPattern(t, store, "timeout", []pattern.Condition{
		{Kind: pattern.ConditionFaultCode, Target: pattern.TargetFaultMessage, Value: "timeout"},
	}, templateSolution("a"))
	addPattern(t, store, "quota", []pattern.Condition{
		{Kind: pattern.ConditionFaultCode, Target: pattern.TargetFaultMessage, Value: "quota"},
	}, templateSolution("b"))

	// Drop timeout's confidence below quota's prior
	require.NoError(t, store.UpdateConfidence(ctx, timeout.ID, false))

	engine, err := NewEngine(store)
	require.NoError(t, err)

	items := []Item{
		{ID: "one", FaultMessage: "operation timeout"},
		{ID: "two", FaultMessage: "storage quota exceeded"},
		{ID: "three", FaultMessage: "unrelated"},
	}
	matches := engine.MatchAll(ctx, items)
	require.Len(t, matches, 2, "unmatched items are omitted")
	assert.Equal(t, "two", matches[0].Item.ID, "higher confidence ranks first")
	assert.Equal(t, "one", matches[1].Item.ID)
}

func TestEngine_Apply_Template(t *testing.T) {
	store := newEngineTestStore(t)
	p := addPattern(t, store, "restart", anyConditions(), templateSolution(
		"restart {{service}} for {{item}}; see {{unknown}}"))

	engine, err := NewEngine(store)
	require.NoError(t, err)

	result, err := engine.Apply(context.Background(), p, ApplyContext{
		Item: Item{ID: "api-gateway"},
		Vars: map[string]string{"service": "nginx"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRendered, result.Outcome)
	assert.Equal(t, "restart nginx for api-gateway; see {{unknown}}", result.Output)
	assert.False(t, result.RequiresConfirmation)
}

func TestEngine_Apply_EscalatePrompt(t *testing.T) {
	store := newEngineTestStore(t)
	p := addPattern(t, store, "escalation", anyConditions(), pattern.Solution{
		Kind: pattern.SolutionEscalatePrompt,
		Body: "Investigate the failure of {{item}} and propose a fix.",
	})

	engine, err := NewEngine(store)
	require.NoError(t, err)

	result, err := engine.Apply(context.Background(), p, ApplyContext{Item: Item{ID: "build-42"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalate, result.Outcome)
	assert.Equal(t, "Investigate the failure of build-42 and propose a fix.", result.Output)
}

func TestEngine_Apply_ScriptTrusted(t *testing.T) {
	store := newEngineTestStore(t)
	p := addPattern(t, store, "cleanup", anyConditions(), pattern.Solution{
		Kind: pattern.SolutionExecutableScript,
		Body: "#!/bin/sh\nrm -f /tmp/stale.lock",
	})

	runner := &mockRunner{output: "removed"}
	engine, err := NewEngine(store, WithScriptRunner(runner))
	require.NoError(t, err)

	// Initial-phase patterns are always trusted
	result, err := engine.Apply(context.Background(), p, ApplyContext{
		Item:       Item{ID: "locks"},
		WorkingDir: "/tmp",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, result.Outcome)
	assert.Equal(t, "removed", result.Output)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, p.Solution.Body, runner.calls[0].script)
	assert.Equal(t, "/tmp", runner.calls[0].workingDir)
}

func TestEngine_Apply_ScriptNeedsVerification(t *testing.T) {
	ctx := context.Background()
	store := newEngineTestStore(t)
	p := addPattern(t, store, "risky", anyConditions(), pattern.Solution{
		Kind: pattern.SolutionExecutableScript,
		Body: "#!/bin/sh\necho risky",
	})

	// 5 uses, 2 successes: maturing at 0.4, below the verification bar
	for _, success := range []bool{true, true, false, false, false} {
		require.NoError(t, store.UpdateConfidence(ctx, p.ID, success))
	}
	current, err := store.Get(p.ID)
	require.NoError(t, err)
	require.True(t, current.NeedsVerification())

	runner := &mockRunner{}
	engine, err := NewEngine(store, WithScriptRunner(runner))
	require.NoError(t, err)

	result, err := engine.Apply(ctx, current, ApplyContext{Item: Item{ID: "task"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuggestion, result.Outcome)
	assert.True(t, result.RequiresConfirmation)
	assert.Equal(t, current.Solution.Body, result.Output, "suggestion carries the unexecuted script")
	assert.Empty(t, runner.calls, "script must not run")
}

func TestEngine_Apply_ScriptFailure(t *testing.T) {
	store := newEngineTestStore(t)
	p := addPattern(t, store, "flaky", anyConditions(), pattern.Solution{
		Kind: pattern.SolutionExecutableScript,
		Body: "#!/bin/sh\nexit 1",
	})

	runner := &mockRunner{err: errors.New("exit status 1")}
	engine, err := NewEngine(store, WithScriptRunner(runner))
	require.NoError(t, err)

	_, err = engine.Apply(context.Background(), p, ApplyContext{Item: Item{ID: "task"}})
	assert.Error(t, err)
}

func TestEngine_Apply_NoRunner(t *testing.T) {
	store := newEngineTestStore(t)
	p := addPattern(t, store, "orphan", anyConditions(), pattern.Solution{
		Kind: pattern.SolutionExecutableScript,
		Body: "#!/bin/sh\necho hi",
	})

	engine, err := NewEngine(store)
	require.NoError(t, err)

	_, err = engine.Apply(context.Background(), p, ApplyContext{Item: Item{ID: "task"}})
	assert.Error(t, err)
}

func TestEngine_ReportOutcome(t *testing.T) {
	ctx := context.Background()
	store := newEngineTestStore(t)
	p := addPattern(t, store, "tracked", anyConditions(), templateSolution("fix"))

	engine, err := NewEngine(store)
	require.NoError(t, err)

	require.NoError(t, engine.ReportOutcome(ctx, p.ID, true))
	require.NoError(t, engine.ReportOutcome(ctx, p.ID, false))

	got, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Stats.UsageCount)
	assert.Equal(t, 1, got.Stats.SuccessCount)
	assert.Equal(t, 0.5, got.Stats.Confidence)
}

// anyConditions returns a minimal valid condition list for patterns whose
// matching behavior is not under test.
func anyConditions() []pattern.Condition {
	return []pattern.Condition{
		{Kind: pattern.ConditionStructuralSubstring, Target: pattern.TargetContent, Value: "irrelevant"},
	}
}
