package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mendd/internal/breaker"
	"github.com/fyrsmithlabs/mendd/internal/fault"
	"github.com/fyrsmithlabs/mendd/internal/provider"
	"github.com/fyrsmithlabs/mendd/internal/retry"
)

// scriptedProvider returns whatever its script says, counting calls.
type scriptedProvider struct {
	name string
	fn   func(call int, prompt string) (*provider.Result, error)

	mu    sync.Mutex
	calls int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Execute(_ context.Context, prompt string, _ time.Duration, _ string) (*provider.Result, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()
	return p.fn(call, prompt)
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func succeedingProvider(name, output string) *scriptedProvider {
	return &scriptedProvider{name: name, fn: func(int, string) (*provider.Result, error) {
		return &provider.Result{Success: true, Output: output}, nil
	}}
}

func failingProvider(name, msg string) *scriptedProvider {
	return &scriptedProvider{name: name, fn: func(int, string) (*provider.Result, error) {
		return &provider.Result{Success: false, Error: msg}, errors.New(msg)
	}}
}

func fastDispatchConfig() Config {
	return Config{
		MaxRetries:     2,
		AllowFallback:  true,
		RequiredFields: []string{"success"},
		Retry: retry.Config{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
			Multiplier: 2.0,
		},
	}
}

// looseBreakers never trips during a test unless tripped by hand.
func looseBreakers() *breaker.Group {
	return breaker.NewGroup(breaker.Config{
		FailureThreshold: 100,
		SuccessThreshold: 3,
		Cooldown:         time.Minute,
	}, nil)
}

func newTestDispatcher(t *testing.T, primary, fallback provider.Provider, breakers *breaker.Group, cfg Config) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(primary, fallback, breakers, cfg)
	require.NoError(t, err)
	return d
}

func TestNewDispatcher_Validation(t *testing.T) {
	primary := succeedingProvider("agent", `{"success": true}`)

	tests := []struct {
		name     string
		primary  provider.Provider
		fallback provider.Provider
		cfg      Config
		wantErr  bool
	}{
		{
			name:    "primary required",
			cfg:     Config{},
			wantErr: true,
		},
		{
			name:    "fallback required when policy allows it",
			primary: primary,
			cfg:     Config{AllowFallback: true},
			wantErr: true,
		},
		{
			name:    "no fallback needed when policy forbids it",
			primary: primary,
			cfg:     Config{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDispatcher(tt.primary, tt.fallback, nil, tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDispatcher_PrimaryServes(t *testing.T) {
	primary := succeedingProvider("agent", `{"success": true, "summary": "restarted unit"}`)
	fallback := succeedingProvider("api", `{"success": true}`)
	d := newTestDispatcher(t, primary, fallback, looseBreakers(), fastDispatchConfig())

	res, err := d.Dispatch(context.Background(), Request{Skill: "fix-timeout", Prompt: "repair the failing healthcheck"})

	require.NoError(t, err)
	assert.Equal(t, PathPrimary, res.ServedBy)
	assert.Contains(t, res.Output, "restarted unit")
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 0, fallback.callCount(), "fallback must never run when primary succeeds")

	stats, ok := d.Stats("fix-timeout")
	require.True(t, ok)
	assert.Equal(t, 1, stats.ExecutionCount)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 0, stats.FailureCount)
	assert.Equal(t, 0, stats.FallbackCount)
}

func TestDispatcher_FallbackExactlyOnce(t *testing.T) {
	primary := failingProvider("agent", "connection refused")
	fallback := succeedingProvider("api", `{"success": true}`)
	d := newTestDispatcher(t, primary, fallback, looseBreakers(), fastDispatchConfig())

	res, err := d.Dispatch(context.Background(), Request{Skill: "fix-timeout", Prompt: "repair"})

	require.NoError(t, err)
	assert.Equal(t, PathFallback, res.ServedBy)
	assert.Equal(t, 3, primary.callCount(), "transient primary failure is retried to exhaustion")
	assert.Equal(t, 1, fallback.callCount(), "fallback runs exactly once")

	stats, ok := d.Stats("fix-timeout")
	require.True(t, ok)
	assert.Equal(t, 1, stats.ExecutionCount)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 1, stats.FallbackCount)
}

func TestDispatcher_PermanentFaultSkipsRetries(t *testing.T) {
	primary := failingProvider("agent", "invalid api key")
	fallback := succeedingProvider("api", `{"success": true}`)
	d := newTestDispatcher(t, primary, fallback, looseBreakers(), fastDispatchConfig())

	res, err := d.Dispatch(context.Background(), Request{Skill: "fix-auth", Prompt: "repair"})

	require.NoError(t, err)
	assert.Equal(t, PathFallback, res.ServedBy)
	assert.Equal(t, 1, primary.callCount(), "permanent faults must not burn retries")
	assert.Equal(t, 1, fallback.callCount())
}

func TestDispatcher_InvalidShapeIsRetryable(t *testing.T) {
	primary := succeedingProvider("agent", `{"partial": true}`)
	fallback := succeedingProvider("api", `{"success": true}`)
	d := newTestDispatcher(t, primary, fallback, looseBreakers(), fastDispatchConfig())

	res, err := d.Dispatch(context.Background(), Request{Skill: "fix-timeout", Prompt: "repair"})

	require.NoError(t, err)
	assert.Equal(t, PathFallback, res.ServedBy)
	assert.Equal(t, 3, primary.callCount(), "missing fields are a retryable failure, not a crash")
}

func TestDispatcher_InvalidShapeSurfacesWithoutFallback(t *testing.T) {
	primary := succeedingProvider("agent", `not json at all`)
	cfg := fastDispatchConfig()
	cfg.AllowFallback = false
	d := newTestDispatcher(t, primary, nil, looseBreakers(), cfg)

	_, err := d.Dispatch(context.Background(), Request{Skill: "fix-timeout", Prompt: "repair"})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidShape)

	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, fault.CategoryExternal, f.Category)

	stats, ok := d.Stats("fix-timeout")
	require.True(t, ok)
	assert.Equal(t, 1, stats.FailureCount)
	assert.Equal(t, 0, stats.FallbackCount)
}

func TestDispatcher_OpenPrimaryBreakerSkipsToFallback(t *testing.T) {
	primary := succeedingProvider("agent", `{"success": true}`)
	fallback := succeedingProvider("api", `{"success": true}`)
	breakers := breaker.NewGroup(breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
	}, nil)
	breakers.For("agent").RecordFailure()

	d := newTestDispatcher(t, primary, fallback, breakers, fastDispatchConfig())
	res, err := d.Dispatch(context.Background(), Request{Skill: "fix-timeout", Prompt: "repair"})

	require.NoError(t, err)
	assert.Equal(t, PathFallback, res.ServedBy)
	assert.Equal(t, 0, primary.callCount(), "open breaker must skip the primary entirely")
	assert.Equal(t, 1, fallback.callCount())
}

func TestDispatcher_OpenFallbackBreakerAborts(t *testing.T) {
	primary := failingProvider("agent", "connection refused")
	fallback := succeedingProvider("api", `{"success": true}`)
	breakers := breaker.NewGroup(breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
	}, nil)
	breakers.For("agent").RecordFailure()
	breakers.For("api").RecordFailure()

	d := newTestDispatcher(t, primary, fallback, breakers, fastDispatchConfig())
	_, err := d.Dispatch(context.Background(), Request{Skill: "fix-timeout", Prompt: "repair"})

	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrBreakerOpen, "an open fallback breaker is the abort signal")
	assert.Equal(t, 0, primary.callCount())
	assert.Equal(t, 0, fallback.callCount())
}

func TestDispatcher_ValidateShape(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		output   string
		wantErr  bool
	}{
		{
			name:   "no required fields accepts anything",
			output: "free-form text, not json",
		},
		{
			name:     "all fields present",
			required: []string{"success", "summary"},
			output:   `{"success": true, "summary": "done"}`,
		},
		{
			name:     "nested path",
			required: []string{"result.status"},
			output:   `{"result": {"status": "ok"}}`,
		},
		{
			name:     "missing field",
			required: []string{"success"},
			output:   `{"summary": "done"}`,
			wantErr:  true,
		},
		{
			name:     "not json",
			required: []string{"success"},
			output:   "segfault",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastDispatchConfig()
			cfg.RequiredFields = tt.required
			d := newTestDispatcher(t, succeedingProvider("agent", ""), succeedingProvider("api", ""), looseBreakers(), cfg)

			err := d.validateShape(tt.output)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidShape)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDispatcher_StatsRunningAverage(t *testing.T) {
	d := newTestDispatcher(t,
		succeedingProvider("agent", `{"success": true}`),
		succeedingProvider("api", `{"success": true}`),
		looseBreakers(), fastDispatchConfig())

	d.recordStats("fix-timeout", 10*time.Millisecond, true, false)
	d.recordStats("fix-timeout", 30*time.Millisecond, false, true)

	stats, ok := d.Stats("fix-timeout")
	require.True(t, ok)
	assert.Equal(t, 2, stats.ExecutionCount)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailureCount)
	assert.Equal(t, 1, stats.FallbackCount)
	assert.Equal(t, 20*time.Millisecond, stats.AvgDuration)
}

func TestDispatcher_AllStatsSorted(t *testing.T) {
	d := newTestDispatcher(t,
		succeedingProvider("agent", `{"success": true}`),
		succeedingProvider("api", `{"success": true}`),
		looseBreakers(), fastDispatchConfig())

	d.recordStats("fix-timeout", time.Millisecond, true, false)
	d.recordStats("add-healthcheck", time.Millisecond, true, false)
	d.recordStats("bump-deps", time.Millisecond, false, false)

	all := d.AllStats()
	require.Len(t, all, 3)
	assert.Equal(t, "add-healthcheck", all[0].Skill)
	assert.Equal(t, "bump-deps", all[1].Skill)
	assert.Equal(t, "fix-timeout", all[2].Skill)

	_, ok := d.Stats("unknown-skill")
	assert.False(t, ok)
}
