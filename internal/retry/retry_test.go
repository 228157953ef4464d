package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mendd/internal/breaker"
	"github.com/fyrsmithlabs/mendd/internal/fault"
)

func fastConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func newTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	classifier, err := fault.NewClassifier()
	require.NoError(t, err)
	e, err := NewExecutor(cfg, classifier)
	require.NoError(t, err)
	return e
}

func testBreaker() *breaker.Breaker {
	return breaker.New("test", breaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Cooldown:         20 * time.Millisecond,
	}, nil)
}

func TestConfig_Backoff_Bounds(t *testing.T) {
	cfg := Config{
		BaseDelay:  1000 * time.Millisecond,
		MaxDelay:   30000 * time.Millisecond,
		Multiplier: 2.0,
	}

	for attempt := 0; attempt <= 10; attempt++ {
		ideal := float64(cfg.BaseDelay)
		for i := 0; i < attempt; i++ {
			ideal *= cfg.Multiplier
		}
		lower := time.Duration(ideal * 0.85)
		upper := time.Duration(ideal * 1.15)
		if lower > cfg.MaxDelay {
			lower = cfg.MaxDelay
		}
		if upper > cfg.MaxDelay {
			upper = cfg.MaxDelay
		}

		for sample := 0; sample < 50; sample++ {
			got := cfg.Backoff(attempt)
			assert.GreaterOrEqual(t, got, lower, "attempt %d", attempt)
			assert.LessOrEqual(t, got, upper, "attempt %d", attempt)
		}
	}
}

func TestConfig_Backoff_CapsAtMax(t *testing.T) {
	cfg := Config{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
	// Far past the cap even the minimum jitter exceeds MaxDelay
	for i := 0; i < 20; i++ {
		assert.Equal(t, cfg.MaxDelay, cfg.Backoff(20))
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)

	partial := Config{MaxRetries: 7}
	partial.ApplyDefaults()
	assert.Equal(t, 7, partial.MaxRetries)
	assert.Equal(t, time.Second, partial.BaseDelay)
}

func TestExecutor_SuccessFirstTry(t *testing.T) {
	e := newTestExecutor(t, fastConfig())

	calls := 0
	err := e.ExecuteWithRetry(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	}, 3, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecutor_RetriesTransientThenSucceeds(t *testing.T) {
	e := newTestExecutor(t, fastConfig())

	calls := 0
	err := e.ExecuteWithRetry(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	}, 3, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecutor_NonRetryablePropagatesImmediately(t *testing.T) {
	e := newTestExecutor(t, fastConfig())

	calls := 0
	err := e.ExecuteWithRetry(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("401 Unauthorized")
	}, 3, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable faults must not consume retries")

	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, fault.CategoryPermanent, f.Category)
	assert.NotEmpty(t, f.SuggestedAction)
}

func TestExecutor_UnknownNeverRetried(t *testing.T) {
	e := newTestExecutor(t, fastConfig())

	calls := 0
	err := e.ExecuteWithRetry(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("something inexplicable happened")
	}, 3, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, fault.CategoryUnknown, f.Category)
}

func TestExecutor_ExhaustionReturnsClassifiedFault(t *testing.T) {
	e := newTestExecutor(t, fastConfig())

	calls := 0
	err := e.ExecuteWithRetry(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("request timed out")
	}, 2, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")

	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, fault.CategoryTransient, f.Category)
}

func TestExecutor_BreakerOpenFailsImmediately(t *testing.T) {
	e := newTestExecutor(t, fastConfig())
	br := testBreaker()
	for i := 0; i < 5; i++ {
		br.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, br.State())

	calls := 0
	err := e.ExecuteWithRetry(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	}, 3, br)

	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 0, calls, "no attempt while the breaker rejects")
}

func TestExecutor_BreakerRecordsOutcomes(t *testing.T) {
	e := newTestExecutor(t, fastConfig())
	br := testBreaker()

	// Five transient failures in one run trip the breaker mid-loop
	calls := 0
	err := e.ExecuteWithRetry(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("connection reset by peer")
	}, 9, br)

	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 5, calls, "breaker must cut the loop at its threshold")
	assert.Equal(t, breaker.StateOpen, br.State())
}

func TestExecutor_BreakerSuccessRecorded(t *testing.T) {
	e := newTestExecutor(t, fastConfig())
	br := testBreaker()
	for i := 0; i < 4; i++ {
		br.RecordFailure()
	}

	err := e.ExecuteWithRetry(context.Background(), "op", func(context.Context) error {
		return nil
	}, 0, br)
	require.NoError(t, err)

	// The recorded success must have reset the closed-state streak
	br.RecordFailure()
	assert.Equal(t, breaker.StateClosed, br.State())
}

func TestExecutor_ContextCanceledDuringBackoff(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = 500 * time.Millisecond
	cfg.MaxDelay = time.Second
	e := newTestExecutor(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := e.ExecuteWithRetry(ctx, "op", func(context.Context) error {
		calls++
		return errors.New("operation timeout")
	}, 3, nil)

	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
