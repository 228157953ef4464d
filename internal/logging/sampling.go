package logging

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// newSampledCore applies per-level rate sampling below error. Each level
// from trace through warn gets its own sampler with the budget from
// cfg.Levels; error and above always pass through so failures are never
// dropped.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	cores := []zapcore.Core{
		&bandCore{Core: core, lo: zapcore.ErrorLevel, hi: zapcore.FatalLevel},
	}
	for lvl := TraceLevel; lvl < zapcore.ErrorLevel; lvl++ {
		band := &bandCore{Core: core, lo: lvl, hi: lvl}
		rates, ok := cfg.Levels[lvl]
		if !ok {
			// No budget configured for this level, pass it through unsampled.
			cores = append(cores, band)
			continue
		}
		if lvl < zapcore.DebugLevel {
			// zapcore's sampler only counts levels from debug up, so the
			// trace band carries its own tick counter.
			cores = append(cores, &traceBudgetCore{
				Core:  band,
				rates: rates,
				tick:  cfg.Tick.Duration(),
				count: &tickCounter{},
			})
			continue
		}
		cores = append(cores, zapcore.NewSamplerWithOptions(
			band,
			cfg.Tick.Duration(),
			rates.Initial,
			rates.Thereafter,
		))
	}

	return zapcore.NewTee(cores...)
}

// bandCore restricts a core to an inclusive level range. The bands built
// above are disjoint, so the tee emits each entry exactly once.
type bandCore struct {
	zapcore.Core
	lo zapcore.Level
	hi zapcore.Level
}

func (c *bandCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.lo && lvl <= c.hi && c.Core.Enabled(lvl)
}

func (c *bandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

// With keeps the band on child cores.
func (c *bandCore) With(fields []zapcore.Field) zapcore.Core {
	return &bandCore{
		Core: c.Core.With(fields),
		lo:   c.lo,
		hi:   c.hi,
	}
}

// traceBudgetCore rate-limits the trace band with the same pass rule as
// zapcore's sampler: the first Initial entries per tick pass, then one
// in every Thereafter. Unlike the sampler it counts per band rather than
// per message; trace floods come from tight loops, and one counter is
// what flood control needs there.
type traceBudgetCore struct {
	zapcore.Core
	rates LevelSamplingConfig
	tick  time.Duration
	count *tickCounter
}

func (c *traceBudgetCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	n := c.count.next(e.Time, c.tick)
	if n > c.rates.Initial && (c.rates.Thereafter == 0 || (n-c.rates.Initial)%c.rates.Thereafter != 0) {
		return ce
	}
	return c.Core.Check(e, ce)
}

// With shares the parent's counter so child loggers draw from one budget.
func (c *traceBudgetCore) With(fields []zapcore.Field) zapcore.Core {
	return &traceBudgetCore{
		Core:  c.Core.With(fields),
		rates: c.rates,
		tick:  c.tick,
		count: c.count,
	}
}

// tickCounter counts entries inside a tick-sized window, resetting when
// an entry arrives past the window's end.
type tickCounter struct {
	mu      sync.Mutex
	resetAt time.Time
	n       int
}

func (tc *tickCounter) next(ts time.Time, tick time.Duration) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if ts.After(tc.resetAt) {
		tc.resetAt = ts.Add(tick)
		tc.n = 0
	}
	tc.n++
	return tc.n
}
