package breaker

import (
	"sort"
	"sync"

	"github.com/fyrsmithlabs/mendd/internal/logging"
)

// Group manages one breaker per protected entity, created on first use.
type Group struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates a breaker group sharing one config.
func NewGroup(config Config, logger *logging.Logger) *Group {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Group{
		config:   config.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for the named entity, creating it closed on
// first use.
func (g *Group) For(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[name]
	if !ok {
		b = New(name, g.config, g.logger)
		g.breakers[name] = b
	}
	return b
}

// Reset forces the named breaker closed. It reports whether the breaker
// existed.
func (g *Group) Reset(name string) bool {
	g.mu.Lock()
	b, ok := g.breakers[name]
	g.mu.Unlock()

	if ok {
		b.Reset()
	}
	return ok
}

// ResetAll forces every breaker closed.
func (g *Group) ResetAll() {
	g.mu.Lock()
	all := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		all = append(all, b)
	}
	g.mu.Unlock()

	for _, b := range all {
		b.Reset()
	}
}

// Snapshots returns the state of every breaker, sorted by name.
func (g *Group) Snapshots() []Snapshot {
	g.mu.Lock()
	all := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		all = append(all, b)
	}
	g.mu.Unlock()

	out := make([]Snapshot, 0, len(all))
	for _, b := range all {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
