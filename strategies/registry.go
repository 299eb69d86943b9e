package strategies

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
)

// Params carries the per-route tuning of a strategy.
type Params struct {
	// Weights for the weighted strategy.
	Weights map[balancer.CandidateID]float64

	// Metric consulted by least-busy (ttft or latency).
	Metric metric.Type

	// Percentile used by least-busy. Nil means DefaultPercentile.
	Percentile *float64

	// Window is the metric look-back period for latency aware strategies.
	Window time.Duration
}

// Deps are the collaborators a factory may need to build a strategy.
type Deps struct {
	Route   string
	Series  SeriesReader
	Cursors CursorStore
	// Rand seeds the strategy. It must not be shared with another strategy.
	Rand   *rand.Rand
	Logger *slog.Logger
	Params Params
}

func (d Deps) options() []Option {
	opts := []Option{WithLogger(d.Logger)}
	if d.Rand != nil {
		opts = append(opts, WithRand(d.Rand))
	}
	return opts
}

// Factory builds a strategy instance for one route.
type Factory func(deps Deps) (balancer.Strategy, error)

// Registry maps strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[balancer.Name]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[balancer.Name]Factory)}
}

// DefaultRegistry returns a registry holding every built-in strategy.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(balancer.NameShuffle, func(d Deps) (balancer.Strategy, error) {
		return NewShuffle(d.options()...), nil
	})
	r.Register(balancer.NameRoundRobin, func(d Deps) (balancer.Strategy, error) {
		return NewRoundRobin(d.Route, d.Cursors, d.options()...), nil
	})
	r.Register(balancer.NameWeighted, func(d Deps) (balancer.Strategy, error) {
		return NewWeighted(d.Params.Weights, d.options()...), nil
	})
	r.Register(balancer.NameLeastBusy, func(d Deps) (balancer.Strategy, error) {
		percentile := DefaultPercentile
		if d.Params.Percentile != nil {
			percentile = *d.Params.Percentile
		}
		return NewLeastBusy(d.Series, LeastBusyConfig{
			Metric:     d.Params.Metric,
			Percentile: percentile,
			Window:     d.Params.Window,
		}, d.options()...)
	})
	r.Register(balancer.NameLowestLatency, func(d Deps) (balancer.Strategy, error) {
		return NewLowestLatency(d.Series, d.Params.Window, d.options()...)
	})
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name balancer.Name, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// IsRegistered reports whether a strategy name is known.
func (r *Registry) IsRegistered(name balancer.Name) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered strategy names in sorted order.
func (r *Registry) Names() []balancer.Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]balancer.Name, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// New builds the strategy registered under name. The result is wrapped with
// balancer.Guard. Unknown names return an error wrapping balancer.ErrUnknownStrategy.
func (r *Registry) New(name balancer.Name, deps Deps) (balancer.Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, balancer.UnknownStrategyError(name)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s, err := factory(deps)
	if err != nil {
		return nil, fmt.Errorf("build %s strategy for route %q: %w", name, deps.Route, err)
	}
	return balancer.Guard(s), nil
}

// MustNew builds a strategy and panics if it cannot be built.
func (r *Registry) MustNew(name balancer.Name, deps Deps) balancer.Strategy {
	s, err := r.New(name, deps)
	if err != nil {
		panic(err)
	}
	return s
}
