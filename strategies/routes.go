package strategies

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
)

// ErrUnknownRoute is returned when selecting on a route with no bound strategy.
var ErrUnknownRoute = errors.New("no strategy bound to route")

// Binding associates a route with a strategy name and its dependencies.
type Binding struct {
	Route    string
	Strategy balancer.Name
	Deps     Deps
}

// Routes binds logical routes to strategy instances. Bindings are resolved
// eagerly, so an unknown strategy name fails at bind time and never on the
// request path.
type Routes struct {
	mu       sync.RWMutex
	registry *Registry
	bound    map[string]balancer.Strategy
}

// NewRoutes creates an empty route table backed by registry.
// A nil registry uses DefaultRegistry.
func NewRoutes(registry *Registry) *Routes {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Routes{
		registry: registry,
		bound:    make(map[string]balancer.Strategy),
	}
}

// Bind builds and binds a strategy for one route, replacing any previous binding.
func (r *Routes) Bind(route string, name balancer.Name, deps Deps) error {
	deps.Route = route
	s, err := r.registry.New(name, deps)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound[route] = s
	return nil
}

// Replace swaps the whole table for bindings. Either every binding resolves
// and the table is replaced, or the current table stays untouched.
func (r *Routes) Replace(bindings []Binding) error {
	next := make(map[string]balancer.Strategy, len(bindings))
	for _, b := range bindings {
		if _, dup := next[b.Route]; dup {
			return fmt.Errorf("route %q bound twice", b.Route)
		}
		deps := b.Deps
		deps.Route = b.Route
		s, err := r.registry.New(b.Strategy, deps)
		if err != nil {
			return fmt.Errorf("route %q: %w", b.Route, err)
		}
		next[b.Route] = s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound = next
	return nil
}

// Unbind removes the binding for route.
func (r *Routes) Unbind(route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bound, route)
}

// Get returns the strategy bound to route.
func (r *Routes) Get(route string) (balancer.Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bound[route]
	return s, ok
}

// Names returns the bound route names in sorted order.
func (r *Routes) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bound))
	for name := range r.bound {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select runs the strategy bound to route against candidates.
func (r *Routes) Select(ctx context.Context, route string, candidates []balancer.CandidateID) (balancer.Selection, error) {
	s, ok := r.Get(route)
	if !ok {
		return balancer.Selection{}, fmt.Errorf("%w: %q", ErrUnknownRoute, route)
	}
	return s.SelectContext(ctx, candidates)
}
