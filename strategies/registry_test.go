package strategies

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
)

func TestDefaultRegistry_Names(t *testing.T) {
	assert.Equal(t, []balancer.Name{
		balancer.NameLeastBusy,
		balancer.NameLowestLatency,
		balancer.NameRoundRobin,
		balancer.NameShuffle,
		balancer.NameWeighted,
	}, DefaultRegistry().Names())
}

func TestRegistry_UnknownStrategy(t *testing.T) {
	_, err := DefaultRegistry().New("fastest-first", Deps{})
	require.ErrorIs(t, err, balancer.ErrUnknownStrategy)
	assert.False(t, DefaultRegistry().IsRegistered("fastest-first"))

	assert.Panics(t, func() { DefaultRegistry().MustNew("fastest-first", Deps{}) })
}

func TestRegistry_FactoryErrorIsWrapped(t *testing.T) {
	_, err := DefaultRegistry().New(balancer.NameLeastBusy, Deps{Route: "r"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `route "r"`)
}

func TestRegistry_CustomStrategyIsGuarded(t *testing.T) {
	reg := NewRegistry()
	reg.Register("first", func(Deps) (balancer.Strategy, error) {
		return first{}, nil
	})
	s, err := reg.New("first", Deps{})
	require.NoError(t, err)

	_, err = s.Select(nil)
	require.ErrorIs(t, err, balancer.ErrInvalidCandidateSet)
	_, ok := balancer.Unwrap(s).(first)
	assert.True(t, ok)
}

type first struct{}

func (first) Name() balancer.Name { return "first" }

func (first) Select(c []balancer.CandidateID) (balancer.Selection, error) {
	return first{}.SelectContext(context.Background(), c)
}

func (first) SelectContext(_ context.Context, c []balancer.CandidateID) (balancer.Selection, error) {
	return balancer.Selection{Candidate: c[0]}, nil
}

func TestRoutes_BindAndSelect(t *testing.T) {
	routes := NewRoutes(nil)
	require.NoError(t, routes.Bind("chat", balancer.NameRoundRobin, Deps{Cursors: NewMemoryCursorStore()}))

	sel, err := routes.Select(context.Background(), "chat", balancer.FromStrings("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, balancer.CandidateID("a"), sel.Candidate)

	_, err = routes.Select(context.Background(), "missing", balancer.FromStrings("a"))
	require.ErrorIs(t, err, ErrUnknownRoute)

	err = routes.Bind("chat", "nope", Deps{})
	require.ErrorIs(t, err, balancer.ErrUnknownStrategy)
	s, ok := routes.Get("chat")
	require.True(t, ok)
	assert.Equal(t, balancer.NameRoundRobin, s.Name())

	routes.Unbind("chat")
	assert.Empty(t, routes.Names())
}

func TestRoutes_ReplaceIsAllOrNothing(t *testing.T) {
	routes := NewRoutes(nil)
	require.NoError(t, routes.Replace([]Binding{
		{Route: "a", Strategy: balancer.NameShuffle},
		{Route: "b", Strategy: balancer.NameWeighted},
	}))
	assert.Equal(t, []string{"a", "b"}, routes.Names())

	err := routes.Replace([]Binding{
		{Route: "c", Strategy: balancer.NameShuffle},
		{Route: "d", Strategy: "nope"},
	})
	require.ErrorIs(t, err, balancer.ErrUnknownStrategy)
	assert.Equal(t, []string{"a", "b"}, routes.Names())

	err = routes.Replace([]Binding{
		{Route: "c", Strategy: balancer.NameShuffle},
		{Route: "c", Strategy: balancer.NameShuffle},
	})
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b"}, routes.Names())
}
