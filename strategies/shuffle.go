package strategies

import (
	"context"

	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
)

// Shuffle draws one candidate uniformly at random, independent of history.
type Shuffle struct {
	rng *lockedRand
}

// NewShuffle creates a uniform random strategy.
func NewShuffle(opts ...Option) *Shuffle {
	o := applyOptions(opts)
	return &Shuffle{rng: newLockedRand(o.rng)}
}

// Name returns balancer.NameShuffle.
func (s *Shuffle) Name() balancer.Name {
	return balancer.NameShuffle
}

// Select picks a random candidate.
func (s *Shuffle) Select(candidates []balancer.CandidateID) (balancer.Selection, error) {
	return s.SelectContext(context.Background(), candidates)
}

// SelectContext picks a random candidate. Aux is always nil.
func (s *Shuffle) SelectContext(ctx context.Context, candidates []balancer.CandidateID) (balancer.Selection, error) {
	if len(candidates) == 0 {
		return balancer.Selection{}, balancer.ErrInvalidCandidateSet
	}
	if err := ctx.Err(); err != nil {
		return balancer.Selection{}, err
	}
	return balancer.Selection{Candidate: candidates[s.rng.Intn(len(candidates))]}, nil
}
