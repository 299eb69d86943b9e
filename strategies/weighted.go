package strategies

import (
	"context"
	"sync"

	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
)

// Weighted samples candidates proportionally to static capacity weights.
// Candidates without a positive weight are never picked unless no candidate
// in the list has one, in which case selection is uniform.
type Weighted struct {
	mu      sync.RWMutex
	weights map[balancer.CandidateID]float64
	rng     *lockedRand
}

// NewWeighted creates a weighted strategy. The weights map is copied.
func NewWeighted(weights map[balancer.CandidateID]float64, opts ...Option) *Weighted {
	o := applyOptions(opts)
	w := &Weighted{
		weights: make(map[balancer.CandidateID]float64, len(weights)),
		rng:     newLockedRand(o.rng),
	}
	for id, v := range weights {
		w.weights[id] = v
	}
	return w
}

// Name returns balancer.NameWeighted.
func (w *Weighted) Name() balancer.Name {
	return balancer.NameWeighted
}

// SetWeight updates the weight of one candidate.
func (w *Weighted) SetWeight(id balancer.CandidateID, weight float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.weights[id] = weight
}

// Weight returns the configured weight of a candidate.
func (w *Weighted) Weight(id balancer.CandidateID) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.weights[id]
}

// Select picks a candidate by weighted sampling.
func (w *Weighted) Select(candidates []balancer.CandidateID) (balancer.Selection, error) {
	return w.SelectContext(context.Background(), candidates)
}

// SelectContext picks a candidate by weighted sampling. Aux is the chosen
// candidate's weight as a float64.
func (w *Weighted) SelectContext(ctx context.Context, candidates []balancer.CandidateID) (balancer.Selection, error) {
	if len(candidates) == 0 {
		return balancer.Selection{}, balancer.ErrInvalidCandidateSet
	}
	if err := ctx.Err(); err != nil {
		return balancer.Selection{}, err
	}

	weights := make([]float64, len(candidates))
	var total float64
	w.mu.RLock()
	for i, c := range candidates {
		if v := w.weights[c]; v > 0 {
			weights[i] = v
			total += v
		}
	}
	w.mu.RUnlock()

	if total == 0 {
		i := w.rng.Intn(len(candidates))
		return balancer.Selection{Candidate: candidates[i], Aux: weights[i]}, nil
	}

	target := w.rng.Float64() * total
	var cumulative float64
	for i, v := range weights {
		if v == 0 {
			continue
		}
		cumulative += v
		if target < cumulative {
			return balancer.Selection{Candidate: candidates[i], Aux: v}, nil
		}
	}

	// Float rounding can leave target == total; fall back to the last weighted candidate.
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return balancer.Selection{Candidate: candidates[i], Aux: weights[i]}, nil
		}
	}
	return balancer.Selection{Candidate: candidates[len(candidates)-1]}, nil
}
