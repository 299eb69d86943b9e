package strategies

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
)

// RoundRobin rotates through the candidate list in order, wrapping at the end.
// The cursor belongs to the route the strategy is bound to. When a shared
// CursorStore fails, the strategy falls back to a local atomic cursor.
type RoundRobin struct {
	route  string
	store  CursorStore
	local  atomic.Uint64
	logger *slog.Logger
}

// NewRoundRobin creates a round-robin strategy for route. A nil store keeps
// the cursor in process.
func NewRoundRobin(route string, store CursorStore, opts ...Option) *RoundRobin {
	o := applyOptions(opts)
	return &RoundRobin{
		route:  route,
		store:  store,
		logger: o.logger,
	}
}

// Name returns balancer.NameRoundRobin.
func (r *RoundRobin) Name() balancer.Name {
	return balancer.NameRoundRobin
}

// Select picks the candidate under the cursor and advances it.
func (r *RoundRobin) Select(candidates []balancer.CandidateID) (balancer.Selection, error) {
	return r.SelectContext(context.Background(), candidates)
}

// SelectContext picks the candidate under the cursor and advances it.
// Aux is the chosen position in candidates as an int.
func (r *RoundRobin) SelectContext(ctx context.Context, candidates []balancer.CandidateID) (balancer.Selection, error) {
	if len(candidates) == 0 {
		return balancer.Selection{}, balancer.ErrInvalidCandidateSet
	}
	idx, err := r.nextIndex(ctx, len(candidates))
	if err != nil {
		return balancer.Selection{}, err
	}
	return balancer.Selection{Candidate: candidates[idx], Aux: idx}, nil
}

func (r *RoundRobin) nextIndex(ctx context.Context, count int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if r.store != nil {
		idx, err := r.store.NextIndex(ctx, r.route, count)
		switch {
		case err == nil && idx >= 0 && idx < count:
			return idx, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return 0, err
		case err != nil:
			r.logger.Warn("round-robin cursor store unavailable, using local cursor",
				"route", r.route,
				"error", err,
			)
		}
	}
	next := r.local.Add(1) - 1
	// #nosec G115 -- count bounds the value; result fits in int.
	return int(next % uint64(count)), nil
}
