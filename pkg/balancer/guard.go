package balancer

import "context"

// guarded enforces the selection contract around any strategy.
type guarded struct {
	inner Strategy
}

// Guard wraps s so that empty candidate lists are rejected before the
// strategy runs and results outside the candidate list panic with a
// *ContractViolationError.
func Guard(s Strategy) Strategy {
	if g, ok := s.(*guarded); ok {
		return g
	}
	return &guarded{inner: s}
}

// Unwrap returns the strategy wrapped by Guard, or s itself.
func Unwrap(s Strategy) Strategy {
	if g, ok := s.(*guarded); ok {
		return g.inner
	}
	return s
}

func (g *guarded) Name() Name {
	return g.inner.Name()
}

func (g *guarded) Select(candidates []CandidateID) (Selection, error) {
	return g.SelectContext(context.Background(), candidates)
}

func (g *guarded) SelectContext(ctx context.Context, candidates []CandidateID) (Selection, error) {
	if len(candidates) == 0 {
		return Selection{}, ErrInvalidCandidateSet
	}
	sel, err := g.inner.SelectContext(ctx, candidates)
	if err != nil {
		return Selection{}, err
	}
	if !Contains(candidates, sel.Candidate) {
		panic(&ContractViolationError{
			Strategy:   g.inner.Name(),
			Returned:   sel.Candidate,
			Candidates: append([]CandidateID(nil), candidates...),
		})
	}
	return sel, nil
}
