// Package balancer defines the public load balancing contract used to pick one
// provider candidate out of the eligible set for a route.
//
// Every strategy exposes a single selection algorithm under two calling
// conventions: Select for synchronous dispatch paths and SelectContext for
// callers that must be able to abandon a selection through cancellation.
// SelectAsync builds a channel based form on top of SelectContext.
package balancer

import (
	"context"
)

// CandidateID identifies one eligible backend instance within a route.
type CandidateID string

// Name identifies a registered strategy variant.
type Name string

const (
	// NameShuffle draws one candidate uniformly at random.
	NameShuffle Name = "shuffle"

	// NameRoundRobin rotates through candidates with a per-route cursor.
	NameRoundRobin Name = "round-robin"

	// NameLeastBusy picks the candidate with the lowest percentile of a recorded metric.
	NameLeastBusy Name = "least-busy"

	// NameLowestLatency picks the candidate with the lowest observed latency.
	NameLowestLatency Name = "lowest-latency"

	// NameWeighted samples candidates proportionally to static weights.
	NameWeighted Name = "weighted"
)

// Selection is the result of a strategy call.
type Selection struct {
	// Candidate is always a member of the candidate list passed in.
	Candidate CandidateID

	// Aux is strategy private bookkeeping data. Callers must not persist it
	// across calls. It is nil for stateless strategies.
	Aux any
}

// Strategy selects one candidate from a non-empty candidate list.
// Implementations must be safe for concurrent use.
type Strategy interface {
	// Name returns the registered name of the strategy.
	Name() Name

	// Select picks one candidate, blocking until done.
	Select(candidates []CandidateID) (Selection, error)

	// SelectContext picks one candidate. It may wait on the strategy's own
	// state or on a metric store, and returns ctx.Err() if ctx is done first.
	// A cancelled call leaves no visible state change behind.
	SelectContext(ctx context.Context, candidates []CandidateID) (Selection, error)
}

// Result carries the outcome of an asynchronous selection.
type Result struct {
	Selection Selection
	Err       error
}

// SelectAsync runs s.SelectContext in its own goroutine and delivers the
// outcome on the returned channel. The channel is buffered and always
// receives exactly one Result.
func SelectAsync(ctx context.Context, s Strategy, candidates []CandidateID) <-chan Result {
	snapshot := make([]CandidateID, len(candidates))
	copy(snapshot, candidates)

	out := make(chan Result, 1)
	go func() {
		sel, err := s.SelectContext(ctx, snapshot)
		out <- Result{Selection: sel, Err: err}
	}()
	return out
}

// Contains reports whether id is a member of candidates.
func Contains(candidates []CandidateID, id CandidateID) bool {
	for _, c := range candidates {
		if c == id {
			return true
		}
	}
	return false
}

// FromStrings converts plain strings into candidate identifiers.
func FromStrings(ids ...string) []CandidateID {
	out := make([]CandidateID, len(ids))
	for i, id := range ids {
		out[i] = CandidateID(id)
	}
	return out
}
