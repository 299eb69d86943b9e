package balancer

import (
	"errors"
	"fmt"
)

// ErrInvalidCandidateSet is returned when a selection is requested with no candidates.
var ErrInvalidCandidateSet = errors.New("invalid candidate set: no candidates")

// ErrUnknownStrategy is returned when a strategy name is not registered.
var ErrUnknownStrategy = errors.New("unknown load balancing strategy")

// ContractViolationError reports a strategy that returned an identifier not
// present in its input. It signals a programming defect and is raised with
// panic by Guard rather than returned.
type ContractViolationError struct {
	Strategy   Name
	Returned   CandidateID
	Candidates []CandidateID
}

// Error implements the error interface.
func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("strategy %q returned candidate %q not in %v", e.Strategy, e.Returned, e.Candidates)
}

// UnknownStrategyError wraps ErrUnknownStrategy with the offending name.
func UnknownStrategyError(name Name) error {
	return fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}
