// Package conversion orchestrates a full distribution conversion: phase
// sequencing, the point of no return, and the mapping from failures to
// terminal states. It is the only place an error kind is interpreted
// into a state transition.
package conversion

import "fmt"

// State is the conversion lifecycle position. States advance
// monotonically; no transition ever re-enters an earlier state.
type State int

const (
	StatePreFlight State = iota
	StatePlanning
	StateExecuting
	StatePointOfNoReturn
	StateCommitted
	StateRolledBack
	StateFailed // needs manual intervention
)

func (s State) String() string {
	switch s {
	case StatePreFlight:
		return "pre-flight"
	case StatePlanning:
		return "planning"
	case StateExecuting:
		return "executing"
	case StatePointOfNoReturn:
		return "point-of-no-return"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	case StateFailed:
		return "failed-needs-manual-intervention"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateFailed
}

// validNext encodes the monotonic transition graph. Rollback is only
// reachable before the point of no return; past it the only exits are
// committed or failed.
var validNext = map[State][]State{
	StatePreFlight:       {StatePlanning},
	StatePlanning:        {StateExecuting, StateRolledBack, StateFailed},
	StateExecuting:       {StatePointOfNoReturn, StateRolledBack, StateFailed},
	StatePointOfNoReturn: {StateCommitted, StateFailed},
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, n := range validNext[s] {
		if n == next {
			return true
		}
	}
	return false
}
