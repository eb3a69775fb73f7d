// Package lifecycle defines the request state machine.
//
// Transitions are validated by a pure function so every mutation site in the
// store can share one source of truth.  The store pairs each transition with
// a compare-and-swap update (WHERE status = <from>) so that validation here
// plus the CAS there yields linearizable per-request ordering.
package lifecycle

import (
	"github.com/bdobrica/slb/internal/slb/slberr"
)

// Status is a request lifecycle state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusApproved        Status = "approved"
	StatusExecuting       Status = "executing"
	StatusExecuted        Status = "executed"
	StatusExecutionFailed Status = "execution_failed"
	StatusCancelled       Status = "cancelled"
	StatusTimeout         Status = "timeout"
	StatusTimedOut        Status = "timed_out"
	StatusRejected        Status = "rejected"
	StatusEscalated       Status = "escalated"
)

// transitions lists the permitted (from → to) edges.
var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected, StatusCancelled, StatusTimeout},
	StatusTimeout:   {StatusEscalated},
	StatusApproved:  {StatusExecuting, StatusCancelled, StatusRejected, StatusPending},
	StatusExecuting: {StatusExecuted, StatusExecutionFailed, StatusTimedOut, StatusApproved},
}

// Notes on edges beyond the basic diagram:
//   approved → rejected   only under the any_rejection_blocks conflict policy
//                         while the approval TTL has not elapsed
//   approved → pending    demotion when reclassification raises the tier at
//                         the execution gate
//   executing → approved  orphan-sweep revert when the executor crashed
//                         before recording an outcome

// CanTransition reports whether from → to is a permitted edge.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Validate returns an invalid_state_transition error unless from → to is
// permitted.  State is never changed here; callers apply the CAS update.
func Validate(from, to Status) error {
	if !CanTransition(from, to) {
		return slberr.New(slberr.CodeInvalidTransition,
			"cannot transition request from %q to %q", from, to)
	}
	return nil
}

// Terminal reports whether s admits no further transitions.
// escalated is terminal only when the policy treats escalation as final.
func Terminal(s Status, escalatedTerminal bool) bool {
	switch s {
	case StatusExecuted, StatusExecutionFailed, StatusTimedOut, StatusRejected, StatusCancelled:
		return true
	case StatusEscalated:
		return escalatedTerminal
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func Valid(s Status) bool {
	switch s {
	case StatusPending, StatusApproved, StatusExecuting, StatusExecuted,
		StatusExecutionFailed, StatusCancelled, StatusTimeout, StatusTimedOut,
		StatusRejected, StatusEscalated:
		return true
	}
	return false
}
