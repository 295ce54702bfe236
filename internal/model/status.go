package model

// ExecutionStatus is the state of an execution. The current status of an
// execution is always the status of its last step.
type ExecutionStatus string

// Execution status constants.
const (
	StatusRegistered ExecutionStatus = "REGISTERED"
	StatusPrepare    ExecutionStatus = "PREPARE"
	StatusRunning    ExecutionStatus = "RUNNING"
	StatusCleanup    ExecutionStatus = "CLEANUP"
	StatusSuccess    ExecutionStatus = "SUCCESS"
	StatusFailure    ExecutionStatus = "FAILURE"
	StatusTimedOut   ExecutionStatus = "TIMED_OUT"
	StatusCancelled  ExecutionStatus = "CANCELLED"
)

// AllStatuses lists every execution status in lifecycle order.
var AllStatuses = []ExecutionStatus{
	StatusRegistered,
	StatusPrepare,
	StatusRunning,
	StatusCleanup,
	StatusSuccess,
	StatusFailure,
	StatusTimedOut,
	StatusCancelled,
}

// NonTerminalStatuses lists the statuses an execution can still leave.
var NonTerminalStatuses = []ExecutionStatus{
	StatusRegistered,
	StatusPrepare,
	StatusRunning,
	StatusCleanup,
}

// IsTerminal reports whether no step may follow a step with this status.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// validTransitions maps each non-terminal status to the statuses that may
// follow it on the happy path. Repeating PREPARE, RUNNING or CLEANUP is a
// heartbeat. FAILURE, TIMED_OUT and CANCELLED are reachable from every
// non-terminal status and are handled in ValidTransition.
var validTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	StatusRegistered: {
		StatusPrepare: true,
		StatusRunning: true,
	},
	StatusPrepare: {
		StatusPrepare: true,
		StatusRunning: true,
	},
	StatusRunning: {
		StatusRunning: true,
		StatusCleanup: true,
		StatusSuccess: true,
	},
	StatusCleanup: {
		StatusCleanup: true,
		StatusSuccess: true,
	},
}

// ValidTransition reports whether a step with status to may follow a step
// with status from.
func ValidTransition(from, to ExecutionStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	switch to {
	case StatusFailure, StatusTimedOut, StatusCancelled:
		return true
	}
	return targets[to]
}

// ParseStatus converts s to an ExecutionStatus, reporting whether it is known.
func ParseStatus(s string) (ExecutionStatus, bool) {
	st := ExecutionStatus(s)
	return st, st.Valid()
}
