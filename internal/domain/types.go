package domain

// State is a node of the run-state machine
type State string

const (
	StatePhase1Planning       State = "phase1_planning"
	StatePhase1Review         State = "phase1_review"
	StatePhase2Implementation State = "phase2_implementation"
	StatePhase2Testing        State = "phase2_testing"
	StatePhase2Review         State = "phase2_review"
	StateDone                 State = "done"
	StateFrozen               State = "frozen"
	StateFailed               State = "failed"
)

var validStates = map[State]bool{
	StatePhase1Planning:       true,
	StatePhase1Review:         true,
	StatePhase2Implementation: true,
	StatePhase2Testing:        true,
	StatePhase2Review:         true,
	StateDone:                 true,
	StateFrozen:               true,
	StateFailed:               true,
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	return validStates[s]
}

// Terminal reports whether no further transition happens without operator action
func (s State) Terminal() bool {
	return s == StateDone || s == StateFrozen || s == StateFailed
}

// Phase returns the coarse phase a state belongs to
func (s State) Phase() Phase {
	switch s {
	case StatePhase1Planning, StatePhase1Review:
		return Phase1
	case StatePhase2Implementation, StatePhase2Testing, StatePhase2Review:
		return Phase2
	case StateDone:
		return PhaseDone
	case StateFrozen:
		return PhaseFrozen
	default:
		return PhaseFailed
	}
}

// Phase is the coarse position of a run
type Phase string

const (
	Phase1      Phase = "phase1"
	Phase2      Phase = "phase2"
	PhaseDone   Phase = "done"
	PhaseFrozen Phase = "frozen"
	PhaseFailed Phase = "failed"
)

// RunStatus represents the overall status of a run
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunFailed  RunStatus = "failed"
	RunFrozen  RunStatus = "frozen"
)

// Valid reports whether s is a known status
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunDone, RunFailed, RunFrozen:
		return true
	}
	return false
}

// Role is the part a backend plays in a step
type Role string

const (
	RolePlanner      Role = "planner"
	RolePlanReviewer Role = "plan_reviewer"
	RoleImplementer  Role = "implementer"
	RoleCodeReviewer Role = "code_reviewer"
)

// Roles lists every role in workflow order
var Roles = []Role{RolePlanner, RolePlanReviewer, RoleImplementer, RoleCodeReviewer}

// Outcome classifies a single backend invocation
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeQuotaLimited Outcome = "quota_limited"
	OutcomeFailure      Outcome = "failure"
	OutcomeRejected     Outcome = "rejected"
)

// Default cycle and retry limits
const (
	DefaultPhase1Limit = 4
	DefaultPhase2Limit = 6
	DefaultMaxRetries  = 1
)
