package domain

import (
	"fmt"
	"regexp"
	"time"
)

var runIDRegex = regexp.MustCompile(`^\d{8}-\d{6}Z(-\d+)?$`)

// RunIDLayout is the time layout of run identifiers (UTC)
const RunIDLayout = "20060102-150405Z"

// NewRunID derives a run identifier from its creation time
func NewRunID(t time.Time) string {
	return t.UTC().Format(RunIDLayout)
}

// ValidateRunID rejects identifiers that could escape the state directory
func ValidateRunID(id string) error {
	if !runIDRegex.MatchString(id) {
		return fmt.Errorf("invalid run ID %q (expected YYYYMMDD-HHMMSSZ)", id)
	}
	return nil
}

// Schema version of the persisted run state
const (
	StateVersion      = 3
	StateMinorVersion = 1
)

// RunState is the persisted document describing one run.
// It is written as state.json and as immutable checkpoint snapshots.
type RunState struct {
	Version    int       `json:"version"`
	Minor      int       `json:"minor"`
	RunID      string    `json:"run_id"`
	TaskPath   string    `json:"task_path"`
	TaskDigest string    `json:"task_digest"`
	State      State     `json:"state"`
	Status     RunStatus `json:"status"`
	// ResumeState is where a frozen or failed run continues from
	ResumeState State `json:"resume_state,omitempty"`

	// Completed cycles per phase
	Phase1Cycle int `json:"phase1_cycle"`
	Phase2Cycle int `json:"phase2_cycle"`
	Phase1Limit int `json:"phase1_limit"`
	Phase2Limit int `json:"phase2_limit"`

	Seq          int                `json:"checkpoint_seq"`
	Findings     []Finding          `json:"findings"`
	NextFinding  int                `json:"next_finding"`
	Plan         string             `json:"plan,omitempty"`
	TestFailure  string             `json:"test_failure,omitempty"`
	ManualGate   bool               `json:"manual_gate,omitempty"`
	AwaitingGate bool               `json:"awaiting_gate,omitempty"`
	History      []InvocationRecord `json:"history"`

	InFlight *InFlight    `json:"in_flight,omitempty"`
	Freeze   *FreezeInfo  `json:"freeze,omitempty"`
	Failure  *FailureInfo `json:"failure,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InFlight marks a cycle that started but has not been committed
type InFlight struct {
	Phase     Phase     `json:"phase"`
	Cycle     int       `json:"cycle"`
	StartedAt time.Time `json:"started_at"`
}

// FreezeInfo records why a run stopped on an external quota
type FreezeInfo struct {
	Role        Role      `json:"role"`
	Backend     string    `json:"backend"`
	Detail      string    `json:"detail"`
	FrozenAt    time.Time `json:"frozen_at"`
	ResumeAfter time.Time `json:"resume_after,omitempty"`
}

// FailureInfo records why a run failed
type FailureInfo struct {
	Kind     Kind      `json:"kind"`
	Message  string    `json:"message"`
	FailedAt time.Time `json:"failed_at"`
}

// InvocationRecord is one call to a backend. Records are append-only.
type InvocationRecord struct {
	ID             string        `json:"id"`
	Role           Role          `json:"role"`
	Backend        string        `json:"backend"`
	SubstitutedFor string        `json:"substituted_for,omitempty"`
	Phase          Phase         `json:"phase"`
	Cycle          int           `json:"cycle"`
	Attempt        int           `json:"attempt"`
	PromptDigest   string        `json:"prompt_digest"`
	Output         string        `json:"output"`
	ExitCode       int           `json:"exit_code"`
	Outcome        Outcome       `json:"outcome"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	LogPath        string        `json:"log_path,omitempty"`
}

// NewRunState returns the initial state for a fresh task
func NewRunState(runID, taskPath, digest string, phase1Limit, phase2Limit int, now time.Time) *RunState {
	return &RunState{
		Version:     StateVersion,
		Minor:       StateMinorVersion,
		RunID:       runID,
		TaskPath:    taskPath,
		TaskDigest:  digest,
		State:       StatePhase1Planning,
		Status:      RunRunning,
		Phase1Limit: phase1Limit,
		Phase2Limit: phase2Limit,
		NextFinding: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy
func (r *RunState) Clone() *RunState {
	c := *r
	c.Findings = append([]Finding(nil), r.Findings...)
	c.History = append([]InvocationRecord(nil), r.History...)
	if r.InFlight != nil {
		v := *r.InFlight
		c.InFlight = &v
	}
	if r.Freeze != nil {
		v := *r.Freeze
		c.Freeze = &v
	}
	if r.Failure != nil {
		v := *r.Failure
		c.Failure = &v
	}
	return &c
}

// Normalize fills defaults for fields older minor versions did not write
func (r *RunState) Normalize() {
	if r.Phase1Limit <= 0 {
		r.Phase1Limit = DefaultPhase1Limit
	}
	if r.Phase2Limit <= 0 {
		r.Phase2Limit = DefaultPhase2Limit
	}
	if r.NextFinding <= 0 {
		r.NextFinding = 1
		for _, f := range r.Findings {
			if id, err := ParseFindingID(f.ID); err == nil && id.Seq >= r.NextFinding {
				r.NextFinding = id.Seq + 1
			}
		}
	}
	if r.Status == "" {
		switch r.State {
		case StateDone:
			r.Status = RunDone
		case StateFrozen:
			r.Status = RunFrozen
		case StateFailed:
			r.Status = RunFailed
		default:
			r.Status = RunRunning
		}
	}
}

// Validate checks structural invariants of a loaded document
func (r *RunState) Validate() error {
	if err := ValidateRunID(r.RunID); err != nil {
		return err
	}
	if !r.State.Valid() {
		return fmt.Errorf("unknown state %q", r.State)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.ResumeState != "" && (!r.ResumeState.Valid() || r.ResumeState.Terminal()) {
		return fmt.Errorf("invalid resume state %q", r.ResumeState)
	}
	if r.Phase1Cycle < 0 || r.Phase2Cycle < 0 {
		return fmt.Errorf("negative cycle counter")
	}
	if r.Phase1Cycle > r.Phase1Limit || r.Phase2Cycle > r.Phase2Limit {
		return fmt.Errorf("cycle counter exceeds limit")
	}
	seen := make(map[string]bool, len(r.Findings))
	for _, f := range r.Findings {
		id, err := ParseFindingID(f.ID)
		if err != nil {
			return err
		}
		if seen[f.ID] {
			return fmt.Errorf("duplicate finding %s", f.ID)
		}
		if id.Seq >= r.NextFinding {
			return fmt.Errorf("finding %s not below next sequence %d", f.ID, r.NextFinding)
		}
		seen[f.ID] = true
	}
	return nil
}

// Cycle returns the number of completed cycles of the given phase
func (r *RunState) Cycle(p Phase) int {
	if p == Phase2 {
		return r.Phase2Cycle
	}
	return r.Phase1Cycle
}

// OpenFindings returns the identifiers of open findings in ledger order
func (r *RunState) OpenFindings() []string {
	var ids []string
	for _, f := range r.Findings {
		if f.Status == FindingOpen {
			ids = append(ids, f.ID)
		}
	}
	return ids
}
