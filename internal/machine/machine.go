// Package machine drives a run through Phase 1 (plan and review) and
// Phase 2 (implement, test and review) one cycle at a time.
//
// Every cycle starts from a committed checkpoint and ends by committing the
// next one. Intra-cycle states (phase1_review, phase2_testing,
// phase2_review) live only in memory, so a crash anywhere inside cycle N
// restores the state committed at the end of cycle N-1.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/fallback"
	"github.com/hochfrequenz/duo-orchestrator/internal/gateway"
	"github.com/hochfrequenz/duo-orchestrator/internal/prompts"
	"github.com/hochfrequenz/duo-orchestrator/internal/testcmd"
	"github.com/hochfrequenz/duo-orchestrator/internal/transcript"
)

// Store is the persistence the machine needs
type Store interface {
	Commit(st *domain.RunState) error
	MarkInFlight(st *domain.RunState, phase domain.Phase, cycle int) error
	RollbackToLastCycle(runID string) (*domain.RunState, error)
}

// Gate asks an operator to confirm completion
type Gate interface {
	Approve(ctx context.Context, st *domain.RunState) (bool, error)
}

// Observer receives progress events. Implementations must not block.
type Observer interface {
	Transition(st *domain.RunState, from, to domain.State)
	Invocation(st *domain.RunState, rec domain.InvocationRecord)
	Committed(st *domain.RunState)
}

// NopObserver ignores all events
type NopObserver struct{}

func (NopObserver) Transition(*domain.RunState, domain.State, domain.State) {}
func (NopObserver) Invocation(*domain.RunState, domain.InvocationRecord)    {}
func (NopObserver) Committed(*domain.RunState)                              {}

// Config holds per-run behaviour
type Config struct {
	// MaxRetries is the number of extra attempts per backend call
	MaxRetries int
	// Recover restores the last checkpoint after an interrupt instead of failing the run
	Recover        bool
	MaxSharedChars int
	// Task is the task text the run was created from
	Task string
}

// Deps are the collaborators of a Machine. Tests, Gate, Snapshot and
// Observer are optional.
type Deps struct {
	Store     Store
	Invoker   gateway.Invoker
	Roster    gateway.Roster
	Policy    *fallback.Policy
	Prompts   *prompts.Loader
	Artifacts *transcript.Writer
	Tests     testcmd.Runner
	Gate      Gate
	Snapshot  func(ctx context.Context) string
	Observer  Observer
	Logger    *slog.Logger
	Sleep     func(ctx context.Context, d time.Duration) error
	Now       func() time.Time
}

// Machine runs the workflow of one run
type Machine struct {
	Deps
	cfg Config
}

// New creates a Machine, filling defaults for optional dependencies
func New(d Deps, cfg Config) *Machine {
	if d.Observer == nil {
		d.Observer = NopObserver{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Sleep == nil {
		d.Sleep = sleepCtx
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxSharedChars <= 0 {
		cfg.MaxSharedChars = 30000
	}
	return &Machine{Deps: d, cfg: cfg}
}

// Run drives st until it is done, failed or frozen, or until the manual
// gate declines. Terminal outcomes are reported through the returned state;
// the error is non-nil only for interrupts and persistence failures.
func (m *Machine) Run(ctx context.Context, st *domain.RunState) (*domain.RunState, error) {
	log := m.Logger.With("run", st.RunID)

	if st.InFlight != nil {
		log.Warn("found uncommitted cycle, restoring last checkpoint",
			"phase", st.InFlight.Phase, "cycle", st.InFlight.Cycle)
		restored, err := m.Store.RollbackToLastCycle(st.RunID)
		if err != nil {
			return st, fmt.Errorf("restoring checkpoint: %w", err)
		}
		st = restored
		if !m.cfg.Recover {
			return m.fail(st, st, domain.KindInterrupted, "found an interrupted cycle and recovery is disabled")
		}
	}

	for st.Status == domain.RunRunning {
		var (
			next *domain.RunState
			work *domain.RunState
			err  error
		)
		switch {
		case st.AwaitingGate:
			approved, gerr := m.askGate(ctx, st)
			if gerr != nil {
				return st, gerr
			}
			if !approved {
				log.Info("manual gate declined, run stays resumable")
				return st, nil
			}
			next = st.Clone()
			m.transition(next, domain.StateDone)
			next.AwaitingGate = false
			next.Status = domain.RunDone
			if err := m.commit(next); err != nil {
				return st, err
			}
		case st.State == domain.StatePhase1Planning:
			next, work, err = m.phase1Cycle(ctx, st)
		case st.State == domain.StatePhase2Implementation:
			next, work, err = m.phase2Cycle(ctx, st)
		default:
			return st, domain.Errorf(domain.KindCorruptState, "run", "cannot continue from state %s", st.State)
		}
		if err != nil {
			return m.handleCycleError(ctx, st, work, err)
		}
		st = next
	}

	log.Info("run finished", "status", st.Status, "phase1_cycles", st.Phase1Cycle, "phase2_cycles", st.Phase2Cycle)
	return st, nil
}

// PrepareResume turns a frozen run, or with force a failed run, back into a
// running one at the state it stopped from
func PrepareResume(st *domain.RunState, force bool, now time.Time) error {
	switch st.Status {
	case domain.RunRunning:
		return nil
	case domain.RunDone:
		return fmt.Errorf("run %s is already done", st.RunID)
	case domain.RunFrozen:
		if !force && !fallback.ResumeAllowed(st.Freeze, now) {
			return fmt.Errorf("run %s is frozen until %s (use --force to resume earlier)",
				st.RunID, st.Freeze.ResumeAfter.Format(time.RFC3339))
		}
	case domain.RunFailed:
		if !force {
			return fmt.Errorf("run %s failed (%s); use --force to retry from its last checkpoint", st.RunID, failureKind(st))
		}
	}
	if st.ResumeState == "" {
		return fmt.Errorf("run %s has no state to resume from", st.RunID)
	}
	switch st.ResumeState {
	case domain.StatePhase1Planning:
		if st.Phase1Cycle >= st.Phase1Limit {
			return fmt.Errorf("phase 1 already used %d of %d cycles; raise the limit to resume", st.Phase1Cycle, st.Phase1Limit)
		}
	case domain.StatePhase2Implementation:
		if st.Phase2Cycle >= st.Phase2Limit {
			return fmt.Errorf("phase 2 already used %d of %d cycles; raise the limit to resume", st.Phase2Cycle, st.Phase2Limit)
		}
	}
	st.State = st.ResumeState
	st.ResumeState = ""
	st.Status = domain.RunRunning
	st.Freeze = nil
	st.Failure = nil
	return nil
}

func failureKind(st *domain.RunState) domain.Kind {
	if st.Failure == nil {
		return ""
	}
	return st.Failure.Kind
}

// freezeError carries a freeze decision out of a cycle
type freezeError struct {
	info *domain.FreezeInfo
}

func (e *freezeError) Error() string {
	return fmt.Sprintf("%s quota exhausted: %s", e.info.Backend, e.info.Detail)
}

// persistError marks failures of the store itself; they abort Run
type persistError struct {
	err error
}

func (e *persistError) Error() string { return e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

func (m *Machine) handleCycleError(ctx context.Context, st, work *domain.RunState, err error) (*domain.RunState, error) {
	if work == nil {
		work = st
	}
	var perr *persistError
	if errors.As(err, &perr) {
		return st, perr.err
	}

	if ctx.Err() != nil {
		if m.cfg.Recover {
			restored, rerr := m.Store.RollbackToLastCycle(st.RunID)
			if rerr != nil {
				return st, fmt.Errorf("restoring checkpoint after interrupt: %w", rerr)
			}
			m.Logger.Warn("interrupted, restored last checkpoint", "run", st.RunID, "state", restored.State)
			return restored, &domain.Error{Kind: domain.KindInterrupted, Op: "run", Err: ctx.Err()}
		}
		failed, ferr := m.fail(st, work, domain.KindInterrupted, "interrupted with recovery disabled")
		if ferr != nil {
			return failed, ferr
		}
		return failed, &domain.Error{Kind: domain.KindInterrupted, Op: "run", Err: ctx.Err()}
	}

	var fz *freezeError
	if errors.As(err, &fz) {
		return m.freeze(st, work, fz.info)
	}

	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.KindTransient
	}
	return m.fail(st, work, kind, err.Error())
}

// freeze commits the last checkpoint as frozen, keeping the invocation
// records of the abandoned cycle
func (m *Machine) freeze(st, work *domain.RunState, info *domain.FreezeInfo) (*domain.RunState, error) {
	frozen := st.Clone()
	frozen.History = work.History
	frozen.ResumeState = st.State
	frozen.Freeze = info
	frozen.AwaitingGate = false
	m.transition(frozen, domain.StateFrozen)
	frozen.Status = domain.RunFrozen
	if err := m.commit(frozen); err != nil {
		return st, err
	}
	m.Logger.Warn("run frozen on quota", "run", st.RunID, "backend", info.Backend, "role", info.Role, "resume_after", info.ResumeAfter)
	return frozen, nil
}

// fail commits the last checkpoint as failed
func (m *Machine) fail(st, work *domain.RunState, kind domain.Kind, msg string) (*domain.RunState, error) {
	failed := st.Clone()
	failed.History = work.History
	if !failed.State.Terminal() {
		failed.ResumeState = failed.State
	}
	failed.Failure = &domain.FailureInfo{Kind: kind, Message: msg, FailedAt: m.Now().UTC()}
	m.transition(failed, domain.StateFailed)
	failed.Status = domain.RunFailed
	if err := m.commit(failed); err != nil {
		return st, err
	}
	m.Logger.Error("run failed", "run", st.RunID, "kind", kind, "error", msg)
	return failed, nil
}

// limitReached commits a completed cycle that exhausted its phase budget
func (m *Machine) limitReached(work *domain.RunState, phase domain.Phase, restart domain.State) (*domain.RunState, error) {
	limit := work.Phase1Limit
	if phase == domain.Phase2 {
		limit = work.Phase2Limit
	}
	work.ResumeState = restart
	work.Failure = &domain.FailureInfo{
		Kind:     domain.KindCycleLimitExceeded,
		Message:  fmt.Sprintf("%s reached its limit of %d cycles without approval", phase, limit),
		FailedAt: m.Now().UTC(),
	}
	m.transition(work, domain.StateFailed)
	work.Status = domain.RunFailed
	if err := m.commit(work); err != nil {
		return nil, err
	}
	m.Logger.Error("cycle limit exceeded", "run", work.RunID, "phase", phase, "limit", limit)
	return work, nil
}

// askGate confirms a run waiting at the gate. A run whose gate was turned
// off since it started passes straight through.
func (m *Machine) askGate(ctx context.Context, st *domain.RunState) (bool, error) {
	if !st.ManualGate {
		return true, nil
	}
	if m.Gate == nil {
		return false, nil
	}
	return m.Gate.Approve(ctx, st)
}

func (m *Machine) transition(st *domain.RunState, to domain.State) {
	from := st.State
	if from == to {
		return
	}
	st.State = to
	m.Logger.Debug("transition", "run", st.RunID, "from", from, "to", to)
	m.Observer.Transition(st, from, to)
}

func (m *Machine) commit(st *domain.RunState) error {
	if err := m.Store.Commit(st); err != nil {
		return &persistError{err: fmt.Errorf("committing checkpoint: %w", err)}
	}
	m.Observer.Committed(st)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
