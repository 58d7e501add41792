package machine

import (
	"context"
	"fmt"
	"strings"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/ledger"
	"github.com/hochfrequenz/duo-orchestrator/internal/markers"
	"github.com/hochfrequenz/duo-orchestrator/internal/prompts"
)

// phase1Cycle runs plan then review. It returns the newly committed state,
// or the working copy and an error when the cycle was abandoned.
func (m *Machine) phase1Cycle(ctx context.Context, st *domain.RunState) (*domain.RunState, *domain.RunState, error) {
	n := st.Phase1Cycle + 1
	if err := m.Store.MarkInFlight(st, domain.Phase1, n); err != nil {
		return nil, nil, &persistError{err: fmt.Errorf("marking cycle in flight: %w", err)}
	}
	work := st.Clone()
	led, err := ledger.Restore(work.Findings, work.NextFinding)
	if err != nil {
		return nil, work, domain.Errorf(domain.KindCorruptState, "phase1", "restoring findings: %v", err)
	}
	m.Logger.Info("phase 1 cycle", "run", st.RunID, "cycle", n, "limit", st.Phase1Limit)

	open := led.OpenSet()
	planPrompt, err := m.Prompts.BuildPlanPrompt(prompts.PlanData{
		Cycle:        n,
		Task:         m.cfg.Task,
		Shared:       m.shared(domain.Phase1),
		OpenFindings: formatFindings(open),
	})
	if err != nil {
		return nil, work, err
	}
	plan, err := m.call(ctx, work, step{role: domain.RolePlanner, phase: domain.Phase1, cycle: n}, planPrompt, markers.ValidatePlanner)
	if err != nil {
		return nil, work, err
	}
	m.record(domain.Phase1, fmt.Sprintf("Cycle %d: Plan (%s)", n, plan.backend), plan.output)

	m.transition(work, domain.StatePhase1Review)
	prevOpen := led.OpenIDs()
	reviewPrompt, err := m.Prompts.BuildPlanReviewPrompt(prompts.ReviewData{
		Cycle:        n,
		Task:         m.cfg.Task,
		Plan:         plan.output,
		Shared:       m.shared(domain.Phase1),
		PreviousOpen: formatFindings(open),
		NextID:       led.NextID(),
		ApprovalKey:  markers.Phase1Approval,
	})
	if err != nil {
		return nil, work, err
	}
	review, err := m.call(ctx, work, step{role: domain.RolePlanReviewer, phase: domain.Phase1, cycle: n}, reviewPrompt,
		reviewValidator(led, markers.Phase1Approval, prevOpen, domain.Phase1, n))
	if err != nil {
		return nil, work, err
	}
	m.record(domain.Phase1, fmt.Sprintf("Cycle %d: Plan Review (%s)", n, review.backend), review.output)

	work.Findings, work.NextFinding = led.Snapshot()
	work.Plan = plan.output
	work.Phase1Cycle = n

	switch {
	case review.signals.Verdict(markers.Phase1Approval) == markers.VerdictYes:
		m.Logger.Info("plan approved", "run", st.RunID, "cycle", n)
		m.transition(work, domain.StatePhase2Implementation)
	case n < work.Phase1Limit:
		m.transition(work, domain.StatePhase1Planning)
	default:
		next, err := m.limitReached(work, domain.Phase1, domain.StatePhase1Planning)
		return next, work, err
	}
	if err := m.commit(work); err != nil {
		return nil, work, err
	}
	return work, work, nil
}

// phase2Cycle runs implement, the optional test command and review
func (m *Machine) phase2Cycle(ctx context.Context, st *domain.RunState) (*domain.RunState, *domain.RunState, error) {
	n := st.Phase2Cycle + 1
	if err := m.Store.MarkInFlight(st, domain.Phase2, n); err != nil {
		return nil, nil, &persistError{err: fmt.Errorf("marking cycle in flight: %w", err)}
	}
	work := st.Clone()
	led, err := ledger.Restore(work.Findings, work.NextFinding)
	if err != nil {
		return nil, work, domain.Errorf(domain.KindCorruptState, "phase2", "restoring findings: %v", err)
	}
	m.Logger.Info("phase 2 cycle", "run", st.RunID, "cycle", n, "limit", st.Phase2Limit)

	open := led.OpenSet()
	implPrompt, err := m.Prompts.BuildImplementPrompt(prompts.ImplementData{
		Cycle:        n,
		Task:         m.cfg.Task,
		Plan:         work.Plan,
		Shared:       m.shared(domain.Phase2),
		OpenFindings: formatFindings(open),
		TestFailure:  work.TestFailure,
	})
	if err != nil {
		return nil, work, err
	}
	impl, err := m.call(ctx, work, step{role: domain.RoleImplementer, phase: domain.Phase2, cycle: n}, implPrompt, markers.ValidateImplementer)
	if err != nil {
		return nil, work, err
	}
	m.record(domain.Phase2, fmt.Sprintf("Cycle %d: Implementation (%s)", n, impl.backend), impl.output)
	ready := impl.signals.Verdict(markers.ImplementationReady) == markers.VerdictYes

	work.Phase2Cycle = n
	var testReport string
	if m.Tests != nil {
		m.transition(work, domain.StatePhase2Testing)
		res := m.Tests.Run(ctx)
		if ctx.Err() != nil {
			return nil, work, ctx.Err()
		}
		verdict := "passed"
		if !res.Passed() {
			verdict = "failed"
		}
		m.record(domain.Phase2, fmt.Sprintf("Cycle %d: Tests %s (exit %d)", n, verdict, res.ExitCode), res.Report)
		if !res.Passed() {
			m.Logger.Info("tests failed, skipping review", "run", st.RunID, "cycle", n, "exit_code", res.ExitCode)
			work.TestFailure = res.Report
			if n >= work.Phase2Limit {
				next, err := m.limitReached(work, domain.Phase2, domain.StatePhase2Implementation)
				return next, work, err
			}
			m.transition(work, domain.StatePhase2Implementation)
			if err := m.commit(work); err != nil {
				return nil, work, err
			}
			return work, work, nil
		}
		work.TestFailure = ""
		testReport = res.Report
	}

	m.transition(work, domain.StatePhase2Review)
	var snapshot string
	if m.Snapshot != nil {
		snapshot = m.Snapshot(ctx)
	}
	prevOpen := led.OpenIDs()
	reviewPrompt, err := m.Prompts.BuildCodeReviewPrompt(prompts.ReviewData{
		Cycle:          n,
		Task:           m.cfg.Task,
		Plan:           work.Plan,
		Shared:         m.shared(domain.Phase2),
		Implementation: impl.output,
		TestReport:     testReport,
		RepoSnapshot:   snapshot,
		PreviousOpen:   formatFindings(open),
		NextID:         led.NextID(),
		ApprovalKey:    markers.Phase2Approval,
	})
	if err != nil {
		return nil, work, err
	}
	review, err := m.call(ctx, work, step{role: domain.RoleCodeReviewer, phase: domain.Phase2, cycle: n}, reviewPrompt,
		reviewValidator(led, markers.Phase2Approval, prevOpen, domain.Phase2, n))
	if err != nil {
		return nil, work, err
	}
	m.record(domain.Phase2, fmt.Sprintf("Cycle %d: Code Review (%s)", n, review.backend), review.output)
	work.Findings, work.NextFinding = led.Snapshot()

	approved := review.signals.Verdict(markers.Phase2Approval) == markers.VerdictYes
	switch {
	case approved && ready && work.ManualGate:
		m.Logger.Info("implementation approved, waiting for manual gate", "run", st.RunID, "cycle", n)
		work.AwaitingGate = true
	case approved && ready:
		m.Logger.Info("implementation approved", "run", st.RunID, "cycle", n)
		m.transition(work, domain.StateDone)
		work.Status = domain.RunDone
	case n < work.Phase2Limit:
		if approved {
			m.Logger.Info("review approved but implementer is not ready, continuing", "run", st.RunID, "cycle", n)
		}
		m.transition(work, domain.StatePhase2Implementation)
	default:
		next, err := m.limitReached(work, domain.Phase2, domain.StatePhase2Implementation)
		return next, work, err
	}
	if err := m.commit(work); err != nil {
		return nil, work, err
	}
	return work, work, nil
}

// reviewValidator checks a review reply and applies it to the ledger in one
// step, so a reply the ledger rejects is retried like any other contract
// violation
func reviewValidator(led *ledger.Ledger, key string, prevOpen []string, phase domain.Phase, cycle int) func(markers.Signals) error {
	return func(sig markers.Signals) error {
		if err := markers.ValidateReview(sig, key, prevOpen); err != nil {
			return err
		}
		return led.Apply(sig, phase, cycle)
	}
}

func (m *Machine) shared(p domain.Phase) string {
	if m.Artifacts == nil {
		return ""
	}
	tail, err := m.Artifacts.Tail(p, m.cfg.MaxSharedChars)
	if err != nil {
		m.Logger.Warn("reading shared transcript", "phase", p, "error", err)
		return ""
	}
	return tail
}

func (m *Machine) record(p domain.Phase, heading, body string) {
	if m.Artifacts == nil {
		return
	}
	if err := m.Artifacts.Append(p, heading, body); err != nil {
		m.Logger.Warn("appending transcript", "phase", p, "error", err)
	}
}

func formatFindings(fs []domain.Finding) string {
	if len(fs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fs {
		fmt.Fprintf(&b, "- %s: %s", f.ID, f.Description)
		if f.AcceptanceTest != "" {
			fmt.Fprintf(&b, " (acceptance: %s)", f.AcceptanceTest)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
