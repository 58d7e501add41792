package markers

import (
	"fmt"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
)

// ValidatePlanner checks a planner reply
func ValidatePlanner(sig Signals) error {
	if !sig.Terminal {
		return parseError("planner", "missing final %q line", Terminal)
	}
	return nil
}

// ValidateImplementer checks an implementer reply
func ValidateImplementer(sig Signals) error {
	if !sig.Terminal {
		return parseError("implementer", "missing final %q line", Terminal)
	}
	if sig.Verdict(ImplementationReady) == VerdictNone {
		return parseError("implementer", "missing or invalid %s marker", ImplementationReady)
	}
	return nil
}

// ValidateReview checks a reviewer reply against the findings that were
// open before the review. A YES verdict that still lists open findings is a
// findings inconsistency; every other violation is a parse error.
func ValidateReview(sig Signals, approvalKey string, previouslyOpen []string) error {
	const op = "review"
	if !sig.Terminal {
		return parseError(op, "missing final %q line", Terminal)
	}
	verdict := sig.Verdict(approvalKey)
	if verdict == VerdictNone {
		return parseError(op, "missing or invalid %s marker", approvalKey)
	}
	if !sig.OpenDeclared {
		return parseError(op, "missing OPEN_FINDINGS marker")
	}

	seen := make(map[string]bool, len(sig.OpenFindings))
	for _, id := range sig.OpenFindings {
		if _, err := domain.ParseFindingID(id); err != nil {
			return parseError(op, "invalid finding id %q in OPEN_FINDINGS (expected format F-001)", id)
		}
		if seen[id] {
			return parseError(op, "OPEN_FINDINGS contains duplicate finding id %s", id)
		}
		seen[id] = true
	}

	if verdict == VerdictYes && len(sig.OpenFindings) > 0 {
		return domain.Errorf(domain.KindFindingsInconsistency, op,
			"%s: YES is only allowed when OPEN_FINDINGS: NONE (open: %s)", approvalKey, FormatList(sig.OpenFindings))
	}
	if verdict == VerdictNo && len(sig.OpenFindings) == 0 {
		return parseError(op, "%s: NO requires at least one open finding", approvalKey)
	}

	updated := make(map[string]bool, len(sig.StatusUpdates))
	for _, u := range sig.StatusUpdates {
		if _, err := domain.ParseFindingID(u.ID); err != nil {
			return parseError(op, "invalid finding id %q in FINDING_STATUS (expected format F-001)", u.ID)
		}
		updated[u.ID] = true
	}
	prev := make(map[string]bool, len(previouslyOpen))
	for _, id := range previouslyOpen {
		prev[id] = true
		if !updated[id] {
			return parseError(op, "missing FINDING_STATUS line for previous open finding %s", id)
		}
	}

	introduced := make(map[string]bool, len(sig.NewFindings))
	for _, f := range sig.NewFindings {
		if _, err := domain.ParseFindingID(f.ID); err != nil {
			return parseError(op, "invalid finding id %q in NEW_FINDING (expected format F-001)", f.ID)
		}
		introduced[f.ID] = true
	}
	for _, id := range sig.OpenFindings {
		if !prev[id] && !introduced[id] {
			return parseError(op, "new open finding %s requires NEW_FINDING: %s | <summary> | <acceptance>", id, id)
		}
	}
	return nil
}

func parseError(op, format string, args ...any) error {
	return &domain.Error{Kind: domain.KindMarkerParse, Op: op, Err: fmt.Errorf(format, args...)}
}
