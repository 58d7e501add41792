package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/markers"
)

// DryRunner answers every prompt without starting a process. It emits
// whatever markers the prompt asks for, approving everything.
type DryRunner struct{}

// Invoke returns a simulated approving reply
func (DryRunner) Invoke(ctx context.Context, b Backend, prompt string) Result {
	if err := ctx.Err(); err != nil {
		return Result{Backend: b.Name, Err: err, Outcome: domain.OutcomeFailure, ExitCode: -1}
	}
	// Task and history text is quoted in delimited blocks; only the
	// instructions around them decide which markers are requested
	instructions := markers.StripDelimited(prompt)

	lines := []string{
		fmt.Sprintf("# Dry Run Output (%s)", b.Name),
		"",
		"This response was simulated by the orchestrator.",
	}
	for _, key := range []string{markers.Phase1Approval, markers.Phase2Approval, markers.ImplementationReady} {
		if strings.Contains(instructions, key+":") {
			lines = append(lines, key+": YES")
		}
	}
	if strings.Contains(instructions, "OPEN_FINDINGS:") {
		lines = append(lines, "OPEN_FINDINGS: NONE")
	}
	lines = append(lines, markers.Terminal)

	return Result{
		Backend:  b.Name,
		Output:   strings.Join(lines, "\n"),
		Outcome:  domain.OutcomeSuccess,
		Duration: time.Millisecond,
	}
}
