package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/fallback"
	"github.com/hochfrequenz/duo-orchestrator/internal/transcript"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Width(16)

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	frozenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func statusStyle(s domain.RunStatus) lipgloss.Style {
	switch s {
	case domain.RunDone:
		return doneStyle
	case domain.RunFrozen:
		return frozenStyle
	case domain.RunFailed:
		return failedStyle
	default:
		return runningStyle
	}
}

// renderRun renders one run as a bordered card
func renderRun(st *domain.RunState) string {
	var open, closed int
	for _, f := range st.Findings {
		if f.Status == domain.FindingOpen {
			open++
		} else {
			closed++
		}
	}

	var lines []string
	row := func(label, value string) {
		lines = append(lines, labelStyle.Render(label)+value)
	}
	lines = append(lines, titleStyle.Render("Run "+st.RunID))
	status := string(st.Status)
	if st.AwaitingGate {
		status += " (awaiting confirmation)"
	}
	row("Status", statusStyle(st.Status).Render(status))
	row("State", string(st.State))
	row("Task", st.TaskPath)
	row("Plan cycles", fmt.Sprintf("%d/%d", st.Phase1Cycle, st.Phase1Limit))
	row("Impl cycles", fmt.Sprintf("%d/%d", st.Phase2Cycle, st.Phase2Limit))
	row("Findings", fmt.Sprintf("%d open, %d closed", open, closed))
	row("Invocations", fmt.Sprintf("%d", len(st.History)))
	row("Duration", transcript.FormatDuration(st.UpdatedAt.Sub(st.CreatedAt)))
	if st.Failure != nil {
		row("Failure", failedStyle.Render(fmt.Sprintf("%s: %s", st.Failure.Kind, st.Failure.Message)))
	}
	if st.Freeze != nil {
		row("Frozen on", fmt.Sprintf("%s (%s)", st.Freeze.Backend, st.Freeze.Role))
		if !st.Freeze.ResumeAfter.IsZero() {
			row("Resume after", st.Freeze.ResumeAfter.Local().Format("2006-01-02 15:04"))
		}
	}
	return sectionStyle.Render(strings.Join(lines, "\n")) + "\n"
}

// renderRunList renders one line per run, newest first
func renderRunList(runs []*domain.RunState, now time.Time) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%d runs", len(runs))) + "\n")
	for _, st := range runs {
		status := statusStyle(st.Status).Render(fmt.Sprintf("%-8s", st.Status))
		detail := fmt.Sprintf("%s  plan %d/%d  impl %d/%d", st.State, st.Phase1Cycle, st.Phase1Limit, st.Phase2Cycle, st.Phase2Limit)
		switch {
		case st.AwaitingGate:
			detail += "  awaiting confirmation"
		case st.Status == domain.RunFrozen && fallback.ResumeAllowed(st.Freeze, now):
			detail += "  resumable now"
		case st.Status == domain.RunFrozen:
			detail += "  resumable after " + st.Freeze.ResumeAfter.Local().Format("Jan 2 15:04")
		}
		fmt.Fprintf(&b, "%s  %s  %s  %s\n", st.RunID, status, detail, dimmedStyle.Render(st.TaskPath))
	}
	return b.String()
}

// promptGate asks on the terminal before a run is marked done
type promptGate struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptGate(in io.Reader, out io.Writer) *promptGate {
	return &promptGate{in: bufio.NewReader(in), out: out}
}

func (g *promptGate) Approve(ctx context.Context, st *domain.RunState) (bool, error) {
	fmt.Fprintf(g.out, "\nRun %s: both reviewers approved after %d implementation cycles.\n", st.RunID, st.Phase2Cycle)
	fmt.Fprint(g.out, "Mark the run as done? [y/N] ")

	answer := make(chan string, 1)
	go func() {
		line, _ := g.in.ReadString('\n')
		answer <- line
	}()
	select {
	case <-ctx.Done():
		fmt.Fprintln(g.out)
		return false, ctx.Err()
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
