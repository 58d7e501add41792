// Package transcript writes the human-readable artifacts of a run: the task
// snapshot, one append-only markdown transcript per phase and the raw log of
// every backend invocation.
package transcript

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/fsutil"
)

// Artifact file names inside a run directory
const (
	TaskFile    = "00_task.md"
	Phase1File  = "10_phase1_plan.md"
	Phase2File  = "20_phase2_implementation.md"
	SummaryFile = "90_summary.md"
	logDir      = "logs"
)

// TruncatedMarker prefixes a history tail that was cut
const TruncatedMarker = "...[earlier history truncated]"

// Writer writes the artifacts of one run. Paths are derived from the run id
// and never read back from persisted state.
type Writer struct {
	dir string
	now func() time.Time
}

// New creates a writer for runID under root
func New(root, runID string) (*Writer, error) {
	if err := domain.ValidateRunID(runID); err != nil {
		return nil, err
	}
	dir := filepath.Join(root, "runs", runID)
	if err := os.MkdirAll(filepath.Join(dir, logDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	return &Writer{dir: dir, now: time.Now}, nil
}

// Dir returns the run's artifact directory
func (w *Writer) Dir() string {
	return w.dir
}

// PhaseFile returns the transcript path of a phase
func (w *Writer) PhaseFile(p domain.Phase) string {
	if p == domain.Phase2 {
		return filepath.Join(w.dir, Phase2File)
	}
	return filepath.Join(w.dir, Phase1File)
}

// WriteTask snapshots the task bytes. An existing snapshot is kept so a
// resumed run keeps the text it started with.
func (w *Writer) WriteTask(task []byte) error {
	path := filepath.Join(w.dir, TaskFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return fsutil.WriteFileAtomic(path, task, 0o644)
}

// Append adds a section to a phase transcript. Sections are separated by a
// horizontal rule and carry a UTC timestamp.
func (w *Writer) Append(p domain.Phase, heading, body string) error {
	path := w.PhaseFile(p)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	var b strings.Builder
	if info.Size() > 0 {
		b.WriteString("\n---\n\n")
	}
	fmt.Fprintf(&b, "## %s\n\n_Time: %s_\n\n%s\n", heading, w.now().UTC().Format(time.RFC3339), strings.TrimSpace(body))
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return f.Sync()
}

// Tail returns at most limit bytes from the end of a phase transcript,
// prefixed with TruncatedMarker when cut
func (w *Writer) Tail(p domain.Phase, limit int) (string, error) {
	data, err := os.ReadFile(w.PhaseFile(p))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return TruncateShared(string(data), limit), nil
}

// TruncateShared keeps the last limit bytes of text
func TruncateShared(text string, limit int) string {
	if limit <= 0 {
		return TruncatedMarker
	}
	if len(text) <= limit {
		return text
	}
	return TruncatedMarker + "\n\n" + text[len(text)-limit:]
}

// LogPath returns the log file of one invocation attempt
func (w *Writer) LogPath(prefix string, attempt int) string {
	return filepath.Join(w.dir, logDir, fmt.Sprintf("%s.attempt-%d.log", prefix, attempt))
}

// WriteLog stores the raw exchange of one invocation
func (w *Writer) WriteLog(path, prompt, output, stderr string) error {
	var b strings.Builder
	b.WriteString("=== PROMPT ===\n")
	b.WriteString(prompt)
	b.WriteString("\n\n=== OUTPUT ===\n")
	b.WriteString(output)
	if stderr != "" {
		b.WriteString("\n\n=== STDERR ===\n")
		b.WriteString(stderr)
	}
	b.WriteString("\n")
	return fsutil.WriteFileAtomic(path, []byte(b.String()), 0o644)
}

// WriteSummary renders the run summary next to the transcripts
func (w *Writer) WriteSummary(st *domain.RunState) error {
	return fsutil.WriteFileAtomic(filepath.Join(w.dir, SummaryFile), []byte(Summary(st)), 0o644)
}

// Summary renders a short markdown report of a run
func Summary(st *domain.RunState) string {
	var open, closed int
	for _, f := range st.Findings {
		if f.Status == domain.FindingOpen {
			open++
		} else {
			closed++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", st.RunID)
	fmt.Fprintf(&b, "- Status: %s\n", st.Status)
	fmt.Fprintf(&b, "- State: %s\n", st.State)
	fmt.Fprintf(&b, "- Task: %s\n", st.TaskPath)
	fmt.Fprintf(&b, "- Phase 1 cycles: %d/%d\n", st.Phase1Cycle, st.Phase1Limit)
	fmt.Fprintf(&b, "- Phase 2 cycles: %d/%d\n", st.Phase2Cycle, st.Phase2Limit)
	fmt.Fprintf(&b, "- Findings: %d open, %d closed\n", open, closed)
	fmt.Fprintf(&b, "- Invocations: %d\n", len(st.History))
	fmt.Fprintf(&b, "- Duration: %s\n", FormatDuration(st.UpdatedAt.Sub(st.CreatedAt)))
	if st.Failure != nil {
		fmt.Fprintf(&b, "- Failure: %s: %s\n", st.Failure.Kind, st.Failure.Message)
	}
	if st.Freeze != nil {
		fmt.Fprintf(&b, "- Frozen: %s (%s) at %s\n", st.Freeze.Backend, st.Freeze.Role, st.Freeze.FrozenAt.Format(time.RFC3339))
		if !st.Freeze.ResumeAfter.IsZero() {
			fmt.Fprintf(&b, "- Resume after: %s\n", st.Freeze.ResumeAfter.Format(time.RFC3339))
		}
	}
	if open > 0 {
		b.WriteString("\n## Open findings\n\n")
		for _, f := range st.Findings {
			if f.Status == domain.FindingOpen {
				fmt.Fprintf(&b, "- %s: %s (acceptance: %s)\n", f.ID, f.Description, f.AcceptanceTest)
			}
		}
	}
	return b.String()
}

// FormatDuration renders d as h/m/s without sub-second noise
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := (d - m*time.Minute) / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// ReadTask returns the task snapshot of a run
func (w *Writer) ReadTask() (string, error) {
	f, err := os.Open(filepath.Join(w.dir, TaskFile))
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	return string(data), err
}
