package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/config"
	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/gateway"
	"github.com/hochfrequenz/duo-orchestrator/internal/markers"
	"github.com/hochfrequenz/duo-orchestrator/internal/metrics"
	"github.com/hochfrequenz/duo-orchestrator/internal/notify"
	"github.com/hochfrequenz/duo-orchestrator/internal/preflight"
	"github.com/hochfrequenz/duo-orchestrator/internal/runindex"
	"github.com/hochfrequenz/duo-orchestrator/internal/transcript"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Send(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// quotaInvoker answers like the dry runner except for backends marked as
// quota-limited
type quotaInvoker struct {
	limited map[string]bool
}

func (q *quotaInvoker) Invoke(ctx context.Context, b gateway.Backend, prompt string) gateway.Result {
	if q.limited[b.Name] {
		return gateway.Result{Backend: b.Name, ExitCode: 1, Outcome: domain.OutcomeQuotaLimited, Err: errors.New("429 usage limit reached")}
	}
	return gateway.DryRunner{}.Invoke(ctx, b, prompt)
}

type fixedGate bool

func (g fixedGate) Approve(context.Context, *domain.RunState) (bool, error) {
	return bool(g), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.General.ProjectRoot = t.TempDir()
	cfg.Run.DryRun = true
	cfg.Run.SkipGitCheck = true
	return cfg
}

func newTestPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Sleep == nil {
		opts.Sleep = func(context.Context, time.Duration) error { return nil }
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return p
}

func writeTask(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunTaskDryRunCompletes(t *testing.T) {
	cfg := testConfig(t)
	index, err := runindex.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer index.Close()
	notifier := &recordingNotifier{}

	p := newTestPipeline(t, Options{Config: cfg, Index: index, Notifier: notifier, Metrics: metrics.New("duo")})
	task := writeTask(t, cfg.General.ProjectRoot, "task.md", "# Add a health endpoint\n")

	st, err := p.RunTask(context.Background(), task)
	if err != nil {
		t.Fatalf("RunTask() = %v", err)
	}
	if st.Status != domain.RunDone || st.Phase1Cycle != 1 || st.Phase2Cycle != 1 {
		t.Errorf("got status=%s cycles=%d/%d, want done 1/1", st.Status, st.Phase1Cycle, st.Phase2Cycle)
	}
	if ExitCode(st, nil) != 0 {
		t.Errorf("ExitCode() = %d, want 0", ExitCode(st, nil))
	}

	runDir := filepath.Join(p.ArtifactRoot(), "runs", st.RunID)
	for _, name := range []string{transcript.TaskFile, transcript.Phase1File, transcript.Phase2File, transcript.SummaryFile} {
		if _, err := os.Stat(filepath.Join(runDir, name)); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}

	runs, err := index.ListRuns(runindex.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != domain.RunDone {
		t.Errorf("index runs = %+v", runs)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].Status != domain.RunDone {
		t.Errorf("notifications = %+v", notifier.sent)
	}
}

func TestRunTaskResumesRunAwaitingGate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.ManualGate = true
	task := writeTask(t, cfg.General.ProjectRoot, "task.md", "gated task")

	first, err := newTestPipeline(t, Options{Config: cfg, Gate: fixedGate(false)}).RunTask(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != domain.RunRunning || !first.AwaitingGate {
		t.Fatalf("declined gate: status=%s awaiting=%v", first.Status, first.AwaitingGate)
	}
	if ExitCode(first, nil) != 1 {
		t.Errorf("awaiting gate should exit 1, got %d", ExitCode(first, nil))
	}

	second, err := newTestPipeline(t, Options{Config: cfg, Gate: fixedGate(true)}).RunTask(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if second.RunID != first.RunID {
		t.Errorf("same task should resume run %s, got %s", first.RunID, second.RunID)
	}
	if second.Status != domain.RunDone || second.Phase2Cycle != 1 {
		t.Errorf("approved gate: status=%s phase2=%d", second.Status, second.Phase2Cycle)
	}
}

func TestProcessFinishesGatedRunWithoutGate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.ManualGate = true
	task := writeTask(t, cfg.General.ProjectRoot, "task.md", "gated task")

	first, err := newTestPipeline(t, Options{Config: cfg, Gate: fixedGate(false)}).RunTask(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if !first.AwaitingGate {
		t.Fatalf("declined gate: awaiting=%v", first.AwaitingGate)
	}

	// the watch queue runs without a gate
	cfg.Run.ManualGate = false
	p := newTestPipeline(t, Options{Config: cfg})
	res, err := p.Process(context.Background(), task)
	if err != nil {
		t.Fatalf("Process() = %v", err)
	}
	if res.Status != domain.RunDone {
		t.Errorf("Process() status = %s, want done", res.Status)
	}
	st, err := p.Store().Load(first.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != domain.RunDone || st.AwaitingGate || st.ManualGate {
		t.Errorf("stored run: status=%s awaiting=%v gate=%v", st.Status, st.AwaitingGate, st.ManualGate)
	}
}

func TestProcessFreezesAndResumes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fallback.ResumeSchedule = "0 3 * * *"
	invoker := &quotaInvoker{limited: map[string]bool{"codex": true}}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	notifier := &recordingNotifier{}

	p := newTestPipeline(t, Options{
		Config:   cfg,
		Invoker:  invoker,
		Notifier: notifier,
		Now:      func() time.Time { return now },
	})
	task := writeTask(t, cfg.General.ProjectRoot, "task.md", "quota task")

	res, err := p.Process(context.Background(), task)
	if err != nil {
		t.Fatalf("Process() = %v", err)
	}
	if res.Status != domain.RunFrozen {
		t.Fatalf("Status = %s, want frozen", res.Status)
	}
	if want := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC); !res.ResumeAfter.Equal(want) {
		t.Errorf("ResumeAfter = %s, want %s", res.ResumeAfter, want)
	}

	if _, err := p.Resume(context.Background(), "", ResumeOptions{}); err == nil || !strings.Contains(err.Error(), "frozen until") {
		t.Errorf("Resume() before schedule = %v, want frozen error", err)
	}

	invoker.limited = nil
	st, err := p.Resume(context.Background(), "", ResumeOptions{Force: true})
	if err != nil {
		t.Fatalf("Resume(force) = %v", err)
	}
	if st.Status != domain.RunDone || st.Phase1Cycle != 1 {
		t.Errorf("resumed run: status=%s phase1=%d", st.Status, st.Phase1Cycle)
	}
	if ExitCode(st, nil) != 0 {
		t.Errorf("ExitCode() = %d", ExitCode(st, nil))
	}
	if len(notifier.sent) != 2 || notifier.sent[0].Status != domain.RunFrozen {
		t.Errorf("notifications = %+v", notifier.sent)
	}
}

func TestResumeRaisesLimits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Phase1Limit = 1
	p := newTestPipeline(t, Options{Config: cfg, Invoker: planReviewer{reject: true}})
	task := writeTask(t, cfg.General.ProjectRoot, "task.md", "hard task")

	st, err := p.RunTask(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != domain.RunFailed || st.Failure == nil || st.Failure.Kind != domain.KindCycleLimitExceeded {
		t.Fatalf("got status=%s failure=%+v", st.Status, st.Failure)
	}

	if _, err := p.Resume(context.Background(), st.RunID, ResumeOptions{Force: true}); err == nil || !strings.Contains(err.Error(), "raise the limit") {
		t.Errorf("Resume() at limit = %v", err)
	}

	p2 := newTestPipeline(t, Options{Config: cfg, Invoker: planReviewer{}})
	st, err = p2.Resume(context.Background(), st.RunID, ResumeOptions{Force: true, Phase1Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != domain.RunDone || st.Phase1Cycle != 2 || st.Phase1Limit != 3 {
		t.Errorf("status=%s phase1=%d/%d", st.Status, st.Phase1Cycle, st.Phase1Limit)
	}
}

// planReviewer raises F-001 on plan reviews when reject is set and closes
// it otherwise; every other call gets a dry-run reply
type planReviewer struct {
	reject bool
}

func (r planReviewer) Invoke(ctx context.Context, b gateway.Backend, prompt string) gateway.Result {
	if b.Name != "codex" || !strings.Contains(markers.StripDelimited(prompt), markers.Phase1Approval+":") {
		return gateway.DryRunner{}.Invoke(ctx, b, prompt)
	}
	out := "Needs work.\nNEW_FINDING: F-001 | plan lacks tests | go test passes\nPHASE1_APPROVAL: NO\nOPEN_FINDINGS: F-001\nSTATUS: DONE"
	if !r.reject {
		out = "Looks good.\nFINDING_STATUS: F-001 | CLOSED | tests are planned\nPHASE1_APPROVAL: YES\nOPEN_FINDINGS: NONE\nSTATUS: DONE"
	}
	return gateway.Result{Backend: b.Name, Outcome: domain.OutcomeSuccess, Output: out}
}

func TestPreflightFailureCreatesNoRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.DryRun = false
	p := newTestPipeline(t, Options{
		Config: cfg,
		Preflight: &preflight.Checker{
			Dir:      cfg.General.ProjectRoot,
			LookPath: func(string) (string, error) { return "", exec.ErrNotFound },
		},
	})
	task := writeTask(t, cfg.General.ProjectRoot, "task.md", "task")

	st, err := p.RunTask(context.Background(), task)
	if !errors.Is(err, domain.ErrPreflight) {
		t.Fatalf("RunTask() = %v, want preflight error", err)
	}
	if ExitCode(st, err) != 1 {
		t.Errorf("ExitCode() = %d, want 1", ExitCode(st, err))
	}
	runs, _ := p.Store().List()
	if len(runs) != 0 {
		t.Errorf("preflight failure should not create a run, got %d", len(runs))
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		st   *domain.RunState
		err  error
		want int
	}{
		{"done", &domain.RunState{Status: domain.RunDone}, nil, 0},
		{"failed", &domain.RunState{Status: domain.RunFailed}, nil, 1},
		{"frozen", &domain.RunState{Status: domain.RunFrozen}, nil, 2},
		{"awaiting gate", &domain.RunState{Status: domain.RunRunning, AwaitingGate: true}, nil, 1},
		{"interrupted", &domain.RunState{Status: domain.RunRunning}, domain.Errorf(domain.KindInterrupted, "run", "signal"), 130},
		{"cancelled", nil, context.Canceled, 130},
		{"not found", nil, domain.ErrNotFound, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.st, tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
