// Package pipeline wires configuration, backends, persistence and the
// state machine into the operations the CLI and the watch queue call.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/checkpoint"
	"github.com/hochfrequenz/duo-orchestrator/internal/config"
	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/fallback"
	"github.com/hochfrequenz/duo-orchestrator/internal/gateway"
	"github.com/hochfrequenz/duo-orchestrator/internal/inbox"
	"github.com/hochfrequenz/duo-orchestrator/internal/logging"
	"github.com/hochfrequenz/duo-orchestrator/internal/machine"
	"github.com/hochfrequenz/duo-orchestrator/internal/metrics"
	"github.com/hochfrequenz/duo-orchestrator/internal/notify"
	"github.com/hochfrequenz/duo-orchestrator/internal/preflight"
	"github.com/hochfrequenz/duo-orchestrator/internal/prompts"
	"github.com/hochfrequenz/duo-orchestrator/internal/runindex"
	"github.com/hochfrequenz/duo-orchestrator/internal/testcmd"
	"github.com/hochfrequenz/duo-orchestrator/internal/transcript"
)

// Options are the collaborators of a Pipeline. Only Config is required.
type Options struct {
	Config *config.Config
	// Invoker overrides the backend runner chosen from the config
	Invoker  gateway.Invoker
	Gate     machine.Gate
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Index    *runindex.Index
	// Preflight overrides the checker built from the config
	Preflight *preflight.Checker
	Logger    *slog.Logger
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
}

// Pipeline starts and resumes runs
type Pipeline struct {
	opts    Options
	cfg     *config.Config
	store   *checkpoint.Store
	policy  *fallback.Policy
	prompts *prompts.Loader
	roster  gateway.Roster
	log     *slog.Logger
}

// ResumeOptions adjust a resumed run
type ResumeOptions struct {
	Force bool
	// Phase1Limit and Phase2Limit replace the stored limits when positive
	Phase1Limit int
	Phase2Limit int
}

// New builds a Pipeline from opts
func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, errors.New("pipeline: config is required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	policy, err := fallback.New(cfg.Fallback.Enabled, cfg.Fallback.ResumeSchedule)
	if err != nil {
		return nil, err
	}
	if opts.Invoker == nil {
		if cfg.Run.DryRun {
			opts.Invoker = gateway.DryRunner{}
		} else {
			opts.Invoker = gateway.NewExecRunner()
		}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Preflight == nil {
		opts.Preflight = &preflight.Checker{
			Dir: cfg.General.ProjectRoot,
			Exclude: []string{
				cfg.Path(cfg.General.StateDir),
				cfg.Path(cfg.General.ArtifactDir),
				cfg.Path(cfg.Watch.Inbox),
				cfg.Path(cfg.Watch.Outbox),
			},
		}
	}
	return &Pipeline{
		opts:    opts,
		cfg:     cfg,
		store:   checkpoint.New(cfg.Path(cfg.General.StateDir)),
		policy:  policy,
		prompts: prompts.DefaultLoader(cfg.General.ProjectRoot),
		roster:  cfg.Roster(),
		log:     opts.Logger,
	}, nil
}

// Store returns the checkpoint store runs are persisted in
func (p *Pipeline) Store() *checkpoint.Store {
	return p.store
}

// ArtifactRoot returns the directory run artifacts are written under
func (p *Pipeline) ArtifactRoot() string {
	return p.cfg.Path(p.cfg.General.ArtifactDir)
}

// RunTask drives the task file at path to a stop. A non-terminal run of the
// same task content is resumed instead of starting over.
func (p *Pipeline) RunTask(ctx context.Context, path string) (*domain.RunState, error) {
	task, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task: %w", err)
	}
	digest := taskDigest(task)

	existing, err := p.store.FindResumable(digest)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		p.log.Info("resuming unfinished run of the same task", "run", existing, "task", path)
		return p.Resume(ctx, existing, ResumeOptions{})
	}

	if err := p.preflight(ctx); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	st := domain.NewRunState("", abs, digest, p.cfg.Run.Phase1Limit, p.cfg.Run.Phase2Limit, p.opts.Now().UTC())
	st.ManualGate = p.cfg.Run.ManualGate
	if err := p.store.Create(st); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	lock, err := p.store.Lock(st.RunID)
	if err != nil {
		return st, err
	}
	defer lock.Release()

	artifacts, err := transcript.New(p.ArtifactRoot(), st.RunID)
	if err != nil {
		return st, err
	}
	if err := artifacts.WriteTask(task); err != nil {
		return st, fmt.Errorf("writing task snapshot: %w", err)
	}
	p.log.Info("run started", "run", st.RunID, "task", abs)
	return p.drive(ctx, st, artifacts, string(task))
}

// Resume continues the run with runID, or the latest run when runID is
// empty. Frozen runs need their resume time to have passed, failed runs
// need opts.Force.
func (p *Pipeline) Resume(ctx context.Context, runID string, opts ResumeOptions) (*domain.RunState, error) {
	if runID == "" {
		latest, err := p.store.Latest()
		if err != nil {
			return nil, err
		}
		runID = latest
	}
	if _, err := p.store.Load(runID); err != nil {
		return nil, err
	}
	lock, err := p.store.Lock(runID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	// Reload under the lock; the previous owner may have committed since
	st, err := p.store.Load(runID)
	if err != nil {
		return nil, err
	}
	if opts.Phase1Limit > 0 {
		st.Phase1Limit = opts.Phase1Limit
	}
	if opts.Phase2Limit > 0 {
		st.Phase2Limit = opts.Phase2Limit
	}
	wasStopped := st.Status != domain.RunRunning
	if err := machine.PrepareResume(st, opts.Force, p.opts.Now()); err != nil {
		return st, err
	}
	if err := p.preflight(ctx); err != nil {
		return st, err
	}

	artifacts, err := transcript.New(p.ArtifactRoot(), st.RunID)
	if err != nil {
		return st, err
	}
	task, err := artifacts.ReadTask()
	if err != nil {
		return st, fmt.Errorf("reading task snapshot: %w", err)
	}
	// A stopped run is committed as running first, so a crash in the next
	// cycle rolls back to the resumed state rather than the stopped one
	if wasStopped && st.InFlight == nil {
		if err := p.store.Commit(st); err != nil {
			return st, err
		}
	}
	p.log.Info("run resumed", "run", st.RunID, "state", st.State)
	return p.drive(ctx, st, artifacts, task)
}

func (p *Pipeline) drive(ctx context.Context, st *domain.RunState, artifacts *transcript.Writer, task string) (*domain.RunState, error) {
	log := logging.ForRun(p.log, st.RunID)

	index := &indexObserver{index: p.opts.Index, log: log}
	index.Committed(st)
	observers := multiObserver{index}
	if p.opts.Metrics != nil {
		p.opts.Metrics.Track(st)
		observers = append(observers, p.opts.Metrics)
	}

	var tests testcmd.Runner
	if p.cfg.Run.TestCommand != "" {
		tests = &testcmd.Shell{
			Command: p.cfg.Run.TestCommand,
			Timeout: p.cfg.Run.TestTimeout.Duration,
			Dir:     p.cfg.General.ProjectRoot,
		}
	}
	var gate machine.Gate
	if st.ManualGate {
		if p.opts.Gate == nil {
			// nobody can confirm, so an approved run finishes on its own
			log.Warn("run wants a manual gate but none is available, disabling it")
			st.ManualGate = false
		}
		gate = p.opts.Gate
	}

	m := machine.New(machine.Deps{
		Store:     p.store,
		Invoker:   p.opts.Invoker,
		Roster:    p.roster,
		Policy:    p.policy,
		Prompts:   p.prompts,
		Artifacts: artifacts,
		Tests:     tests,
		Gate:      gate,
		Snapshot:  p.opts.Preflight.Snapshot,
		Observer:  observers,
		Logger:    log,
		Sleep:     p.opts.Sleep,
		Now:       p.opts.Now,
	}, machine.Config{
		MaxRetries:     p.cfg.Run.MaxRetries,
		Recover:        p.cfg.Run.Recover,
		MaxSharedChars: p.cfg.Run.MaxSharedChars,
		Task:           task,
	})

	final, err := m.Run(ctx, st)
	if final == nil {
		final = st
	}
	if serr := artifacts.WriteSummary(final); serr != nil {
		log.Warn("writing summary failed", "error", serr)
	}
	if final.Status != domain.RunRunning {
		// Outlive an interrupted ctx so the operator still hears about it
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		if nerr := p.opts.Notifier.Send(nctx, notify.ForRun(final)); nerr != nil {
			log.Warn("notification failed", "error", nerr)
		}
		cancel()
	}
	return final, err
}

func (p *Pipeline) preflight(ctx context.Context) error {
	if !p.cfg.Run.DryRun {
		if err := p.opts.Preflight.Binaries(p.roster, p.policy.Allowed()); err != nil {
			return err
		}
	}
	if p.cfg.Run.SkipGitCheck {
		return nil
	}
	return p.opts.Preflight.GitClean(ctx)
}

// Process implements inbox.Processor. Interrupts and failures that leave the
// run unfinished are returned as errors so the file stays queued.
func (p *Pipeline) Process(ctx context.Context, path string) (inbox.Result, error) {
	st, err := p.RunTask(ctx, path)
	if err != nil {
		return inbox.Result{}, err
	}
	res := inbox.Result{Status: st.Status}
	if st.Status == domain.RunFrozen && st.Freeze != nil {
		res.ResumeAfter = st.Freeze.ResumeAfter
	}
	if st.Status == domain.RunRunning {
		return res, fmt.Errorf("run %s stopped without a terminal outcome", st.RunID)
	}
	return res, nil
}

func taskDigest(task []byte) string {
	sum := sha256.Sum256(task)
	return hex.EncodeToString(sum[:])
}

// ExitCode maps a run outcome to the process exit status
func ExitCode(st *domain.RunState, err error) int {
	switch {
	case errors.Is(err, domain.ErrInterrupted), errors.Is(err, context.Canceled):
		return 130
	case err != nil:
		return 1
	case st == nil:
		return 1
	}
	switch st.Status {
	case domain.RunDone:
		return 0
	case domain.RunFrozen:
		return 2
	}
	return 1
}
