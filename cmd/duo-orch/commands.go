package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/duo-orchestrator/internal/config"
	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/inbox"
	"github.com/hochfrequenz/duo-orchestrator/internal/logging"
	"github.com/hochfrequenz/duo-orchestrator/internal/metrics"
	"github.com/hochfrequenz/duo-orchestrator/internal/notify"
	"github.com/hochfrequenz/duo-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/duo-orchestrator/internal/prompts"
	"github.com/hochfrequenz/duo-orchestrator/internal/runindex"
	"github.com/hochfrequenz/duo-orchestrator/internal/transcript"
)

var (
	dryRun        bool
	skipGitCheck  bool
	manualGate    bool
	noRecover     bool
	allowFallback bool
	phase1Limit   int
	phase2Limit   int
	maxRetries    int
	testCommand   string

	resumeForce bool

	watchInbox    string
	watchOutbox   string
	watchPoll     time.Duration
	watchMinAge   time.Duration
	watchMetrics  string
	historyStatus string
	historyLimit  int
	historyStats  bool
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run TASK_FILE",
		Short: "Run a task file through both phases",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	addRunFlags(runCmd)
	runCmd.Flags().BoolVar(&manualGate, "manual-gate", false, "ask for confirmation before marking the run done")
	runCmd.Flags().BoolVar(&noRecover, "no-recover", false, "fail instead of restoring the last checkpoint after an interrupt")
	runCmd.Flags().BoolVar(&allowFallback, "allow-fallback", false, "use alternate backends when a primary hits its quota")
	runCmd.Flags().IntVar(&maxRetries, "max-retries", -1, "extra attempts per backend call")
	runCmd.Flags().StringVar(&testCommand, "test-command", "", "shell command run after each implementation")
	rootCmd.AddCommand(runCmd)

	// resume command
	resumeCmd := &cobra.Command{
		Use:   "resume [RUN_ID]",
		Short: "Resume a run (the latest one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runResume,
	}
	addRunFlags(resumeCmd)
	resumeCmd.Flags().BoolVar(&resumeForce, "force", false, "resume a failed run, or a frozen run before its resume time")
	rootCmd.AddCommand(resumeCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Process task files dropped into the inbox, one at a time",
		RunE:  runWatch,
	}
	watchCmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate backend replies")
	watchCmd.Flags().BoolVar(&skipGitCheck, "skip-git-check", false, "do not require a clean git working tree")
	watchCmd.Flags().StringVar(&watchInbox, "inbox", "", "inbox directory")
	watchCmd.Flags().StringVar(&watchOutbox, "outbox", "", "outbox directory")
	watchCmd.Flags().DurationVar(&watchPoll, "poll-interval", 0, "inbox poll interval")
	watchCmd.Flags().DurationVar(&watchMinAge, "min-file-age", 0, "how long a file must be unchanged before it is claimed")
	watchCmd.Flags().StringVar(&watchMetrics, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.AddCommand(watchCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status [RUN_ID]",
		Short: "Show runs, or one run in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "List indexed runs, or the invocations of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs")
	historyCmd.Flags().BoolVar(&historyStats, "backends", false, "show per-backend invocation statistics")
	rootCmd.AddCommand(historyCmd)

	// prompts command
	promptsCmd := &cobra.Command{
		Use:   "prompts",
		Short: "List prompt templates and where they are loaded from",
		RunE:  runPrompts,
	}
	rootCmd.AddCommand(promptsCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate backend replies")
	cmd.Flags().BoolVar(&skipGitCheck, "skip-git-check", false, "do not require a clean git working tree")
	cmd.Flags().IntVar(&phase1Limit, "phase1-limit", 0, "maximum plan cycles")
	cmd.Flags().IntVar(&phase2Limit, "phase2-limit", 0, "maximum implementation cycles")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("dry-run") {
		cfg.Run.DryRun = dryRun
	}
	if flags.Changed("skip-git-check") {
		cfg.Run.SkipGitCheck = skipGitCheck
	}
	if flags.Changed("manual-gate") {
		cfg.Run.ManualGate = manualGate
	}
	if flags.Changed("no-recover") {
		cfg.Run.Recover = !noRecover
	}
	if flags.Changed("allow-fallback") {
		cfg.Fallback.Enabled = allowFallback
	}
	if flags.Changed("max-retries") && maxRetries >= 0 {
		cfg.Run.MaxRetries = maxRetries
	}
	if flags.Changed("test-command") {
		cfg.Run.TestCommand = testCommand
	}
	// Limits on resume apply to the stored run, not to new ones
	if cmd.Name() == "run" {
		if phase1Limit > 0 {
			cfg.Run.Phase1Limit = phase1Limit
		}
		if phase2Limit > 0 {
			cfg.Run.Phase2Limit = phase2Limit
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level := cfg.Log.Level
	switch {
	case verbose:
		level = "debug"
	case quiet:
		level = "warn"
	}
	logger, err := logging.New(os.Stderr, logging.Config{Level: level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func newNotifier(cfg *config.Config) notify.Notifier {
	var ns []notify.Notifier
	if cfg.Notifications.Desktop {
		ns = append(ns, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		ns = append(ns, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(ns) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(ns...)
}

// openIndex opens the run index. It is optional, so failures only warn.
func openIndex(cfg *config.Config, logger *slog.Logger) *runindex.Index {
	index, err := runindex.New(cfg.Path(cfg.General.IndexPath))
	if err != nil {
		logger.Warn("run index unavailable", "error", err)
		return nil
	}
	return index
}

// setup loads everything a run needs. The returned cleanup closes the index.
func setup(cmd *cobra.Command, opts pipeline.Options) (*pipeline.Pipeline, *config.Config, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	index := openIndex(cfg, logger)
	opts.Config = cfg
	opts.Logger = logger
	opts.Index = index
	opts.Notifier = newNotifier(cfg)
	p, err := pipeline.New(opts)
	cleanup := func() {
		if index != nil {
			index.Close()
		}
	}
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return p, cfg, cleanup, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	p, _, cleanup, err := setup(cmd, pipeline.Options{Gate: newPromptGate(os.Stdin, os.Stdout)})
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	st, err := p.RunTask(ctx, args[0])
	return finish(st, err)
}

func runResume(cmd *cobra.Command, args []string) error {
	p, _, cleanup, err := setup(cmd, pipeline.Options{Gate: newPromptGate(os.Stdin, os.Stdout)})
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	var runID string
	if len(args) == 1 {
		runID = args[0]
	}
	st, err := p.Resume(ctx, runID, pipeline.ResumeOptions{
		Force:       resumeForce,
		Phase1Limit: phase1Limit,
		Phase2Limit: phase2Limit,
	})
	return finish(st, err)
}

// finish prints the outcome and converts it into the exit status
func finish(st *domain.RunState, err error) error {
	if st != nil && st.RunID != "" {
		fmt.Println()
		fmt.Print(renderRun(st))
	}
	code := pipeline.ExitCode(st, err)
	if code == 0 {
		return nil
	}
	if err == nil && st != nil && st.AwaitingGate {
		fmt.Printf("\nRun %s is waiting for confirmation; run 'duo-orch resume %s' to decide.\n", st.RunID, st.RunID)
	}
	return &exitError{code: code, err: err}
}

func runWatch(cmd *cobra.Command, args []string) error {
	m := metrics.New("duo_orchestrator")
	p, cfg, cleanup, err := setup(cmd, pipeline.Options{Metrics: m})
	if err != nil {
		return err
	}
	defer cleanup()
	// Nobody is at the terminal to answer a gate in watch mode
	cfg.Run.ManualGate = false

	opts := inbox.Options{
		Inbox:        cfg.Path(cfg.Watch.Inbox),
		Outbox:       cfg.Path(cfg.Watch.Outbox),
		PollInterval: cfg.Watch.PollInterval.Duration,
		MinFileAge:   cfg.Watch.MinFileAge.Duration,
		MaxAttempts:  cfg.Watch.MaxAttempts,
		Logger:       slog.Default(),
		OnPending:    m.SetQueuePending,
	}
	if watchInbox != "" {
		opts.Inbox = watchInbox
	}
	if watchOutbox != "" {
		opts.Outbox = watchOutbox
	}
	if watchPoll > 0 {
		opts.PollInterval = watchPoll
	}
	if cmd.Flags().Changed("min-file-age") {
		opts.MinFileAge = watchMinAge
	}
	addr := cfg.Watch.MetricsAddr
	if watchMetrics != "" {
		addr = watchMetrics
	}

	ctx, stop := signalContext()
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return inbox.NewWatcher(p, opts).Run(gctx)
	})
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			slog.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	p, err := pipeline.New(pipeline.Options{Config: cfg})
	if err != nil {
		return err
	}
	store := p.Store()

	if len(args) == 0 {
		runs, err := store.List()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs yet")
			return nil
		}
		fmt.Print(renderRunList(runs, time.Now()))
		return nil
	}

	st, err := store.Load(args[0])
	if err != nil {
		return err
	}
	fmt.Print(renderRun(st))
	if open := st.OpenFindings(); len(open) > 0 {
		fmt.Println()
		fmt.Print(transcript.Summary(st))
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	index, err := runindex.New(cfg.Path(cfg.General.IndexPath))
	if err != nil {
		return err
	}
	defer index.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if historyStats {
		stats, err := index.BackendStats()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "BACKEND\tOUTCOME\tCALLS\tAVG")
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Backend, s.Outcome, s.Count, transcript.FormatDuration(s.AvgDuration))
		}
		return nil
	}

	if len(args) == 1 {
		recs, err := index.Invocations(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "PHASE\tCYCLE\tROLE\tBACKEND\tATTEMPT\tOUTCOME\tDURATION\tERROR")
		for _, r := range recs {
			backend := r.Backend
			if r.SubstitutedFor != "" {
				backend += " (for " + r.SubstitutedFor + ")"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\t%s\t%s\n", r.Phase, r.Cycle, r.Role, backend, r.Attempt, r.Outcome,
				transcript.FormatDuration(r.Duration), truncate(r.Error, 60))
		}
		return nil
	}

	runs, err := index.ListRuns(runindex.ListOptions{Status: domain.RunStatus(historyStatus), Limit: historyLimit})
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "RUN\tSTATUS\tSTATE\tCYCLES\tFINDINGS\tUPDATED\tTASK")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d open, %d closed\t%s\t%s\n", r.ID, r.Status, r.State,
			r.Phase1Cycles, r.Phase2Cycles, r.OpenFindings, r.ClosedFindings,
			r.UpdatedAt.Local().Format("2006-01-02 15:04"), r.TaskPath)
	}
	return nil
}

func runPrompts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	metas, err := prompts.DefaultLoader(cfg.General.ProjectRoot).ListTemplates()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tROLE\tPATH\tDESCRIPTION")
	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Role, m.Path, m.Description)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
