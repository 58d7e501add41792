package inbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/fsutil"
)

// Result is the terminal outcome of processing one file
type Result struct {
	Status domain.RunStatus
	// ResumeAfter is set for frozen runs; claiming pauses until then
	ResumeAfter time.Time
}

// Processor drives one task file to a terminal outcome. An error means no
// terminal outcome was reached.
type Processor interface {
	Process(ctx context.Context, path string) (Result, error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, path string) (Result, error)

func (f ProcessorFunc) Process(ctx context.Context, path string) (Result, error) {
	return f(ctx, path)
}

// Options configure a Watcher
type Options struct {
	Inbox        string
	Outbox       string
	PollInterval time.Duration
	MinFileAge   time.Duration
	// MaxAttempts bounds processor errors per file before it is moved to
	// the failed outbox
	MaxAttempts int
	Logger      *slog.Logger
	Now         func() time.Time
	// OnPending is called after every scan with the number of pending files
	OnPending func(n int)
}

// Watcher polls an inbox and processes files strictly one at a time
type Watcher struct {
	proc        Processor
	opts        Options
	queue       *Queue
	log         *slog.Logger
	pausedUntil time.Time
}

// NewWatcher creates a watcher; zero options get defaults
func NewWatcher(proc Processor, opts Options) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MinFileAge < 0 {
		opts.MinFileAge = 0
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Watcher{
		proc:  proc,
		opts:  opts,
		queue: NewQueue(opts.Inbox, opts.MinFileAge),
		log:   opts.Logger.With("inbox", opts.Inbox),
	}
}

// Run watches until ctx is cancelled. A second watcher on the same inbox
// fails with StateActive.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.opts.Inbox, 0o755); err != nil {
		return err
	}
	for _, sub := range []domain.RunStatus{domain.RunDone, domain.RunFailed, domain.RunFrozen} {
		if err := os.MkdirAll(filepath.Join(w.opts.Outbox, string(sub)), 0o755); err != nil {
			return err
		}
	}

	lock, err := fsutil.TryLock(filepath.Join(w.opts.Inbox, ".lock"))
	if errors.Is(err, fsutil.ErrLocked) {
		return domain.Errorf(domain.KindStateActive, "watch", "another watcher owns %s", w.opts.Inbox)
	}
	if err != nil {
		return err
	}
	defer lock.Release()

	wake := make(chan struct{}, 1)
	if fw, err := fsnotify.NewWatcher(); err != nil {
		w.log.Warn("filesystem events unavailable, polling only", "error", err)
	} else {
		defer fw.Close()
		if err := fw.Add(w.opts.Inbox); err != nil {
			w.log.Warn("filesystem events unavailable, polling only", "error", err)
		} else {
			go forwardEvents(ctx, fw, wake, w.log)
		}
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.log.Info("watching inbox", "outbox", w.opts.Outbox, "poll", w.opts.PollInterval, "min_age", w.opts.MinFileAge)
	for {
		processed, err := w.step(ctx)
		if ctx.Err() != nil {
			w.log.Info("watch stopped")
			return nil
		}
		if err != nil {
			w.log.Error("inbox poll failed", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info("watch stopped")
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// forwardEvents turns create and write events on markdown files into
// non-blocking wakeups. Polling stays authoritative.
func forwardEvents(ctx context.Context, fw *fsnotify.Watcher, wake chan<- struct{}, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || filepath.Ext(ev.Name) != ".md" {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Debug("fsnotify error", "error", err)
		}
	}
}

// step scans the inbox and processes the head file if it is claimable
func (w *Watcher) step(ctx context.Context) (bool, error) {
	now := w.opts.Now()
	if err := w.queue.Scan(now); err != nil {
		return false, err
	}
	if w.opts.OnPending != nil {
		w.opts.OnPending(len(w.queue.Pending()))
	}
	if now.Before(w.pausedUntil) {
		return false, nil
	}
	item, ok := w.queue.Head(now)
	if !ok {
		return false, nil
	}

	w.log.Info("processing task", "file", item.Name)
	res, err := w.process(ctx, item.Path)
	if ctx.Err() != nil {
		w.log.Info("interrupted, leaving task in inbox", "file", item.Name)
		return true, nil
	}
	if err != nil {
		w.retryOrGiveUp(item, err)
		return true, nil
	}

	if res.Status == domain.RunFrozen && res.ResumeAfter.After(now) {
		w.pausedUntil = res.ResumeAfter
		w.log.Warn("backend quota exhausted, pausing inbox", "until", res.ResumeAfter)
	}
	w.archive(item, res.Status, item.Name)
	return true, nil
}

func (w *Watcher) process(ctx context.Context, path string) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("task processor panicked", "file", filepath.Base(path), "panic", r)
			res, err = Result{Status: domain.RunFailed}, nil
		}
	}()
	res, err = w.proc.Process(ctx, path)
	if err == nil && (res.Status == domain.RunRunning || !res.Status.Valid()) {
		err = fmt.Errorf("processor returned non-terminal status %q", res.Status)
	}
	return res, err
}

// retryOrGiveUp counts a processor error in a sidecar file next to the task
// and moves the task to the failed outbox once MaxAttempts is reached
func (w *Watcher) retryOrGiveUp(item Item, cause error) {
	sidecar := item.Path + ".attempts"
	attempts := readAttempts(sidecar) + 1
	if attempts < w.opts.MaxAttempts {
		if err := fsutil.WriteFileAtomic(sidecar, []byte(strconv.Itoa(attempts)), 0o644); err != nil {
			w.log.Warn("recording attempt", "file", item.Name, "error", err)
		}
		w.log.Warn("task failed, leaving in inbox for retry", "file", item.Name,
			"attempt", attempts, "max", w.opts.MaxAttempts, "error", cause)
		return
	}
	w.log.Error("task failed too often, giving up", "file", item.Name, "attempts", attempts, "error", cause)
	w.archive(item, domain.RunFailed, item.Name+".poison")
}

// archive moves the task into the outbox for status and drops its attempt
// counter. A failed move is remembered so the queue can continue with the
// next file.
func (w *Watcher) archive(item Item, status domain.RunStatus, name string) bool {
	dest, err := ArchiveAs(item.Path, filepath.Join(w.opts.Outbox, string(status)), name, w.opts.Now())
	if err != nil {
		w.log.Error("moving task to outbox failed, skipping it", "file", item.Name, "error", err)
		w.queue.Skip(item.Path)
		return false
	}
	w.queue.Remove(item.Path)
	if err := os.Remove(item.Path + ".attempts"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.log.Warn("removing attempt counter", "file", item.Name, "error", err)
	}
	w.log.Info("task archived", "file", item.Name, "status", status, "to", dest)
	return true
}

func readAttempts(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
