package inbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/fsutil"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func writeTask(t *testing.T, dir, name string, mod time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("# "+name+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
	return path
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type recorder struct {
	order   []string
	results map[string]Result
	errs    map[string]error
	panics  map[string]bool
}

func (r *recorder) Process(_ context.Context, path string) (Result, error) {
	name := filepath.Base(path)
	r.order = append(r.order, name)
	if r.panics[name] {
		panic("boom")
	}
	if err := r.errs[name]; err != nil {
		return Result{}, err
	}
	if res, ok := r.results[name]; ok {
		return res, nil
	}
	return Result{Status: domain.RunDone}, nil
}

func newTestWatcher(t *testing.T, proc Processor, c *clock) (*Watcher, string, string) {
	t.Helper()
	root := t.TempDir()
	in := filepath.Join(root, "inbox")
	out := filepath.Join(root, "outbox")
	if err := os.MkdirAll(in, 0o755); err != nil {
		t.Fatal(err)
	}
	w := NewWatcher(proc, Options{
		Inbox:       in,
		Outbox:      out,
		MinFileAge:  time.Second,
		MaxAttempts: 2,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:         c.Now,
	})
	return w, in, out
}

func archived(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestQueueOrdersByFirstObservedModTime(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue(dir, time.Second)

	writeTask(t, dir, "b.md", base.Add(-5*time.Second))
	writeTask(t, dir, "a.md", base.Add(-10*time.Second))
	writeTask(t, dir, ".hidden.md", base.Add(-20*time.Second))
	writeTask(t, dir, "notes.txt", base.Add(-20*time.Second))
	if err := q.Scan(base); err != nil {
		t.Fatal(err)
	}

	// a.md is rewritten after b.md was seen; it keeps its place
	writeTask(t, dir, "a.md", base.Add(-2*time.Second))
	if err := q.Scan(base); err != nil {
		t.Fatal(err)
	}

	pending := q.Pending()
	if len(pending) != 2 || pending[0].Name != "a.md" || pending[1].Name != "b.md" {
		t.Fatalf("Pending() = %+v", pending)
	}
	if !pending[0].ModTime.Equal(base.Add(-2 * time.Second)) {
		t.Errorf("ModTime not refreshed: %v", pending[0].ModTime)
	}
}

func TestQueueHeadWaitsForStableHead(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue(dir, time.Second)

	writeTask(t, dir, "z.md", base.Add(-time.Minute))
	writeTask(t, dir, "a.md", base.Add(-2*time.Minute))
	if err := q.Scan(base); err != nil {
		t.Fatal(err)
	}
	if head, ok := q.Head(base); !ok || head.Name != "a.md" {
		t.Fatalf("Head() = %+v, %v, want a.md", head, ok)
	}

	// the head is being rewritten; z.md is stable but must wait behind it
	writeTask(t, dir, "a.md", base.Add(-100*time.Millisecond))
	if err := q.Scan(base); err != nil {
		t.Fatal(err)
	}
	if head, ok := q.Head(base); ok {
		t.Fatalf("Head() = %s while the queue head is still being written", head.Name)
	}
	if head, ok := q.Head(base.Add(time.Second)); !ok || head.Name != "a.md" {
		t.Fatalf("Head() after settling = %+v, %v", head, ok)
	}

	q.Skip(filepath.Join(dir, "a.md"))
	if head, ok := q.Head(base); !ok || head.Name != "z.md" {
		t.Fatalf("Head() with a.md skipped = %+v, %v", head, ok)
	}
}

func TestArchiveNamesAndCollisions(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "done")
	now := time.Date(2026, 3, 1, 12, 0, 0, 123_000_000, time.UTC)

	first, err := Archive(writeTask(t, root, "task.md", base), out, now)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Archive(writeTask(t, root, "task.md", base), out, now)
	if err != nil {
		t.Fatal(err)
	}
	third, err := ArchiveAs(writeTask(t, root, "task.md", base), out, "task.md.poison", now)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"20260301T120000.123Z_task.md",
		"20260301T120000.123Z_task_1.md",
		"20260301T120000.123Z_task.md.poison",
	}
	for i, got := range []string{first, second, third} {
		if filepath.Base(got) != want[i] {
			t.Errorf("archive %d = %s, want %s", i, filepath.Base(got), want[i])
		}
	}
	if _, err := os.Stat(filepath.Join(root, "task.md")); !os.IsNotExist(err) {
		t.Error("source still present after archive")
	}
}

func TestWatcherProcessesInFIFOOrder(t *testing.T) {
	c := &clock{now: base}
	rec := &recorder{results: map[string]Result{"b.md": {Status: domain.RunFailed}}}
	w, in, out := newTestWatcher(t, rec, c)

	writeTask(t, in, "b.md", base.Add(-5*time.Second))
	writeTask(t, in, "a.md", base.Add(-10*time.Second))

	for i := 0; i < 3; i++ {
		if _, err := w.step(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	if len(rec.order) != 2 || rec.order[0] != "a.md" || rec.order[1] != "b.md" {
		t.Fatalf("order = %v, want [a.md b.md]", rec.order)
	}
	if got := archived(t, filepath.Join(out, "done")); len(got) != 1 || filepath.Ext(got[0]) != ".md" {
		t.Errorf("done outbox = %v", got)
	}
	if got := archived(t, filepath.Join(out, "failed")); len(got) != 1 {
		t.Errorf("failed outbox = %v", got)
	}
	if got := archived(t, in); len(got) != 0 {
		t.Errorf("inbox not drained: %v", got)
	}
}

func TestWatcherSkipsUnstableFiles(t *testing.T) {
	c := &clock{now: base}
	rec := &recorder{}
	w, in, _ := newTestWatcher(t, rec, c)
	writeTask(t, in, "fresh.md", base.Add(-100*time.Millisecond))

	processed, err := w.step(context.Background())
	if err != nil || processed {
		t.Fatalf("step() = %v, %v on an unstable file", processed, err)
	}
	c.now = base.Add(2 * time.Second)
	if processed, _ := w.step(context.Background()); !processed {
		t.Fatal("stable file not processed")
	}
}

func TestWatcherPanicArchivesAsFailed(t *testing.T) {
	c := &clock{now: base}
	rec := &recorder{panics: map[string]bool{"bad.md": true}}
	w, in, out := newTestWatcher(t, rec, c)
	writeTask(t, in, "bad.md", base.Add(-time.Minute))

	if _, err := w.step(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := archived(t, filepath.Join(out, "failed")); len(got) != 1 {
		t.Errorf("failed outbox = %v", got)
	}
}

func TestWatcherRetriesProcessorErrorsThenGivesUp(t *testing.T) {
	c := &clock{now: base}
	rec := &recorder{errs: map[string]error{"dirty.md": errors.New("git tree not clean")}}
	w, in, out := newTestWatcher(t, rec, c)
	writeTask(t, in, "dirty.md", base.Add(-time.Minute))

	w.step(context.Background())
	if got := archived(t, in); len(got) != 2 {
		t.Fatalf("inbox after first failure = %v, want task and sidecar", got)
	}
	if n := readAttempts(filepath.Join(in, "dirty.md.attempts")); n != 1 {
		t.Errorf("attempts = %d", n)
	}

	w.step(context.Background())
	if got := archived(t, in); len(got) != 0 {
		t.Errorf("inbox after giving up = %v", got)
	}
	got := archived(t, filepath.Join(out, "failed"))
	if len(got) != 1 || filepath.Ext(got[0]) != ".poison" {
		t.Errorf("failed outbox = %v", got)
	}
}

func TestWatcherClearsAttemptsAfterSuccess(t *testing.T) {
	c := &clock{now: base}
	rec := &recorder{errs: map[string]error{"a.md": errors.New("git tree not clean")}}
	w, in, out := newTestWatcher(t, rec, c)
	writeTask(t, in, "a.md", base.Add(-time.Minute))

	w.step(context.Background())
	delete(rec.errs, "a.md")
	w.step(context.Background())
	if got := archived(t, in); len(got) != 0 {
		t.Fatalf("inbox after success = %v, want empty", got)
	}
	if got := archived(t, filepath.Join(out, "done")); len(got) != 1 {
		t.Fatalf("done outbox = %v", got)
	}

	// a new task with the same name starts with a fresh counter
	rec.errs["a.md"] = errors.New("git tree not clean")
	c.now = base.Add(time.Minute)
	writeTask(t, in, "a.md", c.now.Add(-time.Minute))
	w.step(context.Background())
	if got := archived(t, in); len(got) != 2 {
		t.Errorf("inbox after one failure of new task = %v, want task and sidecar", got)
	}
	if n := readAttempts(filepath.Join(in, "a.md.attempts")); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
	if got := archived(t, filepath.Join(out, "failed")); len(got) != 0 {
		t.Errorf("failed outbox = %v, want empty", got)
	}
}

func TestWatcherLeavesInterruptedTaskInInbox(t *testing.T) {
	c := &clock{now: base}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := ProcessorFunc(func(ctx context.Context, path string) (Result, error) {
		cancel()
		return Result{}, ctx.Err()
	})
	w, in, _ := newTestWatcher(t, proc, c)
	writeTask(t, in, "long.md", base.Add(-time.Minute))

	w.step(ctx)
	if got := archived(t, in); len(got) != 1 || got[0] != "long.md" {
		t.Errorf("inbox = %v, want the interrupted task untouched", got)
	}
}

func TestWatcherPausesAfterFreeze(t *testing.T) {
	c := &clock{now: base}
	rec := &recorder{results: map[string]Result{
		"a.md": {Status: domain.RunFrozen, ResumeAfter: base.Add(time.Hour)},
	}}
	w, in, out := newTestWatcher(t, rec, c)
	writeTask(t, in, "a.md", base.Add(-2*time.Minute))
	writeTask(t, in, "b.md", base.Add(-time.Minute))

	w.step(context.Background())
	w.step(context.Background())
	if len(rec.order) != 1 {
		t.Fatalf("processed %v during the pause", rec.order)
	}
	if got := archived(t, filepath.Join(out, "frozen")); len(got) != 1 {
		t.Errorf("frozen outbox = %v", got)
	}

	c.now = base.Add(time.Hour)
	w.step(context.Background())
	if len(rec.order) != 2 || rec.order[1] != "b.md" {
		t.Errorf("order after pause = %v", rec.order)
	}
}

func TestWatcherSkipsFileItCannotArchive(t *testing.T) {
	c := &clock{now: base}
	rec := &recorder{}
	w, in, out := newTestWatcher(t, rec, c)
	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatal(err)
	}
	// a regular file where the done outbox should be
	if err := os.WriteFile(filepath.Join(out, "done"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	writeTask(t, in, "a.md", base.Add(-2*time.Minute))
	writeTask(t, in, "b.md", base.Add(-time.Minute))

	w.step(context.Background())
	w.step(context.Background())
	w.step(context.Background())
	if len(rec.order) != 2 || rec.order[0] != "a.md" || rec.order[1] != "b.md" {
		t.Errorf("order = %v, want each file processed once", rec.order)
	}
}

func TestWatcherRejectsSecondInstance(t *testing.T) {
	c := &clock{now: base}
	w, in, _ := newTestWatcher(t, &recorder{}, c)

	lock, err := fsutil.TryLock(filepath.Join(in, ".lock"))
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	err = w.Run(context.Background())
	if !errors.Is(err, domain.ErrStateActive) {
		t.Errorf("Run() = %v, want StateActive", err)
	}
}

func TestWatcherRunStopsOnCancel(t *testing.T) {
	c := &clock{now: base}
	w, _, _ := newTestWatcher(t, &recorder{}, c)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("Run() = %v", err)
	}
}
