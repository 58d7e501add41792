package preflight

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/gateway"
)

func testRoster() gateway.Roster {
	gemini := gateway.Backend{Name: "gemini", Command: []string{"gemini"}}
	return gateway.Roster{
		domain.RolePlanner:      {Primary: gateway.Backend{Name: "claude", Command: []string{"claude", "-p"}}},
		domain.RolePlanReviewer: {Primary: gateway.Backend{Name: "codex", Command: []string{"codex", "exec"}}, Alternate: &gemini},
	}
}

func TestBinaries(t *testing.T) {
	installed := map[string]bool{"claude": true, "codex": true}
	c := &Checker{LookPath: func(bin string) (string, error) {
		if installed[bin] {
			return "/usr/bin/" + bin, nil
		}
		return "", exec.ErrNotFound
	}}

	if err := c.Binaries(testRoster(), false); err != nil {
		t.Errorf("Binaries() without alternates = %v", err)
	}

	err := c.Binaries(testRoster(), true)
	if !errors.Is(err, domain.ErrPreflight) {
		t.Fatalf("Binaries() with alternates = %v, want preflight error", err)
	}
	if !strings.Contains(err.Error(), "gemini") {
		t.Errorf("error should name the missing binary: %v", err)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-c", "user.email=test@example.com", "-c", "user.name=test"}, args...)...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q")
	writeFile(t, filepath.Join(dir, "README.md"), "hello\n")
	run("add", "README.md")
	run("commit", "-q", "-m", "init")
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestGitClean(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	c := &Checker{Dir: dir, Exclude: []string{filepath.Join(dir, ".duo-orchestrator"), "artifacts"}}

	if err := c.GitClean(ctx); err != nil {
		t.Fatalf("clean repo: %v", err)
	}

	writeFile(t, filepath.Join(dir, ".duo-orchestrator", "runs", "state.json"), "{}")
	writeFile(t, filepath.Join(dir, "artifacts", "runs", "x", "00_task.md"), "task")
	if err := c.GitClean(ctx); err != nil {
		t.Errorf("excluded paths should not count as dirty: %v", err)
	}

	writeFile(t, filepath.Join(dir, "README.md"), "changed\n")
	err := c.GitClean(ctx)
	if !errors.Is(err, domain.ErrPreflight) || !strings.Contains(err.Error(), "README.md") {
		t.Errorf("dirty repo: %v", err)
	}
}

func TestGitCleanSkipsOutsideRepo(t *testing.T) {
	c := &Checker{Dir: t.TempDir()}
	if err := c.GitClean(context.Background()); err != nil {
		t.Errorf("non-repo dir should be skipped: %v", err)
	}
	if got := c.Snapshot(context.Background()); got != "" {
		t.Errorf("Snapshot() outside repo = %q", got)
	}
}

func TestSnapshot(t *testing.T) {
	dir := initRepo(t)
	c := &Checker{Dir: dir}

	if got := c.Snapshot(context.Background()); !strings.Contains(got, "(clean)") {
		t.Errorf("clean snapshot = %q", got)
	}

	writeFile(t, filepath.Join(dir, "README.md"), "hello\nworld\n")
	writeFile(t, filepath.Join(dir, "main.go"), "package main\n")
	got := c.Snapshot(context.Background())
	for _, want := range []string{"M README.md", "?? main.go", "git diff --stat HEAD:", "1 file changed"} {
		if !strings.Contains(got, want) {
			t.Errorf("snapshot missing %q:\n%s", want, got)
		}
	}
}
