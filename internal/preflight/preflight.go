// Package preflight checks the environment before a run starts or resumes.
package preflight

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/gateway"
)

const snapshotLimit = 8000

// Checker runs the preflight checks for one project
type Checker struct {
	// Dir is the project root the git checks run in
	Dir string
	// Exclude lists paths (relative to Dir or absolute) that may be dirty,
	// typically the orchestrator's own state and artifact directories
	Exclude []string
	// LookPath resolves a binary; exec.LookPath when nil
	LookPath func(string) (string, error)
}

// Binaries fails when any executable the roster needs is missing from PATH
func (c *Checker) Binaries(roster gateway.Roster, withAlternates bool) error {
	lookPath := c.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	var missing []string
	for _, bin := range roster.Binaries(withAlternates) {
		if _, err := lookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	if len(missing) > 0 {
		return domain.Errorf(domain.KindPreflight, "preflight", "backend binaries not found on PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}

// GitClean fails when the working tree has uncommitted changes outside the
// excluded paths. A directory that is not a git repository, or a missing
// git binary, skips the check.
func (c *Checker) GitClean(ctx context.Context) error {
	if _, err := exec.LookPath("git"); err != nil {
		return nil
	}
	if !c.isRepo(ctx) {
		return nil
	}

	args := []string{"status", "--porcelain", "--", "."}
	for _, ex := range c.Exclude {
		if rel := c.relative(ex); rel != "" {
			args = append(args, ":(exclude)"+rel)
		}
	}
	out, err := c.git(ctx, args...)
	if err != nil {
		return domain.Errorf(domain.KindPreflight, "preflight", "git status: %v", err)
	}
	if dirty := strings.TrimSpace(out); dirty != "" {
		return domain.Errorf(domain.KindPreflight, "preflight", "working tree has uncommitted changes (use --skip-git-check to override):\n%s", gateway.Shorten(dirty, 1000))
	}
	return nil
}

// Snapshot describes the working tree for the code reviewer: short status
// plus a diff stat against HEAD. Returns "" outside a git repository.
func (c *Checker) Snapshot(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if !c.isRepo(ctx) {
		return ""
	}
	status, err := c.git(ctx, "status", "--short")
	if err != nil {
		return ""
	}
	stat, _ := c.git(ctx, "diff", "--stat", "HEAD")

	var b strings.Builder
	b.WriteString("git status --short:\n")
	if s := strings.TrimSpace(status); s != "" {
		b.WriteString(s)
	} else {
		b.WriteString("(clean)")
	}
	if s := strings.TrimSpace(stat); s != "" {
		b.WriteString("\n\ngit diff --stat HEAD:\n")
		b.WriteString(s)
	}
	return gateway.Shorten(b.String(), snapshotLimit)
}

func (c *Checker) isRepo(ctx context.Context) bool {
	out, err := c.git(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

func (c *Checker) relative(path string) string {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(filepath.Clean(path))
	}
	dir := c.Dir
	if dir == "" {
		dir = "."
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(absDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (c *Checker) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && stderr.Len() > 0 {
			return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return "", err
	}
	return stdout.String(), nil
}
