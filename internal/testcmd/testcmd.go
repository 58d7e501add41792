// Package testcmd runs the user's test command between implementation and
// review.
package testcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// OutputLimit bounds the captured output kept for prompts and transcripts
const OutputLimit = 7000

// Result is the outcome of one test run
type Result struct {
	ExitCode int
	// Report starts with "Exit code: N" followed by bounded output
	Report   string
	Duration time.Duration
}

// Passed reports whether the command exited zero
func (r Result) Passed() bool {
	return r.ExitCode == 0
}

// Runner runs the configured test command
type Runner interface {
	Run(ctx context.Context) Result
}

// Shell runs Command through sh -c so pipelines work
type Shell struct {
	Command string
	Timeout time.Duration
	Dir     string
}

// Run executes the command. Timeouts and start errors are reported as a
// non-zero exit code rather than an error.
func (s *Shell) Run(ctx context.Context) Result {
	start := time.Now()
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", s.Command)
	cmd.Dir = s.Dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		code = 124
		out.WriteString(fmt.Sprintf("\n[timeout] test command exceeded %s", s.Timeout))
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
		if code < 0 {
			code = 1
		}
	case err != nil:
		code = 1
		out.WriteString("\n" + err.Error())
	}

	return Result{
		ExitCode: code,
		Report:   fmt.Sprintf("Exit code: %d\n%s", code, shorten(out.String(), OutputLimit)),
		Duration: time.Since(start),
	}
}

func shorten(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	return text[:limit] + " ...[truncated]"
}
