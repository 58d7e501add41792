package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
)

const errorTruncationLimit = 1200

// ExecRunner runs backends as local processes
type ExecRunner struct{}

// NewExecRunner creates a process-backed Invoker
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Invoke runs b with prompt and waits for the process to exit. The process
// is killed when ctx is cancelled or the backend timeout passes.
func (r *ExecRunner) Invoke(ctx context.Context, b Backend, prompt string) Result {
	start := time.Now()
	res := Result{Backend: b.Name}

	if len(b.Command) == 0 {
		res.Err = fmt.Errorf("backend %s has no command", b.Name)
		res.Outcome = domain.OutcomeFailure
		return res
	}

	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	args := append([]string(nil), b.Command[1:]...)
	var outFile string
	if b.OutputFileFlag != "" {
		f, err := os.CreateTemp("", "duo-orch-"+b.Name+"-*.txt")
		if err != nil {
			res.Err = fmt.Errorf("creating output file: %w", err)
			res.Outcome = domain.OutcomeFailure
			return res
		}
		outFile = f.Name()
		f.Close()
		defer os.Remove(outFile)
		args = append(args, b.OutputFileFlag, outFile)
	}
	if !b.Stdin {
		args = append(args, prompt)
	}

	cmd := exec.CommandContext(ctx, b.Command[0], args...)
	cmd.Dir = b.Dir
	cmd.Env = os.Environ()
	for k, v := range b.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if b.Stdin {
		cmd.Stdin = strings.NewReader(prompt)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	// Grandchildren holding the pipes open must not block us past a kill
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		res.Err = fmt.Errorf("starting %s: %w", b.Command[0], err)
		res.Outcome = domain.OutcomeFailure
		res.Duration = time.Since(start)
		return res
	}
	waitErr := cmd.Wait()
	res.Duration = time.Since(start)

	res.Output = strings.TrimSpace(outBuf.String())
	res.Stderr = strings.TrimSpace(errBuf.String())
	if outFile != "" {
		if data, err := os.ReadFile(outFile); err == nil && strings.TrimSpace(string(data)) != "" {
			res.Output = strings.TrimSpace(string(data))
		}
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		res.ExitCode = -1
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Err = fmt.Errorf("%s timed out after %s", b.Name, b.Timeout)
		} else {
			res.Err = ctx.Err()
		}
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Err = fmt.Errorf("%s failed: %s", b.Name, Shorten(firstNonEmpty(res.Stderr, res.Output, "unknown CLI error without output"), errorTruncationLimit))
	case waitErr != nil:
		res.ExitCode = -1
		res.Err = waitErr
	case res.Output == "":
		res.Err = fmt.Errorf("%s returned empty output", b.Name)
	}

	res.Outcome = Classify(res.ExitCode, res.Output, res.Stderr, res.Err)
	if res.Outcome == domain.OutcomeSuccess {
		res.Err = nil
	}
	return res
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
