// Package gateway invokes text-generating backends as subprocesses and
// classifies each call as success, quota-limited or failure.
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
)

// Backend describes how to run one backend CLI
type Backend struct {
	Name string
	// Command is the argv; the prompt goes to stdin or is appended as the last argument
	Command []string
	Stdin   bool
	// OutputFileFlag, when set, is passed with a temp file path and the
	// reply is read from that file instead of stdout
	OutputFileFlag string
	Env            map[string]string
	Timeout        time.Duration
	Dir            string
}

// Result is the captured outcome of one invocation
type Result struct {
	Backend  string
	Output   string
	Stderr   string
	ExitCode int
	Outcome  domain.Outcome
	Err      error
	Duration time.Duration
}

// Invoker runs a prompt against a backend
type Invoker interface {
	Invoke(ctx context.Context, b Backend, prompt string) Result
}

// Pair is the primary and optional alternate backend of a role
type Pair struct {
	Primary   Backend
	Alternate *Backend
}

// Roster maps every role to its backends. It is resolved once at startup.
type Roster map[domain.Role]Pair

// Binaries returns the executables a run needs, alternates included only
// when withAlternates is set
func (r Roster) Binaries(withAlternates bool) []string {
	seen := make(map[string]bool)
	var bins []string
	add := func(b Backend) {
		if len(b.Command) == 0 || seen[b.Command[0]] {
			return
		}
		seen[b.Command[0]] = true
		bins = append(bins, b.Command[0])
	}
	for _, role := range domain.Roles {
		p, ok := r[role]
		if !ok {
			continue
		}
		add(p.Primary)
		if withAlternates && p.Alternate != nil {
			add(*p.Alternate)
		}
	}
	return bins
}

var quotaMarkers = []string{
	"quota",
	"hit your limit",
	"usage cap",
	"rate limit",
	"rate-limit",
	"too many requests",
	"429",
	"insufficient credits",
	"credit balance is too low",
	"usage limit",
	"resource exhausted",
	"resource_exhausted",
}

// IsQuotaLimited reports whether text looks like a quota or rate-limit error
func IsQuotaLimited(text string) bool {
	raw := strings.ToLower(text)
	for _, m := range quotaMarkers {
		if strings.Contains(raw, m) {
			return true
		}
	}
	return false
}

// Classify derives the outcome of a finished process. Quota markers are only
// searched when the call did not succeed, so a reply that merely discusses
// rate limiting is not mistaken for one.
func Classify(exitCode int, output, stderr string, runErr error) domain.Outcome {
	ok := runErr == nil && exitCode == 0 && strings.TrimSpace(output) != ""
	if ok {
		return domain.OutcomeSuccess
	}
	if IsQuotaLimited(stderr) || IsQuotaLimited(output) {
		return domain.OutcomeQuotaLimited
	}
	return domain.OutcomeFailure
}

// Backoff returns the delay before retry attempt n (1-based): 2s doubling,
// capped at 30s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := 2
	for i := 1; i < attempt && secs < 30; i++ {
		secs *= 2
	}
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// Shorten truncates text to limit bytes, marking the cut
func Shorten(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit] + "\n...[truncated]"
}
