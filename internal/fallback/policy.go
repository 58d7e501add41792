// Package fallback decides what happens when a backend reports that its
// quota is exhausted: substitute the role's alternate backend for the current
// step, or freeze the run until an operator (or the resume schedule) says
// otherwise.
package fallback

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/gateway"
)

// Decision is the outcome of a quota-limited call
type Decision struct {
	// Substitute is the backend to use for the rest of the step; nil means freeze
	Substitute *gateway.Backend
	Reason     string
}

// Freeze reports whether the run must stop
func (d Decision) Freeze() bool {
	return d.Substitute == nil
}

// Policy holds the fallback settings of a run
type Policy struct {
	allow    bool
	schedule cron.Schedule
}

// New creates a policy. An empty schedule means frozen runs have no
// automatic resume time.
func New(allow bool, resumeSchedule string) (*Policy, error) {
	p := &Policy{allow: allow}
	if strings.TrimSpace(resumeSchedule) != "" {
		sched, err := ParseCron(resumeSchedule)
		if err != nil {
			return nil, fmt.Errorf("invalid resume schedule: %w", err)
		}
		p.schedule = sched
	}
	return p, nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(expr)
}

// Allowed reports whether alternates may be used at all
func (p *Policy) Allowed() bool {
	return p.allow
}

// OnQuota decides how to continue after the backend named limited hit its
// quota while serving role. substituted is true when limited is already the
// alternate.
func (p *Policy) OnQuota(role domain.Role, pair gateway.Pair, limited string, substituted bool) Decision {
	switch {
	case substituted:
		return Decision{Reason: fmt.Sprintf("alternate %s for %s is also quota-limited", limited, role)}
	case pair.Alternate == nil:
		return Decision{Reason: fmt.Sprintf("no alternate configured for %s", role)}
	case !p.allow:
		return Decision{Reason: fmt.Sprintf("fallback for %s is not permitted", role)}
	}
	alt := *pair.Alternate
	return Decision{
		Substitute: &alt,
		Reason:     fmt.Sprintf("%s quota-limited, using %s for this %s step", limited, alt.Name, role),
	}
}

// FreezeInfo builds the freeze record, including the earliest automatic
// resume time when a schedule is configured
func (p *Policy) FreezeInfo(role domain.Role, backend, detail string, now time.Time) *domain.FreezeInfo {
	info := &domain.FreezeInfo{
		Role:     role,
		Backend:  backend,
		Detail:   gateway.Shorten(detail, 600),
		FrozenAt: now.UTC(),
	}
	if p.schedule != nil {
		info.ResumeAfter = p.schedule.Next(now).UTC()
	}
	return info
}

// ResumeAllowed reports whether a frozen run may resume at now
func ResumeAllowed(info *domain.FreezeInfo, now time.Time) bool {
	return info == nil || info.ResumeAfter.IsZero() || !now.Before(info.ResumeAfter)
}
