package machine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/gateway"
	"github.com/hochfrequenz/duo-orchestrator/internal/markers"
)

type step struct {
	role  domain.Role
	phase domain.Phase
	cycle int
}

func (s step) logPrefix(backend string) string {
	return fmt.Sprintf("%s-cycle%02d-%s-%s", s.phase, s.cycle, s.role, backend)
}

type reply struct {
	backend string
	output  string
	signals markers.Signals
}

// call sends prompt to the backend of s.role until a reply passes validate.
// Failures and rejected replies are retried with backoff; a quota outcome
// switches to the alternate for this step without using up an attempt, or
// freezes the run.
func (m *Machine) call(ctx context.Context, work *domain.RunState, s step, prompt string, validate func(markers.Signals) error) (reply, error) {
	pair, ok := m.Roster[s.role]
	if !ok {
		return reply{}, fmt.Errorf("no backend configured for %s", s.role)
	}
	backend := pair.Primary
	substitutedFor := ""
	attempts := m.cfg.MaxRetries + 1

	var (
		errs     []string
		lastKind = domain.KindTransient
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		sent := prompt
		if len(errs) > 0 {
			var err error
			if sent, err = m.Prompts.BuildRetryPrompt(prompt, errs); err != nil {
				return reply{}, err
			}
		}

		started := m.Now()
		res := m.Invoker.Invoke(ctx, backend, sent)
		rec := domain.InvocationRecord{
			ID:             uuid.NewString(),
			Role:           s.role,
			Backend:        backend.Name,
			SubstitutedFor: substitutedFor,
			Phase:          s.phase,
			Cycle:          s.cycle,
			Attempt:        attempt,
			PromptDigest:   digest(sent),
			Output:         res.Output,
			ExitCode:       res.ExitCode,
			Outcome:        res.Outcome,
			StartedAt:      started.UTC(),
			Duration:       res.Duration,
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		if m.Artifacts != nil {
			rec.LogPath = m.Artifacts.LogPath(s.logPrefix(backend.Name), attempt)
			if err := m.Artifacts.WriteLog(rec.LogPath, sent, res.Output, res.Stderr); err != nil {
				m.Logger.Warn("writing invocation log", "path", rec.LogPath, "error", err)
			}
		}

		if ctx.Err() != nil {
			rec.Outcome = domain.OutcomeFailure
			rec.Error = ctx.Err().Error()
			m.addRecord(work, rec)
			return reply{}, ctx.Err()
		}

		switch res.Outcome {
		case domain.OutcomeQuotaLimited:
			m.addRecord(work, rec)
			d := m.Policy.OnQuota(s.role, pair, backend.Name, substitutedFor != "")
			if d.Freeze() {
				m.Logger.Warn("quota limited, freezing", "role", s.role, "backend", backend.Name, "reason", d.Reason)
				return reply{}, &freezeError{info: m.Policy.FreezeInfo(s.role, backend.Name, failureText(res), m.Now())}
			}
			m.Logger.Warn("quota limited, using alternate", "role", s.role, "reason", d.Reason)
			substitutedFor = backend.Name
			backend = *d.Substitute
			attempt--
			continue

		case domain.OutcomeSuccess:
			sig := markers.Parse(res.Output)
			err := validate(sig)
			if err == nil {
				m.addRecord(work, rec)
				return reply{backend: backend.Name, output: res.Output, signals: sig}, nil
			}
			rec.Outcome = domain.OutcomeRejected
			rec.Error = err.Error()
			errs = append(errs, err.Error())
			lastKind = domain.KindOf(err)
			m.Logger.Warn("reply rejected", "role", s.role, "backend", backend.Name, "attempt", attempt, "error", err)

		default:
			errs = append(errs, failureText(res))
			lastKind = domain.KindTransient
			m.Logger.Warn("invocation failed", "role", s.role, "backend", backend.Name, "attempt", attempt,
				"exit_code", res.ExitCode, "error", rec.Error)
		}
		m.addRecord(work, rec)

		if attempt < attempts {
			if err := m.Sleep(ctx, gateway.Backoff(attempt)); err != nil {
				return reply{}, err
			}
		}
	}
	return reply{}, &domain.Error{
		Kind: lastKind,
		Op:   string(s.role),
		Err:  fmt.Errorf("no acceptable reply from %s after %d attempts: %s", backend.Name, attempts, errs[len(errs)-1]),
	}
}

func (m *Machine) addRecord(work *domain.RunState, rec domain.InvocationRecord) {
	work.History = append(work.History, rec)
	m.Observer.Invocation(work, rec)
}

func failureText(res gateway.Result) string {
	switch {
	case res.Err != nil:
		return res.Err.Error()
	case res.Stderr != "":
		return gateway.Shorten(res.Stderr, 600)
	case res.ExitCode != 0:
		return fmt.Sprintf("exit code %d", res.ExitCode)
	default:
		return "empty output"
	}
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
