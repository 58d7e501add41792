// Package markers extracts control signals from free-form backend output.
//
// Signals are single lines anchored at the start of a line. Keys are matched
// case-insensitively and the last occurrence of a key wins. Anything between
// <<<NAME_BEGIN>>> and <<<NAME_END>>> is ignored so that quoted task or
// history text can never be mistaken for a signal.
package markers

import (
	"regexp"
	"strings"
)

// Terminal is the line that must close every backend reply
const Terminal = "STATUS: DONE"

// Approval keys per review step
const (
	Phase1Approval      = "PHASE1_APPROVAL"
	Phase2Approval      = "PHASE2_APPROVAL"
	ImplementationReady = "IMPLEMENTATION_READY"
)

// Verdict is a parsed YES/NO flag; the zero value means the flag was absent
type Verdict string

const (
	VerdictNone Verdict = ""
	VerdictYes  Verdict = "YES"
	VerdictNo   Verdict = "NO"
)

var (
	beginRe        = regexp.MustCompile(`(?i)<<<\s*([A-Z_]+)_BEGIN\s*>>>`)
	openFindingsRe = regexp.MustCompile(`(?im)^\s*OPEN_FINDINGS\s*:\s*(.+?)\s*$`)
	statusRe       = regexp.MustCompile(`(?im)^\s*FINDING_STATUS\s*:\s*([A-Za-z0-9_-]+)\s*\|\s*(OPEN|CLOSED)\s*\|(.+)$`)
	newFindingRe   = regexp.MustCompile(`(?im)^\s*NEW_FINDING\s*:\s*([A-Za-z0-9_-]+)\s*\|\s*(.+?)\s*\|\s*(.+?)\s*$`)
)

// NewFinding is a NEW_FINDING line
type NewFinding struct {
	ID             string
	Description    string
	AcceptanceTest string
}

// StatusUpdate is a FINDING_STATUS line
type StatusUpdate struct {
	ID        string
	Open      bool
	Rationale string
}

// Signals holds everything recognised in one reply
type Signals struct {
	Terminal bool
	// Approval maps approval keys to their last verdict
	Approval map[string]Verdict
	// OpenDeclared is false when no OPEN_FINDINGS line was present
	OpenDeclared  bool
	OpenFindings  []string
	NewFindings   []NewFinding
	StatusUpdates []StatusUpdate
}

// Verdict returns the last verdict given for key
func (s Signals) Verdict(key string) Verdict {
	return s.Approval[strings.ToUpper(key)]
}

// StripDelimited removes every <<<NAME_BEGIN>>>...<<<NAME_END>>> block.
// A BEGIN without a matching END is left in place.
func StripDelimited(text string) string {
	var b strings.Builder
	rest := text
	for {
		loc := beginRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			b.WriteString(rest)
			return b.String()
		}
		name := rest[loc[2]:loc[3]]
		endRe := regexp.MustCompile(`(?i)<<<\s*` + regexp.QuoteMeta(name) + `_END\s*>>>`)
		end := endRe.FindStringIndex(rest[loc[1]:])
		if end == nil {
			b.WriteString(rest[:loc[1]])
			rest = rest[loc[1]:]
			continue
		}
		b.WriteString(rest[:loc[0]])
		rest = rest[loc[1]+end[1]:]
	}
}

// Parse extracts all signals from text
func Parse(text string) Signals {
	clean := StripDelimited(text)
	sig := Signals{
		Terminal: hasTerminal(clean),
		Approval: make(map[string]Verdict),
	}

	for _, key := range []string{Phase1Approval, Phase2Approval, ImplementationReady} {
		if v := parseFlag(clean, key); v != VerdictNone {
			sig.Approval[key] = v
		}
	}

	if m := openFindingsRe.FindAllStringSubmatch(clean, -1); len(m) > 0 {
		sig.OpenDeclared = true
		raw := strings.TrimSpace(m[len(m)-1][1])
		if !strings.EqualFold(raw, "NONE") {
			for _, part := range strings.Split(raw, ",") {
				if id := strings.ToUpper(strings.TrimSpace(part)); id != "" {
					sig.OpenFindings = append(sig.OpenFindings, id)
				}
			}
		}
	}

	// Later lines for the same id replace earlier ones
	statusIdx := make(map[string]int)
	for _, m := range statusRe.FindAllStringSubmatch(clean, -1) {
		u := StatusUpdate{
			ID:        strings.ToUpper(strings.TrimSpace(m[1])),
			Open:      strings.EqualFold(m[2], "OPEN"),
			Rationale: strings.TrimSpace(m[3]),
		}
		if i, ok := statusIdx[u.ID]; ok {
			sig.StatusUpdates[i] = u
			continue
		}
		statusIdx[u.ID] = len(sig.StatusUpdates)
		sig.StatusUpdates = append(sig.StatusUpdates, u)
	}

	newIdx := make(map[string]int)
	for _, m := range newFindingRe.FindAllStringSubmatch(clean, -1) {
		f := NewFinding{
			ID:             strings.ToUpper(strings.TrimSpace(m[1])),
			Description:    strings.TrimSpace(m[2]),
			AcceptanceTest: strings.TrimSpace(m[3]),
		}
		if i, ok := newIdx[f.ID]; ok {
			sig.NewFindings[i] = f
			continue
		}
		newIdx[f.ID] = len(sig.NewFindings)
		sig.NewFindings = append(sig.NewFindings, f)
	}

	return sig
}

// HasTerminal reports whether the last non-empty line outside delimited
// blocks is exactly STATUS: DONE
func HasTerminal(text string) bool {
	return hasTerminal(StripDelimited(text))
}

func hasTerminal(clean string) bool {
	lines := strings.Split(clean, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return line == Terminal
	}
	return false
}

func parseFlag(clean, key string) Verdict {
	re := regexp.MustCompile(`(?im)^\s*` + regexp.QuoteMeta(key) + `\s*:\s*(YES|NO)\s*$`)
	m := re.FindAllStringSubmatch(clean, -1)
	if len(m) == 0 {
		return VerdictNone
	}
	return Verdict(strings.ToUpper(m[len(m)-1][1]))
}

// FormatList renders finding ids the way OPEN_FINDINGS expects them
func FormatList(ids []string) string {
	if len(ids) == 0 {
		return "NONE"
	}
	return strings.Join(ids, ", ")
}
