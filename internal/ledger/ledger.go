// Package ledger tracks reviewer findings across cycles and phases.
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/markers"
)

// Ledger is the set of findings of one run. Identifiers are issued in
// strictly increasing order and never reused, also after a finding closes.
type Ledger struct {
	findings []domain.Finding
	index    map[string]int
	next     int
	now      func() time.Time
}

// New returns an empty ledger whose first identifier is F-001
func New() *Ledger {
	return &Ledger{index: make(map[string]int), next: 1, now: time.Now}
}

// Restore rebuilds a ledger from persisted findings
func Restore(findings []domain.Finding, next int) (*Ledger, error) {
	l := New()
	for _, f := range findings {
		id, err := domain.ParseFindingID(f.ID)
		if err != nil {
			return nil, err
		}
		if _, dup := l.index[f.ID]; dup {
			return nil, fmt.Errorf("duplicate finding %s", f.ID)
		}
		l.index[f.ID] = len(l.findings)
		l.findings = append(l.findings, f)
		if id.Seq >= l.next {
			l.next = id.Seq + 1
		}
	}
	if next > l.next {
		l.next = next
	}
	l.sort()
	return l, nil
}

// Snapshot returns a copy of the findings and the next sequence number
func (l *Ledger) Snapshot() ([]domain.Finding, int) {
	return append([]domain.Finding(nil), l.findings...), l.next
}

// NextID returns the identifier the next new finding must use
func (l *Ledger) NextID() string {
	return domain.FindingID{Seq: l.next}.String()
}

// Get returns the finding with the given id
func (l *Ledger) Get(id string) (domain.Finding, bool) {
	i, ok := l.index[id]
	if !ok {
		return domain.Finding{}, false
	}
	return l.findings[i], true
}

// All returns every finding ordered by sequence
func (l *Ledger) All() []domain.Finding {
	return append([]domain.Finding(nil), l.findings...)
}

// Record adds a new open finding under the next identifier. Recording the
// same id with the same description again is a no-op; a different
// description is a conflict.
func (l *Ledger) Record(id, description, acceptanceTest string, phase domain.Phase, cycle int) error {
	fid, err := domain.ParseFindingID(id)
	if err != nil {
		return inconsistency("record", "%v", err)
	}
	if i, ok := l.index[id]; ok {
		if l.findings[i].Description == description {
			return nil
		}
		return inconsistency("record", "finding %s already recorded with a different description", id)
	}
	if fid.Seq < l.next {
		return inconsistency("record", "finding %s reuses an issued identifier (next is %s)", id, l.NextID())
	}
	if fid.Seq > l.next {
		return inconsistency("record", "finding %s skips ahead of the next identifier %s", id, l.NextID())
	}
	l.index[id] = len(l.findings)
	l.findings = append(l.findings, domain.Finding{
		ID:             id,
		Description:    description,
		AcceptanceTest: acceptanceTest,
		Status:         domain.FindingOpen,
		Phase:          phase,
		RaisedCycle:    cycle,
		RaisedAt:       l.now().UTC(),
	})
	l.next = fid.Seq + 1
	return nil
}

// Close marks an open finding as resolved
func (l *Ledger) Close(id string, cycle int, rationale string) error {
	i, ok := l.index[id]
	if !ok {
		return inconsistency("close", "unknown finding %s", id)
	}
	if l.findings[i].Status == domain.FindingClosed {
		return inconsistency("close", "finding %s is already closed", id)
	}
	now := l.now().UTC()
	l.findings[i].Status = domain.FindingClosed
	l.findings[i].ClosedCycle = cycle
	l.findings[i].Rationale = rationale
	l.findings[i].ClosedAt = &now
	return nil
}

// OpenSet returns the open findings in sequence order
func (l *Ledger) OpenSet() []domain.Finding {
	var open []domain.Finding
	for _, f := range l.findings {
		if f.Status == domain.FindingOpen {
			open = append(open, f)
		}
	}
	return open
}

// OpenIDs returns the identifiers of OpenSet
func (l *Ledger) OpenIDs() []string {
	var ids []string
	for _, f := range l.OpenSet() {
		ids = append(ids, f.ID)
	}
	return ids
}

// Reconcile checks that declared is exactly the open set. It never corrects
// the ledger.
func (l *Ledger) Reconcile(declared []string) error {
	want := make(map[string]bool)
	for _, id := range l.OpenIDs() {
		want[id] = true
	}
	got := make(map[string]bool, len(declared))
	var unexpected []string
	for _, id := range declared {
		got[id] = true
		if !want[id] {
			unexpected = append(unexpected, id)
		}
	}
	var missing []string
	for id := range want {
		if !got[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 && len(unexpected) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "open in ledger but not declared: "+strings.Join(missing, ", "))
	}
	if len(unexpected) > 0 {
		parts = append(parts, "declared open but not open in ledger: "+strings.Join(unexpected, ", "))
	}
	return inconsistency("reconcile", "%s", strings.Join(parts, "; "))
}

// Apply records new findings, applies status updates and reconciles the
// declared open list. On any error the ledger is left unchanged.
func (l *Ledger) Apply(sig markers.Signals, phase domain.Phase, cycle int) error {
	findings, next := l.Snapshot()
	rollback := func() {
		restored, _ := Restore(findings, next)
		restored.now = l.now
		*l = *restored
	}

	for _, f := range sig.NewFindings {
		if err := l.Record(f.ID, f.Description, f.AcceptanceTest, phase, cycle); err != nil {
			rollback()
			return err
		}
	}
	for _, u := range sig.StatusUpdates {
		f, ok := l.Get(u.ID)
		if !ok {
			rollback()
			return inconsistency("apply", "status update for unknown finding %s", u.ID)
		}
		if u.Open {
			if f.Status != domain.FindingOpen {
				rollback()
				return inconsistency("apply", "finding %s is closed and cannot be reopened", u.ID)
			}
			continue
		}
		if err := l.Close(u.ID, cycle, u.Rationale); err != nil {
			rollback()
			return err
		}
	}
	if err := l.Reconcile(sig.OpenFindings); err != nil {
		rollback()
		return err
	}
	return nil
}

func (l *Ledger) sort() {
	sort.SliceStable(l.findings, func(i, j int) bool {
		a, _ := domain.ParseFindingID(l.findings[i].ID)
		b, _ := domain.ParseFindingID(l.findings[j].ID)
		return a.Seq < b.Seq
	})
	for i, f := range l.findings {
		l.index[f.ID] = i
	}
}

func inconsistency(op, format string, args ...any) error {
	return domain.Errorf(domain.KindFindingsInconsistency, "ledger "+op, format, args...)
}
