package ledger

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/markers"
)

func TestLedger_RecordAndClose(t *testing.T) {
	l := New()

	if got := l.NextID(); got != "F-001" {
		t.Fatalf("NextID() = %q, want F-001", got)
	}
	if err := l.Record("F-001", "missing retry", "retry test", domain.Phase1, 1); err != nil {
		t.Fatalf("Record() = %v", err)
	}
	if err := l.Record("F-002", "no timeout", "timeout test", domain.Phase1, 1); err != nil {
		t.Fatalf("Record() = %v", err)
	}
	if got := l.NextID(); got != "F-003" {
		t.Errorf("NextID() = %q, want F-003", got)
	}

	if err := l.Close("F-001", 2, "fixed"); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if got := l.OpenIDs(); !reflect.DeepEqual(got, []string{"F-002"}) {
		t.Errorf("OpenIDs() = %v", got)
	}
	f, _ := l.Get("F-001")
	if f.Status != domain.FindingClosed || f.ClosedCycle != 2 || f.Rationale != "fixed" || f.ClosedAt == nil {
		t.Errorf("closed finding = %+v", f)
	}
}

func TestLedger_RecordConflicts(t *testing.T) {
	l := New()
	if err := l.Record("F-001", "a", "t", domain.Phase1, 1); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		id      string
		desc    string
		wantErr bool
	}{
		{"identical is idempotent", "F-001", "a", false},
		{"different description", "F-001", "b", true},
		{"malformed id", "X-9", "c", true},
		{"skips ahead", "F-005", "e", true},
		{"next in sequence", "F-002", "b", false},
		{"gap after next", "F-004", "d", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Record(tt.id, tt.desc, "t", domain.Phase1, 2)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Record(%s) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrFindingsInconsistency) {
				t.Errorf("error kind = %q", domain.KindOf(err))
			}
		})
	}
}

func TestLedger_IdentifiersNeverReused(t *testing.T) {
	l := New()
	for i := 0; i < 3; i++ {
		id := l.NextID()
		if err := l.Record(id, "finding "+id, "t", domain.Phase1, i+1); err != nil {
			t.Fatal(err)
		}
		if err := l.Close(id, i+1, "done"); err != nil {
			t.Fatal(err)
		}
	}

	if got := l.NextID(); got != "F-004" {
		t.Errorf("NextID() after closing all = %q, want F-004", got)
	}
	if err := l.Record("F-002", "finding F-002", "t", domain.Phase2, 1); err != nil {
		t.Errorf("re-recording identical closed finding should be idempotent: %v", err)
	}
	if f, _ := l.Get("F-002"); f.Status != domain.FindingClosed {
		t.Error("idempotent record must not reopen a closed finding")
	}
}

func TestLedger_CloseErrors(t *testing.T) {
	l := New()
	_ = l.Record("F-001", "a", "t", domain.Phase1, 1)

	if err := l.Close("F-009", 1, "x"); err == nil {
		t.Error("closing unknown finding should fail")
	}
	if err := l.Close("F-001", 1, "x"); err != nil {
		t.Fatal(err)
	}
	if err := l.Close("F-001", 2, "x"); err == nil {
		t.Error("closing twice should fail")
	}
}

func TestLedger_Reconcile(t *testing.T) {
	l := New()
	_ = l.Record("F-001", "a", "t", domain.Phase1, 1)
	_ = l.Record("F-002", "b", "t", domain.Phase1, 1)

	if err := l.Reconcile([]string{"F-002", "F-001"}); err != nil {
		t.Errorf("Reconcile(exact set) = %v", err)
	}
	err := l.Reconcile([]string{"F-001", "F-003"})
	if !errors.Is(err, domain.ErrFindingsInconsistency) {
		t.Fatalf("Reconcile(mismatch) = %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "F-002") || !strings.Contains(got, "F-003") {
		t.Errorf("error should name missing and unexpected ids: %s", got)
	}
	if got := l.OpenIDs(); len(got) != 2 {
		t.Errorf("Reconcile must not modify the ledger, open = %v", got)
	}
}

func TestLedger_ApplyIsAllOrNothing(t *testing.T) {
	l := New()
	_ = l.Record("F-001", "a", "t", domain.Phase1, 1)

	bad := markers.Parse(`NEW_FINDING: F-002 | b | t
FINDING_STATUS: F-001 | CLOSED | fixed
PHASE1_APPROVAL: NO
OPEN_FINDINGS: F-001, F-002
STATUS: DONE`)
	if err := l.Apply(bad, domain.Phase1, 2); err == nil {
		t.Fatal("Apply() should fail when F-001 is closed but still declared open")
	}
	if got := l.OpenIDs(); !reflect.DeepEqual(got, []string{"F-001"}) {
		t.Errorf("ledger changed after failed Apply: %v", got)
	}
	if got := l.NextID(); got != "F-002" {
		t.Errorf("NextID() after failed Apply = %q", got)
	}

	good := markers.Parse(`NEW_FINDING: F-002 | b | t
FINDING_STATUS: F-001 | CLOSED | fixed
PHASE1_APPROVAL: NO
OPEN_FINDINGS: F-002
STATUS: DONE`)
	if err := l.Apply(good, domain.Phase1, 2); err != nil {
		t.Fatalf("Apply() = %v", err)
	}
	if got := l.OpenIDs(); !reflect.DeepEqual(got, []string{"F-002"}) {
		t.Errorf("OpenIDs() = %v", got)
	}
}

func TestLedger_ApplyRejectsSkippedIdentifiers(t *testing.T) {
	l := New()
	sig := markers.Parse(`NEW_FINDING: F-001 | a | t
NEW_FINDING: F-003 | c | t
PHASE1_APPROVAL: NO
OPEN_FINDINGS: F-001, F-003
STATUS: DONE`)
	err := l.Apply(sig, domain.Phase1, 1)
	if !errors.Is(err, domain.ErrFindingsInconsistency) {
		t.Fatalf("Apply() = %v, want findings inconsistency", err)
	}
	if got := l.NextID(); got != "F-001" {
		t.Errorf("NextID() after failed Apply = %q, want F-001", got)
	}
}

func TestLedger_ApplyRejectsReopen(t *testing.T) {
	l := New()
	_ = l.Record("F-001", "a", "t", domain.Phase1, 1)
	_ = l.Close("F-001", 1, "done")

	sig := markers.Parse("FINDING_STATUS: F-001 | OPEN | regressed\nOPEN_FINDINGS: F-001\nSTATUS: DONE")
	if err := l.Apply(sig, domain.Phase2, 1); err == nil {
		t.Error("reopening a closed finding should fail")
	}
}

func TestRestore(t *testing.T) {
	l := New()
	_ = l.Record("F-001", "a", "t", domain.Phase1, 1)
	_ = l.Record("F-002", "b", "t", domain.Phase1, 1)
	_ = l.Close("F-002", 2, "ok")

	findings, next := l.Snapshot()
	r, err := Restore(findings, next)
	if err != nil {
		t.Fatalf("Restore() = %v", err)
	}
	if r.NextID() != "F-003" {
		t.Errorf("NextID() = %q", r.NextID())
	}
	if !reflect.DeepEqual(r.All(), l.All()) {
		t.Error("restored findings differ")
	}

	if _, err := Restore([]domain.Finding{{ID: "F-001"}, {ID: "F-001"}}, 2); err == nil {
		t.Error("Restore with duplicates should fail")
	}
}
