package runindex

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
)

func sampleRun(id string, created time.Time) *domain.RunState {
	st := domain.NewRunState(id, "inbox/task.md", "digest-"+id, 4, 6, created)
	st.Seq = 1
	return st
}

func TestIndex_RecordAndList(t *testing.T) {
	idx, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	older := sampleRun("20260301-090000Z", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	newer := sampleRun("20260302-090000Z", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	for _, st := range []*domain.RunState{older, newer} {
		if err := idx.Record(st); err != nil {
			t.Fatal(err)
		}
	}

	// a later commit of the same run updates its row
	older.State, older.Status = domain.StateFailed, domain.RunFailed
	older.Phase1Cycle = 4
	older.Failure = &domain.FailureInfo{Kind: domain.KindCycleLimitExceeded}
	older.Findings = []domain.Finding{
		{ID: "F-001", Status: domain.FindingOpen},
		{ID: "F-002", Status: domain.FindingClosed},
	}
	if err := idx.Record(older); err != nil {
		t.Fatal(err)
	}

	all, err := idx.ListRuns(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != newer.RunID {
		t.Fatalf("ListRuns() = %+v, want newest first", all)
	}

	failed, err := idx.ListRuns(ListOptions{Status: domain.RunFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed runs = %d, want 1", len(failed))
	}
	got := failed[0]
	if got.Phase1Cycles != 4 || got.OpenFindings != 1 || got.ClosedFindings != 1 || got.FailureKind != domain.KindCycleLimitExceeded {
		t.Errorf("failed run = %+v", got)
	}

	limited, err := idx.ListRuns(ListOptions{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("Limit ignored: %d rows", len(limited))
	}
}

func TestIndex_InvocationsAreInsertedOnce(t *testing.T) {
	idx, err := New(filepath.Join(t.TempDir(), "nested", "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	st := sampleRun("20260301-090000Z", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	start := st.CreatedAt
	st.History = []domain.InvocationRecord{
		{ID: "a", Role: domain.RolePlanner, Backend: "claude", Phase: domain.Phase1, Cycle: 1, Attempt: 1,
			Outcome: domain.OutcomeSuccess, StartedAt: start, Duration: 3 * time.Second},
		{ID: "b", Role: domain.RolePlanReviewer, Backend: "codex", Phase: domain.Phase1, Cycle: 1, Attempt: 1,
			Outcome: domain.OutcomeQuotaLimited, Error: "usage limit", StartedAt: start.Add(time.Minute), Duration: time.Second},
		{ID: "c", Role: domain.RolePlanReviewer, Backend: "gemini", SubstitutedFor: "codex", Phase: domain.Phase1, Cycle: 1, Attempt: 1,
			Outcome: domain.OutcomeSuccess, StartedAt: start.Add(2 * time.Minute), Duration: 5 * time.Second},
	}
	if err := idx.Record(st); err != nil {
		t.Fatal(err)
	}
	if err := idx.Record(st); err != nil {
		t.Fatalf("recording the same history twice: %v", err)
	}

	recs, err := idx.Invocations(st.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("Invocations() = %d records, want 3", len(recs))
	}
	if recs[2].SubstitutedFor != "codex" || recs[2].Duration != 5*time.Second {
		t.Errorf("substituted record = %+v", recs[2])
	}
	if recs[1].Error != "usage limit" || recs[1].Outcome != domain.OutcomeQuotaLimited {
		t.Errorf("quota record = %+v", recs[1])
	}

	stats, err := idx.BackendStats()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 3 {
		t.Fatalf("BackendStats() = %+v", stats)
	}
	if stats[0].Backend != "claude" || stats[0].Count != 1 || stats[0].AvgDuration != 3*time.Second {
		t.Errorf("claude stats = %+v", stats[0])
	}
}
