package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
)

func newState(created time.Time) *domain.RunState {
	return domain.NewRunState("", "task.md", "digest-a", 4, 6, created)
}

func TestStore_CreateAndLoad(t *testing.T) {
	s := New(t.TempDir())
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	st := newState(created)
	if err := s.Create(st); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if st.RunID != "20260102-030405Z" {
		t.Errorf("RunID = %q", st.RunID)
	}
	if st.Seq != 1 {
		t.Errorf("Seq = %d, want 1", st.Seq)
	}

	second := newState(created)
	if err := s.Create(second); err != nil {
		t.Fatal(err)
	}
	if second.RunID != "20260102-030405Z-2" {
		t.Errorf("colliding RunID = %q", second.RunID)
	}

	latest, err := s.Latest()
	if err != nil || latest != second.RunID {
		t.Errorf("Latest() = %q, %v", latest, err)
	}

	loaded, err := s.Load(st.RunID)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if loaded.State != domain.StatePhase1Planning || loaded.TaskDigest != "digest-a" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestStore_LoadErrors(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if _, err := s.Load("20260102-030405Z"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Load(missing) = %v, want NotFound", err)
	}
	if _, err := s.Load("../../etc"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Load(traversal) = %v, want NotFound", err)
	}

	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{"},
		{"wrong major version", `{"version": 2, "run_id": "20260102-030405Z", "state": "phase1_planning"}`},
		{"unknown state", `{"version": 3, "run_id": "20260102-030405Z", "state": "dancing"}`},
		{"bad finding id", `{"version": 3, "run_id": "20260102-030405Z", "state": "phase1_planning", "findings": [{"id": "BUG"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runDir := s.RunDir("20260102-030405Z")
			os.MkdirAll(runDir, 0o755)
			os.WriteFile(filepath.Join(runDir, "state.json"), []byte(tt.content), 0o644)

			if _, err := s.Load("20260102-030405Z"); !errors.Is(err, domain.ErrCorruptState) {
				t.Errorf("Load() = %v, want CorruptState", err)
			}
		})
	}
}

func TestStore_MinorVersionDefaults(t *testing.T) {
	s := New(t.TempDir())
	runDir := s.RunDir("20260102-030405Z")
	os.MkdirAll(runDir, 0o755)
	doc := `{"version": 3, "minor": 0, "run_id": "20260102-030405Z", "state": "phase2_implementation", "phase1_cycle": 2}`
	os.WriteFile(filepath.Join(runDir, "state.json"), []byte(doc), 0o644)

	st, err := s.Load("20260102-030405Z")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if st.Status != domain.RunRunning || st.Phase2Limit != domain.DefaultPhase2Limit || st.NextFinding != 1 {
		t.Errorf("defaults not applied: %+v", st)
	}
}

func TestStore_InFlightAndRollback(t *testing.T) {
	s := New(t.TempDir())
	st := newState(time.Now())
	if err := s.Create(st); err != nil {
		t.Fatal(err)
	}

	// Cycle 1 completes
	st.Phase1Cycle = 1
	st.Findings = []domain.Finding{{ID: "F-001", Status: domain.FindingOpen}}
	st.NextFinding = 2
	if err := s.Commit(st); err != nil {
		t.Fatal(err)
	}

	// Cycle 2 starts and crashes before commit
	if err := s.MarkInFlight(st, domain.Phase1, 2); err != nil {
		t.Fatal(err)
	}
	current, err := s.Load(st.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if current.InFlight == nil || current.InFlight.Cycle != 2 {
		t.Fatalf("InFlight = %+v", current.InFlight)
	}

	restored, err := s.RollbackToLastCycle(st.RunID)
	if err != nil {
		t.Fatalf("RollbackToLastCycle() = %v", err)
	}
	if restored.InFlight != nil || restored.Phase1Cycle != 1 || restored.Seq != 2 {
		t.Errorf("restored = cycle %d seq %d inflight %v", restored.Phase1Cycle, restored.Seq, restored.InFlight)
	}
	if len(restored.Findings) != 1 {
		t.Errorf("findings = %v", restored.Findings)
	}

	reloaded, _ := s.Load(st.RunID)
	if reloaded.InFlight != nil {
		t.Error("state.json still carries the in-flight marker")
	}
}

func TestStore_CheckpointsAreImmutable(t *testing.T) {
	s := New(t.TempDir())
	st := newState(time.Now())
	s.Create(st)
	st.Phase1Cycle = 1
	s.Commit(st)

	entries, err := os.ReadDir(filepath.Join(s.RunDir(st.RunID), "checkpoints"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("checkpoints = %d, want 2", len(entries))
	}
	first, err := readState(filepath.Join(s.RunDir(st.RunID), "checkpoints", "000001.json"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Phase1Cycle != 0 {
		t.Errorf("first checkpoint mutated: cycle %d", first.Phase1Cycle)
	}
}

func TestStore_Lock(t *testing.T) {
	s := New(t.TempDir())
	st := newState(time.Now())
	s.Create(st)

	l, err := s.Lock(st.RunID)
	if err != nil {
		t.Fatalf("Lock() = %v", err)
	}
	defer l.Release()

	if _, err := s.Lock(st.RunID); !errors.Is(err, domain.ErrStateActive) {
		t.Errorf("second Lock() = %v, want StateActive", err)
	}
}

func TestStore_FindResumable(t *testing.T) {
	s := New(t.TempDir())
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	done := newState(base)
	s.Create(done)
	done.Status = domain.RunDone
	done.State = domain.StateDone
	s.Commit(done)

	running := newState(base.Add(time.Minute))
	s.Create(running)

	other := domain.NewRunState("", "b.md", "digest-b", 4, 6, base.Add(2*time.Minute))
	s.Create(other)

	id, err := s.FindResumable("digest-a")
	if err != nil {
		t.Fatal(err)
	}
	if id != running.RunID {
		t.Errorf("FindResumable() = %q, want %q", id, running.RunID)
	}
	if id, _ := s.FindResumable("digest-c"); id != "" {
		t.Errorf("FindResumable(unknown) = %q", id)
	}

	runs, _ := s.List()
	if len(runs) != 3 || runs[0].RunID != other.RunID {
		t.Errorf("List() order wrong: %d runs", len(runs))
	}
}
