// Package checkpoint persists run state durably under the state directory:
//
//	<root>/runs/<run_id>/state.json           current document
//	<root>/runs/<run_id>/checkpoints/NNNNNN.json  immutable committed snapshots
//	<root>/runs/<run_id>/.lock                 held while a process drives the run
//	<root>/LATEST_RUN                          id of the most recently created run
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/fsutil"
)

const (
	stateFile     = "state.json"
	checkpointDir = "checkpoints"
	lockFile      = ".lock"
	latestFile    = "LATEST_RUN"
)

// Store provides file-backed run persistence
type Store struct {
	root string
	now  func() time.Time
}

// New creates a Store rooted at dir
func New(dir string) *Store {
	return &Store{root: dir, now: time.Now}
}

// Root returns the state directory
func (s *Store) Root() string {
	return s.root
}

// RunDir returns the directory of a run
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, "runs", runID)
}

// Create allocates a fresh run directory, assigns st.RunID and commits the
// initial checkpoint. A second run created in the same second gets a
// numeric suffix.
func (s *Store) Create(st *domain.RunState) error {
	base := domain.NewRunID(st.CreatedAt)
	if err := os.MkdirAll(filepath.Join(s.root, "runs"), 0o755); err != nil {
		return err
	}
	for n := 1; ; n++ {
		id := base
		if n > 1 {
			id = base + "-" + strconv.Itoa(n)
		}
		err := os.Mkdir(s.RunDir(id), 0o755)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("create run dir: %w", err)
		}
		st.RunID = id
		break
	}
	if err := s.Commit(st); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(s.root, latestFile), []byte(st.RunID+"\n"), 0o644)
}

// Commit writes st as the next immutable checkpoint and as the current
// state. The checkpoint is durable before state.json moves, so a crash
// between the two writes still restores to a committed cycle.
func (s *Store) Commit(st *domain.RunState) error {
	if err := domain.ValidateRunID(st.RunID); err != nil {
		return err
	}
	st.Seq++
	st.InFlight = nil
	st.UpdatedAt = s.now().UTC()

	data, err := encode(st)
	if err != nil {
		return err
	}
	cp := filepath.Join(s.RunDir(st.RunID), checkpointDir, fmt.Sprintf("%06d.json", st.Seq))
	if err := fsutil.WriteFileAtomic(cp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %d: %w", st.Seq, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(s.RunDir(st.RunID), stateFile), data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// MarkInFlight records in state.json that a cycle has started. The committed
// checkpoints are not touched.
func (s *Store) MarkInFlight(st *domain.RunState, phase domain.Phase, cycle int) error {
	doc := st.Clone()
	doc.InFlight = &domain.InFlight{Phase: phase, Cycle: cycle, StartedAt: s.now().UTC()}
	doc.UpdatedAt = doc.InFlight.StartedAt
	data, err := encode(doc)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(s.RunDir(st.RunID), stateFile), data, 0o644)
}

// Load reads the current state of a run. A missing run is NotFound; an
// unreadable, unknown-version or invalid document is CorruptState.
func (s *Store) Load(runID string) (*domain.RunState, error) {
	if err := domain.ValidateRunID(runID); err != nil {
		return nil, &domain.Error{Kind: domain.KindNotFound, Op: "load", Err: err}
	}
	return readState(filepath.Join(s.RunDir(runID), stateFile))
}

// LastCheckpoint reads the most recent committed snapshot
func (s *Store) LastCheckpoint(runID string) (*domain.RunState, error) {
	seqs, err := s.checkpointSeqs(runID)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, domain.Errorf(domain.KindNotFound, "checkpoint", "run %s has no checkpoints", runID)
	}
	path := filepath.Join(s.RunDir(runID), checkpointDir, fmt.Sprintf("%06d.json", seqs[len(seqs)-1]))
	return readState(path)
}

// RollbackToLastCycle restores the most recent committed checkpoint as the
// current state, discarding any in-flight cycle.
func (s *Store) RollbackToLastCycle(runID string) (*domain.RunState, error) {
	st, err := s.LastCheckpoint(runID)
	if err != nil {
		return nil, err
	}
	data, err := encode(st)
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(s.RunDir(runID), stateFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	return st, nil
}

// Lock takes the exclusive lock of a run. A run driven by another process
// yields StateActive.
func (s *Store) Lock(runID string) (*fsutil.Lock, error) {
	l, err := fsutil.TryLock(filepath.Join(s.RunDir(runID), lockFile))
	if errors.Is(err, fsutil.ErrLocked) {
		return nil, domain.Errorf(domain.KindStateActive, "lock", "run %s is being driven by another process", runID)
	}
	return l, err
}

// Latest returns the id of the most recently created run
func (s *Store) Latest() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, latestFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", domain.Errorf(domain.KindNotFound, "latest", "no runs in %s", s.root)
	}
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if err := domain.ValidateRunID(id); err != nil {
		return "", &domain.Error{Kind: domain.KindCorruptState, Op: "latest", Err: err}
	}
	return id, nil
}

// List returns the current state of every readable run, newest first.
// Corrupt runs are skipped.
func (s *Store) List() ([]*domain.RunState, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "runs"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var runs []*domain.RunState
	for _, e := range entries {
		if !e.IsDir() || domain.ValidateRunID(e.Name()) != nil {
			continue
		}
		st, err := s.Load(e.Name())
		if err != nil {
			continue
		}
		runs = append(runs, st)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// FindResumable returns the newest non-terminal run of the task with the
// given digest, or "" when none exists.
func (s *Store) FindResumable(taskDigest string) (string, error) {
	runs, err := s.List()
	if err != nil {
		return "", err
	}
	for _, st := range runs {
		if st.TaskDigest == taskDigest && st.Status == domain.RunRunning {
			return st.RunID, nil
		}
	}
	return "", nil
}

func (s *Store) checkpointSeqs(runID string) ([]int, error) {
	if err := domain.ValidateRunID(runID); err != nil {
		return nil, &domain.Error{Kind: domain.KindNotFound, Op: "checkpoint", Err: err}
	}
	entries, err := os.ReadDir(filepath.Join(s.RunDir(runID), checkpointDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var seqs []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	sort.Ints(seqs)
	return seqs, nil
}

func encode(st *domain.RunState) ([]byte, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return append(data, '\n'), nil
}

func readState(path string) (*domain.RunState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.Errorf(domain.KindNotFound, "load", "no state at %s", path)
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func decode(data []byte) (*domain.RunState, error) {
	var st domain.RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &domain.Error{Kind: domain.KindCorruptState, Op: "decode", Err: err}
	}
	if st.Version != domain.StateVersion {
		return nil, domain.Errorf(domain.KindCorruptState, "decode", "unsupported state version %d (want %d)", st.Version, domain.StateVersion)
	}
	st.Normalize()
	if err := st.Validate(); err != nil {
		return nil, &domain.Error{Kind: domain.KindCorruptState, Op: "decode", Err: err}
	}
	return &st, nil
}
