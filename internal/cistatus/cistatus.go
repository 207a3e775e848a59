// Package cistatus records CI outcomes reported by the git host. The
// webhook router writes entries as check suites complete; the quality
// checkers and the automerge evaluator read the latest entry per task.
package cistatus

import (
	"time"

	"github.com/droverhq/drover/internal/store"
)

// DefaultCap bounds the persisted run history.
const DefaultCap = 500

// Run statuses mirror the host's conclusion, folded to three values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusPending = "pending"
)

// Run is one recorded CI outcome.
type Run struct {
	TaskID string    `json:"taskId,omitempty"`
	Branch string    `json:"branch"`
	SHA    string    `json:"sha,omitempty"`
	Name   string    `json:"name,omitempty"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// File is the persisted document for CI runs.
type File struct {
	Version int   `json:"version"`
	Runs    []Run `json:"runs"`
}

// Store persists CI runs under ci-status.json.
type Store struct {
	store *store.Store[File]
	cap   int
}

// NewStore creates a CI status store persisting under stateDir.
func NewStore(stateDir string) *Store {
	return &Store{
		store: store.New(store.Path(stateDir, store.CIStatusFile), func() File {
			return File{Version: 1, Runs: []Run{}}
		}),
		cap: DefaultCap,
	}
}

// Record appends one run, stamping the time when absent.
func (s *Store) Record(run Run) error {
	if run.At.IsZero() {
		run.At = time.Now().UTC()
	}
	return s.store.Update(func(f *File) error {
		f.Runs = store.AppendCapped(f.Runs, run, s.cap)
		return nil
	})
}

// LastForTask returns the most recent run recorded for a task.
func (s *Store) LastForTask(taskID string) (Run, bool, error) {
	f, err := s.store.Load()
	if err != nil {
		return Run{}, false, err
	}
	for i := len(f.Runs) - 1; i >= 0; i-- {
		if f.Runs[i].TaskID == taskID {
			return f.Runs[i], true, nil
		}
	}
	return Run{}, false, nil
}

// LastForBranch returns the most recent run recorded for a branch.
func (s *Store) LastForBranch(branch string) (Run, bool, error) {
	f, err := s.store.Load()
	if err != nil {
		return Run{}, false, err
	}
	for i := len(f.Runs) - 1; i >= 0; i-- {
		if f.Runs[i].Branch == branch {
			return f.Runs[i], true, nil
		}
	}
	return Run{}, false, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(limit int) ([]Run, error) {
	f, err := s.store.Load()
	if err != nil {
		return nil, err
	}

	var out []Run
	for i := len(f.Runs) - 1; i >= 0; i-- {
		out = append(out, f.Runs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
