// Package memory keeps short notes about completed work so later runs
// can be primed with what already happened. Appends are enrichment:
// callers swallow failures.
package memory

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/droverhq/drover/internal/store"
)

// DefaultCap bounds the persisted note list.
const DefaultCap = 500

// Note is one remembered fact about a task or run.
type Note struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId,omitempty"`
	Objective  string    `json:"objective,omitempty"`
	Outcome    string    `json:"outcome"`
	Iterations int       `json:"iterations,omitempty"`
	At         time.Time `json:"at"`
}

// File is the persisted document for notes.
type File struct {
	Version int    `json:"version"`
	Notes   []Note `json:"notes"`
}

// Store persists notes under memory.json.
type Store struct {
	store *store.Store[File]
	cap   int
}

// NewStore creates a note store persisting under stateDir.
func NewStore(stateDir string) *Store {
	return &Store{
		store: store.New(store.Path(stateDir, store.MemoryFile), func() File {
			return File{Version: 1, Notes: []Note{}}
		}),
		cap: DefaultCap,
	}
}

// Append records one note, stamping id and time when absent.
func (s *Store) Append(n Note) error {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	return s.store.Update(func(f *File) error {
		f.Notes = store.AppendCapped(f.Notes, n, s.cap)
		return nil
	})
}

// List returns up to limit notes, newest first. Zero means all.
func (s *Store) List(limit int) ([]Note, error) {
	f, err := s.store.Load()
	if err != nil {
		return nil, err
	}

	var out []Note
	for i := len(f.Notes) - 1; i >= 0; i-- {
		out = append(out, f.Notes[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
