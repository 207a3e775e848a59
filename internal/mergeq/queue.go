// Package mergeq holds the persisted merge queue and the automerge
// policy evaluator. The queue orders PRs by priority; the evaluator
// decides whether a PR may merge without a human in the loop.
package mergeq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/workspace"
)

// Queue errors.
var (
	ErrNotQueued     = errors.New("pr not in merge queue")
	ErrAlreadyQueued = errors.New("pr already in merge queue")
	ErrEmptyQueue    = errors.New("merge queue is empty")
)

// Blocked reasons derived by the freshness and conflict probes.
const (
	blockedStale     = "stale"
	blockedConflicts = "conflicts"
)

// Swappable for tests.
var (
	mergeBase      = workspace.MergeBase
	revParse       = workspace.RevParse
	gitRebase      = workspace.Rebase
	mergeConflicts = workspace.MergeTreeConflicts
)

// Entry is one queued PR.
type Entry struct {
	PRNumber      int       `json:"prNumber"`
	TaskID        string    `json:"taskId,omitempty"`
	Branch        string    `json:"branch"`
	Priority      int       `json:"priority"`
	Blocked       bool      `json:"blocked"`
	BlockedReason string    `json:"blockedReason,omitempty"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

// File is the persisted queue document. Entries stay in insertion
// order; priority ordering is derived on read so FIFO ties hold.
type File struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Status summarizes the queue.
type Status struct {
	Total   int     `json:"total"`
	Ready   int     `json:"ready"`
	Blocked int     `json:"blocked"`
	Entries []Entry `json:"entries"`
}

// WorkspaceResolver maps a task to its checkout for the git probes.
// Satisfied by *workspace.Manager.
type WorkspaceResolver interface {
	Path(taskID string) (string, error)
}

// Queue is the persisted priority list.
type Queue struct {
	store         *store.Store[File]
	workspaces    WorkspaceResolver
	defaultBranch string
	bus           *events.Bus
}

// NewQueue creates a merge queue persisting under stateDir. The
// default branch is what freshness and conflicts are probed against.
func NewQueue(stateDir string, workspaces WorkspaceResolver, defaultBranch string, bus *events.Bus) *Queue {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Queue{
		store: store.New(store.Path(stateDir, store.MergeQueueFile), func() File {
			return File{Version: 1, Entries: []Entry{}}
		}),
		workspaces:    workspaces,
		defaultBranch: defaultBranch,
		bus:           bus,
	}
}

// Enqueue adds a PR to the queue.
func (q *Queue) Enqueue(e Entry) error {
	if e.PRNumber <= 0 {
		return fmt.Errorf("enqueue: pr number %d: invalid", e.PRNumber)
	}
	if e.Branch == "" {
		return errors.New("enqueue: branch required")
	}
	if e.Priority < 0 || e.Priority > 100 {
		return fmt.Errorf("enqueue: priority %d: must be in [0,100]", e.Priority)
	}
	e.EnqueuedAt = time.Now().UTC()

	err := q.store.Update(func(f *File) error {
		for _, existing := range f.Entries {
			if existing.PRNumber == e.PRNumber {
				return fmt.Errorf("pr #%d: %w", e.PRNumber, ErrAlreadyQueued)
			}
		}
		f.Entries = append(f.Entries, e)
		return nil
	})
	if err != nil {
		return err
	}

	q.emit(events.NewEvent(events.MergeEnqueued, e.TaskID).WithPR(e.PRNumber).WithPayload(map[string]any{
		"branch":   e.Branch,
		"priority": e.Priority,
	}))
	return nil
}

// Dequeue removes and returns the highest-priority entry. Ties go to
// the earliest insertion.
func (q *Queue) Dequeue() (Entry, error) {
	var out Entry
	err := q.store.Update(func(f *File) error {
		if len(f.Entries) == 0 {
			return ErrEmptyQueue
		}

		best := 0
		for i, e := range f.Entries {
			if e.Priority > f.Entries[best].Priority {
				best = i
			}
		}
		out = f.Entries[best]
		f.Entries = append(f.Entries[:best], f.Entries[best+1:]...)
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return out, nil
}

// Remove drops a PR from the queue, typically after it merged.
func (q *Queue) Remove(prNumber int) error {
	return q.store.Update(func(f *File) error {
		for i, e := range f.Entries {
			if e.PRNumber == prNumber {
				f.Entries = append(f.Entries[:i], f.Entries[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("pr #%d: %w", prNumber, ErrNotQueued)
	})
}

// Get returns a queued entry by PR number.
func (q *Queue) Get(prNumber int) (Entry, error) {
	f, err := q.store.Load()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range f.Entries {
		if e.PRNumber == prNumber {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("pr #%d: %w", prNumber, ErrNotQueued)
}

// CheckFreshness reports whether the PR's branch already contains the
// default branch's head. A stale branch is marked blocked until a
// rebase clears it.
func (q *Queue) CheckFreshness(ctx context.Context, prNumber int) (bool, error) {
	entry, err := q.Get(prNumber)
	if err != nil {
		return false, err
	}

	dir, err := q.workspaces.Path(entry.TaskID)
	if err != nil {
		return false, fmt.Errorf("resolve workspace for pr #%d: %w", prNumber, err)
	}

	base, err := mergeBase(ctx, dir, "HEAD", q.defaultBranch)
	if err != nil {
		return false, fmt.Errorf("merge-base pr #%d: %w", prNumber, err)
	}
	mainHead, err := revParse(ctx, dir, q.defaultBranch)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", q.defaultBranch, err)
	}

	fresh := base == mainHead
	if err := q.setBlocked(prNumber, !fresh, blockedStale); err != nil {
		return false, err
	}
	return fresh, nil
}

// RebaseOntoMain rebases the PR's workspace onto the default branch
// and clears the stale mark on success.
func (q *Queue) RebaseOntoMain(ctx context.Context, prNumber int) error {
	entry, err := q.Get(prNumber)
	if err != nil {
		return err
	}

	dir, err := q.workspaces.Path(entry.TaskID)
	if err != nil {
		return fmt.Errorf("resolve workspace for pr #%d: %w", prNumber, err)
	}

	if err := gitRebase(ctx, dir, q.defaultBranch); err != nil {
		return fmt.Errorf("rebase pr #%d onto %s: %w", prNumber, q.defaultBranch, err)
	}
	return q.setBlocked(prNumber, false, blockedStale)
}

// DetectConflicts probes whether merging the default branch into the
// PR's branch would conflict, and marks the entry accordingly.
func (q *Queue) DetectConflicts(ctx context.Context, prNumber int) (bool, error) {
	entry, err := q.Get(prNumber)
	if err != nil {
		return false, err
	}

	dir, err := q.workspaces.Path(entry.TaskID)
	if err != nil {
		return false, fmt.Errorf("resolve workspace for pr #%d: %w", prNumber, err)
	}

	conflicts, err := mergeConflicts(ctx, dir, q.defaultBranch)
	if err != nil {
		return false, fmt.Errorf("conflict probe pr #%d: %w", prNumber, err)
	}
	if err := q.setBlocked(prNumber, conflicts, blockedConflicts); err != nil {
		return false, err
	}
	return conflicts, nil
}

// Status summarizes the queue with entries in dequeue order.
func (q *Queue) Status() (Status, error) {
	f, err := q.store.Load()
	if err != nil {
		return Status{}, err
	}

	entries := make([]Entry, len(f.Entries))
	copy(entries, f.Entries)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Priority > entries[j].Priority
	})

	st := Status{Total: len(entries), Entries: entries}
	for _, e := range entries {
		if e.Blocked {
			st.Blocked++
		} else {
			st.Ready++
		}
	}
	return st, nil
}

// setBlocked flips the blocked mark for one reason without clobbering
// a different reason set by the other probe.
func (q *Queue) setBlocked(prNumber int, blocked bool, reason string) error {
	return q.store.Update(func(f *File) error {
		for i := range f.Entries {
			if f.Entries[i].PRNumber != prNumber {
				continue
			}
			if blocked {
				f.Entries[i].Blocked = true
				f.Entries[i].BlockedReason = reason
			} else if f.Entries[i].BlockedReason == reason {
				f.Entries[i].Blocked = false
				f.Entries[i].BlockedReason = ""
			}
			return nil
		}
		return fmt.Errorf("pr #%d: %w", prNumber, ErrNotQueued)
	})
}

func (q *Queue) emit(e events.Event) {
	if q.bus != nil {
		q.bus.Emit(e)
	}
}
