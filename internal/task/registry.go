package task

import (
	"fmt"
	"sort"
	"time"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/store"
)

// Registry holds every task record, backed by tasks.json. All
// mutations go through validated transitions; the store serializes
// writers.
type Registry struct {
	store *store.Store[File]
	bus   *events.Bus
}

// NewRegistry creates a registry persisting under stateDir.
// The bus may be nil (no events emitted).
func NewRegistry(stateDir string, bus *events.Bus) *Registry {
	return &Registry{
		store: store.New(store.Path(stateDir, store.TasksFile), func() File {
			return File{Version: 1, Tasks: []Task{}}
		}),
		bus: bus,
	}
}

func (r *Registry) emit(e events.Event) {
	if r.bus != nil {
		r.bus.Emit(e)
	}
}

// Create registers a new task in status created. The identifier must
// match IDPattern; duplicate ids and duplicate branch names are
// rejected.
func (r *Registry) Create(id, workspacePath, branch string) (Task, error) {
	if !ValidID(id) {
		return Task{}, fmt.Errorf("task id %q: %w", id, ErrInvalidInput)
	}
	if branch == "" {
		branch = id
	}

	created := Task{
		ID:        id,
		Workspace: workspacePath,
		Branch:    branch,
		CreatedAt: time.Now().UTC(),
		Status:    StatusCreated,
	}

	err := r.store.Update(func(f *File) error {
		for _, t := range f.Tasks {
			if t.ID == id {
				return fmt.Errorf("task %q already exists: %w", id, ErrInvalidInput)
			}
			if t.Branch == branch {
				return fmt.Errorf("branch %q already in use by task %q: %w", branch, t.ID, ErrInvalidInput)
			}
		}
		f.Tasks = append(f.Tasks, created)
		sortTasks(f.Tasks)
		return nil
	})
	if err != nil {
		return Task{}, err
	}

	r.emit(events.NewEvent(events.TaskCreated, id).WithPayload(map[string]interface{}{
		"branch":    branch,
		"workspace": workspacePath,
	}))
	return created, nil
}

// Get returns the task with the given id.
func (r *Registry) Get(id string) (Task, error) {
	f, err := r.store.Load()
	if err != nil {
		return Task{}, err
	}
	for _, t := range f.Tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return Task{}, fmt.Errorf("task %q: %w", id, ErrNotFound)
}

// GetByBranch returns the task owning the given branch name.
func (r *Registry) GetByBranch(branch string) (Task, error) {
	f, err := r.store.Load()
	if err != nil {
		return Task{}, err
	}
	for _, t := range f.Tasks {
		if t.Branch == branch {
			return t, nil
		}
	}
	return Task{}, fmt.Errorf("branch %q: %w", branch, ErrNotFound)
}

// List returns all tasks sorted by id.
func (r *Registry) List() ([]Task, error) {
	f, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	out := make([]Task, len(f.Tasks))
	copy(out, f.Tasks)
	return out, nil
}

// UpdateStatus moves a task to a new status, enforcing the transition
// table. Self-transitions succeed without rewriting history. Returns
// the updated task.
func (r *Registry) UpdateStatus(id string, to Status) (Task, error) {
	if !to.Valid() {
		return Task{}, fmt.Errorf("status %q: %w", to, ErrInvalidInput)
	}

	var updated Task
	var from Status
	err := r.store.Update(func(f *File) error {
		for i := range f.Tasks {
			if f.Tasks[i].ID != id {
				continue
			}
			from = f.Tasks[i].Status
			if !from.CanTransitionTo(to) {
				return &TransitionError{TaskID: id, From: from, To: to}
			}
			f.Tasks[i].Status = to
			updated = f.Tasks[i]
			return nil
		}
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	})
	if err != nil {
		return Task{}, err
	}

	if from != to {
		r.emit(events.NewEvent(events.TaskStatus, id).WithPayload(map[string]interface{}{
			"from": string(from),
			"to":   string(to),
		}))
	}
	return updated, nil
}

// UpdateStatusIfExists applies a best-effort status change, swallowing
// unknown tasks and forbidden transitions. Internal failure paths use
// this so a status bookkeeping problem never masks the primary error.
func (r *Registry) UpdateStatusIfExists(id string, to Status) {
	if id == "" {
		return
	}
	_, _ = r.UpdateStatus(id, to)
}

// SetThread binds a model conversation to the task.
func (r *Registry) SetThread(id, threadID string) error {
	return r.store.Update(func(f *File) error {
		for i := range f.Tasks {
			if f.Tasks[i].ID == id {
				f.Tasks[i].ThreadID = threadID
				return nil
			}
		}
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	})
}

// Destroy removes a task record. Only GC calls this in steady state.
func (r *Registry) Destroy(id string) error {
	err := r.store.Update(func(f *File) error {
		for i := range f.Tasks {
			if f.Tasks[i].ID == id {
				f.Tasks = append(f.Tasks[:i], f.Tasks[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	})
	if err != nil {
		return err
	}

	r.emit(events.NewEvent(events.TaskDestroyed, id))
	return nil
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].ID < tasks[j].ID
	})
}
