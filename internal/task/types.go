// Package task defines the unit of work and its lifecycle state machine.
// Every task moves through validated status transitions from creation to
// PR-opened or failed; the registry is the only writer of task records.
package task

import (
	"regexp"
	"time"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusMutating  Status = "mutating"
	StatusVerifying Status = "verifying"
	StatusFixing    Status = "fixing"
	StatusReady     Status = "ready"
	StatusPROpened  Status = "pr_opened"
	StatusFailed    Status = "failed"
)

// validTransitions maps each status to the set it may move to.
// Self-transitions are always allowed (idempotent updates).
var validTransitions = map[Status][]Status{
	StatusCreated:   {StatusMutating, StatusVerifying, StatusFixing, StatusReady, StatusFailed},
	StatusMutating:  {StatusVerifying, StatusFixing, StatusReady, StatusFailed},
	StatusVerifying: {StatusMutating, StatusFixing, StatusReady, StatusFailed},
	StatusFixing:    {StatusMutating, StatusVerifying, StatusReady, StatusFailed},
	StatusReady:     {StatusMutating, StatusPROpened, StatusFailed},
	StatusPROpened:  {StatusFailed},
	StatusFailed:    {StatusReady, StatusMutating, StatusCreated},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransitionTo reports whether the move s → to is allowed.
// A self-transition is always allowed.
func (s Status) CanTransitionTo(to Status) bool {
	if s == to {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IDPattern constrains task identifiers: 2-64 chars, leading
// alphanumeric, then alphanumerics, underscore, or hyphen.
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{1,63}$`)

// ValidID reports whether id satisfies IDPattern.
func ValidID(id string) bool {
	return IDPattern.MatchString(id)
}

// Task is one unit of work driven through the lifecycle.
type Task struct {
	// ID uniquely identifies the task and names its branch by default.
	ID string `json:"id"`

	// Workspace is the checkout directory owned by this task.
	Workspace string `json:"workspace"`

	// Branch is the git branch the task's changes land on.
	// Unique across tasks.
	Branch string `json:"branch"`

	// ThreadID is the model conversation bound to this task, if any.
	ThreadID string `json:"threadId,omitempty"`

	// CreatedAt is when the task record was created.
	CreatedAt time.Time `json:"createdAt"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`
}

// File is the persisted document for the task registry.
type File struct {
	Version int    `json:"version"`
	Tasks   []Task `json:"tasks"`
}
