package task

import (
	"errors"
	"fmt"
)

// ErrInvalidInput indicates argument validation failed; the task is
// unaffected.
var ErrInvalidInput = errors.New("invalid input")

// ErrNotFound indicates no task exists with the given identifier.
var ErrNotFound = errors.New("task not found")

// TransitionError reports a status move the transition table forbids.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}

// IsInvalidTransition reports whether err is a TransitionError.
func IsInvalidTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
