package turn

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyPrompt indicates the prompt was empty after trimming.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrMissingThread indicates the request carried no thread id.
	ErrMissingThread = errors.New("thread id is required")

	// ErrTimeout indicates the turn deadline elapsed before the model
	// reported completion. The model process is stopped on this path.
	ErrTimeout = errors.New("turn timed out")

	// ErrBudgetExceeded indicates the per-task turn budget was spent.
	ErrBudgetExceeded = errors.New("turn budget exceeded")
)

// TurnError reports a turn the model finished with a non-success
// status (failed or interrupted), carrying the model's message.
type TurnError struct {
	ThreadID string
	TurnID   string
	Status   string
	Message  string
}

func (e *TurnError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("turn %s %s: %s", e.TurnID, e.Status, e.Message)
	}
	return fmt.Sprintf("turn %s %s", e.TurnID, e.Status)
}

// BlockedEditError reports the guardrail rejecting edits to protected
// root files.
type BlockedEditError struct {
	Files []string
}

func (e *BlockedEditError) Error() string {
	return fmt.Sprintf("blocked edit to protected files: %s", strings.Join(e.Files, ", "))
}
