package workspace

import "errors"

var (
	// ErrInvalidTaskID indicates the task identifier failed validation.
	// Raised before any filesystem access.
	ErrInvalidTaskID = errors.New("invalid task id")

	// ErrPathEscape indicates a resolved path left the workspaces root.
	ErrPathEscape = errors.New("path escapes workspaces root")

	// ErrWorkspaceMissing indicates the workspace directory does not exist.
	ErrWorkspaceMissing = errors.New("workspace missing")

	// ErrNotAWorkspace indicates the directory exists, is non-empty, and
	// has no .git entry, so it cannot be adopted.
	ErrNotAWorkspace = errors.New("directory exists but is not a workspace")

	// ErrShellDisabled indicates command execution is disabled by
	// SHELL_TOOL_ENABLED=false.
	ErrShellDisabled = errors.New("shell tool disabled")

	// ErrCommandBlocked indicates the command failed allowlist validation.
	ErrCommandBlocked = errors.New("command not allowed")

	// ErrOutputLimit indicates a child exceeded the per-stream output cap
	// and was killed.
	ErrOutputLimit = errors.New("output limit exceeded")
)
