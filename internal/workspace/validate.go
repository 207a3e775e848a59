package workspace

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// taskIDPattern constrains workspace names: 2-64 chars, leading
// alphanumeric, then alphanumerics, underscore, or hyphen. The same
// shape task identifiers carry, enforced here independently because
// these names become directories.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{1,63}$`)

// commandAllowlist is the full set of executables a workspace command
// may start with.
var commandAllowlist = map[string]bool{
	"pnpm": true,
	"node": true,
	"git":  true,
	"npx":  true,
	"bash": true,
}

// validateTaskID rejects identifiers that fail the pattern, before any
// filesystem access.
func validateTaskID(taskID string) error {
	if !taskIDPattern.MatchString(taskID) {
		return fmt.Errorf("%q: %w", taskID, ErrInvalidTaskID)
	}
	return nil
}

// resolveUnderRoot joins root and name and asserts the result stays
// inside root.
func resolveUnderRoot(root, name string) (string, error) {
	path := filepath.Join(root, name)

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", name, ErrPathEscape)
	}
	return path, nil
}

// validateCommand enforces the execution contract:
//   - argv[0] must be allowlisted
//   - no argument may begin with / or ~
//   - no argument may contain a .. path segment
//   - git may not carry -C, --git-dir, or --work-tree
//   - bash's first argument must name a script under scripts/ that
//     resolves inside the workspace
func validateCommand(workspacePath string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command: %w", ErrCommandBlocked)
	}

	if !commandAllowlist[argv[0]] {
		return fmt.Errorf("%q is not allowlisted: %w", argv[0], ErrCommandBlocked)
	}

	for _, arg := range argv[1:] {
		if strings.HasPrefix(arg, "/") || strings.HasPrefix(arg, "~") {
			return fmt.Errorf("absolute or home-relative argument %q: %w", arg, ErrCommandBlocked)
		}
		if hasDotDotSegment(arg) {
			return fmt.Errorf("argument %q contains a .. segment: %w", arg, ErrCommandBlocked)
		}
	}

	switch argv[0] {
	case "git":
		for _, arg := range argv[1:] {
			if arg == "-C" || strings.HasPrefix(arg, "--git-dir") || strings.HasPrefix(arg, "--work-tree") {
				return fmt.Errorf("git flag %q would escape the workspace: %w", arg, ErrCommandBlocked)
			}
		}
	case "bash":
		if len(argv) < 2 || !strings.HasPrefix(argv[1], "scripts/") {
			return fmt.Errorf("bash requires a script under scripts/: %w", ErrCommandBlocked)
		}
		script := filepath.Join(workspacePath, argv[1])
		rel, err := filepath.Rel(workspacePath, script)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("script %q resolves outside the workspace: %w", argv[1], ErrCommandBlocked)
		}
	}

	return nil
}

// hasDotDotSegment reports whether any slash-separated segment of arg
// is exactly "..".
func hasDotDotSegment(arg string) bool {
	for _, seg := range strings.Split(arg, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
