package workspace

import (
	"context"
	"strings"
)

// CommitOptions configures a commit operation
type CommitOptions struct {
	// Message is the commit message
	Message string

	// NoVerify skips pre-commit hooks (default: true during tasks)
	NoVerify bool

	// AllowEmpty permits commits with no changes
	AllowEmpty bool
}

// Commit commits staged changes in a workspace
func Commit(ctx context.Context, workspacePath string, opts CommitOptions) error {
	args := []string{"commit", "-m", opts.Message}

	if opts.NoVerify {
		args = append(args, "--no-verify")
	}
	if opts.AllowEmpty {
		args = append(args, "--allow-empty")
	}

	_, err := gitExec(ctx, workspacePath, args...)
	return err
}

// StageAll stages all changes in a workspace (git add -A)
func StageAll(ctx context.Context, workspacePath string) error {
	_, err := gitExec(ctx, workspacePath, "add", "-A")
	return err
}

// HasUncommittedChanges checks if there are uncommitted changes
func HasUncommittedChanges(ctx context.Context, workspacePath string) (bool, error) {
	output, err := gitExec(ctx, workspacePath, "status", "--porcelain")
	if err != nil {
		return false, err
	}

	return strings.TrimSpace(output) != "", nil
}

// DiffNameOnly returns the paths changed since HEAD.
func DiffNameOnly(ctx context.Context, workspacePath string) ([]string, error) {
	output, err := gitExec(ctx, workspacePath, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// DiffStat returns the normalized `git diff --stat` output since HEAD.
// Trailing whitespace per line is stripped so equal diffs compare equal
// regardless of terminal-width padding.
func DiffStat(ctx context.Context, workspacePath string) (string, error) {
	output, err := gitExec(ctx, workspacePath, "diff", "--stat", "HEAD")
	if err != nil {
		return "", err
	}

	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n"), nil
}

// CheckoutBranch creates (or resets) branch at HEAD and switches to it.
func CheckoutBranch(ctx context.Context, workspacePath, branch string) error {
	_, err := gitExec(ctx, workspacePath, "checkout", "-B", branch)
	return err
}

// Push pushes branch to origin, creating the upstream on first push.
func Push(ctx context.Context, workspacePath, branch string) error {
	_, err := gitExec(ctx, workspacePath, "push", "--set-upstream", "origin", branch)
	return err
}

// CurrentHead retrieves the current HEAD commit hash.
func CurrentHead(ctx context.Context, workspacePath string) (string, error) {
	output, err := gitExec(ctx, workspacePath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// RevParse resolves an arbitrary revision to a commit hash.
func RevParse(ctx context.Context, workspacePath, rev string) (string, error) {
	output, err := gitExec(ctx, workspacePath, "rev-parse", rev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// MergeBase returns the merge base of two revisions.
func MergeBase(ctx context.Context, workspacePath, a, b string) (string, error) {
	output, err := gitExec(ctx, workspacePath, "merge-base", a, b)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// Rebase rebases the current branch onto the given revision.
func Rebase(ctx context.Context, workspacePath, onto string) error {
	_, err := gitExec(ctx, workspacePath, "rebase", onto)
	if err != nil {
		// Leave the tree clean for the next attempt.
		_, _ = gitExec(ctx, workspacePath, "rebase", "--abort")
		return err
	}
	return nil
}

// MergeTreeConflicts reports whether merging rev into HEAD would
// conflict, using a non-destructive merge-tree probe.
func MergeTreeConflicts(ctx context.Context, workspacePath, rev string) (bool, error) {
	output, err := gitExec(ctx, workspacePath, "merge-tree", "--write-tree", "--name-only", "HEAD", rev)
	if err != nil {
		// merge-tree exits non-zero when conflicts exist; the output
		// still lists the conflicted paths.
		if strings.Contains(err.Error(), "exit 1") {
			return true, nil
		}
		return false, err
	}
	_ = output
	return false, nil
}
