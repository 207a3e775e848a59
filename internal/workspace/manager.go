// Package workspace provisions per-task checkouts from a shared bare
// repository and executes allowlisted commands inside them.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/events"
)

// bareRepoName is the shared bare repository directory under the root.
const bareRepoName = ".bare-repo"

// CommandRecord captures one workspace command for the audit trail.
type CommandRecord struct {
	TaskID     string
	Argv       []string
	ExitCode   int
	DurationMS int64
	At         time.Time
}

// CommandAuditor persists command records. Implementations must be safe
// for concurrent use; recording is best-effort and never fails a run.
type CommandAuditor interface {
	RecordCommand(ctx context.Context, rec CommandRecord) error
}

// Config configures a Manager.
type Config struct {
	// Root is the workspaces root directory.
	Root string

	// Upstream is the clone URL for the shared bare repository.
	// Empty means a fresh bare repo is initialized instead of cloned.
	Upstream string

	// DefaultBranch is the branch workspaces start from (default main).
	DefaultBranch string

	// ShellEnabled gates Run. SHELL_TOOL_ENABLED=false turns this off.
	ShellEnabled bool

	// Bus receives workspace events (may be nil).
	Bus *events.Bus

	// Audit receives command records (may be nil).
	Audit CommandAuditor
}

// Manager provisions and destroys workspaces and runs commands in them.
type Manager struct {
	root          string
	upstream      string
	defaultBranch string
	shellEnabled  bool
	bus           *events.Bus
	audit         CommandAuditor
}

// NewManager creates a workspace manager.
func NewManager(cfg Config) *Manager {
	branch := cfg.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	return &Manager{
		root:          filepath.Clean(cfg.Root),
		upstream:      cfg.Upstream,
		defaultBranch: branch,
		shellEnabled:  cfg.ShellEnabled,
		bus:           cfg.Bus,
		audit:         cfg.Audit,
	}
}

// Root returns the workspaces root directory.
func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) emit(e events.Event) {
	if m.bus != nil {
		m.bus.Emit(e)
	}
}

// Path validates taskID and returns its workspace directory without
// touching the filesystem.
func (m *Manager) Path(taskID string) (string, error) {
	if err := validateTaskID(taskID); err != nil {
		return "", err
	}
	return resolveUnderRoot(m.root, taskID)
}

// Create provisions the workspace for taskID and returns its path.
//
// An existing directory with a .git entry is accepted as-is. An
// existing empty directory, or no directory, is registered as a
// detached worktree of the shared bare repository.
func (m *Manager) Create(ctx context.Context, taskID string) (string, error) {
	path, err := m.Path(taskID)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		if _, gitErr := os.Stat(filepath.Join(path, ".git")); gitErr == nil {
			return path, nil
		}
		empty, emptyErr := isEmptyDir(path)
		if emptyErr != nil {
			return "", fmt.Errorf("inspect workspace %s: %w", path, emptyErr)
		}
		if !empty {
			return "", fmt.Errorf("%s: %w", path, ErrNotAWorkspace)
		}
	case err == nil:
		return "", fmt.Errorf("%s is a file: %w", path, ErrNotAWorkspace)
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("stat workspace %s: %w", path, err)
	}

	barePath, err := m.ensureBareRepo(ctx)
	if err != nil {
		return "", err
	}

	lock := getBareLock(barePath)
	lock.Lock()
	defer lock.Unlock()

	// A stale registration from an earlier crash blocks re-add.
	_, _ = gitExec(ctx, barePath, "worktree", "prune")

	if _, err := gitExec(ctx, barePath, "worktree", "add", "--detach", path); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", taskID, err)
	}

	m.emit(events.NewEvent(events.WorkspaceReady, taskID).WithPayload(map[string]interface{}{
		"path": path,
	}))
	return path, nil
}

// Destroy removes the workspace registration and directory. A missing
// workspace is not an error.
func (m *Manager) Destroy(ctx context.Context, taskID string) error {
	path, err := m.Path(taskID)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	barePath := filepath.Join(m.root, bareRepoName)
	if _, err := os.Stat(barePath); err == nil {
		lock := getBareLock(barePath)
		lock.Lock()
		_, rmErr := gitExec(ctx, barePath, "worktree", "remove", path, "--force")
		if rmErr == nil {
			_, _ = gitExec(ctx, barePath, "worktree", "prune")
		}
		lock.Unlock()
		if rmErr == nil {
			_ = os.RemoveAll(path)
			m.emit(events.NewEvent(events.WorkspaceGone, taskID))
			return nil
		}
	}

	// Registration removal failed or no bare repo: take the directory
	// down directly.
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", taskID, err)
	}

	m.emit(events.NewEvent(events.WorkspaceGone, taskID))
	return nil
}

// Run executes argv inside the task's workspace.
//
// The command is validated against the execution contract before
// spawning. With allowNonZero false, a non-zero exit is an error.
func (m *Manager) Run(ctx context.Context, taskID string, argv []string, allowNonZero bool) (ExecResult, error) {
	if !m.shellEnabled {
		return ExecResult{}, ErrShellDisabled
	}

	path, err := m.Path(taskID)
	if err != nil {
		return ExecResult{}, err
	}

	if err := validateCommand(path, argv); err != nil {
		return ExecResult{}, err
	}

	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return ExecResult{}, fmt.Errorf("%s: %w", taskID, ErrWorkspaceMissing)
	}

	start := time.Now()
	res, err := DefaultRunner().Exec(ctx, path, argv)
	m.recordCommand(ctx, taskID, argv, res, start)

	if err != nil {
		return res, err
	}

	m.emit(events.NewEvent(events.CommandExecuted, taskID).WithPayload(map[string]interface{}{
		"argv":     strings.Join(argv, " "),
		"exitCode": res.ExitCode,
	}))

	if !allowNonZero && res.ExitCode != 0 {
		return res, fmt.Errorf("%s exited %d: %s", argv[0], res.ExitCode, tail(res.Stderr, 500))
	}
	return res, nil
}

func (m *Manager) recordCommand(ctx context.Context, taskID string, argv []string, res ExecResult, start time.Time) {
	if m.audit == nil {
		return
	}
	// Audit failures never fail the command.
	_ = m.audit.RecordCommand(ctx, CommandRecord{
		TaskID:     taskID,
		Argv:       argv,
		ExitCode:   res.ExitCode,
		DurationMS: time.Since(start).Milliseconds(),
		At:         start.UTC(),
	})
}

// ensureBareRepo clones (or initializes) the shared bare repository on
// first use and fetches on subsequent uses. Fetch failures are ignored:
// a stale base is preferable to a dead controller when the remote is
// unreachable.
func (m *Manager) ensureBareRepo(ctx context.Context) (string, error) {
	barePath := filepath.Join(m.root, bareRepoName)

	if _, err := os.Stat(barePath); err == nil {
		_, _ = gitExec(ctx, barePath, "fetch", "origin")
		return barePath, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat bare repo: %w", err)
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("create workspaces root: %w", err)
	}

	if m.upstream == "" {
		if _, err := gitExec(ctx, m.root, "init", "--bare", bareRepoName); err != nil {
			return "", fmt.Errorf("init bare repo: %w", err)
		}
		return barePath, nil
	}

	if _, err := gitExec(ctx, m.root, "clone", "--bare", "--depth", "1", m.upstream, bareRepoName); err != nil {
		return "", fmt.Errorf("clone bare repo: %w", err)
	}
	return barePath, nil
}

func isEmptyDir(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
