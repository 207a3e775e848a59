package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setupManager installs a fake runner for the test's lifetime and
// returns a manager rooted in a temp directory.
func setupManager(t *testing.T) (*Manager, *fakeRunner, string) {
	t.Helper()

	runner := newFakeRunner()
	SetDefaultRunner(runner)
	t.Cleanup(func() { SetDefaultRunner(nil) })

	root := t.TempDir()
	m := NewManager(Config{Root: root, ShellEnabled: true})
	return m, runner, root
}

func TestManager_CreateRejectsBadIDsBeforeFilesystem(t *testing.T) {
	m, runner, root := setupManager(t)

	bad := []string{"..", "/etc", "a/../b", "", strings.Repeat("a", 200)}
	for _, id := range bad {
		_, err := m.Create(context.Background(), id)
		if !errors.Is(err, ErrInvalidTaskID) {
			t.Errorf("Create(%q) = %v, want ErrInvalidTaskID", id, err)
		}
	}

	if runner.callCount() != 0 {
		t.Errorf("expected no subprocess calls for invalid ids, got %d", runner.callCount())
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected untouched root, found %d entries", len(entries))
	}
}

func TestManager_CreateInitializesWorktree(t *testing.T) {
	m, runner, root := setupManager(t)

	wsPath := filepath.Join(root, "t1")

	runner.stubOK("git init --bare .bare-repo", "")
	runner.stubOK("git worktree prune", "")
	runner.stubOK("git worktree add --detach "+wsPath, "")

	got, err := m.Create(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got != wsPath {
		t.Errorf("expected path %s, got %s", wsPath, got)
	}
	if runner.callsFor("git", "init", "--bare", ".bare-repo") != 1 {
		t.Error("expected bare repo init")
	}
	if runner.callsFor("git", "worktree", "add", "--detach", wsPath) != 1 {
		t.Error("expected worktree add")
	}
}

func TestManager_CreateFetchesExistingBareRepo(t *testing.T) {
	m, runner, root := setupManager(t)

	if err := os.MkdirAll(filepath.Join(root, bareRepoName), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	wsPath := filepath.Join(root, "t1")

	runner.stubOK("git fetch origin", "")
	runner.stubOK("git worktree prune", "")
	runner.stubOK("git worktree add --detach "+wsPath, "")

	if _, err := m.Create(context.Background(), "t1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if runner.callsFor("git", "fetch", "origin") != 1 {
		t.Error("expected fetch against existing bare repo")
	}
}

func TestManager_CreateAcceptsExistingCheckout(t *testing.T) {
	m, runner, root := setupManager(t)

	wsPath := filepath.Join(root, "t1")
	if err := os.MkdirAll(filepath.Join(wsPath, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := m.Create(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got != wsPath {
		t.Errorf("expected %s, got %s", wsPath, got)
	}
	if runner.callCount() != 0 {
		t.Errorf("expected no git calls for existing checkout, got %d", runner.callCount())
	}
}

func TestManager_CreateRejectsForeignDirectory(t *testing.T) {
	m, _, root := setupManager(t)

	wsPath := filepath.Join(root, "t1")
	if err := os.MkdirAll(wsPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wsPath, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := m.Create(context.Background(), "t1")
	if !errors.Is(err, ErrNotAWorkspace) {
		t.Fatalf("expected ErrNotAWorkspace, got %v", err)
	}
}

func TestManager_DestroyAbsentIsNoop(t *testing.T) {
	m, runner, _ := setupManager(t)

	if err := m.Destroy(context.Background(), "ghost-task"); err != nil {
		t.Fatalf("Destroy absent: %v", err)
	}
	if runner.callCount() != 0 {
		t.Errorf("expected no calls, got %d", runner.callCount())
	}
}

func TestManager_DestroyFallsBackToRemoveAll(t *testing.T) {
	m, runner, root := setupManager(t)

	wsPath := filepath.Join(root, "t1")
	if err := os.MkdirAll(wsPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, bareRepoName), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	runner.stub("git worktree remove "+wsPath+" --force", ExecResult{ExitCode: 128, Stderr: "not a working tree"}, nil)

	if err := m.Destroy(context.Background(), "t1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(wsPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected directory removed, stat err=%v", err)
	}
}

func TestManager_RunShellDisabled(t *testing.T) {
	runner := newFakeRunner()
	SetDefaultRunner(runner)
	t.Cleanup(func() { SetDefaultRunner(nil) })

	m := NewManager(Config{Root: t.TempDir(), ShellEnabled: false})

	_, err := m.Run(context.Background(), "t1", []string{"pnpm", "verify"}, false)
	if !errors.Is(err, ErrShellDisabled) {
		t.Fatalf("expected ErrShellDisabled, got %v", err)
	}
}

func TestManager_RunMissingWorkspace(t *testing.T) {
	m, _, _ := setupManager(t)

	_, err := m.Run(context.Background(), "t1", []string{"pnpm", "verify"}, false)
	if !errors.Is(err, ErrWorkspaceMissing) {
		t.Fatalf("expected ErrWorkspaceMissing, got %v", err)
	}
}

func TestManager_RunValidatesBeforeSpawn(t *testing.T) {
	m, runner, root := setupManager(t)
	if err := os.MkdirAll(filepath.Join(root, "t1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	_, err := m.Run(context.Background(), "t1", []string{"rm", "-rf", "."}, false)
	if !errors.Is(err, ErrCommandBlocked) {
		t.Fatalf("expected ErrCommandBlocked, got %v", err)
	}
	if runner.callCount() != 0 {
		t.Errorf("expected no spawn for blocked command, got %d calls", runner.callCount())
	}
}

func TestManager_RunExitCodes(t *testing.T) {
	m, runner, root := setupManager(t)
	if err := os.MkdirAll(filepath.Join(root, "t1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	runner.stub("pnpm verify", ExecResult{ExitCode: 1, Stderr: "2 failing"}, nil)
	res, err := m.Run(context.Background(), "t1", []string{"pnpm", "verify"}, true)
	if err != nil {
		t.Fatalf("allowNonZero run: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("expected exit 1, got %d", res.ExitCode)
	}

	runner.stub("pnpm verify", ExecResult{ExitCode: 1, Stderr: "2 failing"}, nil)
	_, err = m.Run(context.Background(), "t1", []string{"pnpm", "verify"}, false)
	if err == nil {
		t.Fatal("expected error for non-zero exit without allowNonZero")
	}
}

type recordingAuditor struct {
	records []CommandRecord
}

func (a *recordingAuditor) RecordCommand(ctx context.Context, rec CommandRecord) error {
	a.records = append(a.records, rec)
	return nil
}

func TestManager_RunRecordsAudit(t *testing.T) {
	runner := newFakeRunner()
	SetDefaultRunner(runner)
	t.Cleanup(func() { SetDefaultRunner(nil) })

	root := t.TempDir()
	auditor := &recordingAuditor{}
	m := NewManager(Config{Root: root, ShellEnabled: true, Audit: auditor})

	if err := os.MkdirAll(filepath.Join(root, "t1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	runner.stubOK("git status", "")

	if _, err := m.Run(context.Background(), "t1", []string{"git", "status"}, false); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(auditor.records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(auditor.records))
	}
	rec := auditor.records[0]
	if rec.TaskID != "t1" {
		t.Errorf("expected task t1, got %s", rec.TaskID)
	}
	if strings.Join(rec.Argv, " ") != "git status" {
		t.Errorf("expected argv recorded, got %v", rec.Argv)
	}
}
