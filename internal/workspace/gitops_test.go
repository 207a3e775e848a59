package workspace

import (
	"context"
	"testing"
)

func setupGitRunner(t *testing.T) *fakeRunner {
	t.Helper()
	runner := newFakeRunner()
	SetDefaultRunner(runner)
	t.Cleanup(func() { SetDefaultRunner(nil) })
	return runner
}

func TestDiffNameOnly(t *testing.T) {
	runner := setupGitRunner(t)
	runner.stubOK("git diff --name-only HEAD", "src/index.ts\npackage.json\n")

	files, err := DiffNameOnly(context.Background(), "/ws/t1")
	if err != nil {
		t.Fatalf("DiffNameOnly: %v", err)
	}
	if len(files) != 2 || files[0] != "src/index.ts" || files[1] != "package.json" {
		t.Errorf("unexpected files: %v", files)
	}
}

func TestDiffNameOnly_Empty(t *testing.T) {
	runner := setupGitRunner(t)
	runner.stubOK("git diff --name-only HEAD", "\n")

	files, err := DiffNameOnly(context.Background(), "/ws/t1")
	if err != nil {
		t.Fatalf("DiffNameOnly: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected no files, got %v", files)
	}
}

func TestDiffStat_NormalizesTrailingWhitespace(t *testing.T) {
	runner := setupGitRunner(t)
	runner.stubOK("git diff --stat HEAD", " src/a.ts | 2 +-   \n 1 file changed, 1 insertion(+), 1 deletion(-)  \n")

	stat, err := DiffStat(context.Background(), "/ws/t1")
	if err != nil {
		t.Fatalf("DiffStat: %v", err)
	}
	want := " src/a.ts | 2 +-\n 1 file changed, 1 insertion(+), 1 deletion(-)"
	if stat != want {
		t.Errorf("DiffStat = %q, want %q", stat, want)
	}
}

func TestHasUncommittedChanges(t *testing.T) {
	runner := setupGitRunner(t)
	runner.stubOK("git status --porcelain", " M src/a.ts\n")
	runner.stubOK("git status --porcelain", "\n")

	dirty, err := HasUncommittedChanges(context.Background(), "/ws/t1")
	if err != nil {
		t.Fatalf("HasUncommittedChanges: %v", err)
	}
	if !dirty {
		t.Error("expected dirty tree")
	}

	clean, err := HasUncommittedChanges(context.Background(), "/ws/t1")
	if err != nil {
		t.Fatalf("HasUncommittedChanges: %v", err)
	}
	if clean {
		t.Error("expected clean tree")
	}
}

func TestCommit_Flags(t *testing.T) {
	runner := setupGitRunner(t)
	runner.stubOK("git commit -m msg --no-verify", "")

	err := Commit(context.Background(), "/ws/t1", CommitOptions{Message: "msg", NoVerify: true})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if runner.callsFor("git", "commit", "-m", "msg", "--no-verify") != 1 {
		t.Error("expected commit with --no-verify")
	}
}

func TestCurrentHead(t *testing.T) {
	runner := setupGitRunner(t)
	runner.stubOK("git rev-parse HEAD", "abc123\n")

	head, err := CurrentHead(context.Background(), "/ws/t1")
	if err != nil {
		t.Fatalf("CurrentHead: %v", err)
	}
	if head != "abc123" {
		t.Errorf("expected abc123, got %q", head)
	}
}
