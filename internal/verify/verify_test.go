package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/droverhq/drover/internal/workspace"
)

// fakeWorkspace serves one canned exec result and a real temp dir for
// artifact reads.
type fakeWorkspace struct {
	dir          string
	result       workspace.ExecResult
	err          error
	lastArgv     []string
	allowNonZero bool
}

func (f *fakeWorkspace) Run(ctx context.Context, taskID string, argv []string, allowNonZero bool) (workspace.ExecResult, error) {
	f.lastArgv = argv
	f.allowNonZero = allowNonZero
	return f.result, f.err
}

func (f *fakeWorkspace) Path(taskID string) (string, error) { return f.dir, nil }

func newTestVerifier(t *testing.T, res workspace.ExecResult) (*Verifier, *fakeWorkspace) {
	t.Helper()
	ws := &fakeWorkspace{dir: t.TempDir(), result: res}
	return New(Config{}, ws, nil), ws
}

func writeArtifact(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ArtifactName), []byte(content), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}

func TestRun_UsesVerifyCommand(t *testing.T) {
	v, ws := newTestVerifier(t, workspace.ExecResult{ExitCode: 0})

	if _, err := v.Run(context.Background(), "t1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := strings.Join(ws.lastArgv, " "); got != "pnpm verify" {
		t.Errorf("expected pnpm verify, got %q", got)
	}
	if !ws.allowNonZero {
		t.Error("verification must tolerate non-zero exits")
	}
}

func TestRun_CleanPass(t *testing.T) {
	v, _ := newTestVerifier(t, workspace.ExecResult{ExitCode: 0, Stdout: "42 tests passed\n"})

	report, err := v.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Success {
		t.Errorf("expected success, got %+v", report)
	}
}

func TestRun_ScavengeStdoutFailures(t *testing.T) {
	stdout := strings.Join([]string{
		"compiling...",
		"  ✖ button renders",
		"ERROR src/app.ts(3,1): TS2322",
		"  × layout aligns",
		"3 tests failed",
		"done",
	}, "\n")
	v, _ := newTestVerifier(t, workspace.ExecResult{ExitCode: 1, Stdout: stdout})

	report, err := v.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Success {
		t.Error("expected failure")
	}
	want := []string{"✖ button renders", "ERROR src/app.ts(3,1): TS2322", "× layout aligns", "3 tests failed"}
	if len(report.Failures) != len(want) {
		t.Fatalf("failures = %v, want %v", report.Failures, want)
	}
	for i := range want {
		if report.Failures[i] != want[i] {
			t.Errorf("failures[%d] = %q, want %q", i, report.Failures[i], want[i])
		}
	}
}

func TestRun_ScavengeKeepsLastTwenty(t *testing.T) {
	var lines []string
	for i := 1; i <= 30; i++ {
		lines = append(lines, fmt.Sprintf("error %d", i))
	}
	v, _ := newTestVerifier(t, workspace.ExecResult{ExitCode: 1, Stdout: strings.Join(lines, "\n")})

	report, err := v.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(report.Failures) != 20 {
		t.Fatalf("expected 20 failures kept, got %d", len(report.Failures))
	}
	if report.Failures[0] != "error 11" || report.Failures[19] != "error 30" {
		t.Errorf("expected the last 20 lines, got first=%q last=%q", report.Failures[0], report.Failures[19])
	}
}

func TestRun_ExitZeroWithFailureLinesFails(t *testing.T) {
	v, _ := newTestVerifier(t, workspace.ExecResult{ExitCode: 0, Stdout: "1 test failed\n"})

	report, err := v.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Success {
		t.Error("failure lines must veto a zero exit")
	}
}

func TestRun_ArtifactFlagOverridesExitCode(t *testing.T) {
	v, ws := newTestVerifier(t, workspace.ExecResult{ExitCode: 1, Stdout: "error: flaky harness\n"})
	writeArtifact(t, ws.dir, `{"success": true}`)

	report, err := v.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Success {
		t.Error("artifact success flag should win over exit code")
	}
	if report.Artifact == nil {
		t.Fatal("expected parsed artifact on report")
	}
	if len(report.Failures) != 0 {
		t.Errorf("artifact without failures should suppress scavenging, got %v", report.Failures)
	}
}

func TestRun_ArtifactFlagPrecedence(t *testing.T) {
	cases := []struct {
		name    string
		content string
		success bool
	}{
		{"success wins over ok", `{"success": false, "ok": true}`, false},
		{"ok wins over passed", `{"ok": true, "passed": false}`, true},
		{"passed alone", `{"passed": true}`, true},
		{"explicit false", `{"success": false}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, ws := newTestVerifier(t, workspace.ExecResult{ExitCode: 0})
			writeArtifact(t, ws.dir, tc.content)

			report, err := v.Run(context.Background(), "t1")
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if report.Success != tc.success {
				t.Errorf("success = %v, want %v", report.Success, tc.success)
			}
		})
	}
}

func TestRun_ArtifactWithoutFlagUsesExitAndFailures(t *testing.T) {
	v, ws := newTestVerifier(t, workspace.ExecResult{ExitCode: 0})
	writeArtifact(t, ws.dir, `{"failures": ["lint: unused import"]}`)

	report, err := v.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Success {
		t.Error("artifact failures must veto success when no flag is present")
	}
	if len(report.Failures) != 1 || report.Failures[0] != "lint: unused import" {
		t.Errorf("failures = %v", report.Failures)
	}
}

func TestRun_MalformedArtifactFallsBackToScavenge(t *testing.T) {
	v, ws := newTestVerifier(t, workspace.ExecResult{ExitCode: 1, Stdout: "error: boom\n"})
	writeArtifact(t, ws.dir, `{not json`)

	report, err := v.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Artifact != nil {
		t.Error("malformed artifact should be ignored")
	}
	if len(report.Failures) != 1 || report.Failures[0] != "error: boom" {
		t.Errorf("failures = %v", report.Failures)
	}
}

func TestRun_WorkspaceErrorPropagates(t *testing.T) {
	ws := &fakeWorkspace{dir: t.TempDir(), err: fmt.Errorf("workspace gone")}
	v := New(Config{}, ws, nil)

	if _, err := v.Run(context.Background(), "t1"); err == nil {
		t.Fatal("expected error when the command cannot run")
	}
}

func TestRun_CustomCommand(t *testing.T) {
	ws := &fakeWorkspace{dir: t.TempDir(), result: workspace.ExecResult{ExitCode: 0}}
	v := New(Config{Command: []string{"pnpm", "test"}}, ws, nil)

	if _, err := v.Run(context.Background(), "t1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Join(ws.lastArgv, " "); got != "pnpm test" {
		t.Errorf("expected pnpm test, got %q", got)
	}
}
