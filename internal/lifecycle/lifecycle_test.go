package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/droverhq/drover/internal/artifacts"
	"github.com/droverhq/drover/internal/checker"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/fixloop"
	"github.com/droverhq/drover/internal/hostapi"
	"github.com/droverhq/drover/internal/memory"
	"github.com/droverhq/drover/internal/task"
	"github.com/droverhq/drover/internal/turn"
	"github.com/droverhq/drover/internal/workspace"
)

type fakeWorkspaces struct {
	root      string
	createErr error
	created   []string
}

func (f *fakeWorkspaces) Create(_ context.Context, taskID string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	dir := filepath.Join(f.root, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f.created = append(f.created, taskID)
	return dir, nil
}

func (f *fakeWorkspaces) Path(taskID string) (string, error) {
	return filepath.Join(f.root, taskID), nil
}

type fakeDispatcher struct {
	threadErr   error
	dispatchErr error
	message     string
	requests    []turn.Request
}

func (f *fakeDispatcher) StartThread(context.Context) (string, error) {
	if f.threadErr != nil {
		return "", f.threadErr
	}
	return "th_lifecycle", nil
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req turn.Request) (turn.Result, error) {
	f.requests = append(f.requests, req)
	if f.dispatchErr != nil {
		return turn.Result{}, f.dispatchErr
	}
	return turn.Result{ThreadID: req.ThreadID, Status: "completed", Message: f.message}, nil
}

type fakeFixer struct {
	result fixloop.Result
	err    error
	calls  []string
}

func (f *fakeFixer) FixUntilGreen(_ context.Context, taskID string) (fixloop.Result, error) {
	f.calls = append(f.calls, taskID)
	return f.result, f.err
}

type fakeCompactor struct {
	threads []string
	err     error
}

func (f *fakeCompactor) MaybeCompact(_ context.Context, threadID string) (bool, error) {
	f.threads = append(f.threads, threadID)
	return false, f.err
}

type fakeHost struct {
	openErr  error
	opened   []hostapi.OpenPRRequest
	pr       hostapi.PRInfo
	comments map[int]string
}

func (f *fakeHost) OpenPR(_ context.Context, req hostapi.OpenPRRequest) (hostapi.PRInfo, error) {
	f.opened = append(f.opened, req)
	if f.openErr != nil {
		return hostapi.PRInfo{}, f.openErr
	}
	return f.pr, nil
}

func (f *fakeHost) MergePR(context.Context, int, hostapi.MergeStrategy) (hostapi.MergeResult, error) {
	return hostapi.MergeResult{}, errors.New("not implemented")
}

func (f *fakeHost) ListChecks(context.Context, string) ([]hostapi.CheckRun, error) {
	return nil, nil
}

func (f *fakeHost) ListReviews(context.Context, int) ([]hostapi.Review, error) {
	return nil, nil
}

func (f *fakeHost) PostReview(context.Context, int, hostapi.ReviewRequest) error { return nil }

func (f *fakeHost) PostComment(_ context.Context, prNumber int, body string) error {
	if f.comments == nil {
		f.comments = make(map[int]string)
	}
	f.comments[prNumber] = body
	return nil
}

func (f *fakeHost) GetPRInfo(context.Context, int) (hostapi.PRInfo, error) {
	return f.pr, nil
}

type fakeMemory struct {
	notes []memory.Note
	err   error
}

func (f *fakeMemory) Append(n memory.Note) error {
	if f.err != nil {
		return f.err
	}
	f.notes = append(f.notes, n)
	return nil
}

type fakeArtifacts struct {
	calls []string
	err   error
}

func (f *fakeArtifacts) Collect(_ context.Context, taskID, _ string) ([]artifacts.Artifact, error) {
	f.calls = append(f.calls, taskID)
	return nil, f.err
}

type fakeEvals struct {
	runs []checker.EvalRun
	err  error
}

func (f *fakeEvals) Record(run checker.EvalRun) error {
	f.runs = append(f.runs, run)
	return f.err
}

type gitCalls struct {
	checkouts []string
	stages    int
	commits   []workspace.CommitOptions
	pushes    []string
	dirty     bool
}

// stubGit replaces the package-level git funcs with recorders and
// restores the real ones on cleanup.
func stubGit(t *testing.T, dirty bool) *gitCalls {
	t.Helper()
	calls := &gitCalls{dirty: dirty}

	checkoutBranch = func(_ context.Context, _, branch string) error {
		calls.checkouts = append(calls.checkouts, branch)
		return nil
	}
	stageAll = func(context.Context, string) error {
		calls.stages++
		return nil
	}
	hasUncommitted = func(context.Context, string) (bool, error) {
		return calls.dirty, nil
	}
	gitCommit = func(_ context.Context, _ string, opts workspace.CommitOptions) error {
		calls.commits = append(calls.commits, opts)
		return nil
	}
	gitPush = func(_ context.Context, _, branch string) error {
		calls.pushes = append(calls.pushes, branch)
		return nil
	}

	t.Cleanup(func() {
		checkoutBranch = workspace.CheckoutBranch
		stageAll = workspace.StageAll
		hasUncommitted = workspace.HasUncommittedChanges
		gitCommit = workspace.Commit
		gitPush = workspace.Push
	})
	return calls
}

type fixture struct {
	orch       *Orchestrator
	registry   *task.Registry
	workspaces *fakeWorkspaces
	dispatcher *fakeDispatcher
	fixer      *fakeFixer
	compactor  *fakeCompactor
	host       *fakeHost
	memory     *fakeMemory
	artifacts  *fakeArtifacts
	evals      *fakeEvals
	git        *gitCalls
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry:   task.NewRegistry(t.TempDir(), nil),
		workspaces: &fakeWorkspaces{root: t.TempDir()},
		dispatcher: &fakeDispatcher{},
		fixer:      &fakeFixer{result: fixloop.Result{Success: true, Iterations: 2}},
		compactor:  &fakeCompactor{},
		host:       &fakeHost{pr: hostapi.PRInfo{Number: 7, URL: "https://github.test/pr/7"}},
		memory:     &fakeMemory{},
		artifacts:  &fakeArtifacts{},
		evals:      &fakeEvals{},
		git:        stubGit(t, true),
	}
	f.orch = New(Config{}, Dependencies{
		Tasks:      f.registry,
		Workspaces: f.workspaces,
		Dispatcher: f.dispatcher,
		FixLoop:    f.fixer,
		Host:       f.host,
		Compaction: f.compactor,
		Memory:     f.memory,
		Artifacts:  f.artifacts,
		Evals:      f.evals,
		Bus:        events.NewBus(),
	})
	return f
}

func TestStartTaskProvisionsWithoutTurns(t *testing.T) {
	f := newFixture(t)

	got, err := f.orch.StartTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if got.ID != "t1" || got.Branch != "t1" {
		t.Errorf("task = %+v", got)
	}
	if got.Status != task.StatusCreated {
		t.Errorf("status = %q, want %q", got.Status, task.StatusCreated)
	}

	if len(f.git.checkouts) != 1 || f.git.checkouts[0] != "t1" {
		t.Errorf("checkouts = %v", f.git.checkouts)
	}
	if len(f.dispatcher.requests) != 0 {
		t.Errorf("no turns expected, got %d", len(f.dispatcher.requests))
	}
}

func TestStartTaskDuplicate(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.StartTask(context.Background(), "t1"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if _, err := f.orch.StartTask(context.Background(), "t1"); err == nil {
		t.Error("second StartTask should fail on the existing record")
	}
}

func TestRunMutationHappyPath(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch")
	if err != nil {
		t.Fatalf("RunMutation: %v", err)
	}

	if !result.Success {
		t.Error("expected success")
	}
	if result.TaskID != "t1" || result.Branch != "t1" {
		t.Errorf("unexpected identity: %+v", result)
	}
	if result.PRURL != "https://github.test/pr/7" {
		t.Errorf("PRURL = %q", result.PRURL)
	}
	if result.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", result.Iterations)
	}

	got, err := f.registry.Get("t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusPROpened {
		t.Errorf("status = %q, want %q", got.Status, task.StatusPROpened)
	}
	if got.ThreadID != "th_lifecycle" {
		t.Errorf("thread = %q", got.ThreadID)
	}
	if got.Branch != "t1" {
		t.Errorf("branch = %q", got.Branch)
	}
}

func TestRunMutationDeploysInstructions(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch"); err != nil {
		t.Fatalf("RunMutation: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(f.workspaces.root, "t1", "AGENTS.md"))
	if err != nil {
		t.Fatalf("instructions not deployed: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "add retry to fetch") {
		t.Error("instructions missing the objective")
	}
	if !strings.Contains(content, "pnpm verify") {
		t.Error("instructions missing the verify rule")
	}
}

func TestRunMutationImplementationTurn(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch"); err != nil {
		t.Fatalf("RunMutation: %v", err)
	}

	if len(f.dispatcher.requests) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(f.dispatcher.requests))
	}
	req := f.dispatcher.requests[0]
	if req.TaskID != "t1" || req.ThreadID != "th_lifecycle" {
		t.Errorf("unexpected turn identity: %+v", req)
	}
	if !strings.Contains(req.Prompt, "add retry to fetch") {
		t.Error("prompt missing the objective")
	}
	if req.Cwd != filepath.Join(f.workspaces.root, "t1") {
		t.Errorf("cwd = %q", req.Cwd)
	}
	if want := []string{"th_lifecycle"}; len(f.compactor.threads) != 1 || f.compactor.threads[0] != want[0] {
		t.Errorf("compactor saw %v, want %v", f.compactor.threads, want)
	}
}

func TestRunMutationGitFlow(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch"); err != nil {
		t.Fatalf("RunMutation: %v", err)
	}

	if len(f.git.checkouts) != 1 || f.git.checkouts[0] != "t1" {
		t.Errorf("checkouts = %v", f.git.checkouts)
	}
	if f.git.stages != 1 {
		t.Errorf("stages = %d", f.git.stages)
	}
	if len(f.git.commits) != 1 {
		t.Fatalf("commits = %d", len(f.git.commits))
	}
	if !f.git.commits[0].NoVerify {
		t.Error("commit should skip hooks")
	}
	if !strings.Contains(f.git.commits[0].Message, "t1") {
		t.Errorf("commit message = %q", f.git.commits[0].Message)
	}
	if len(f.git.pushes) != 1 || f.git.pushes[0] != "t1" {
		t.Errorf("pushes = %v", f.git.pushes)
	}
}

func TestRunMutationSkipsCommitWhenClean(t *testing.T) {
	f := newFixture(t)
	f.git.dirty = false

	if _, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch"); err != nil {
		t.Fatalf("RunMutation: %v", err)
	}

	if len(f.git.commits) != 0 {
		t.Errorf("expected no commit on a clean tree, got %d", len(f.git.commits))
	}
	if len(f.git.pushes) != 1 {
		t.Errorf("clean tree should still push, got %d pushes", len(f.git.pushes))
	}
}

func TestRunMutationOpensPRAgainstBase(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch"); err != nil {
		t.Fatalf("RunMutation: %v", err)
	}

	if len(f.host.opened) != 1 {
		t.Fatalf("expected 1 PR, got %d", len(f.host.opened))
	}
	req := f.host.opened[0]
	if req.Head != "t1" || req.Base != "main" {
		t.Errorf("PR head/base = %q/%q", req.Head, req.Base)
	}
	if !strings.Contains(req.Title, "add retry to fetch") {
		t.Errorf("PR title = %q", req.Title)
	}
	if !strings.Contains(req.Body, "2 iteration") {
		t.Errorf("PR body missing iteration count: %q", req.Body)
	}
}

func TestRunMutationEnrichment(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch"); err != nil {
		t.Fatalf("RunMutation: %v", err)
	}

	if len(f.memory.notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(f.memory.notes))
	}
	note := f.memory.notes[0]
	if note.TaskID != "t1" || note.Objective != "add retry to fetch" {
		t.Errorf("unexpected note: %+v", note)
	}
	if note.Iterations != 2 {
		t.Errorf("note iterations = %d", note.Iterations)
	}
	if !strings.Contains(note.Outcome, "pr_opened") {
		t.Errorf("note outcome = %q", note.Outcome)
	}
	if len(f.artifacts.calls) != 1 || f.artifacts.calls[0] != "t1" {
		t.Errorf("artifact calls = %v", f.artifacts.calls)
	}
}

func TestRunMutationEnrichmentFailuresSwallowed(t *testing.T) {
	f := newFixture(t)
	f.memory.err = errors.New("disk full")
	f.artifacts.err = errors.New("disk full")

	result, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch")
	if err != nil {
		t.Fatalf("enrichment failure leaked: %v", err)
	}
	if !result.Success {
		t.Error("expected success despite enrichment failures")
	}
}

func TestRunMutationCompactionFailureSwallowed(t *testing.T) {
	f := newFixture(t)
	f.compactor.err = errors.New("compaction broke")

	if _, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch"); err != nil {
		t.Fatalf("compaction failure leaked: %v", err)
	}
}

func TestRunMutationEmptyObjective(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.RunMutation(context.Background(), "t1", "   ")
	if !errors.Is(err, task.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(f.workspaces.created) != 0 {
		t.Error("no workspace should be provisioned for an empty objective")
	}
}

func TestRunMutationWorkspaceFailure(t *testing.T) {
	f := newFixture(t)
	f.workspaces.createErr = errors.New("clone failed")

	_, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch")
	if err == nil || !strings.Contains(err.Error(), "clone failed") {
		t.Fatalf("expected clone failure, got %v", err)
	}
	// The task was never registered, so nothing to mark failed.
	if _, err := f.registry.Get("t1"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("expected no registered task, got %v", err)
	}
}

func TestRunMutationDispatchFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.dispatchErr = errors.New("model unavailable")

	_, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch")
	if err == nil {
		t.Fatal("expected dispatch error")
	}

	got, gerr := f.registry.Get("t1")
	if gerr != nil {
		t.Fatalf("Get: %v", gerr)
	}
	if got.Status != task.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, task.StatusFailed)
	}
}

func TestRunMutationFixLoopNonConvergence(t *testing.T) {
	f := newFixture(t)
	f.fixer.result = fixloop.Result{Success: false, Iterations: 5}

	result, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
	if result.Iterations != 5 {
		t.Errorf("Iterations = %d, want 5", result.Iterations)
	}

	got, gerr := f.registry.Get("t1")
	if gerr != nil {
		t.Fatalf("Get: %v", gerr)
	}
	if got.Status != task.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, task.StatusFailed)
	}
	if len(f.host.opened) != 0 {
		t.Error("no PR should be opened when verification never converged")
	}
}

func TestRunMutationFixLoopErrorMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.fixer.err = errors.New("verify runner crashed")

	_, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch")
	if err == nil || !strings.Contains(err.Error(), "verify runner crashed") {
		t.Fatalf("expected fix loop error, got %v", err)
	}

	got, gerr := f.registry.Get("t1")
	if gerr != nil {
		t.Fatalf("Get: %v", gerr)
	}
	if got.Status != task.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, task.StatusFailed)
	}
}

func TestRunMutationPRFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.host.openErr = &hostapi.HostError{Status: 422, Message: "validation failed"}

	result, err := f.orch.RunMutation(context.Background(), "t1", "add retry to fetch")
	if err == nil {
		t.Fatal("expected PR failure")
	}
	if result.Success {
		t.Error("result should not be successful")
	}

	got, gerr := f.registry.Get("t1")
	if gerr != nil {
		t.Fatalf("Get: %v", gerr)
	}
	if got.Status != task.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, task.StatusFailed)
	}
	if len(f.memory.notes) != 0 {
		t.Error("no enrichment for a failed run")
	}
}

func TestRunMutationCustomConfig(t *testing.T) {
	f := newFixture(t)
	f.orch = New(Config{BranchPrefix: "bot/", PRBase: "develop", DraftPRs: true}, f.orch.deps)

	result, err := f.orch.RunMutation(context.Background(), "t9", "tidy imports")
	if err != nil {
		t.Fatalf("RunMutation: %v", err)
	}
	if result.Branch != "bot/t9" {
		t.Errorf("branch = %q", result.Branch)
	}
	req := f.host.opened[0]
	if req.Base != "develop" || !req.Draft {
		t.Errorf("PR base/draft = %q/%v", req.Base, req.Draft)
	}
}

func TestConvertIssueRunsMutation(t *testing.T) {
	f := newFixture(t)

	taskID, err := f.orch.ConvertIssue(context.Background(), 42, "fix the flaky retry test")
	if err != nil {
		t.Fatalf("ConvertIssue: %v", err)
	}
	if taskID != "issue-42" {
		t.Errorf("taskID = %q, want %q", taskID, "issue-42")
	}

	got, err := f.registry.Get("issue-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusPROpened {
		t.Errorf("status = %q, want %q", got.Status, task.StatusPROpened)
	}
	if len(f.dispatcher.requests) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(f.dispatcher.requests))
	}
	if !strings.Contains(f.dispatcher.requests[0].Prompt, "fix the flaky retry test") {
		t.Error("prompt missing the instruction")
	}
	if !strings.Contains(f.dispatcher.requests[0].Prompt, "issue #42") {
		t.Error("prompt missing the issue reference")
	}
}

func TestConvertIssueIdempotent(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.ConvertIssue(context.Background(), 42, "fix the flaky retry test"); err != nil {
		t.Fatalf("ConvertIssue: %v", err)
	}

	taskID, err := f.orch.ConvertIssue(context.Background(), 42, "fix it again")
	if err != nil {
		t.Fatalf("repeat ConvertIssue: %v", err)
	}
	if taskID != "issue-42" {
		t.Errorf("taskID = %q", taskID)
	}
	if len(f.dispatcher.requests) != 1 {
		t.Errorf("repeat command should not dispatch, got %d turns", len(f.dispatcher.requests))
	}
}

func TestConvertIssueRejectsBadNumber(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.ConvertIssue(context.Background(), 0, "fix"); !errors.Is(err, task.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestReviewPostsComment(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.message = "Looks solid; one nit on error wrapping."

	if _, err := f.registry.Create("t1", "/ws/t1", "codex/t1"); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := f.registry.SetThread("t1", "th_review"); err != nil {
		t.Fatalf("set thread: %v", err)
	}

	if err := f.orch.Review(context.Background(), "t1", 7); err != nil {
		t.Fatalf("Review: %v", err)
	}

	if len(f.dispatcher.requests) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(f.dispatcher.requests))
	}
	req := f.dispatcher.requests[0]
	if req.ThreadID != "th_review" {
		t.Errorf("thread = %q, want th_review", req.ThreadID)
	}
	if !strings.Contains(req.Prompt, "#7") {
		t.Errorf("prompt = %q, missing PR number", req.Prompt)
	}

	body, ok := f.host.comments[7]
	if !ok {
		t.Fatal("no comment posted on PR 7")
	}
	if !strings.Contains(body, "Automated review") || !strings.Contains(body, "one nit") {
		t.Errorf("comment = %q", body)
	}
}

func TestReviewRecordsEvalScore(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.message = "Solid change overall.\nScore: 8/10"

	if _, err := f.registry.Create("t1", "/ws/t1", "codex/t1"); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := f.orch.Review(context.Background(), "t1", 7); err != nil {
		t.Fatalf("Review: %v", err)
	}

	if len(f.evals.runs) != 1 {
		t.Fatalf("eval runs = %d, want 1", len(f.evals.runs))
	}
	run := f.evals.runs[0]
	if run.TaskID != "t1" || run.Suite != "review" {
		t.Errorf("run = %+v", run)
	}
	if run.Score != 0.8 {
		t.Errorf("score = %v, want 0.8", run.Score)
	}
}

func TestReviewWithoutScoreLine(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.message = "Looks good, the score is high."

	if _, err := f.registry.Create("t1", "/ws/t1", "codex/t1"); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := f.orch.Review(context.Background(), "t1", 7); err != nil {
		t.Fatalf("Review: %v", err)
	}
	if len(f.evals.runs) != 0 {
		t.Errorf("eval runs = %v, want none", f.evals.runs)
	}
}

func TestParseReviewScore(t *testing.T) {
	cases := []struct {
		message string
		want    float64
		ok      bool
	}{
		{"Score: 8/10", 0.8, true},
		{"review text\nscore: 10/10\n", 1, true},
		{"  Score: 7.5 / 10", 0.75, true},
		{"Score: 11/10", 0, false},
		{"the score: 8/10 midline", 0, false},
		{"no grade here", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseReviewScore(tc.message)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseReviewScore(%q) = %v, %v; want %v, %v", tc.message, got, ok, tc.want, tc.ok)
		}
	}
}

func TestReviewEmptyMessageSkipsComment(t *testing.T) {
	f := newFixture(t)

	if _, err := f.registry.Create("t1", "/ws/t1", "codex/t1"); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := f.orch.Review(context.Background(), "t1", 7); err != nil {
		t.Fatalf("Review: %v", err)
	}
	if len(f.host.comments) != 0 {
		t.Errorf("comments = %v, want none", f.host.comments)
	}
}

func TestReviewUnknownTask(t *testing.T) {
	f := newFixture(t)

	if err := f.orch.Review(context.Background(), "ghost", 7); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestCommitMessageTruncation(t *testing.T) {
	long := strings.Repeat("x", 100)
	msg := commitMessage("t1", long)
	if len(msg) != 72 {
		t.Errorf("len = %d, want 72", len(msg))
	}
	if !strings.HasSuffix(msg, "...") {
		t.Errorf("msg = %q", msg)
	}
}
