// Package lifecycle drives one task end to end: workspace, instruction
// deploy, implementation turn, fix-until-green, commit, and PR. Each
// failure path best-effort marks the task failed before propagating.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

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

// ErrVerificationFailed indicates the fix loop ran out of budget
// without a green verify.
var ErrVerificationFailed = errors.New("verification did not converge")

// instructionsFile is the agent guidance deployed into each workspace
// before the first turn.
const instructionsFile = "AGENTS.md"

// Swappable for tests.
var (
	checkoutBranch = workspace.CheckoutBranch
	stageAll       = workspace.StageAll
	hasUncommitted = workspace.HasUncommittedChanges
	gitCommit      = workspace.Commit
	gitPush        = workspace.Push
)

// Tasks is the slice of the registry the orchestrator needs.
type Tasks interface {
	Create(id, workspacePath, branch string) (task.Task, error)
	Get(id string) (task.Task, error)
	UpdateStatus(id string, to task.Status) (task.Task, error)
	UpdateStatusIfExists(id string, to task.Status)
	SetThread(id, threadID string) error
}

// Workspaces provisions and resolves task checkouts. Satisfied by
// *workspace.Manager.
type Workspaces interface {
	Create(ctx context.Context, taskID string) (string, error)
	Path(taskID string) (string, error)
}

// Dispatcher runs model turns. Satisfied by *turn.Dispatcher.
type Dispatcher interface {
	StartThread(ctx context.Context) (string, error)
	Dispatch(ctx context.Context, req turn.Request) (turn.Result, error)
}

// Fixer runs the verify-fix cycle. Satisfied by *fixloop.Loop.
type Fixer interface {
	FixUntilGreen(ctx context.Context, taskID string) (fixloop.Result, error)
}

// Compactor decides whether the thread needs a summarization turn.
// Satisfied by *compaction.Manager.
type Compactor interface {
	MaybeCompact(ctx context.Context, threadID string) (bool, error)
}

// Memory appends enrichment notes. Satisfied by *memory.Store.
type Memory interface {
	Append(n memory.Note) error
}

// Artifacts collects verify leftovers. Satisfied by
// *artifacts.Collector.
type Artifacts interface {
	Collect(ctx context.Context, taskID, workspaceDir string) ([]artifacts.Artifact, error)
}

// Evals records review grades for the quality checkers. Satisfied by
// *checker.EvalStore.
type Evals interface {
	Record(run checker.EvalRun) error
}

// Config tunes the orchestrator.
type Config struct {
	// BranchPrefix, when set, prefixes task branch names. Empty
	// names each branch after its task id.
	BranchPrefix string

	// PRBase is the branch PRs target (default "main").
	PRBase string

	// DraftPRs opens pull requests as drafts.
	DraftPRs bool
}

// Dependencies bundles the orchestrator's collaborators. Compaction,
// Memory, and Artifacts are optional; Host is required only once a run
// reaches the PR step.
type Dependencies struct {
	Tasks      Tasks
	Workspaces Workspaces
	Dispatcher Dispatcher
	FixLoop    Fixer
	Host       hostapi.Client
	Compaction Compactor
	Memory     Memory
	Artifacts  Artifacts
	Evals      Evals
	Bus        *events.Bus
}

// Result is the outcome of one mutation run.
type Result struct {
	TaskID     string `json:"taskId"`
	Branch     string `json:"branch"`
	PRURL      string `json:"prUrl,omitempty"`
	Iterations int    `json:"iterations"`
	Success    bool   `json:"success"`
}

// Orchestrator owns the mutation flow.
type Orchestrator struct {
	cfg  Config
	deps Dependencies
}

// New creates an Orchestrator, applying defaults.
func New(cfg Config, deps Dependencies) *Orchestrator {
	if cfg.PRBase == "" {
		cfg.PRBase = "main"
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// StartTask provisions a workspace, registers the task, and checks out
// its branch without dispatching any turns. Callers run mutations or
// verification against the prepared checkout separately.
func (o *Orchestrator) StartTask(ctx context.Context, taskID string) (task.Task, error) {
	dir, err := o.deps.Workspaces.Create(ctx, taskID)
	if err != nil {
		return task.Task{}, fmt.Errorf("create workspace: %w", err)
	}

	branch := o.cfg.BranchPrefix + taskID
	t, err := o.deps.Tasks.Create(taskID, dir, branch)
	if err != nil {
		return task.Task{}, err
	}

	if err := checkoutBranch(ctx, dir, branch); err != nil {
		return t, o.fail(taskID, fmt.Errorf("checkout %s: %w", branch, err))
	}
	return t, nil
}

// RunMutation drives taskID through the full lifecycle for the given
// objective.
func (o *Orchestrator) RunMutation(ctx context.Context, taskID, objective string) (Result, error) {
	objective = strings.TrimSpace(objective)
	if objective == "" {
		return Result{}, fmt.Errorf("objective: %w", task.ErrInvalidInput)
	}

	o.emit(events.NewEvent(events.MutationStarted, taskID).WithPayload(map[string]any{
		"objective": objective,
	}))

	// 1. Provision the workspace and register the task
	dir, err := o.deps.Workspaces.Create(ctx, taskID)
	if err != nil {
		return Result{}, o.fail(taskID, fmt.Errorf("create workspace: %w", err))
	}

	branch := o.cfg.BranchPrefix + taskID
	if _, err := o.deps.Tasks.Create(taskID, dir, branch); err != nil {
		return Result{}, o.fail(taskID, err)
	}
	result := Result{TaskID: taskID, Branch: branch}

	if err := checkoutBranch(ctx, dir, branch); err != nil {
		return result, o.fail(taskID, fmt.Errorf("checkout %s: %w", branch, err))
	}

	// 2. Deploy the agent instructions before the model sees the tree
	if err := DeployInstructions(dir, taskID, objective); err != nil {
		return result, o.fail(taskID, fmt.Errorf("deploy instructions: %w", err))
	}

	// 3. Implementation turn on a fresh thread
	if _, err := o.deps.Tasks.UpdateStatus(taskID, task.StatusMutating); err != nil {
		return result, o.fail(taskID, err)
	}

	threadID, err := o.deps.Dispatcher.StartThread(ctx)
	if err != nil {
		return result, o.fail(taskID, fmt.Errorf("start thread: %w", err))
	}
	if err := o.deps.Tasks.SetThread(taskID, threadID); err != nil {
		return result, o.fail(taskID, err)
	}

	// The dispatcher marks failures itself; the mark here is idempotent.
	if _, err := o.deps.Dispatcher.Dispatch(ctx, turn.Request{
		TaskID:   taskID,
		ThreadID: threadID,
		Prompt:   buildImplementationPrompt(objective),
		Cwd:      dir,
	}); err != nil {
		return result, o.fail(taskID, fmt.Errorf("implementation turn: %w", err))
	}

	// 4. Compaction check between the big turn and the fix cycle.
	// Failures here never kill the run; a broken thread will surface
	// on the next turn anyway.
	if o.deps.Compaction != nil {
		_, _ = o.deps.Compaction.MaybeCompact(ctx, threadID)
	}

	// 5. Fix until green
	fixResult, err := o.deps.FixLoop.FixUntilGreen(ctx, taskID)
	result.Iterations = fixResult.Iterations
	if err != nil {
		return result, o.fail(taskID, err)
	}
	if !fixResult.Success {
		return result, o.fail(taskID, fmt.Errorf("task %s after %d iterations: %w", taskID, fixResult.Iterations, ErrVerificationFailed))
	}

	if _, err := o.deps.Tasks.UpdateStatus(taskID, task.StatusReady); err != nil {
		return result, o.fail(taskID, err)
	}

	// 6. Commit whatever the turns left uncommitted and push
	if err := o.commitAndPush(ctx, dir, branch, taskID, objective); err != nil {
		return result, o.fail(taskID, err)
	}

	// 7. Open the PR
	if o.deps.Host == nil {
		return result, o.fail(taskID, errors.New("open pr: no host configured"))
	}
	pr, err := o.deps.Host.OpenPR(ctx, hostapi.OpenPRRequest{
		Title: prTitle(taskID, objective),
		Body:  prBody(taskID, objective, fixResult.Iterations),
		Head:  branch,
		Base:  o.cfg.PRBase,
		Draft: o.cfg.DraftPRs,
	})
	if err != nil {
		return result, o.fail(taskID, fmt.Errorf("open pr: %w", err))
	}
	result.PRURL = pr.URL

	o.emit(events.NewEvent(events.PROpened, taskID).WithPR(pr.Number).WithPayload(map[string]any{
		"url": pr.URL,
	}))

	if _, err := o.deps.Tasks.UpdateStatus(taskID, task.StatusPROpened); err != nil {
		return result, o.fail(taskID, err)
	}
	result.Success = true

	// 8. Enrichment: never fails the run
	o.enrich(ctx, taskID, dir, objective, result)

	o.emit(events.NewEvent(events.MutationCompleted, taskID).WithPayload(map[string]any{
		"pr":         pr.URL,
		"iterations": result.Iterations,
	}))
	return result, nil
}

// ConvertIssue turns a host issue into a controller task and drives
// the mutation with the comment instruction as the objective. The task
// id derives from the issue number; a repeat command on an already
// converted issue answers with the existing task instead of a second
// run.
func (o *Orchestrator) ConvertIssue(ctx context.Context, issueNumber int, instruction string) (string, error) {
	if issueNumber <= 0 {
		return "", fmt.Errorf("issue number %d: %w", issueNumber, task.ErrInvalidInput)
	}
	taskID := fmt.Sprintf("issue-%d", issueNumber)
	if _, err := o.deps.Tasks.Get(taskID); err == nil {
		return taskID, nil
	}

	objective := fmt.Sprintf("%s (issue #%d)", strings.TrimSpace(instruction), issueNumber)
	if _, err := o.RunMutation(ctx, taskID, objective); err != nil {
		return "", err
	}
	return taskID, nil
}

// Review dispatches a review turn on the task's thread and posts the
// model's summary as a PR comment. An empty review message leaves the
// PR untouched.
func (o *Orchestrator) Review(ctx context.Context, taskID string, prNumber int) error {
	t, err := o.deps.Tasks.Get(taskID)
	if err != nil {
		return err
	}
	dir, err := o.deps.Workspaces.Path(taskID)
	if err != nil {
		return err
	}

	res, err := o.deps.Dispatcher.Dispatch(ctx, turn.Request{
		TaskID:   taskID,
		ThreadID: t.ThreadID,
		Prompt:   buildReviewPrompt(prNumber),
		Cwd:      dir,
	})
	if err != nil {
		return err
	}

	// The grade feeds the eval quality dimension; losing it never
	// fails the review.
	if score, ok := parseReviewScore(res.Message); ok && o.deps.Evals != nil {
		_ = o.deps.Evals.Record(checker.EvalRun{
			TaskID: taskID,
			Suite:  "review",
			Score:  score,
		})
	}

	if o.deps.Host == nil || prNumber <= 0 || strings.TrimSpace(res.Message) == "" {
		return nil
	}
	if err := o.deps.Host.PostComment(ctx, prNumber, "## Automated review\n\n"+res.Message); err != nil {
		return fmt.Errorf("post review comment: %w", err)
	}
	return nil
}

// commitAndPush stages and commits outstanding changes, then pushes the
// branch. A clean tree skips the commit but still pushes.
func (o *Orchestrator) commitAndPush(ctx context.Context, dir, branch, taskID, objective string) error {
	if err := stageAll(ctx, dir); err != nil {
		return fmt.Errorf("stage: %w", err)
	}

	dirty, err := hasUncommitted(ctx, dir)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if dirty {
		if err := gitCommit(ctx, dir, workspace.CommitOptions{
			Message:  commitMessage(taskID, objective),
			NoVerify: true,
		}); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}

	if err := gitPush(ctx, dir, branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// enrich appends a memory note and collects artifacts. Errors are
// swallowed: enrichment must never block the primary flow.
func (o *Orchestrator) enrich(ctx context.Context, taskID, dir, objective string, result Result) {
	if o.deps.Memory != nil {
		_ = o.deps.Memory.Append(memory.Note{
			TaskID:     taskID,
			Objective:  objective,
			Outcome:    "pr_opened " + result.PRURL,
			Iterations: result.Iterations,
		})
	}
	if o.deps.Artifacts != nil {
		_, _ = o.deps.Artifacts.Collect(ctx, taskID, dir)
	}
}

// fail best-effort marks the task failed and returns err unchanged.
func (o *Orchestrator) fail(taskID string, err error) error {
	o.deps.Tasks.UpdateStatusIfExists(taskID, task.StatusFailed)
	o.emit(events.NewEvent(events.MutationFailed, taskID).WithError(err))
	return err
}

func (o *Orchestrator) emit(e events.Event) {
	if o.deps.Bus != nil {
		o.deps.Bus.Emit(e)
	}
}

// DeployInstructions writes the agent guidance file into a task
// workspace. The autonomous orchestrator shares the template.
func DeployInstructions(dir, taskID, objective string) error {
	content := fmt.Sprintf(`# Agent instructions

Task: %s

## Objective

%s

## Rules

- Work only inside this directory.
- Run `+"`pnpm verify`"+` before declaring the work done.
- Do not edit package.json, tsconfig.json, or eslint.config.mjs.
- Commit nothing; the controller commits for you.
`, taskID, objective)

	return os.WriteFile(filepath.Join(dir, instructionsFile), []byte(content), 0o644)
}

// buildImplementationPrompt renders the objective into the first turn.
func buildImplementationPrompt(objective string) string {
	var b strings.Builder
	b.WriteString("Implement the following change in this workspace.\n\n")
	b.WriteString(objective)
	b.WriteString("\n\nRead AGENTS.md first and follow its rules. ")
	b.WriteString("When you believe the change is complete, run `pnpm verify` and fix anything it reports.")
	return b.String()
}

func buildReviewPrompt(prNumber int) string {
	var b strings.Builder
	b.WriteString("Review the changes on this branch")
	if prNumber > 0 {
		fmt.Fprintf(&b, " (pull request #%d)", prNumber)
	}
	b.WriteString(". List concrete problems (correctness, edge cases, style) ")
	b.WriteString("or state that the change looks good. ")
	b.WriteString(`End with a line "Score: N/10" grading the change.`)
	return b.String()
}

// reviewScorePattern matches the grading line the review prompt asks
// for, e.g. "Score: 8/10".
var reviewScorePattern = regexp.MustCompile(`(?mi)^\s*score:\s*(\d+(?:\.\d+)?)\s*/\s*10\b`)

// parseReviewScore extracts the 0-10 grade from a review message,
// normalized to [0,1].
func parseReviewScore(message string) (float64, bool) {
	m := reviewScorePattern.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n < 0 || n > 10 {
		return 0, false
	}
	return n / 10, true
}

// commitMessage generates the squashed commit line for the mutation.
func commitMessage(taskID, objective string) string {
	subject := fmt.Sprintf("%s: %s", taskID, objective)
	if len(subject) > 72 {
		subject = subject[:69] + "..."
	}
	return subject
}

func prTitle(taskID, objective string) string {
	return commitMessage(taskID, objective)
}

func prBody(taskID, objective string, iterations int) string {
	return fmt.Sprintf("Automated change for task `%s`.\n\n## Objective\n\n%s\n\nVerification converged after %d iteration(s).",
		taskID, objective, iterations)
}
