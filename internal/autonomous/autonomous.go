// Package autonomous chains the full run pipeline (plan, implement,
// verify, commit, PR, review) under a per-phase retry budget and a
// weighted quality gate. Runs execute in the background; records are
// persisted at every phase boundary and queryable throughout.
package autonomous

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/droverhq/drover/internal/checker"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/fixloop"
	"github.com/droverhq/drover/internal/hostapi"
	"github.com/droverhq/drover/internal/lifecycle"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/task"
	"github.com/droverhq/drover/internal/turn"
	"github.com/droverhq/drover/internal/workspace"
)

const (
	// DefaultMaxPhaseFixes is the per-phase retry budget and the verify
	// phase's fix budget.
	DefaultMaxPhaseFixes = 3

	// DefaultQualityThreshold is the aggregate score a run must reach
	// after verification.
	DefaultQualityThreshold = 0.7

	// DefaultTurnBudget is the per-task turn allowance for autonomous
	// runs, larger than the single-mutation default.
	DefaultTurnBudget = 20

	// RunsCap bounds the persisted run history.
	RunsCap = 200

	// PlansCap bounds the persisted plan history.
	PlansCap = 200

	// CheckpointsCap bounds the phase-boundary log.
	CheckpointsCap = 1000
)

// Errors surfaced by the run API.
var (
	ErrUnknownRun  = errors.New("unknown run")
	ErrRunFinished = errors.New("run already finished")
	ErrQualityGate = errors.New("quality score below threshold")
)

// RunStatus is the overall state of one autonomous run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Phase names, in execution order.
const (
	PhasePlan      = "plan"
	PhaseImplement = "implement"
	PhaseVerify    = "verify"
	PhaseCommit    = "commit"
	PhasePR        = "pr"
	PhaseReview    = "review"
)

var phaseOrder = []string{PhasePlan, PhaseImplement, PhaseVerify, PhaseCommit, PhasePR, PhaseReview}

// PhaseStatus is the state of one phase record.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseSucceeded PhaseStatus = "succeeded"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// Swappable for tests.
var (
	checkoutBranch = workspace.CheckoutBranch
	stageAll       = workspace.StageAll
	hasUncommitted = workspace.HasUncommittedChanges
	gitCommit      = workspace.Commit
	gitPush        = workspace.Push
)

// Params describes one run request.
type Params struct {
	Objective        string  `json:"objective"`
	MaxPhaseFixes    int     `json:"maxPhaseFixes"`
	QualityThreshold float64 `json:"qualityThreshold"`
	AutoCommit       bool    `json:"autoCommit"`
	AutoPR           bool    `json:"autoPR"`
	AutoReview       bool    `json:"autoReview"`
}

// normalize applies defaults and validates ranges.
func (p *Params) normalize(cfg Config) error {
	p.Objective = strings.TrimSpace(p.Objective)
	if p.Objective == "" {
		return fmt.Errorf("objective: %w", task.ErrInvalidInput)
	}
	if p.MaxPhaseFixes < 0 {
		return fmt.Errorf("maxPhaseFixes %d: %w", p.MaxPhaseFixes, task.ErrInvalidInput)
	}
	if p.MaxPhaseFixes == 0 {
		p.MaxPhaseFixes = cfg.MaxPhaseFixes
	}
	if p.QualityThreshold < 0 || p.QualityThreshold > 1 {
		return fmt.Errorf("qualityThreshold %v outside [0,1]: %w", p.QualityThreshold, task.ErrInvalidInput)
	}
	if p.QualityThreshold == 0 {
		p.QualityThreshold = cfg.QualityThreshold
	}
	return nil
}

// Phase is one recorded pipeline step.
type Phase struct {
	Name       string      `json:"name"`
	Status     PhaseStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"startedAt,omitempty"`
	FinishedAt time.Time   `json:"finishedAt,omitempty"`
}

// Run is one persisted autonomous run.
type Run struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId"`
	Branch     string    `json:"branch"`
	Params     Params    `json:"params"`
	Status     RunStatus `json:"status"`
	Phases     []Phase   `json:"phases"`
	Quality    *float64  `json:"quality,omitempty"`
	PRNumber   int       `json:"prNumber,omitempty"`
	PRURL      string    `json:"prUrl,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// File is the persisted run collection.
type File struct {
	Version int   `json:"version"`
	Runs    []Run `json:"runs"`
}

// Plan is the persisted output of one plan phase.
type Plan struct {
	RunID     string    `json:"runId"`
	TaskID    string    `json:"taskId"`
	Objective string    `json:"objective"`
	Content   string    `json:"content"`
	At        time.Time `json:"at"`
}

// PlansFile is the persisted plan collection.
type PlansFile struct {
	Version int    `json:"version"`
	Plans   []Plan `json:"plans"`
}

// Checkpoint marks one phase boundary.
type Checkpoint struct {
	RunID    string      `json:"runId"`
	Phase    string      `json:"phase"`
	Status   PhaseStatus `json:"status"`
	Attempts int         `json:"attempts"`
	At       time.Time   `json:"at"`
}

// CheckpointsFile is the persisted checkpoint log.
type CheckpointsFile struct {
	Version     int          `json:"version"`
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// Tasks is the slice of the registry the orchestrator needs.
type Tasks interface {
	Create(id, workspacePath, branch string) (task.Task, error)
	UpdateStatus(id string, to task.Status) (task.Task, error)
	UpdateStatusIfExists(id string, to task.Status)
	SetThread(id, threadID string) error
}

// Workspaces provisions task checkouts. Satisfied by
// *workspace.Manager.
type Workspaces interface {
	Create(ctx context.Context, taskID string) (string, error)
}

// Dispatcher runs model turns. Satisfied by *turn.Dispatcher.
type Dispatcher interface {
	StartThread(ctx context.Context) (string, error)
	Dispatch(ctx context.Context, req turn.Request) (turn.Result, error)
}

// Fixer runs the verify-fix cycle with an explicit budget. Satisfied
// by *fixloop.Loop.
type Fixer interface {
	FixUntilGreenN(ctx context.Context, taskID string, maxIterations int) (fixloop.Result, error)
}

// Scorer aggregates the weighted quality dimensions. Satisfied by
// *checker.Registry.
type Scorer interface {
	Aggregate(ctx context.Context, taskID string) (checker.QualityScore, error)
}

// Config tunes the orchestrator.
type Config struct {
	// MaxPhaseFixes is the default per-phase retry budget (default 3).
	MaxPhaseFixes int

	// QualityThreshold is the default gate (default 0.7).
	QualityThreshold float64

	// TurnBudget is the per-task turn allowance (default 20).
	TurnBudget int

	// BranchPrefix, when set, prefixes run branch names.
	BranchPrefix string

	// PRBase is the branch PRs target (default "main").
	PRBase string
}

// Dependencies bundles the orchestrator's collaborators. Checkers is
// optional: without it the quality gate is skipped.
type Dependencies struct {
	Tasks      Tasks
	Workspaces Workspaces
	Dispatcher Dispatcher
	FixLoop    Fixer
	Checkers   Scorer
	Host       hostapi.Client
	Bus        *events.Bus
}

// Orchestrator owns autonomous runs.
type Orchestrator struct {
	cfg  Config
	deps Dependencies

	runs        *store.Store[File]
	plans       *store.Store[PlansFile]
	checkpoints *store.Store[CheckpointsFile]

	mu     sync.Mutex
	active map[string]*handle
}

// handle tracks one in-flight run.
type handle struct {
	cancelled atomic.Bool
	done      chan struct{}
}

// New creates an Orchestrator persisting under stateDir, applying
// defaults.
func New(cfg Config, stateDir string, deps Dependencies) *Orchestrator {
	if cfg.MaxPhaseFixes <= 0 {
		cfg.MaxPhaseFixes = DefaultMaxPhaseFixes
	}
	if cfg.QualityThreshold <= 0 || cfg.QualityThreshold > 1 {
		cfg.QualityThreshold = DefaultQualityThreshold
	}
	if cfg.TurnBudget <= 0 {
		cfg.TurnBudget = DefaultTurnBudget
	}
	if cfg.PRBase == "" {
		cfg.PRBase = "main"
	}
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		runs: store.New(store.Path(stateDir, store.AutonomousRunsFile), func() File {
			return File{Version: 1, Runs: []Run{}}
		}),
		plans: store.New(store.Path(stateDir, store.PlansFile), func() PlansFile {
			return PlansFile{Version: 1, Plans: []Plan{}}
		}),
		checkpoints: store.New(store.Path(stateDir, store.CheckpointsFile), func() CheckpointsFile {
			return CheckpointsFile{Version: 1, Checkpoints: []Checkpoint{}}
		}),
		active: make(map[string]*handle),
	}
}

// StartRun validates params, persists the run record, and executes the
// pipeline in the background. The returned record is the initial
// snapshot; poll GetRun or block on Wait for progress.
func (o *Orchestrator) StartRun(ctx context.Context, params Params) (Run, error) {
	if err := params.normalize(o.cfg); err != nil {
		return Run{}, err
	}

	id := ulid.Make().String()
	run := Run{
		ID:        id,
		TaskID:    "run-" + id,
		Branch:    o.cfg.BranchPrefix + "run-" + id,
		Params:    params,
		Status:    StatusRunning,
		Phases:    newPhases(),
		StartedAt: time.Now().UTC(),
	}

	err := o.runs.Update(func(f *File) error {
		f.Runs = store.AppendCapped(f.Runs, run, RunsCap)
		return nil
	})
	if err != nil {
		return Run{}, err
	}

	h := &handle{done: make(chan struct{})}
	o.mu.Lock()
	o.active[id] = h
	o.mu.Unlock()

	o.emit(events.NewEvent(events.RunStarted, run.TaskID).WithPayload(map[string]any{
		"run":       id,
		"objective": params.Objective,
	}))

	// The run outlives the caller's request context.
	go o.execute(context.Background(), run, h)

	return run, nil
}

func newPhases() []Phase {
	phases := make([]Phase, len(phaseOrder))
	for i, name := range phaseOrder {
		phases[i] = Phase{Name: name, Status: PhasePending}
	}
	return phases
}

// GetRun returns the current snapshot of a run.
func (o *Orchestrator) GetRun(id string) (Run, error) {
	f, err := o.runs.Load()
	if err != nil {
		return Run{}, err
	}
	for _, r := range f.Runs {
		if r.ID == id {
			return r, nil
		}
	}
	return Run{}, fmt.Errorf("run %q: %w", id, ErrUnknownRun)
}

// ListRuns returns up to limit runs, newest first. A non-positive
// limit returns everything.
func (o *Orchestrator) ListRuns(limit int) ([]Run, error) {
	f, err := o.runs.Load()
	if err != nil {
		return nil, err
	}

	var out []Run
	for i := len(f.Runs) - 1; i >= 0; i-- {
		out = append(out, f.Runs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CancelRun flags a running run for cancellation; the flag is observed
// at the next phase boundary. A run that already finished returns
// ErrRunFinished.
func (o *Orchestrator) CancelRun(id string) error {
	o.mu.Lock()
	h, ok := o.active[id]
	o.mu.Unlock()

	if ok {
		h.cancelled.Store(true)
		return nil
	}

	// Not in flight: either finished, unknown, or orphaned by a crash.
	run, err := o.GetRun(id)
	if err != nil {
		return err
	}
	if run.Status != StatusRunning {
		return fmt.Errorf("run %q is %s: %w", id, run.Status, ErrRunFinished)
	}

	run.Status = StatusCancelled
	run.Error = "cancelled"
	run.FinishedAt = time.Now().UTC()
	o.persistRun(run)
	o.emit(events.NewEvent(events.RunCancelled, run.TaskID).WithPayload(map[string]any{"run": id}))
	return nil
}

// Wait blocks until the run finishes or ctx expires, returning the
// final snapshot.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Run, error) {
	o.mu.Lock()
	h, ok := o.active[id]
	o.mu.Unlock()

	if ok {
		select {
		case <-h.done:
		case <-ctx.Done():
			return Run{}, ctx.Err()
		}
	}
	return o.GetRun(id)
}

// PlanFor returns the persisted plan for a run.
func (o *Orchestrator) PlanFor(runID string) (Plan, error) {
	f, err := o.plans.Load()
	if err != nil {
		return Plan{}, err
	}
	for i := len(f.Plans) - 1; i >= 0; i-- {
		if f.Plans[i].RunID == runID {
			return f.Plans[i], nil
		}
	}
	return Plan{}, fmt.Errorf("plan for run %q: %w", runID, ErrUnknownRun)
}

// Checkpoints returns the phase-boundary records for a run, oldest
// first.
func (o *Orchestrator) Checkpoints(runID string) ([]Checkpoint, error) {
	f, err := o.checkpoints.Load()
	if err != nil {
		return nil, err
	}
	var out []Checkpoint
	for _, c := range f.Checkpoints {
		if c.RunID == runID {
			out = append(out, c)
		}
	}
	return out, nil
}

// runState carries cross-phase values.
type runState struct {
	dir      string
	threadID string
	plan     string
}

// execute drives one run from setup through the phase pipeline. It is
// the only writer of the run record after StartRun.
func (o *Orchestrator) execute(ctx context.Context, run Run, h *handle) {
	defer func() {
		o.mu.Lock()
		delete(o.active, run.ID)
		o.mu.Unlock()
		close(h.done)
	}()

	st, err := o.setup(ctx, &run)
	if err != nil {
		o.finishFailed(&run, fmt.Errorf("setup: %w", err))
		return
	}

	for i := range run.Phases {
		if h.cancelled.Load() {
			o.finishCancelled(&run)
			return
		}

		name := run.Phases[i].Name
		if skip, reason := o.skips(run.Params, name); skip {
			run.Phases[i].Status = PhaseSkipped
			run.Phases[i].Error = reason
			o.checkpoint(run.ID, run.Phases[i])
			o.persistRun(run)
			continue
		}

		if err := o.runPhase(ctx, &run, i, st); err != nil {
			o.finishFailed(&run, fmt.Errorf("phase %s: %w", name, err))
			return
		}

		// The quality gate sits between verify and commit.
		if name == PhaseVerify {
			if err := o.qualityGate(ctx, &run); err != nil {
				o.finishFailed(&run, err)
				return
			}
			if _, err := o.deps.Tasks.UpdateStatus(run.TaskID, task.StatusReady); err != nil {
				o.finishFailed(&run, err)
				return
			}
		}
	}

	run.Status = StatusCompleted
	run.FinishedAt = time.Now().UTC()
	o.persistRun(run)

	payload := map[string]any{"run": run.ID}
	if run.Quality != nil {
		payload["quality"] = *run.Quality
	}
	if run.PRURL != "" {
		payload["pr"] = run.PRURL
	}
	o.emit(events.NewEvent(events.RunCompleted, run.TaskID).WithPayload(payload))
}

// setup provisions the workspace, task record, branch, instructions,
// and model thread.
func (o *Orchestrator) setup(ctx context.Context, run *Run) (*runState, error) {
	dir, err := o.deps.Workspaces.Create(ctx, run.TaskID)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if _, err := o.deps.Tasks.Create(run.TaskID, dir, run.Branch); err != nil {
		return nil, err
	}
	if err := checkoutBranch(ctx, dir, run.Branch); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", run.Branch, err)
	}
	if err := lifecycle.DeployInstructions(dir, run.TaskID, run.Params.Objective); err != nil {
		return nil, fmt.Errorf("deploy instructions: %w", err)
	}
	if _, err := o.deps.Tasks.UpdateStatus(run.TaskID, task.StatusMutating); err != nil {
		return nil, err
	}

	threadID, err := o.deps.Dispatcher.StartThread(ctx)
	if err != nil {
		return nil, fmt.Errorf("start thread: %w", err)
	}
	if err := o.deps.Tasks.SetThread(run.TaskID, threadID); err != nil {
		return nil, err
	}
	return &runState{dir: dir, threadID: threadID}, nil
}

// skips decides whether a phase is disabled by the run params.
func (o *Orchestrator) skips(p Params, phase string) (bool, string) {
	switch phase {
	case PhaseCommit:
		if !p.AutoCommit {
			return true, "autoCommit disabled"
		}
	case PhasePR:
		if !p.AutoPR {
			return true, "autoPR disabled"
		}
	case PhaseReview:
		if !p.AutoReview {
			return true, "autoReview disabled"
		}
	}
	return false, ""
}

// runPhase executes one phase under its retry budget and records the
// outcome. The verify phase runs once: its retries are the fix budget
// inside the loop itself.
func (o *Orchestrator) runPhase(ctx context.Context, run *Run, idx int, st *runState) error {
	ph := &run.Phases[idx]
	ph.StartedAt = time.Now().UTC()

	attempts := run.Params.MaxPhaseFixes
	if ph.Name == PhaseVerify {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		ph.Attempts = attempt
		if err = o.phaseFn(ph.Name)(ctx, run, st); err == nil {
			break
		}
	}

	ph.FinishedAt = time.Now().UTC()
	if err != nil {
		ph.Status = PhaseFailed
		ph.Error = err.Error()
	} else {
		ph.Status = PhaseSucceeded
	}

	o.checkpoint(run.ID, *ph)
	o.persistRun(*run)
	o.emit(events.NewEvent(events.RunPhase, run.TaskID).WithPayload(map[string]any{
		"run":      run.ID,
		"phase":    ph.Name,
		"status":   string(ph.Status),
		"attempts": ph.Attempts,
	}))
	return err
}

type phaseFunc func(ctx context.Context, run *Run, st *runState) error

func (o *Orchestrator) phaseFn(name string) phaseFunc {
	switch name {
	case PhasePlan:
		return o.phasePlan
	case PhaseImplement:
		return o.phaseImplement
	case PhaseVerify:
		return o.phaseVerify
	case PhaseCommit:
		return o.phaseCommit
	case PhasePR:
		return o.phasePR
	case PhaseReview:
		return o.phaseReview
	}
	return func(context.Context, *Run, *runState) error {
		return fmt.Errorf("unknown phase %q", name)
	}
}

func (o *Orchestrator) phasePlan(ctx context.Context, run *Run, st *runState) error {
	res, err := o.deps.Dispatcher.Dispatch(ctx, turn.Request{
		TaskID:   run.TaskID,
		ThreadID: st.threadID,
		Prompt:   buildPlanPrompt(run.Params.Objective),
		Cwd:      st.dir,
		Budget:   o.cfg.TurnBudget,
	})
	if err != nil {
		return err
	}
	st.plan = res.Message

	return o.plans.Update(func(f *PlansFile) error {
		f.Plans = store.AppendCapped(f.Plans, Plan{
			RunID:     run.ID,
			TaskID:    run.TaskID,
			Objective: run.Params.Objective,
			Content:   st.plan,
			At:        time.Now().UTC(),
		}, PlansCap)
		return nil
	})
}

func (o *Orchestrator) phaseImplement(ctx context.Context, run *Run, st *runState) error {
	_, err := o.deps.Dispatcher.Dispatch(ctx, turn.Request{
		TaskID:   run.TaskID,
		ThreadID: st.threadID,
		Prompt:   buildImplementPrompt(run.Params.Objective, st.plan),
		Cwd:      st.dir,
		Budget:   o.cfg.TurnBudget,
	})
	return err
}

func (o *Orchestrator) phaseVerify(ctx context.Context, run *Run, _ *runState) error {
	res, err := o.deps.FixLoop.FixUntilGreenN(ctx, run.TaskID, run.Params.MaxPhaseFixes)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("after %d iterations: %w", res.Iterations, lifecycle.ErrVerificationFailed)
	}
	return nil
}

func (o *Orchestrator) phaseCommit(ctx context.Context, run *Run, st *runState) error {
	if err := stageAll(ctx, st.dir); err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	dirty, err := hasUncommitted(ctx, st.dir)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if dirty {
		msg := fmt.Sprintf("%s: %s", run.TaskID, run.Params.Objective)
		if len(msg) > 72 {
			msg = msg[:69] + "..."
		}
		if err := gitCommit(ctx, st.dir, workspace.CommitOptions{Message: msg, NoVerify: true}); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	if err := gitPush(ctx, st.dir, run.Branch); err != nil {
		return fmt.Errorf("push %s: %w", run.Branch, err)
	}
	return nil
}

func (o *Orchestrator) phasePR(ctx context.Context, run *Run, _ *runState) error {
	title := run.Params.Objective
	if len(title) > 72 {
		title = title[:69] + "..."
	}

	pr, err := o.deps.Host.OpenPR(ctx, hostapi.OpenPRRequest{
		Title: title,
		Body:  fmt.Sprintf("Autonomous run `%s`.\n\n## Objective\n\n%s", run.ID, run.Params.Objective),
		Head:  run.Branch,
		Base:  o.cfg.PRBase,
	})
	if err != nil {
		return err
	}
	run.PRNumber = pr.Number
	run.PRURL = pr.URL

	o.emit(events.NewEvent(events.PROpened, run.TaskID).WithPR(pr.Number).WithPayload(map[string]any{
		"url": pr.URL,
		"run": run.ID,
	}))
	_, err = o.deps.Tasks.UpdateStatus(run.TaskID, task.StatusPROpened)
	return err
}

func (o *Orchestrator) phaseReview(ctx context.Context, run *Run, st *runState) error {
	res, err := o.deps.Dispatcher.Dispatch(ctx, turn.Request{
		TaskID:   run.TaskID,
		ThreadID: st.threadID,
		Prompt:   buildReviewPrompt(run.Params.Objective),
		Cwd:      st.dir,
		Budget:   o.cfg.TurnBudget,
	})
	if err != nil {
		return err
	}

	// Without a PR the review stays in the thread.
	if run.PRNumber == 0 || strings.TrimSpace(res.Message) == "" {
		return nil
	}
	return o.deps.Host.PostComment(ctx, run.PRNumber, "## Automated review\n\n"+res.Message)
}

// qualityGate aggregates the weighted checkers and fails the run when
// the score misses the threshold. Without a registry the gate is
// skipped.
func (o *Orchestrator) qualityGate(ctx context.Context, run *Run) error {
	if o.deps.Checkers == nil {
		return nil
	}

	score, err := o.deps.Checkers.Aggregate(ctx, run.TaskID)
	if err != nil {
		return fmt.Errorf("quality gate: %w", err)
	}
	run.Quality = &score.Score
	o.persistRun(*run)

	if score.Score < run.Params.QualityThreshold {
		return fmt.Errorf("score %.2f below %.2f: %w", score.Score, run.Params.QualityThreshold, ErrQualityGate)
	}
	return nil
}

// finishFailed seals the run as failed and best-effort fails the task.
func (o *Orchestrator) finishFailed(run *Run, err error) {
	run.Status = StatusFailed
	run.Error = err.Error()
	run.FinishedAt = time.Now().UTC()
	o.persistRun(*run)

	o.deps.Tasks.UpdateStatusIfExists(run.TaskID, task.StatusFailed)
	o.emit(events.NewEvent(events.RunFailed, run.TaskID).WithError(err).WithPayload(map[string]any{
		"run": run.ID,
	}))
}

// finishCancelled seals the run after the cancellation flag was
// observed. The task is failed so the GC sweep reclaims its workspace.
func (o *Orchestrator) finishCancelled(run *Run) {
	run.Status = StatusCancelled
	run.Error = "cancelled"
	run.FinishedAt = time.Now().UTC()
	o.persistRun(*run)

	o.deps.Tasks.UpdateStatusIfExists(run.TaskID, task.StatusFailed)
	o.emit(events.NewEvent(events.RunCancelled, run.TaskID).WithPayload(map[string]any{
		"run": run.ID,
	}))
}

// persistRun replaces the stored record matching run.ID. Persistence
// failures are swallowed: the record is bookkeeping, the run result is
// returned through Wait.
func (o *Orchestrator) persistRun(run Run) {
	_ = o.runs.Update(func(f *File) error {
		for i := range f.Runs {
			if f.Runs[i].ID == run.ID {
				f.Runs[i] = run
				return nil
			}
		}
		f.Runs = store.AppendCapped(f.Runs, run, RunsCap)
		return nil
	})
}

// checkpoint appends one phase-boundary record.
func (o *Orchestrator) checkpoint(runID string, ph Phase) {
	_ = o.checkpoints.Update(func(f *CheckpointsFile) error {
		f.Checkpoints = store.AppendCapped(f.Checkpoints, Checkpoint{
			RunID:    runID,
			Phase:    ph.Name,
			Status:   ph.Status,
			Attempts: ph.Attempts,
			At:       time.Now().UTC(),
		}, CheckpointsCap)
		return nil
	})
}

func (o *Orchestrator) emit(e events.Event) {
	if o.deps.Bus != nil {
		o.deps.Bus.Emit(e)
	}
}

func buildPlanPrompt(objective string) string {
	var b strings.Builder
	b.WriteString("Produce a step-by-step implementation plan for the objective below. ")
	b.WriteString("Read the codebase as needed but change no files yet.\n\n")
	b.WriteString(objective)
	b.WriteString("\n\nKeep the plan short: numbered steps, each naming the files it touches.")
	return b.String()
}

func buildImplementPrompt(objective, plan string) string {
	var b strings.Builder
	b.WriteString("Execute the plan below to accomplish the objective. ")
	b.WriteString("Read AGENTS.md first and follow its rules.\n\n## Objective\n\n")
	b.WriteString(objective)
	if strings.TrimSpace(plan) != "" {
		b.WriteString("\n\n## Plan\n\n")
		b.WriteString(plan)
	}
	b.WriteString("\n\nWhen done, run `pnpm verify` and fix anything it reports.")
	return b.String()
}

func buildReviewPrompt(objective string) string {
	var b strings.Builder
	b.WriteString("Review the changes on this branch against the objective below. ")
	b.WriteString("List concrete problems (correctness, edge cases, style) or state that the change looks good.\n\n")
	b.WriteString(objective)
	return b.String()
}
