// Package turn drives single prompt exchanges with the coding model:
// dispatch a prompt, await the matching completion, and apply the
// guardrails (per-task budget, hard deadline, blocked-file edits).
// Turns on one thread are serialized by callers; the dispatcher only
// serializes access to the shared model process handle.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/codex"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/task"
	"github.com/droverhq/drover/internal/workspace"
)

const (
	// DefaultMaxTurnsPerTask is the per-task turn budget.
	DefaultMaxTurnsPerTask = 5

	// DefaultTimeout is the hard deadline for one turn.
	DefaultTimeout = 20 * time.Minute
)

// blockedRootFiles are repo-root files the model must not edit during a
// task turn. Only exact root-level matches count; the same names nested
// in subdirectories are fine.
var blockedRootFiles = map[string]struct{}{
	"package.json":      {},
	"tsconfig.json":     {},
	"eslint.config.mjs": {},
	"coordinator.ts":    {},
}

// diffNameOnly is swappable for tests.
var diffNameOnly = workspace.DiffNameOnly

// Model is the slice of the model process the dispatcher needs.
// *codex.Process satisfies it.
type Model interface {
	StartThread(ctx context.Context) (string, error)
	StartTurn(ctx context.Context, threadID, prompt, cwd string) (string, error)
	WaitTurn(ctx context.Context, threadID, turnID string) (codex.TurnCompletedParams, error)
	Stop() error
}

// TaskFailer marks tasks failed when a turn goes wrong. Satisfied by
// *task.Registry.
type TaskFailer interface {
	UpdateStatusIfExists(id string, to task.Status)
}

// WorkspaceResolver maps a task to its checkout for the guardrail diff.
// Satisfied by *workspace.Manager.
type WorkspaceResolver interface {
	Path(taskID string) (string, error)
}

// Request describes one turn. TaskID is optional: turns without a task
// (login probes, compaction on orphan threads) skip the budget and the
// guardrail.
type Request struct {
	TaskID           string
	ThreadID         string
	Prompt           string
	Cwd              string
	AllowBlockedEdit bool

	// Budget overrides the per-task turn budget for this dispatch
	// (autonomous runs use a larger one). Zero means the default.
	Budget int
}

// Result is a completed turn.
type Result struct {
	ThreadID string
	TurnID   string
	Status   string
	Message  string

	// Turns is the task's counter after this dispatch (zero when the
	// request carried no task).
	Turns int
}

// Config tunes the dispatcher.
type Config struct {
	// MaxTurnsPerTask is the default per-task budget (default 5).
	MaxTurnsPerTask int

	// Timeout is the hard per-turn deadline (default 20 minutes).
	Timeout time.Duration

	// Connect starts (or adopts) the model process. Called lazily on
	// the first dispatch and again after a timeout tears the process
	// down.
	Connect func(ctx context.Context) (Model, error)

	// Track, when set, observes every successful turn. The compaction
	// manager hangs its per-thread counters here.
	Track func(threadID, prompt string)
}

// Dependencies are the collaborators the dispatcher calls out to.
type Dependencies struct {
	Tasks      TaskFailer
	Workspaces WorkspaceResolver
	Bus        *events.Bus
}

// Dispatcher owns the model connection and the per-task turn counters.
type Dispatcher struct {
	cfg  Config
	deps Dependencies

	mu     sync.Mutex
	model  Model
	counts map[string]int
}

// New creates a Dispatcher, applying defaults.
func New(cfg Config, deps Dependencies) *Dispatcher {
	if cfg.MaxTurnsPerTask <= 0 {
		cfg.MaxTurnsPerTask = DefaultMaxTurnsPerTask
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Dispatcher{
		cfg:    cfg,
		deps:   deps,
		counts: make(map[string]int),
	}
}

// StartThread opens a fresh model conversation, connecting the model
// process first if needed.
func (d *Dispatcher) StartThread(ctx context.Context) (string, error) {
	model, err := d.ensureModel(ctx)
	if err != nil {
		return "", err
	}
	return model.StartThread(ctx)
}

// Dispatch runs one turn end to end.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	// 1. Validate inputs
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Result{}, ErrEmptyPrompt
	}
	if req.ThreadID == "" {
		return Result{}, ErrMissingThread
	}

	// 2. Charge the turn against the task budget
	turns := 0
	if req.TaskID != "" {
		budget := req.Budget
		if budget <= 0 {
			budget = d.cfg.MaxTurnsPerTask
		}

		d.mu.Lock()
		d.counts[req.TaskID]++
		turns = d.counts[req.TaskID]
		d.mu.Unlock()

		if turns > budget {
			d.failTask(req.TaskID)
			d.emit(events.NewEvent(events.TurnFailed, req.TaskID).WithError(ErrBudgetExceeded))
			return Result{}, fmt.Errorf("task %s: turn %d of %d: %w", req.TaskID, turns, budget, ErrBudgetExceeded)
		}
	}

	// 3. Connect lazily and start the turn
	model, err := d.ensureModel(ctx)
	if err != nil {
		d.failTask(req.TaskID)
		return Result{}, err
	}

	turnID, err := model.StartTurn(ctx, req.ThreadID, prompt, req.Cwd)
	if err != nil {
		d.failTask(req.TaskID)
		d.emit(events.NewEvent(events.TurnFailed, req.TaskID).WithError(err))
		return Result{}, fmt.Errorf("start turn: %w", err)
	}

	d.emit(events.NewEvent(events.TurnStarted, req.TaskID).WithPayload(map[string]any{
		"thread": req.ThreadID,
		"turn":   turnID,
	}))

	// 4. Await the matching completion under the hard deadline. The
	// wait also unblocks on child exit, which surfaces as an error.
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	completed, err := model.WaitTurn(waitCtx, req.ThreadID, turnID)
	cancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Deadline: the process may be wedged mid-turn. Tear it
			// down so the next dispatch reconnects fresh.
			d.reset()
			d.failTask(req.TaskID)
			d.emit(events.NewEvent(events.TurnTimeout, req.TaskID).WithPayload(map[string]any{
				"thread": req.ThreadID,
				"turn":   turnID,
			}))
			return Result{}, fmt.Errorf("turn %s: %w", turnID, ErrTimeout)
		}
		d.failTask(req.TaskID)
		d.emit(events.NewEvent(events.TurnFailed, req.TaskID).WithError(err))
		return Result{}, fmt.Errorf("await turn %s: %w", turnID, err)
	}

	// 5. Map non-success completion statuses to failures
	if completed.Status != codex.TurnStatusCompleted {
		d.failTask(req.TaskID)
		terr := &TurnError{
			ThreadID: req.ThreadID,
			TurnID:   turnID,
			Status:   completed.Status,
			Message:  completed.Message,
		}
		d.emit(events.NewEvent(events.TurnFailed, req.TaskID).WithError(terr))
		return Result{}, terr
	}

	// 6. Blocked-file guardrail over the workspace diff
	if req.TaskID != "" && d.deps.Workspaces != nil {
		if blocked, gerr := d.blockedEdits(ctx, req.TaskID, req.AllowBlockedEdit); gerr != nil {
			d.failTask(req.TaskID)
			return Result{}, gerr
		} else if len(blocked) > 0 {
			d.failTask(req.TaskID)
			berr := &BlockedEditError{Files: blocked}
			d.emit(events.NewEvent(events.TurnBlocked, req.TaskID).WithPayload(map[string]any{
				"files": blocked,
			}))
			return Result{}, berr
		}
	}

	if d.cfg.Track != nil {
		d.cfg.Track(req.ThreadID, prompt)
	}

	d.emit(events.NewEvent(events.TurnCompleted, req.TaskID).WithPayload(map[string]any{
		"thread": req.ThreadID,
		"turn":   turnID,
	}))

	return Result{
		ThreadID: req.ThreadID,
		TurnID:   turnID,
		Status:   completed.Status,
		Message:  completed.Message,
		Turns:    turns,
	}, nil
}

// TurnCount returns the turns charged against a task so far.
func (d *Dispatcher) TurnCount(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[taskID]
}

// Stop tears down the model process if one is connected.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	model := d.model
	d.model = nil
	d.mu.Unlock()

	if model == nil {
		return nil
	}
	return model.Stop()
}

// ensureModel returns the connected model, dialing it on first use.
func (d *Dispatcher) ensureModel(ctx context.Context) (Model, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.model != nil {
		return d.model, nil
	}
	if d.cfg.Connect == nil {
		return nil, errors.New("no model connector configured")
	}

	model, err := d.cfg.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect model: %w", err)
	}
	d.model = model
	return model, nil
}

// reset stops and forgets the model so the next dispatch reconnects.
func (d *Dispatcher) reset() {
	d.mu.Lock()
	model := d.model
	d.model = nil
	d.mu.Unlock()

	if model != nil {
		_ = model.Stop()
	}
}

// blockedEdits diffs the task workspace and returns the protected
// root-level files the turn touched. AllowBlockedEdit only excuses
// coordinator.ts; the rest stay protected regardless.
func (d *Dispatcher) blockedEdits(ctx context.Context, taskID string, allowBlockedEdit bool) ([]string, error) {
	dir, err := d.deps.Workspaces.Path(taskID)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", taskID, err)
	}

	files, err := diffNameOnly(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("diff workspace %s: %w", taskID, err)
	}

	var blocked []string
	for _, f := range files {
		if strings.Contains(f, "/") {
			continue
		}
		if _, ok := blockedRootFiles[f]; !ok {
			continue
		}
		if allowBlockedEdit && f == "coordinator.ts" {
			continue
		}
		blocked = append(blocked, f)
	}
	return blocked, nil
}

func (d *Dispatcher) failTask(taskID string) {
	if taskID == "" || d.deps.Tasks == nil {
		return
	}
	d.deps.Tasks.UpdateStatusIfExists(taskID, task.StatusFailed)
}

func (d *Dispatcher) emit(e events.Event) {
	if d.deps.Bus != nil {
		d.deps.Bus.Emit(e)
	}
}
