// Package fixloop iterates verify → fix until the workspace goes
// green, detecting non-convergence by comparing consecutive diff-stats.
// Three identical diffs in a row mean the model is repeating itself;
// the loop aborts rather than burn the remaining turn budget.
package fixloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/task"
	"github.com/droverhq/drover/internal/turn"
	"github.com/droverhq/drover/internal/verify"
	"github.com/droverhq/drover/internal/workspace"
)

const (
	// DefaultMaxIterations bounds verify attempts per loop.
	DefaultMaxIterations = 5

	// MaxIdenticalFixDiffs is how many consecutive identical diff-stats
	// abort the loop.
	MaxIdenticalFixDiffs = 3
)

// ErrNoProgress indicates consecutive fix turns produced byte-identical
// diffs. The task is marked failed before this propagates.
var ErrNoProgress = errors.New("fix loop is not making progress")

// diffStat is swappable for tests.
var diffStat = workspace.DiffStat

// Verifier runs one verification pass. *verify.Verifier satisfies it.
type Verifier interface {
	Run(ctx context.Context, taskID string) (verify.Report, error)
}

// Dispatcher runs one model turn. *turn.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req turn.Request) (turn.Result, error)
}

// Tasks is the slice of the registry the loop needs.
type Tasks interface {
	Get(id string) (task.Task, error)
	UpdateStatusIfExists(id string, to task.Status)
}

// Result is the outcome of one fix-until-green run. Iterations counts
// verify attempts: a first-pass success reports 1.
type Result struct {
	Success    bool           `json:"success"`
	Iterations int            `json:"iterations"`
	LastVerify *verify.Report `json:"lastVerify,omitempty"`
}

// Config tunes the loop.
type Config struct {
	// MaxIterations bounds verify attempts (default 5).
	MaxIterations int

	// TurnBudget overrides the dispatcher's per-task budget for fix
	// turns. Zero keeps the dispatcher default.
	TurnBudget int
}

// Loop drives verify → fix cycles for one task at a time.
type Loop struct {
	cfg        Config
	verifier   Verifier
	dispatcher Dispatcher
	tasks      Tasks
	bus        *events.Bus
}

// New creates a Loop, applying defaults.
func New(cfg Config, verifier Verifier, dispatcher Dispatcher, tasks Tasks, bus *events.Bus) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Loop{
		cfg:        cfg,
		verifier:   verifier,
		dispatcher: dispatcher,
		tasks:      tasks,
		bus:        bus,
	}
}

// FixUntilGreen verifies the task workspace and, while verification
// fails, dispatches fix turns built from the failure output. It stops
// on success, on the iteration budget, on three identical consecutive
// diff-stats (ErrNoProgress, task failed), or on any turn error.
func (l *Loop) FixUntilGreen(ctx context.Context, taskID string) (Result, error) {
	return l.FixUntilGreenN(ctx, taskID, l.cfg.MaxIterations)
}

// FixUntilGreenN runs the loop with an explicit iteration budget.
// Non-positive budgets fall back to the configured default.
func (l *Loop) FixUntilGreenN(ctx context.Context, taskID string, maxIterations int) (Result, error) {
	if maxIterations <= 0 {
		maxIterations = l.cfg.MaxIterations
	}

	tk, err := l.tasks.Get(taskID)
	if err != nil {
		return Result{}, err
	}

	var lastDiff string
	identical := 0

	for iteration := 1; iteration <= maxIterations; iteration++ {
		l.tasks.UpdateStatusIfExists(taskID, task.StatusVerifying)

		report, err := l.verifier.Run(ctx, taskID)
		if err != nil {
			return Result{Iterations: iteration}, fmt.Errorf("verify %s: %w", taskID, err)
		}

		if report.Success {
			l.emit(events.NewEvent(events.FixConverged, taskID).WithPayload(map[string]any{
				"iterations": iteration,
			}))
			return Result{Success: true, Iterations: iteration, LastVerify: &report}, nil
		}

		// Convergence check: a fix turn that reproduces the previous
		// diff-stat verbatim changed nothing that matters.
		ds, err := diffStat(ctx, tk.Workspace)
		if err != nil {
			return Result{Iterations: iteration, LastVerify: &report}, fmt.Errorf("diff-stat %s: %w", taskID, err)
		}
		if ds == lastDiff {
			identical++
		} else {
			identical = 1
			lastDiff = ds
		}
		if identical >= MaxIdenticalFixDiffs {
			l.tasks.UpdateStatusIfExists(taskID, task.StatusFailed)
			l.emit(events.NewEvent(events.FixNoProgress, taskID).WithPayload(map[string]any{
				"iterations": iteration,
			}))
			return Result{Iterations: iteration, LastVerify: &report},
				fmt.Errorf("task %s: %d identical diffs: %w", taskID, identical, ErrNoProgress)
		}

		// Budget spent on verifies; the last iteration gets no fix turn.
		if iteration == maxIterations {
			return Result{Iterations: iteration, LastVerify: &report}, nil
		}

		l.tasks.UpdateStatusIfExists(taskID, task.StatusFixing)
		l.emit(events.NewEvent(events.FixIteration, taskID).WithPayload(map[string]any{
			"iteration": iteration,
			"failures":  len(report.Failures),
		}))

		_, err = l.dispatcher.Dispatch(ctx, turn.Request{
			TaskID:   taskID,
			ThreadID: tk.ThreadID,
			Prompt:   buildFixPrompt(report, ds),
			Cwd:      tk.Workspace,
			Budget:   l.cfg.TurnBudget,
		})
		if err != nil {
			// The dispatcher already marked the task failed.
			return Result{Iterations: iteration, LastVerify: &report}, fmt.Errorf("fix turn: %w", err)
		}
	}

	// Unreachable: the last iteration returns above.
	return Result{Iterations: maxIterations}, nil
}

// buildFixPrompt renders the verification failure into the next fix
// instruction: the failure tail, the diff-stat, and the raw artifact
// when one was parsed.
func buildFixPrompt(report verify.Report, ds string) string {
	var b strings.Builder

	b.WriteString("Verification failed. Fix the issues below, then ensure `pnpm verify` passes.\n")
	fmt.Fprintf(&b, "\nExit code: %d\n", report.ExitCode)

	if len(report.Failures) > 0 {
		b.WriteString("\nFailures:\n")
		for _, f := range report.Failures {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}

	if ds != "" {
		b.WriteString("\nCurrent diff --stat:\n")
		b.WriteString(ds)
		b.WriteString("\n")
	}

	if report.Artifact != nil {
		if data, err := json.Marshal(report.Artifact); err == nil {
			b.WriteString("\nVerify artifact:\n")
			b.Write(data)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nDo not edit package.json, tsconfig.json, or eslint.config.mjs.")
	return b.String()
}

func (l *Loop) emit(e events.Event) {
	if l.bus != nil {
		l.bus.Emit(e)
	}
}
