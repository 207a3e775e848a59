package checker

import (
	"context"
	"fmt"
	"time"

	"github.com/droverhq/drover/internal/store"
)

// EvalCap bounds the persisted eval history.
const EvalCap = 200

// EvalRun is one recorded eval outcome for a task. Score is in [0,1].
type EvalRun struct {
	TaskID string    `json:"taskId"`
	Suite  string    `json:"suite,omitempty"`
	Score  float64   `json:"score"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// EvalFile is the persisted document for eval runs.
type EvalFile struct {
	Version int       `json:"version"`
	Runs    []EvalRun `json:"runs"`
}

// EvalStore persists eval runs under eval-history.json. The review
// flow records runs; the eval checker reads the latest one per task.
type EvalStore struct {
	store *store.Store[EvalFile]
}

// NewEvalStore creates an eval store persisting under stateDir.
func NewEvalStore(stateDir string) *EvalStore {
	return &EvalStore{
		store: store.New(store.Path(stateDir, store.EvalHistoryFile), func() EvalFile {
			return EvalFile{Version: 1, Runs: []EvalRun{}}
		}),
	}
}

// Record appends one run, stamping the time when absent.
func (s *EvalStore) Record(run EvalRun) error {
	if run.At.IsZero() {
		run.At = time.Now().UTC()
	}
	run.Score = clampScore(run.Score)
	return s.store.Update(func(f *EvalFile) error {
		f.Runs = store.AppendCapped(f.Runs, run, EvalCap)
		return nil
	})
}

// LastForTask returns the most recent run recorded for a task.
func (s *EvalStore) LastForTask(taskID string) (EvalRun, bool, error) {
	f, err := s.store.Load()
	if err != nil {
		return EvalRun{}, false, err
	}
	for i := len(f.Runs) - 1; i >= 0; i-- {
		if f.Runs[i].TaskID == taskID {
			return f.Runs[i], true, nil
		}
	}
	return EvalRun{}, false, nil
}

// Recent returns up to limit runs, newest first.
func (s *EvalStore) Recent(limit int) ([]EvalRun, error) {
	f, err := s.store.Load()
	if err != nil {
		return nil, err
	}

	var out []EvalRun
	for i := len(f.Runs) - 1; i >= 0; i-- {
		out = append(out, f.Runs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Eval grades the most recent recorded eval outcome for a task. Absent
// history passes with an informational finding, matching the CI
// checker's stance on tasks that have not reported yet.
type Eval struct {
	runs *EvalStore
}

// NewEval creates the eval checker over the shared eval store.
func NewEval(runs *EvalStore) *Eval { return &Eval{runs: runs} }

func (c *Eval) Name() string { return "eval" }

func (c *Eval) Validate(ctx context.Context, taskID string) (Report, error) {
	run, ok, err := c.runs.LastForTask(taskID)
	if err != nil {
		return Report{}, fmt.Errorf("load eval history: %w", err)
	}
	if !ok {
		return Report{
			Checker: c.Name(),
			Passed:  true,
			Score:   1,
			Findings: []Finding{{
				Severity: SeverityInfo,
				Message:  "no eval runs recorded for task",
			}},
		}, nil
	}

	report := Report{Checker: c.Name(), Passed: run.Score >= 0.5, Score: run.Score}
	if !report.Passed {
		message := fmt.Sprintf("eval scored %.2f", run.Score)
		if run.Suite != "" {
			message = fmt.Sprintf("eval %s scored %.2f", run.Suite, run.Score)
		}
		report.Findings = []Finding{{Severity: SeverityWarning, Message: message}}
	}
	return report, nil
}
