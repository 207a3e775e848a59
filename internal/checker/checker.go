// Package checker defines the pluggable quality checker contract and
// the registry that aggregates individual reports into one weighted
// quality score per task.
package checker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/store"
)

// ErrUnknownChecker is returned when a name resolves to no registered
// checker.
var ErrUnknownChecker = errors.New("unknown checker")

// Finding severities, worst first.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Finding is one issue a checker surfaced.
type Finding struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
}

// Report is the outcome of one checker run. Score is in [0,1].
type Report struct {
	Checker  string    `json:"checker"`
	Passed   bool      `json:"passed"`
	Score    float64   `json:"score"`
	Findings []Finding `json:"findings,omitempty"`
}

// Checker validates one quality dimension of a task.
type Checker interface {
	Name() string
	Validate(ctx context.Context, taskID string) (Report, error)
}

// Weights assigns each quality dimension its share of the aggregate
// score.
var Weights = map[string]float64{
	"eval":         0.30,
	"ci":           0.25,
	"lint":         0.20,
	"architecture": 0.15,
	"docs":         0.10,
}

// ScoresCap bounds the persisted quality score history.
const ScoresCap = 100

// QualityScore is one aggregated result, persisted newest-last.
type QualityScore struct {
	TaskID     string             `json:"taskId"`
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components"`
	At         time.Time          `json:"at"`
}

// ScoresFile is the persisted document for aggregated scores.
type ScoresFile struct {
	Version int            `json:"version"`
	Scores  []QualityScore `json:"scores"`
}

// Registry holds named checkers and computes weighted aggregates.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker

	scores *store.Store[ScoresFile]
	bus    *events.Bus
}

// NewRegistry creates an empty registry persisting aggregate scores
// under stateDir.
func NewRegistry(stateDir string, bus *events.Bus) *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		scores: store.New(store.Path(stateDir, store.QualityScoresFile), func() ScoresFile {
			return ScoresFile{Version: 1, Scores: []QualityScore{}}
		}),
		bus: bus,
	}
}

// Register adds a checker, replacing any previous one with the same
// name.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[c.Name()] = c
}

// Get returns the named checker.
func (r *Registry) Get(name string) (Checker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checkers[name]
	return c, ok
}

// Names lists registered checker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes one named checker against a task.
func (r *Registry) Run(ctx context.Context, name, taskID string) (Report, error) {
	c, ok := r.Get(name)
	if !ok {
		return Report{}, fmt.Errorf("%q: %w", name, ErrUnknownChecker)
	}
	report, err := c.Validate(ctx, taskID)
	if err != nil {
		return Report{}, fmt.Errorf("checker %s: %w", name, err)
	}
	report.Checker = name
	return report, nil
}

// Aggregate runs every weighted checker that is registered and folds
// the component scores into one weighted score, normalized over the
// weights actually exercised. A checker that fails to run contributes
// a zero component. The result is appended to the persisted history.
func (r *Registry) Aggregate(ctx context.Context, taskID string) (QualityScore, error) {
	components := make(map[string]float64)

	var sum, weightSum float64
	for name, weight := range Weights {
		if _, ok := r.Get(name); !ok {
			continue
		}

		score := 0.0
		if report, err := r.Run(ctx, name, taskID); err == nil {
			score = clampScore(report.Score)
		}
		components[name] = score
		sum += weight * score
		weightSum += weight
	}

	if weightSum == 0 {
		return QualityScore{}, errors.New("no weighted checkers registered")
	}

	result := QualityScore{
		TaskID:     taskID,
		Score:      sum / weightSum,
		Components: components,
		At:         time.Now().UTC(),
	}

	err := r.scores.Update(func(f *ScoresFile) error {
		f.Scores = store.AppendCapped(f.Scores, result, ScoresCap)
		return nil
	})
	if err != nil {
		return QualityScore{}, fmt.Errorf("persist quality score: %w", err)
	}

	r.emit(events.NewEvent(events.QualityScored, taskID).WithPayload(map[string]any{
		"score":      result.Score,
		"components": result.Components,
	}))
	return result, nil
}

// History returns up to limit aggregated scores, newest first. A
// non-positive limit returns everything.
func (r *Registry) History(limit int) ([]QualityScore, error) {
	f, err := r.scores.Load()
	if err != nil {
		return nil, err
	}

	var out []QualityScore
	for i := len(f.Scores) - 1; i >= 0; i-- {
		out = append(out, f.Scores[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *Registry) emit(e events.Event) {
	if r.bus != nil {
		r.bus.Emit(e)
	}
}

func clampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
