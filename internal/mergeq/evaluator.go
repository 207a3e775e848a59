package mergeq

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/cistatus"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/hostapi"
	"github.com/droverhq/drover/internal/store"
)

// Check names in evaluation order.
const (
	CheckPRExists        = "pr-exists"
	CheckNeverAutomerge  = "never-automerge"
	CheckPrefixWhitelist = "prefix-whitelist"
	CheckSizeLimit       = "size-limit"
	CheckCIGreen         = "ci-green"
	CheckApprovedReview  = "approved-review"
	CheckFeatureGuard    = "feature-guard"
)

// featureGuard catches feature-shaped titles that slipped past the
// prefix checks. Evaluated against the lowercased title; a match
// disqualifies the PR.
var featureGuard = regexp.MustCompile(`^(feat|feature|add|implement|new|breaking)[\s(:]`)

// Policy is the automerge rule set.
type Policy struct {
	Enabled         bool                  `json:"enabled"`
	PrefixWhitelist []string              `json:"prefixWhitelist"`
	NeverAutomerge  []string              `json:"neverAutomerge"`
	MaxLinesChanged int                   `json:"maxLinesChanged"`
	Strategy        hostapi.MergeStrategy `json:"strategy"`
}

// DefaultPolicy returns the shipped rule set: small mechanical changes
// only, squash merges.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:         true,
		PrefixWhitelist: []string{"refactor:", "chore:", "docs:", "style:", "test:"},
		NeverAutomerge:  []string{"feat:", "fix:", "breaking:"},
		MaxLinesChanged: 500,
		Strategy:        hostapi.MergeSquash,
	}
}

// PolicyFile is the persisted policy document.
type PolicyFile struct {
	Version int    `json:"version"`
	Policy  Policy `json:"policy"`
}

// CheckResult is one policy check's outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report is a full evaluation of one PR.
type Report struct {
	PRNumber int           `json:"prNumber"`
	Title    string        `json:"title,omitempty"`
	Eligible bool          `json:"eligible"`
	Checks   []CheckResult `json:"checks"`
	At       time.Time     `json:"at"`
}

// Evaluator applies the automerge policy against the host's view of a
// PR and recorded CI outcomes.
type Evaluator struct {
	host   hostapi.Client
	ci     *cistatus.Store
	queue  *Queue
	policy *store.Store[PolicyFile]
	bus    *events.Bus
}

// EvaluatorDeps are the evaluator's collaborators. Queue is optional;
// when present, executed merges are removed from it.
type EvaluatorDeps struct {
	Host  hostapi.Client
	CI    *cistatus.Store
	Queue *Queue
	Bus   *events.Bus
}

// NewEvaluator creates an evaluator persisting policy under stateDir.
func NewEvaluator(stateDir string, deps EvaluatorDeps) *Evaluator {
	return &Evaluator{
		host:  deps.Host,
		ci:    deps.CI,
		queue: deps.Queue,
		policy: store.New(store.Path(stateDir, store.AutomergePolicyFile), func() PolicyFile {
			return PolicyFile{Version: 1, Policy: DefaultPolicy()}
		}),
		bus: deps.Bus,
	}
}

// Policy returns the active rule set.
func (ev *Evaluator) Policy() (Policy, error) {
	f, err := ev.policy.Load()
	if err != nil {
		return Policy{}, err
	}
	return f.Policy, nil
}

// SetPolicy replaces the rule set.
func (ev *Evaluator) SetPolicy(p Policy) error {
	if p.MaxLinesChanged <= 0 {
		return fmt.Errorf("set policy: maxLinesChanged %d: must be positive", p.MaxLinesChanged)
	}
	if p.Strategy != "" && !p.Strategy.Valid() {
		return fmt.Errorf("set policy: strategy %q: unknown", p.Strategy)
	}
	return ev.policy.Update(func(f *PolicyFile) error {
		f.Policy = p
		return nil
	})
}

// Evaluate runs the policy checks in order and reports each outcome.
// A missing PR short-circuits; every later check needs its metadata.
func (ev *Evaluator) Evaluate(ctx context.Context, prNumber int) (Report, error) {
	policy, err := ev.Policy()
	if err != nil {
		return Report{}, err
	}

	report := Report{PRNumber: prNumber, At: time.Now().UTC()}

	pr, err := ev.host.GetPRInfo(ctx, prNumber)
	if err != nil {
		report.Checks = append(report.Checks, CheckResult{
			Name:   CheckPRExists,
			Detail: err.Error(),
		})
		ev.emitEvaluated(report)
		return report, nil
	}
	report.Title = pr.Title
	report.Checks = append(report.Checks, CheckResult{Name: CheckPRExists, Passed: true})

	title := strings.ToLower(pr.Title)

	// 2. Hard exclusions by title prefix
	never := CheckResult{Name: CheckNeverAutomerge, Passed: true}
	for _, prefix := range policy.NeverAutomerge {
		if strings.HasPrefix(title, strings.ToLower(prefix)) {
			never.Passed = false
			never.Detail = fmt.Sprintf("title prefix %q never automerges", prefix)
			break
		}
	}
	report.Checks = append(report.Checks, never)

	// 3. Whitelist membership
	allowed := CheckResult{Name: CheckPrefixWhitelist, Detail: "title prefix not whitelisted"}
	for _, prefix := range policy.PrefixWhitelist {
		if strings.HasPrefix(title, strings.ToLower(prefix)) {
			allowed.Passed = true
			allowed.Detail = ""
			break
		}
	}
	report.Checks = append(report.Checks, allowed)

	// 4. Size ceiling
	size := CheckResult{Name: CheckSizeLimit, Passed: true}
	if changed := pr.Additions + pr.Deletions; changed > policy.MaxLinesChanged {
		size.Passed = false
		size.Detail = fmt.Sprintf("%d lines changed, limit %d", changed, policy.MaxLinesChanged)
	}
	report.Checks = append(report.Checks, size)

	// 5. CI green: last recorded run wins, host checks as fallback
	report.Checks = append(report.Checks, ev.ciGreen(ctx, pr))

	// 6. At least one approval
	approved := CheckResult{Name: CheckApprovedReview, Detail: "no APPROVED review"}
	reviews, err := ev.host.ListReviews(ctx, prNumber)
	if err != nil {
		approved.Detail = err.Error()
	} else {
		for _, r := range reviews {
			if r.State == "APPROVED" {
				approved.Passed = true
				approved.Detail = ""
				break
			}
		}
	}
	report.Checks = append(report.Checks, approved)

	// 7. Feature guard over the whole title
	guard := CheckResult{Name: CheckFeatureGuard, Passed: true}
	if featureGuard.MatchString(title) {
		guard.Passed = false
		guard.Detail = "title reads like a feature"
	}
	report.Checks = append(report.Checks, guard)

	report.Eligible = true
	for _, c := range report.Checks {
		if !c.Passed {
			report.Eligible = false
			break
		}
	}

	ev.emitEvaluated(report)
	return report, nil
}

// ExecuteMerge merges the PR with the given strategy (the policy
// default when empty) and drops it from the queue.
func (ev *Evaluator) ExecuteMerge(ctx context.Context, prNumber int, strategy hostapi.MergeStrategy) (hostapi.MergeResult, error) {
	if strategy == "" {
		policy, err := ev.Policy()
		if err != nil {
			return hostapi.MergeResult{}, err
		}
		strategy = policy.Strategy
		if strategy == "" {
			strategy = hostapi.MergeSquash
		}
	}
	if !strategy.Valid() {
		return hostapi.MergeResult{}, fmt.Errorf("execute merge: strategy %q: unknown", strategy)
	}

	result, err := ev.host.MergePR(ctx, prNumber, strategy)
	if err != nil {
		ev.emit(events.NewEvent(events.MergeFailed, "").WithPR(prNumber).WithError(err))
		return hostapi.MergeResult{}, fmt.Errorf("merge pr #%d: %w", prNumber, err)
	}

	if ev.queue != nil {
		if rerr := ev.queue.Remove(prNumber); rerr != nil && !errors.Is(rerr, ErrNotQueued) {
			return result, rerr
		}
	}

	ev.emit(events.NewEvent(events.MergeExecuted, "").WithPR(prNumber).WithPayload(map[string]any{
		"strategy": string(strategy),
		"sha":      result.SHA,
	}))
	return result, nil
}

// ciGreen prefers the recorded CI outcome for the branch and falls
// back to aggregating live host check runs.
func (ev *Evaluator) ciGreen(ctx context.Context, pr hostapi.PRInfo) CheckResult {
	result := CheckResult{Name: CheckCIGreen}

	if ev.ci != nil {
		run, found, err := ev.ci.LastForBranch(pr.Branch)
		if err != nil {
			result.Detail = err.Error()
			return result
		}
		if found {
			if run.Status == cistatus.StatusSuccess {
				result.Passed = true
			} else {
				result.Detail = fmt.Sprintf("last recorded run %s", run.Status)
			}
			return result
		}
	}

	runs, err := ev.host.ListChecks(ctx, pr.Branch)
	if err != nil {
		result.Detail = err.Error()
		return result
	}
	switch state := hostapi.AggregateChecks(runs); state {
	case hostapi.ChecksSuccess:
		result.Passed = true
	default:
		result.Detail = fmt.Sprintf("host checks %s", state)
	}
	return result
}

func (ev *Evaluator) emitEvaluated(r Report) {
	var failed []string
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	ev.emit(events.NewEvent(events.MergeEvaluated, "").WithPR(r.PRNumber).WithPayload(map[string]any{
		"eligible": r.Eligible,
		"failed":   failed,
	}))
}

func (ev *Evaluator) emit(e events.Event) {
	if ev.bus != nil {
		ev.bus.Emit(e)
	}
}
