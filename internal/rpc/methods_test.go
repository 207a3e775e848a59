package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/alert"
	"github.com/droverhq/drover/internal/artifacts"
	"github.com/droverhq/drover/internal/autonomous"
	"github.com/droverhq/drover/internal/checker"
	"github.com/droverhq/drover/internal/compaction"
	"github.com/droverhq/drover/internal/dashboard"
	"github.com/droverhq/drover/internal/fixloop"
	"github.com/droverhq/drover/internal/hostapi"
	"github.com/droverhq/drover/internal/jobs"
	"github.com/droverhq/drover/internal/lifecycle"
	"github.com/droverhq/drover/internal/memory"
	"github.com/droverhq/drover/internal/mergeq"
	"github.com/droverhq/drover/internal/policy"
	"github.com/droverhq/drover/internal/schedule"
	"github.com/droverhq/drover/internal/task"
	"github.com/droverhq/drover/internal/triage"
	"github.com/droverhq/drover/internal/verify"
)

type fakeTaskReader struct{ tasks map[string]task.Task }

func (f *fakeTaskReader) Get(id string) (task.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return t, nil
}

func (f *fakeTaskReader) List() ([]task.Task, error) {
	out := make([]task.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

type fakeStarter struct{ started []string }

func (f *fakeStarter) StartTask(_ context.Context, taskID string) (task.Task, error) {
	f.started = append(f.started, taskID)
	return task.Task{ID: taskID, Status: task.StatusCreated}, nil
}

type fakeMutation struct{ objectives map[string]string }

func (f *fakeMutation) RunMutation(_ context.Context, taskID, objective string) (lifecycle.Result, error) {
	if f.objectives == nil {
		f.objectives = make(map[string]string)
	}
	f.objectives[taskID] = objective
	return lifecycle.Result{TaskID: taskID, Success: true}, nil
}

type fakeVerifyDep struct{ ran []string }

func (f *fakeVerifyDep) Run(_ context.Context, taskID string) (verify.Report, error) {
	f.ran = append(f.ran, taskID)
	return verify.Report{Success: true}, nil
}

type fakeFix struct{ iterations []int }

func (f *fakeFix) FixUntilGreenN(_ context.Context, _ string, maxIterations int) (fixloop.Result, error) {
	f.iterations = append(f.iterations, maxIterations)
	return fixloop.Result{Success: true, Iterations: 1}, nil
}

type fakeAutonomous struct {
	params    []autonomous.Params
	cancelled []string
}

func (f *fakeAutonomous) StartRun(_ context.Context, params autonomous.Params) (autonomous.Run, error) {
	f.params = append(f.params, params)
	return autonomous.Run{ID: "run-1", Params: params}, nil
}

func (f *fakeAutonomous) GetRun(id string) (autonomous.Run, error) {
	return autonomous.Run{ID: id}, nil
}

func (f *fakeAutonomous) ListRuns(limit int) ([]autonomous.Run, error) {
	return []autonomous.Run{{ID: "run-1"}}, nil
}

func (f *fakeAutonomous) CancelRun(id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeJobReader struct{}

func (fakeJobReader) Get(id string) (jobs.Job, error) { return jobs.Job{ID: id}, nil }
func (fakeJobReader) List(limit int) []jobs.Job       { return []jobs.Job{{ID: "job-1"}} }

type fakeAlertDep struct {
	severities []alert.Severity
	limits     []int
	mutes      []string
}

func (f *fakeAlertDep) Send(_ context.Context, severity alert.Severity, source, title, message string, metadata map[string]string) (alert.Record, error) {
	f.severities = append(f.severities, severity)
	return alert.Record{ID: "a1", Severity: severity, Source: source, Title: title}, nil
}

func (f *fakeAlertDep) History(limit int) ([]alert.Record, error) {
	f.limits = append(f.limits, limit)
	return []alert.Record{{ID: "a1"}}, nil
}

func (f *fakeAlertDep) Mute(pattern string, durationMs int64) error {
	f.mutes = append(f.mutes, pattern)
	return nil
}

type fakeQueueDep struct{ entries []mergeq.Entry }

func (f *fakeQueueDep) Enqueue(e mergeq.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeQueueDep) Status() (mergeq.Status, error) {
	return mergeq.Status{Total: len(f.entries)}, nil
}

type fakeEvaluatorDep struct {
	evaluated  []int
	strategies []hostapi.MergeStrategy
}

func (f *fakeEvaluatorDep) Evaluate(_ context.Context, prNumber int) (mergeq.Report, error) {
	f.evaluated = append(f.evaluated, prNumber)
	return mergeq.Report{PRNumber: prNumber, Eligible: true}, nil
}

func (f *fakeEvaluatorDep) ExecuteMerge(_ context.Context, prNumber int, strategy hostapi.MergeStrategy) (hostapi.MergeResult, error) {
	f.strategies = append(f.strategies, strategy)
	return hostapi.MergeResult{Merged: true, SHA: "abc123"}, nil
}

type fakeSchedulerDep struct {
	started   bool
	triggered []string
}

func (f *fakeSchedulerDep) Start() error {
	f.started = true
	return nil
}

func (f *fakeSchedulerDep) Status() (schedule.Status, error) {
	return schedule.Status{Started: f.started}, nil
}

func (f *fakeSchedulerDep) Trigger(_ context.Context, name string) error {
	f.triggered = append(f.triggered, name)
	return nil
}

type fakeCompactionDep struct{}

func (fakeCompactionDep) Status() []compaction.ThreadStatus { return nil }
func (fakeCompactionDep) History(limit int) ([]compaction.Event, error) {
	return nil, nil
}

type fakeDashboardDep struct{}

func (fakeDashboardDep) Snapshot() dashboard.Snapshot {
	return dashboard.Snapshot{GeneratedAt: time.Now().UTC()}
}

type fakePolicyDep struct {
	domains []string
	secrets []string
}

func (f *fakePolicyDep) Network() (policy.NetworkPolicy, error) {
	return policy.NetworkPolicy{AllowedDomains: f.domains}, nil
}

func (f *fakePolicyDep) UpdateNetwork(domains []string) (policy.NetworkPolicy, error) {
	f.domains = domains
	return policy.NetworkPolicy{AllowedDomains: domains}, nil
}

func (f *fakePolicyDep) SetSecret(name, domain, value string) error {
	f.secrets = append(f.secrets, name)
	return nil
}

func (f *fakePolicyDep) ListSecrets() ([]policy.SecretInfo, error) {
	return nil, nil
}

type fakeTriageDep struct{}

func (fakeTriageDep) List(limit int) ([]triage.Entry, error) { return nil, nil }

type fakeArtifactsDep struct {
	taskIDs []string
	limits  []int
}

func (f *fakeArtifactsDep) List(taskID string, limit int) ([]artifacts.Artifact, error) {
	f.taskIDs = append(f.taskIDs, taskID)
	f.limits = append(f.limits, limit)
	return nil, nil
}

type fakeMemoryDep struct{}

func (fakeMemoryDep) List(limit int) ([]memory.Note, error) { return nil, nil }

type fakeQualityDep struct{}

func (fakeQualityDep) History(limit int) ([]checker.QualityScore, error) { return nil, nil }

type tableFixture struct {
	registry   *Registry
	tasks      *fakeTaskReader
	starter    *fakeStarter
	mutation   *fakeMutation
	verify     *fakeVerifyDep
	fix        *fakeFix
	autonomous *fakeAutonomous
	alerts     *fakeAlertDep
	queue      *fakeQueueDep
	evaluator  *fakeEvaluatorDep
	scheduler  *fakeSchedulerDep
	policy     *fakePolicyDep
	artifacts  *fakeArtifactsDep
}

func newTableFixture() *tableFixture {
	f := &tableFixture{
		tasks:      &fakeTaskReader{tasks: map[string]task.Task{"t1": {ID: "t1", Status: task.StatusReady}}},
		starter:    &fakeStarter{},
		mutation:   &fakeMutation{},
		verify:     &fakeVerifyDep{},
		fix:        &fakeFix{},
		autonomous: &fakeAutonomous{},
		alerts:     &fakeAlertDep{},
		queue:      &fakeQueueDep{},
		evaluator:  &fakeEvaluatorDep{},
		scheduler:  &fakeSchedulerDep{},
		policy:     &fakePolicyDep{},
		artifacts:  &fakeArtifactsDep{},
	}
	f.registry = BuildRegistry(Dependencies{
		Tasks:      f.tasks,
		Starter:    f.starter,
		Mutation:   f.mutation,
		Verify:     f.verify,
		Fix:        f.fix,
		Autonomous: f.autonomous,
		Jobs:       fakeJobReader{},
		Alerts:     f.alerts,
		Queue:      f.queue,
		Evaluator:  f.evaluator,
		Scheduler:  f.scheduler,
		Compaction: fakeCompactionDep{},
		Dashboard:  fakeDashboardDep{},
		Policy:     f.policy,
		Triage:     fakeTriageDep{},
		Artifacts:  f.artifacts,
		Memory:     fakeMemoryDep{},
		Quality:    fakeQualityDep{},
	})
	return f
}

func (f *tableFixture) call(t *testing.T, method, params string) (any, error) {
	t.Helper()
	m, ok := f.registry.Get(method)
	if !ok {
		t.Fatalf("method %s not registered", method)
	}
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	return m.Handler(context.Background(), raw)
}

func TestBuildRegistryRegistersEverything(t *testing.T) {
	f := newTableFixture()

	want := []string{
		"alert/history", "alert/mute", "alert/send",
		"artifact/list",
		"autonomous/cancel", "autonomous/get", "autonomous/list", "autonomous/start",
		"compaction/status",
		"dashboard/get",
		"fix/run",
		"job/get", "job/list",
		"memory/list",
		"merge/enqueue", "merge/evaluate", "merge/execute", "merge/status",
		"mutation/run",
		"network/get", "network/update",
		"quality/history",
		"scheduler/start", "scheduler/status", "scheduler/trigger",
		"secret/list", "secret/set",
		"task/get", "task/list", "task/start",
		"triage/list",
		"verify/run",
	}
	got := f.registry.Names()
	if len(got) != len(want) {
		t.Fatalf("got %d methods, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBuildRegistrySkipsNilDeps(t *testing.T) {
	r := BuildRegistry(Dependencies{
		Tasks: &fakeTaskReader{},
		Jobs:  fakeJobReader{},
	})

	want := []string{"job/get", "job/list", "task/get", "task/list"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names = %v, want %v", got, want)
		}
	}
}

func TestAsyncWhitelist(t *testing.T) {
	f := newTableFixture()

	async := map[string]bool{
		"mutation/run":      true,
		"verify/run":        true,
		"fix/run":           true,
		"autonomous/start":  true,
		"merge/execute":     true,
		"scheduler/trigger": true,
	}
	for _, name := range f.registry.Names() {
		m, _ := f.registry.Get(name)
		if m.Async != async[name] {
			t.Errorf("%s: async = %v, want %v", name, m.Async, async[name])
		}
	}
}

func TestEveryMethodDeclaresItself(t *testing.T) {
	f := newTableFixture()
	for _, name := range f.registry.Names() {
		m, _ := f.registry.Get(name)
		if m.Description == "" {
			t.Errorf("%s: empty description", name)
		}
		if m.Schema == "" {
			t.Errorf("%s: empty schema", name)
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(m.Schema), &doc); err != nil {
			t.Errorf("%s: schema does not parse: %v", name, err)
		} else if doc["type"] != "object" {
			t.Errorf("%s: schema type = %v", name, doc["type"])
		}
	}
}

func TestTaskStart(t *testing.T) {
	f := newTableFixture()

	result, err := f.call(t, "task/start", `{"taskId":"t9"}`)
	if err != nil {
		t.Fatalf("task/start: %v", err)
	}
	started, ok := result.(task.Task)
	if !ok {
		t.Fatalf("result type %T", result)
	}
	if started.ID != "t9" || started.Status != task.StatusCreated {
		t.Fatalf("task = %+v", started)
	}
	if len(f.starter.started) != 1 || f.starter.started[0] != "t9" {
		t.Fatalf("started = %v", f.starter.started)
	}
}

func TestTaskGetUnknownPropagates(t *testing.T) {
	f := newTableFixture()

	_, err := f.call(t, "task/get", `{"taskId":"nope"}`)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestMutationRunPassesObjective(t *testing.T) {
	f := newTableFixture()

	_, err := f.call(t, "mutation/run", `{"taskId":"t1","objective":"add retries"}`)
	if err != nil {
		t.Fatalf("mutation/run: %v", err)
	}
	if f.mutation.objectives["t1"] != "add retries" {
		t.Fatalf("objectives = %v", f.mutation.objectives)
	}
}

func TestFixRunPassesIterationBudget(t *testing.T) {
	f := newTableFixture()

	if _, err := f.call(t, "fix/run", `{"taskId":"t1","maxIterations":3}`); err != nil {
		t.Fatalf("fix/run: %v", err)
	}
	if len(f.fix.iterations) != 1 || f.fix.iterations[0] != 3 {
		t.Fatalf("iterations = %v", f.fix.iterations)
	}
}

func TestAutonomousStartDecodesParams(t *testing.T) {
	f := newTableFixture()

	result, err := f.call(t, "autonomous/start", `{"objective":"ship the widget","autoPR":true}`)
	if err != nil {
		t.Fatalf("autonomous/start: %v", err)
	}
	run, ok := result.(autonomous.Run)
	if !ok {
		t.Fatalf("result type %T", result)
	}
	if run.ID != "run-1" {
		t.Fatalf("run = %+v", run)
	}
	if len(f.autonomous.params) != 1 || f.autonomous.params[0].Objective != "ship the widget" {
		t.Fatalf("params = %+v", f.autonomous.params)
	}
}

func TestAutonomousCancel(t *testing.T) {
	f := newTableFixture()

	result, err := f.call(t, "autonomous/cancel", `{"runId":"run-1"}`)
	if err != nil {
		t.Fatalf("autonomous/cancel: %v", err)
	}
	out := result.(map[string]any)
	if out["cancelled"] != true || out["runId"] != "run-1" {
		t.Fatalf("result = %v", out)
	}
	if len(f.autonomous.cancelled) != 1 {
		t.Fatalf("cancelled = %v", f.autonomous.cancelled)
	}
}

func TestAlertSendValidatesSeverity(t *testing.T) {
	f := newTableFixture()

	_, err := f.call(t, "alert/send", `{"severity":"panic","source":"x","title":"y"}`)
	if err == nil || !strings.Contains(err.Error(), "unknown severity") {
		t.Fatalf("err = %v", err)
	}
	if len(f.alerts.severities) != 0 {
		t.Fatal("invalid severity reached the pipeline")
	}

	if _, err := f.call(t, "alert/send", `{"severity":"critical","source":"ci","title":"red"}`); err != nil {
		t.Fatalf("alert/send: %v", err)
	}
	if len(f.alerts.severities) != 1 || f.alerts.severities[0] != alert.SeverityCritical {
		t.Fatalf("severities = %v", f.alerts.severities)
	}
}

func TestAlertHistoryPassesLimit(t *testing.T) {
	f := newTableFixture()

	if _, err := f.call(t, "alert/history", `{"limit":5}`); err != nil {
		t.Fatalf("alert/history: %v", err)
	}
	if len(f.alerts.limits) != 1 || f.alerts.limits[0] != 5 {
		t.Fatalf("limits = %v", f.alerts.limits)
	}
}

func TestMergeEnqueueBuildsEntry(t *testing.T) {
	f := newTableFixture()

	result, err := f.call(t, "merge/enqueue", `{"prNumber":41,"taskId":"t1","branch":"codex/t1","priority":2}`)
	if err != nil {
		t.Fatalf("merge/enqueue: %v", err)
	}
	out := result.(map[string]any)
	if out["queued"] != true {
		t.Fatalf("result = %v", out)
	}
	if len(f.queue.entries) != 1 {
		t.Fatalf("entries = %v", f.queue.entries)
	}
	e := f.queue.entries[0]
	if e.PRNumber != 41 || e.TaskID != "t1" || e.Branch != "codex/t1" || e.Priority != 2 {
		t.Fatalf("entry = %+v", e)
	}
}

func TestMergeExecuteDefaultsToSquash(t *testing.T) {
	f := newTableFixture()

	if _, err := f.call(t, "merge/execute", `{"prNumber":41}`); err != nil {
		t.Fatalf("merge/execute: %v", err)
	}
	if len(f.evaluator.strategies) != 1 || f.evaluator.strategies[0] != hostapi.MergeSquash {
		t.Fatalf("strategies = %v", f.evaluator.strategies)
	}
}

func TestMergeExecuteRejectsUnknownStrategy(t *testing.T) {
	f := newTableFixture()

	_, err := f.call(t, "merge/execute", `{"prNumber":41,"strategy":"octopus"}`)
	if err == nil || !strings.Contains(err.Error(), "unknown merge strategy") {
		t.Fatalf("err = %v", err)
	}
	if len(f.evaluator.strategies) != 0 {
		t.Fatal("invalid strategy reached the evaluator")
	}
}

func TestSchedulerTrigger(t *testing.T) {
	f := newTableFixture()

	if _, err := f.call(t, "scheduler/trigger", `{"job":"quality-scan"}`); err != nil {
		t.Fatalf("scheduler/trigger: %v", err)
	}
	if len(f.scheduler.triggered) != 1 || f.scheduler.triggered[0] != "quality-scan" {
		t.Fatalf("triggered = %v", f.scheduler.triggered)
	}
}

func TestNetworkUpdate(t *testing.T) {
	f := newTableFixture()

	result, err := f.call(t, "network/update", `{"domains":["github.com","npmjs.org"]}`)
	if err != nil {
		t.Fatalf("network/update: %v", err)
	}
	np := result.(policy.NetworkPolicy)
	if len(np.AllowedDomains) != 2 {
		t.Fatalf("policy = %+v", np)
	}
	if len(f.policy.domains) != 2 || f.policy.domains[0] != "github.com" {
		t.Fatalf("domains = %v", f.policy.domains)
	}
}

func TestArtifactListPassesFilter(t *testing.T) {
	f := newTableFixture()

	if _, err := f.call(t, "artifact/list", `{"taskId":"t1","limit":10}`); err != nil {
		t.Fatalf("artifact/list: %v", err)
	}
	if f.artifacts.taskIDs[0] != "t1" || f.artifacts.limits[0] != 10 {
		t.Fatalf("got %v %v", f.artifacts.taskIDs, f.artifacts.limits)
	}
}

func TestEmptyParamsAllowedOnListMethods(t *testing.T) {
	f := newTableFixture()

	for _, method := range []string{"task/list", "job/list", "alert/history", "merge/status", "triage/list", "memory/list", "quality/history", "dashboard/get", "compaction/status", "network/get", "secret/list", "autonomous/list"} {
		if _, err := f.call(t, method, ""); err != nil {
			t.Errorf("%s with empty params: %v", method, err)
		}
	}
}

func TestMalformedParamsRejected(t *testing.T) {
	f := newTableFixture()

	_, err := f.call(t, "task/start", `{"taskId":42}`)
	if err == nil || !strings.Contains(err.Error(), "invalid params") {
		t.Fatalf("err = %v", err)
	}
	if len(f.starter.started) != 0 {
		t.Fatal("malformed params reached the starter")
	}
}
