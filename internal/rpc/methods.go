package rpc

import (
	"context"
	"encoding/json"
	"fmt"

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

// The interfaces below are the slices of each subsystem the method
// table calls. Registration skips any nil dependency, so a partially
// wired server answers "method not found" for the missing surface.

// Tasks reads the registry. Satisfied by *task.Registry.
type Tasks interface {
	Get(id string) (task.Task, error)
	List() ([]task.Task, error)
}

// TaskStarter provisions a task without running turns. Satisfied by
// *lifecycle.Orchestrator.
type TaskStarter interface {
	StartTask(ctx context.Context, taskID string) (task.Task, error)
}

// MutationRunner drives the full mutation lifecycle. Satisfied by
// *lifecycle.Orchestrator.
type MutationRunner interface {
	RunMutation(ctx context.Context, taskID, objective string) (lifecycle.Result, error)
}

// VerifyRunner runs verification once. Satisfied by *verify.Verifier.
type VerifyRunner interface {
	Run(ctx context.Context, taskID string) (verify.Report, error)
}

// FixRunner iterates verify-and-fix. Satisfied by *fixloop.Loop.
type FixRunner interface {
	FixUntilGreenN(ctx context.Context, taskID string, maxIterations int) (fixloop.Result, error)
}

// Autonomous manages multi-phase runs. Satisfied by
// *autonomous.Orchestrator.
type Autonomous interface {
	StartRun(ctx context.Context, params autonomous.Params) (autonomous.Run, error)
	GetRun(id string) (autonomous.Run, error)
	ListRuns(limit int) ([]autonomous.Run, error)
	CancelRun(id string) error
}

// Jobs reads job snapshots. Satisfied by *jobs.Manager.
type Jobs interface {
	Get(id string) (jobs.Job, error)
	List(limit int) []jobs.Job
}

// Alerts is the alert pipeline. Satisfied by *alert.Manager.
type Alerts interface {
	Send(ctx context.Context, severity alert.Severity, source, title, message string, metadata map[string]string) (alert.Record, error)
	History(limit int) ([]alert.Record, error)
	Mute(pattern string, durationMs int64) error
}

// MergeQueue is the queue surface. Satisfied by *mergeq.Queue.
type MergeQueue interface {
	Enqueue(e mergeq.Entry) error
	Status() (mergeq.Status, error)
}

// MergeEvaluator decides and executes merges. Satisfied by
// *mergeq.Evaluator.
type MergeEvaluator interface {
	Evaluate(ctx context.Context, prNumber int) (mergeq.Report, error)
	ExecuteMerge(ctx context.Context, prNumber int, strategy hostapi.MergeStrategy) (hostapi.MergeResult, error)
}

// Scheduler controls the periodic jobs. Satisfied by
// *schedule.Scheduler.
type Scheduler interface {
	Start() error
	Status() (schedule.Status, error)
	Trigger(ctx context.Context, name string) error
}

// Compaction reports thread counters. Satisfied by
// *compaction.Manager.
type Compaction interface {
	Status() []compaction.ThreadStatus
	History(limit int) ([]compaction.Event, error)
}

// Dashboard produces the aggregate view. Satisfied by
// *dashboard.Aggregator.
type Dashboard interface {
	Snapshot() dashboard.Snapshot
}

// Policy owns network rules and domain secrets. Satisfied by
// *policy.Manager.
type Policy interface {
	Network() (policy.NetworkPolicy, error)
	UpdateNetwork(domains []string) (policy.NetworkPolicy, error)
	SetSecret(name, domain, value string) error
	ListSecrets() ([]policy.SecretInfo, error)
}

// TriageLister reads the triage log. Satisfied by *triage.Engine.
type TriageLister interface {
	List(limit int) ([]triage.Entry, error)
}

// ArtifactLister reads collected artifacts. Satisfied by
// *artifacts.Collector.
type ArtifactLister interface {
	List(taskID string, limit int) ([]artifacts.Artifact, error)
}

// MemoryLister reads enrichment notes. Satisfied by *memory.Store.
type MemoryLister interface {
	List(limit int) ([]memory.Note, error)
}

// QualityHistorian reads aggregated scores. Satisfied by
// *checker.Registry.
type QualityHistorian interface {
	History(limit int) ([]checker.QualityScore, error)
}

// Dependencies collects every subsystem the table can expose.
type Dependencies struct {
	Tasks      Tasks
	Starter    TaskStarter
	Mutation   MutationRunner
	Verify     VerifyRunner
	Fix        FixRunner
	Autonomous Autonomous
	Jobs       Jobs
	Alerts     Alerts
	Queue      MergeQueue
	Evaluator  MergeEvaluator
	Scheduler  Scheduler
	Compaction Compaction
	Dashboard  Dashboard
	Policy     Policy
	Triage     TriageLister
	Artifacts  ArtifactLister
	Memory     MemoryLister
	Quality    QualityHistorian
}

// Shared param schemas. The chat-tool surface enforces these before
// dispatch; the RPC endpoint relies on decode.
const (
	schemaEmpty = `{"type":"object","properties":{}}`
	schemaTask  = `{"type":"object","properties":{"taskId":{"type":"string","description":"task identifier"}},"required":["taskId"]}`
	schemaRun   = `{"type":"object","properties":{"runId":{"type":"string","description":"autonomous run identifier"}},"required":["runId"]}`
	schemaLimit = `{"type":"object","properties":{"limit":{"type":"integer","description":"maximum entries, newest first"}}}`
)

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, fmt.Errorf("invalid params: %w", err)
	}
	return v, nil
}

type taskParams struct {
	TaskID string `json:"taskId"`
}

type mutationParams struct {
	TaskID    string `json:"taskId"`
	Objective string `json:"objective"`
}

type fixParams struct {
	TaskID        string `json:"taskId"`
	MaxIterations int    `json:"maxIterations,omitempty"`
}

type runParams struct {
	RunID string `json:"runId"`
}

type limitParams struct {
	Limit int `json:"limit,omitempty"`
}

type jobParams struct {
	JobID string `json:"jobId"`
}

type alertParams struct {
	Severity string            `json:"severity"`
	Source   string            `json:"source"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type muteParams struct {
	Pattern    string `json:"pattern"`
	DurationMs int64  `json:"durationMs"`
}

type enqueueParams struct {
	PRNumber int    `json:"prNumber"`
	TaskID   string `json:"taskId,omitempty"`
	Branch   string `json:"branch"`
	Priority int    `json:"priority,omitempty"`
}

type prParams struct {
	PRNumber int `json:"prNumber"`
}

type executeParams struct {
	PRNumber int    `json:"prNumber"`
	Strategy string `json:"strategy,omitempty"`
}

type triggerParams struct {
	Job string `json:"job"`
}

type networkParams struct {
	Domains []string `json:"domains"`
}

type secretParams struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
	Value  string `json:"value"`
}

type artifactParams struct {
	TaskID string `json:"taskId,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// BuildRegistry assembles the capability table from whatever
// subsystems are wired. Starred methods (mutation/run, verify/run,
// fix/run, autonomous/start, merge/execute, scheduler/trigger) are
// async.
func BuildRegistry(deps Dependencies) *Registry {
	r := NewRegistry()

	if deps.Starter != nil {
		r.Register("task/start", Method{
			Description: "Provision a workspace and register a task",
			Schema:      schemaTask,
			Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
				p, err := decode[taskParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Starter.StartTask(ctx, p.TaskID)
			},
		})
	}

	if deps.Tasks != nil {
		r.Register("task/get", Method{
			Description: "Fetch one task record",
			Schema:      schemaTask,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[taskParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Tasks.Get(p.TaskID)
			},
		})
		r.Register("task/list", Method{
			Description: "List all task records",
			Schema:      schemaEmpty,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return deps.Tasks.List()
			},
		})
	}

	if deps.Mutation != nil {
		r.Register("mutation/run", Method{
			Description: "Run the full mutation lifecycle for an objective",
			Schema: `{"type":"object","properties":{
				"taskId":{"type":"string","description":"task identifier"},
				"objective":{"type":"string","description":"what the mutation should accomplish"}},
				"required":["taskId","objective"]}`,
			Async: true,
			Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
				p, err := decode[mutationParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Mutation.RunMutation(ctx, p.TaskID, p.Objective)
			},
		})
	}

	if deps.Verify != nil {
		r.Register("verify/run", Method{
			Description: "Run the verification command in a task workspace",
			Schema:      schemaTask,
			Async:       true,
			Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
				p, err := decode[taskParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Verify.Run(ctx, p.TaskID)
			},
		})
	}

	if deps.Fix != nil {
		r.Register("fix/run", Method{
			Description: "Iterate verify-and-fix until green",
			Schema: `{"type":"object","properties":{
				"taskId":{"type":"string","description":"task identifier"},
				"maxIterations":{"type":"integer","description":"verify attempts before giving up"}},
				"required":["taskId"]}`,
			Async: true,
			Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
				p, err := decode[fixParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Fix.FixUntilGreenN(ctx, p.TaskID, p.MaxIterations)
			},
		})
	}

	if deps.Autonomous != nil {
		r.Register("autonomous/start", Method{
			Description: "Start a multi-phase autonomous run",
			Schema: `{"type":"object","properties":{
				"objective":{"type":"string","description":"what the run should accomplish"},
				"maxPhaseFixes":{"type":"integer","description":"fix budget per phase"},
				"qualityThreshold":{"type":"number","description":"minimum aggregate quality score"},
				"autoCommit":{"type":"boolean"},
				"autoPR":{"type":"boolean"},
				"autoReview":{"type":"boolean"}},
				"required":["objective"]}`,
			Async: true,
			Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
				p, err := decode[autonomous.Params](params)
				if err != nil {
					return nil, err
				}
				return deps.Autonomous.StartRun(ctx, p)
			},
		})
		r.Register("autonomous/get", Method{
			Description: "Fetch one autonomous run record",
			Schema:      schemaRun,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[runParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Autonomous.GetRun(p.RunID)
			},
		})
		r.Register("autonomous/list", Method{
			Description: "List autonomous runs, newest first",
			Schema:      schemaLimit,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[limitParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Autonomous.ListRuns(p.Limit)
			},
		})
		r.Register("autonomous/cancel", Method{
			Description: "Cancel an autonomous run at the next phase boundary",
			Schema:      schemaRun,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[runParams](params)
				if err != nil {
					return nil, err
				}
				if err := deps.Autonomous.CancelRun(p.RunID); err != nil {
					return nil, err
				}
				return map[string]any{"cancelled": true, "runId": p.RunID}, nil
			},
		})
	}

	if deps.Jobs != nil {
		r.Register("job/get", Method{
			Description: "Fetch one job snapshot",
			Schema:      `{"type":"object","properties":{"jobId":{"type":"string","description":"job identifier"}},"required":["jobId"]}`,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[jobParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Jobs.Get(p.JobID)
			},
		})
		r.Register("job/list", Method{
			Description: "List jobs, newest first",
			Schema:      schemaLimit,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[limitParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Jobs.List(p.Limit), nil
			},
		})
	}

	if deps.Alerts != nil {
		r.Register("alert/send", Method{
			Description: "Send an alert through the channel pipeline",
			Schema: `{"type":"object","properties":{
				"severity":{"type":"string","enum":["info","warning","error","critical"]},
				"source":{"type":"string","description":"emitting subsystem"},
				"title":{"type":"string"},
				"message":{"type":"string"},
				"metadata":{"type":"object","additionalProperties":{"type":"string"}}},
				"required":["severity","source","title"]}`,
			Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
				p, err := decode[alertParams](params)
				if err != nil {
					return nil, err
				}
				sev := alert.Severity(p.Severity)
				switch sev {
				case alert.SeverityInfo, alert.SeverityWarning, alert.SeverityError, alert.SeverityCritical:
				default:
					return nil, fmt.Errorf("unknown severity %q", p.Severity)
				}
				return deps.Alerts.Send(ctx, sev, p.Source, p.Title, p.Message, p.Metadata)
			},
		})
		r.Register("alert/history", Method{
			Description: "List alert history, newest first",
			Schema:      schemaLimit,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[limitParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Alerts.History(p.Limit)
			},
		})
		r.Register("alert/mute", Method{
			Description: "Mute alerts matching a pattern",
			Schema: `{"type":"object","properties":{
				"pattern":{"type":"string","description":"substring or glob matched against source and title"},
				"durationMs":{"type":"integer","description":"mute lifetime in milliseconds"}},
				"required":["pattern"]}`,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[muteParams](params)
				if err != nil {
					return nil, err
				}
				if err := deps.Alerts.Mute(p.Pattern, p.DurationMs); err != nil {
					return nil, err
				}
				return map[string]any{"muted": true, "pattern": p.Pattern}, nil
			},
		})
	}

	if deps.Queue != nil {
		r.Register("merge/enqueue", Method{
			Description: "Queue a PR for merging",
			Schema: `{"type":"object","properties":{
				"prNumber":{"type":"integer"},
				"taskId":{"type":"string"},
				"branch":{"type":"string"},
				"priority":{"type":"integer","description":"higher dequeues first"}},
				"required":["prNumber","branch"]}`,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[enqueueParams](params)
				if err != nil {
					return nil, err
				}
				entry := mergeq.Entry{
					PRNumber: p.PRNumber,
					TaskID:   p.TaskID,
					Branch:   p.Branch,
					Priority: p.Priority,
				}
				if err := deps.Queue.Enqueue(entry); err != nil {
					return nil, err
				}
				return map[string]any{"queued": true, "prNumber": p.PRNumber}, nil
			},
		})
		r.Register("merge/status", Method{
			Description: "Summarize the merge queue",
			Schema:      schemaEmpty,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return deps.Queue.Status()
			},
		})
	}

	if deps.Evaluator != nil {
		r.Register("merge/evaluate", Method{
			Description: "Evaluate a PR against the automerge policy",
			Schema:      `{"type":"object","properties":{"prNumber":{"type":"integer"}},"required":["prNumber"]}`,
			Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
				p, err := decode[prParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Evaluator.Evaluate(ctx, p.PRNumber)
			},
		})
		r.Register("merge/execute", Method{
			Description: "Merge a PR with the given strategy",
			Schema: `{"type":"object","properties":{
				"prNumber":{"type":"integer"},
				"strategy":{"type":"string","enum":["squash","merge","rebase"],"description":"defaults to squash"}},
				"required":["prNumber"]}`,
			Async: true,
			Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
				p, err := decode[executeParams](params)
				if err != nil {
					return nil, err
				}
				strategy := hostapi.MergeStrategy(p.Strategy)
				if p.Strategy == "" {
					strategy = hostapi.MergeSquash
				}
				if !strategy.Valid() {
					return nil, fmt.Errorf("unknown merge strategy %q", p.Strategy)
				}
				return deps.Evaluator.ExecuteMerge(ctx, p.PRNumber, strategy)
			},
		})
	}

	if deps.Scheduler != nil {
		r.Register("scheduler/start", Method{
			Description: "Start the periodic job timers",
			Schema:      schemaEmpty,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				if err := deps.Scheduler.Start(); err != nil {
					return nil, err
				}
				return map[string]any{"started": true}, nil
			},
		})
		r.Register("scheduler/status", Method{
			Description: "Report scheduler jobs and next runs",
			Schema:      schemaEmpty,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return deps.Scheduler.Status()
			},
		})
		r.Register("scheduler/trigger", Method{
			Description: "Force one scheduled job to run now",
			Schema:      `{"type":"object","properties":{"job":{"type":"string","description":"scheduled job name"}},"required":["job"]}`,
			Async:       true,
			Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
				p, err := decode[triggerParams](params)
				if err != nil {
					return nil, err
				}
				if err := deps.Scheduler.Trigger(ctx, p.Job); err != nil {
					return nil, err
				}
				return map[string]any{"triggered": true, "job": p.Job}, nil
			},
		})
	}

	if deps.Compaction != nil {
		r.Register("compaction/status", Method{
			Description: "Report per-thread compaction counters",
			Schema:      schemaEmpty,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return deps.Compaction.Status(), nil
			},
		})
	}

	if deps.Dashboard != nil {
		r.Register("dashboard/get", Method{
			Description: "Aggregate controller state for display",
			Schema:      schemaEmpty,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return deps.Dashboard.Snapshot(), nil
			},
		})
	}

	if deps.Policy != nil {
		r.Register("network/get", Method{
			Description: "Read the network allowlist",
			Schema:      schemaEmpty,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return deps.Policy.Network()
			},
		})
		r.Register("network/update", Method{
			Description: "Replace the network allowlist",
			Schema:      `{"type":"object","properties":{"domains":{"type":"array","items":{"type":"string"}}},"required":["domains"]}`,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[networkParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Policy.UpdateNetwork(p.Domains)
			},
		})
		r.Register("secret/set", Method{
			Description: "Store a domain-scoped secret",
			Schema: `{"type":"object","properties":{
				"name":{"type":"string","description":"environment variable name"},
				"domain":{"type":"string","description":"domain the secret is scoped to"},
				"value":{"type":"string"}},
				"required":["name","domain","value"]}`,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[secretParams](params)
				if err != nil {
					return nil, err
				}
				if err := deps.Policy.SetSecret(p.Name, p.Domain, p.Value); err != nil {
					return nil, err
				}
				return map[string]any{"saved": true, "name": p.Name}, nil
			},
		})
		r.Register("secret/list", Method{
			Description: "List secret names and domains (never values)",
			Schema:      schemaEmpty,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return deps.Policy.ListSecrets()
			},
		})
	}

	if deps.Triage != nil {
		r.Register("triage/list", Method{
			Description: "List triaged issues, newest first",
			Schema:      schemaLimit,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[limitParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Triage.List(p.Limit)
			},
		})
	}

	if deps.Artifacts != nil {
		r.Register("artifact/list", Method{
			Description: "List collected artifacts",
			Schema: `{"type":"object","properties":{
				"taskId":{"type":"string","description":"filter to one task"},
				"limit":{"type":"integer"}}}`,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[artifactParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Artifacts.List(p.TaskID, p.Limit)
			},
		})
	}

	if deps.Memory != nil {
		r.Register("memory/list", Method{
			Description: "List enrichment notes, newest first",
			Schema:      schemaLimit,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[limitParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Memory.List(p.Limit)
			},
		})
	}

	if deps.Quality != nil {
		r.Register("quality/history", Method{
			Description: "List aggregated quality scores, newest first",
			Schema:      schemaLimit,
			Handler: func(_ context.Context, params json.RawMessage) (any, error) {
				p, err := decode[limitParams](params)
				if err != nil {
					return nil, err
				}
				return deps.Quality.History(p.Limit)
			},
		})
	}

	return r
}
