package events

import (
	"fmt"
	"strings"
	"time"
)

// Event represents a single occurrence in the controller lifecycle
type Event struct {
	// Time is when the event occurred (set by bus on emit)
	Time time.Time `json:"time"`

	// Type identifies what happened
	Type EventType `json:"type"`

	// Task is the task ID this event relates to (empty for controller events)
	Task string `json:"task,omitempty"`

	// Job is the async job ID (empty if not job-related)
	Job string `json:"job,omitempty"`

	// PR is the pull request number (nil if not PR-related)
	PR *int `json:"pr,omitempty"`

	// Payload contains event-specific data (type varies by event)
	Payload any `json:"payload,omitempty"`

	// Error contains error message if this is a failure event
	Error string `json:"error,omitempty"`
}

// EventType is a string constant identifying the event category
type EventType string

// Task lifecycle events
const (
	TaskCreated     EventType = "task.created"
	TaskStatus      EventType = "task.status"
	TaskDestroyed   EventType = "task.destroyed"
	TaskFailed      EventType = "task.failed"
	WorkspaceReady  EventType = "workspace.ready"
	WorkspaceGone   EventType = "workspace.removed"
	CommandExecuted EventType = "workspace.command"
)

// Turn events
const (
	TurnStarted   EventType = "turn.started"
	TurnCompleted EventType = "turn.completed"
	TurnTimeout   EventType = "turn.timeout"
	TurnFailed    EventType = "turn.failed"
	TurnBlocked   EventType = "turn.blocked"
)

// Verification and fix-loop events
const (
	VerifyStarted   EventType = "verify.started"
	VerifyPassed    EventType = "verify.passed"
	VerifyFailed    EventType = "verify.failed"
	FixIteration    EventType = "fix.iteration"
	FixConverged    EventType = "fix.converged"
	FixNoProgress   EventType = "fix.no_progress"
	CompactionRun   EventType = "compaction.run"
	ArtifactCreated EventType = "artifact.created"
	QualityScored   EventType = "quality.scored"
)

// Mutation and autonomous-run events
const (
	MutationStarted   EventType = "mutation.started"
	MutationCompleted EventType = "mutation.completed"
	MutationFailed    EventType = "mutation.failed"
	RunStarted        EventType = "run.started"
	RunPhase          EventType = "run.phase"
	RunCompleted      EventType = "run.completed"
	RunFailed         EventType = "run.failed"
	RunCancelled      EventType = "run.cancelled"
	PROpened          EventType = "pr.opened"
	PRMerged          EventType = "pr.merged"
)

// Job and scheduler events
const (
	JobQueued    EventType = "job.queued"
	JobStarted   EventType = "job.started"
	JobSucceeded EventType = "job.succeeded"
	JobFailed    EventType = "job.failed"
	SchedStarted EventType = "sched.started"
	SchedRun     EventType = "sched.run"
	SchedFailed  EventType = "sched.failed"
)

// Inbound surface events
const (
	WebhookReceived EventType = "webhook.received"
	WebhookRejected EventType = "webhook.rejected"
	WebhookRouted   EventType = "webhook.routed"
	IssueTriaged    EventType = "issue.triaged"
	RPCCall         EventType = "rpc.call"
)

// Merge queue and alerting events
const (
	MergeEnqueued   EventType = "merge.enqueued"
	MergeEvaluated  EventType = "merge.evaluated"
	MergeExecuted   EventType = "merge.executed"
	MergeFailed     EventType = "merge.failed"
	AlertDispatched EventType = "alert.dispatched"
	AlertSuppressed EventType = "alert.suppressed"
)

// State substrate events
const (
	StateChanged EventType = "state.changed"
)

// NewEvent creates an event with the given type and task ID
func NewEvent(eventType EventType, task string) Event {
	return Event{
		Type: eventType,
		Task: task,
	}
}

// WithJob returns a copy of the event with the job ID set
func (e Event) WithJob(job string) Event {
	e.Job = job
	return e
}

// WithPR returns a copy of the event with the PR number set
func (e Event) WithPR(pr int) Event {
	e.PR = &pr
	return e
}

// WithPayload returns a copy of the event with the payload set
func (e Event) WithPayload(payload any) Event {
	e.Payload = payload
	return e
}

// WithError returns a copy of the event with the error message set
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// IsFailure returns true if this is a failure event type
func (e Event) IsFailure() bool {
	return strings.HasSuffix(string(e.Type), ".failed")
}

// String returns a human-readable representation of the event
func (e Event) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))

	if e.Task != "" {
		parts = append(parts, e.Task)
	}

	if e.Job != "" {
		parts = append(parts, fmt.Sprintf("job=%s", e.Job))
	}

	if e.PR != nil {
		parts = append(parts, fmt.Sprintf("pr=#%d", *e.PR))
	}

	return strings.Join(parts, " ")
}
