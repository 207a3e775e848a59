// Package webhook receives GitHub events on a single endpoint,
// verifies their signatures, and routes them to controller actions.
// The handler acknowledges immediately; routing runs on the job layer
// and every delivery lands in the sqlite audit with a summary line.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/droverhq/drover/internal/auditdb"
	"github.com/droverhq/drover/internal/cistatus"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/jobs"
	"github.com/droverhq/drover/internal/task"
	"github.com/droverhq/drover/internal/triage"
	"github.com/droverhq/drover/internal/verify"
)

// DefaultMaxBody bounds an inbound payload.
const DefaultMaxBody = 256 << 10

// codexCommand matches an operator instruction anywhere in a comment.
var codexCommand = regexp.MustCompile(`(?m)^/codex (.+)$`)

// TaskLookup resolves push and PR branches to tasks. Satisfied by
// *task.Registry.
type TaskLookup interface {
	Get(id string) (task.Task, error)
	GetByBranch(branch string) (task.Task, error)
}

// JobSubmitter runs the routing asynchronously. Satisfied by
// *jobs.Manager.
type JobSubmitter interface {
	Submit(method string, fn jobs.Fn) string
}

// VerifyRunner runs the task's verification command. Satisfied by
// *verify.Verifier.
type VerifyRunner interface {
	Run(ctx context.Context, taskID string) (verify.Report, error)
}

// ReviewRunner dispatches a review of the task's branch.
type ReviewRunner interface {
	Review(ctx context.Context, taskID string, prNumber int) error
}

// CIRecorder persists check outcomes. Satisfied by *cistatus.Store.
type CIRecorder interface {
	Record(run cistatus.Run) error
}

// Triager classifies opened issues. Satisfied by *triage.Engine.
type Triager interface {
	Triage(issueNumber int, title, body string) (triage.Entry, error)
}

// IssueConverter turns an issue into a controller task and returns the
// new task id.
type IssueConverter interface {
	ConvertIssue(ctx context.Context, issueNumber int, instruction string) (string, error)
}

// DeliveryRecorder appends to the webhook audit. Satisfied by
// *auditdb.DB.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d auditdb.Delivery) error
}

// Config tunes the endpoint.
type Config struct {
	// Secret, when set, makes X-Hub-Signature-256 mandatory and
	// verified. Empty skips signature checks.
	Secret string

	// MaxBody bounds the request body (default 256 KiB).
	MaxBody int64
}

// Dependencies are the actions the router can take. A nil action
// disables its route; Jobs is required.
type Dependencies struct {
	Tasks   TaskLookup
	Jobs    JobSubmitter
	Verify  VerifyRunner
	Review  ReviewRunner
	CI      CIRecorder
	Triage  Triager
	Convert IssueConverter
	Audit   DeliveryRecorder
	Bus     *events.Bus
}

// Router owns the endpoint and the event routing table.
type Router struct {
	cfg  Config
	deps Dependencies
}

// New creates a router, applying defaults.
func New(cfg Config, deps Dependencies) *Router {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	return &Router{cfg: cfg, deps: deps}
}

// payload covers the fields the router reads across event types.
// GitHub sends much more; everything else is ignored.
type payload struct {
	Action string `json:"action"`
	Ref    string `json:"ref"`

	PullRequest struct {
		Number int `json:"number"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`

	CheckSuite struct {
		HeadBranch string `json:"head_branch"`
		HeadSHA    string `json:"head_sha"`
		Conclusion string `json:"conclusion"`
	} `json:"check_suite"`

	CheckRun struct {
		Name       string `json:"name"`
		HeadSHA    string `json:"head_sha"`
		Conclusion string `json:"conclusion"`
		CheckSuite struct {
			HeadBranch string `json:"head_branch"`
		} `json:"check_suite"`
	} `json:"check_run"`

	Issue struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	} `json:"issue"`

	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
}

// Handler returns the POST /webhooks/github handler. It validates,
// acknowledges with the delivery id, and hands routing to the job
// layer.
func (rt *Router) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.MaxBody)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				rt.reject(w, "payload too large", http.StatusRequestEntityTooLarge)
				return
			}
			rt.reject(w, "unreadable body", http.StatusBadRequest)
			return
		}

		if rt.cfg.Secret != "" {
			sig := r.Header.Get("X-Hub-Signature-256")
			if sig == "" {
				rt.reject(w, "missing signature", http.StatusUnauthorized)
				return
			}
			if !validSignature(rt.cfg.Secret, body, sig) {
				rt.reject(w, "signature mismatch", http.StatusUnauthorized)
				return
			}
		}

		event := r.Header.Get("X-GitHub-Event")
		if event == "" {
			rt.reject(w, "missing X-GitHub-Event", http.StatusBadRequest)
			return
		}

		var p payload
		if err := json.Unmarshal(body, &p); err != nil {
			rt.reject(w, "invalid JSON", http.StatusBadRequest)
			return
		}

		deliveryID := ulid.Make().String()
		rt.emit(events.NewEvent(events.WebhookReceived, "").WithPayload(map[string]any{
			"deliveryId": deliveryID,
			"event":      event,
			"action":     p.Action,
		}))

		rt.deps.Jobs.Submit("webhook/"+event, rt.process(deliveryID, event, p))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"deliveryId": deliveryID})
	}
}

// validSignature compares the HMAC of body against the hub header in
// constant time.
func validSignature(secret string, body []byte, header string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}

// process builds the job that routes one delivery and records it.
func (rt *Router) process(deliveryID, event string, p payload) jobs.Fn {
	return func(ctx context.Context) (any, error) {
		taskID, summary, routeErr := rt.route(ctx, event, p)
		if routeErr != nil {
			summary = fmt.Sprintf("%s %s — %v", event, p.Action, routeErr)
		}

		if rt.deps.Audit != nil {
			// Audit failures never mask the routing outcome.
			_ = rt.deps.Audit.RecordDelivery(ctx, auditdb.Delivery{
				DeliveryID: deliveryID,
				Event:      event,
				Action:     p.Action,
				TaskID:     taskID,
				Summary:    summary,
			})
		}

		rt.emit(events.NewEvent(events.WebhookRouted, taskID).WithPayload(map[string]any{
			"deliveryId": deliveryID,
			"event":      event,
			"summary":    summary,
		}))

		if routeErr != nil {
			return nil, routeErr
		}
		return map[string]string{"summary": summary}, nil
	}
}

// route applies the event table and returns the owning task (if any)
// plus the human summary line for the audit.
func (rt *Router) route(ctx context.Context, event string, p payload) (string, string, error) {
	switch event {
	case "push":
		return rt.routePush(ctx, p)
	case "pull_request":
		return rt.routePullRequest(ctx, p)
	case "pull_request_review":
		return "", fmt.Sprintf("pull_request_review %s — audit only", p.Action), nil
	case "check_suite", "check_run":
		return rt.routeCheck(event, p)
	case "issues":
		return rt.routeIssue(p)
	case "issue_comment":
		return rt.routeComment(ctx, p)
	}
	return "", fmt.Sprintf("%s — unhandled event", event), nil
}

func (rt *Router) routePush(ctx context.Context, p payload) (string, string, error) {
	branch := strings.TrimPrefix(p.Ref, "refs/heads/")
	t, ok := rt.lookupTask(branch)
	if !ok {
		return "", fmt.Sprintf("push to %s — no task for branch", branch), nil
	}
	if rt.deps.Verify == nil {
		return t.ID, fmt.Sprintf("push to %s — verify not wired", branch), nil
	}
	if _, err := rt.deps.Verify.Run(ctx, t.ID); err != nil {
		return t.ID, "", fmt.Errorf("verify task %s: %w", t.ID, err)
	}
	return t.ID, fmt.Sprintf("push to %s — triggered verify for task %s", branch, t.ID), nil
}

func (rt *Router) routePullRequest(ctx context.Context, p payload) (string, string, error) {
	if p.Action != "opened" && p.Action != "synchronize" {
		return "", fmt.Sprintf("pull_request %s — ignored", p.Action), nil
	}
	branch := p.PullRequest.Head.Ref
	t, ok := rt.lookupTask(branch)
	if !ok {
		return "", fmt.Sprintf("pull_request %s #%d — no task for branch %s", p.Action, p.PullRequest.Number, branch), nil
	}
	if rt.deps.Review == nil {
		return t.ID, fmt.Sprintf("pull_request %s #%d — review not wired", p.Action, p.PullRequest.Number), nil
	}
	if err := rt.deps.Review.Review(ctx, t.ID, p.PullRequest.Number); err != nil {
		return t.ID, "", fmt.Errorf("review task %s: %w", t.ID, err)
	}
	return t.ID, fmt.Sprintf("pull_request %s #%d — triggered review for task %s", p.Action, p.PullRequest.Number, t.ID), nil
}

func (rt *Router) routeCheck(event string, p payload) (string, string, error) {
	if p.Action != "completed" {
		return "", fmt.Sprintf("%s %s — ignored", event, p.Action), nil
	}

	branch := p.CheckSuite.HeadBranch
	sha := p.CheckSuite.HeadSHA
	name := ""
	conclusion := p.CheckSuite.Conclusion
	if event == "check_run" {
		branch = p.CheckRun.CheckSuite.HeadBranch
		sha = p.CheckRun.HeadSHA
		name = p.CheckRun.Name
		conclusion = p.CheckRun.Conclusion
	}

	taskID := ""
	if t, ok := rt.lookupTask(branch); ok {
		taskID = t.ID
	}
	status := foldConclusion(conclusion)
	if rt.deps.CI == nil {
		return taskID, fmt.Sprintf("%s completed on %s — ci store not wired", event, branch), nil
	}
	if err := rt.deps.CI.Record(cistatus.Run{
		TaskID: taskID,
		Branch: branch,
		SHA:    sha,
		Name:   name,
		Status: status,
	}); err != nil {
		return taskID, "", fmt.Errorf("record ci run: %w", err)
	}

	if taskID != "" {
		return taskID, fmt.Sprintf("%s completed on %s — recorded %s for task %s", event, branch, status, taskID), nil
	}
	return "", fmt.Sprintf("%s completed on %s — recorded %s", event, branch, status), nil
}

func (rt *Router) routeIssue(p payload) (string, string, error) {
	if p.Action != "opened" {
		return "", fmt.Sprintf("issues %s — ignored", p.Action), nil
	}
	if rt.deps.Triage == nil {
		return "", fmt.Sprintf("issue #%d opened — triage not wired", p.Issue.Number), nil
	}
	entry, err := rt.deps.Triage.Triage(p.Issue.Number, p.Issue.Title, p.Issue.Body)
	if err != nil {
		return "", "", fmt.Errorf("triage issue #%d: %w", p.Issue.Number, err)
	}
	return "", fmt.Sprintf("issue #%d opened — triaged as %s (%s)", p.Issue.Number, entry.Category, entry.Complexity), nil
}

func (rt *Router) routeComment(ctx context.Context, p payload) (string, string, error) {
	if p.Action != "created" {
		return "", fmt.Sprintf("issue_comment %s — ignored", p.Action), nil
	}
	match := codexCommand.FindStringSubmatch(p.Comment.Body)
	if match == nil {
		return "", "issue_comment created — no /codex command", nil
	}
	instruction := strings.TrimSpace(match[1])
	if !strings.HasPrefix(instruction, "fix") {
		return "", fmt.Sprintf("issue_comment created — unsupported /codex command %q", firstWord(instruction)), nil
	}
	if rt.deps.Convert == nil {
		return "", fmt.Sprintf("issue #%d comment — convert not wired", p.Issue.Number), nil
	}
	taskID, err := rt.deps.Convert.ConvertIssue(ctx, p.Issue.Number, instruction)
	if err != nil {
		return "", "", fmt.Errorf("convert issue #%d: %w", p.Issue.Number, err)
	}
	return taskID, fmt.Sprintf("issue #%d comment — converted to task %s", p.Issue.Number, taskID), nil
}

// lookupTask resolves a branch to a task: exact branch match first,
// then the last slash segment as a task id.
func (rt *Router) lookupTask(branch string) (task.Task, bool) {
	if rt.deps.Tasks == nil || branch == "" {
		return task.Task{}, false
	}
	if t, err := rt.deps.Tasks.GetByBranch(branch); err == nil {
		return t, true
	}
	// The task-id fallback uses the last slash segment, which is the
	// whole branch when it carries no slash.
	id := branch
	if i := strings.LastIndex(branch, "/"); i >= 0 {
		id = branch[i+1:]
	}
	if t, err := rt.deps.Tasks.Get(id); err == nil {
		return t, true
	}
	return task.Task{}, false
}

// foldConclusion maps a host conclusion onto the recorded statuses.
// Only an explicit success counts as green.
func foldConclusion(conclusion string) string {
	switch conclusion {
	case "success":
		return cistatus.StatusSuccess
	case "":
		return cistatus.StatusPending
	default:
		return cistatus.StatusFailure
	}
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

func (rt *Router) reject(w http.ResponseWriter, reason string, code int) {
	rt.emit(events.NewEvent(events.WebhookRejected, "").WithPayload(map[string]any{
		"reason": reason,
	}))
	http.Error(w, reason, code)
}

func (rt *Router) emit(e events.Event) {
	if rt.deps.Bus != nil {
		rt.deps.Bus.Emit(e)
	}
}
