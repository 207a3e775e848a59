// Package verify runs a task's verification command and interprets the
// outcome, preferring the machine-readable artifact the project drops
// at its workspace root and falling back to scavenging failure lines
// from stdout.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/workspace"
)

// ArtifactName is the well-known verification artifact file, written by
// the project's own verify script at the workspace root.
const ArtifactName = ".agent-verify.json"

// DefaultTailLimit bounds how many failure lines the stdout scavenger
// keeps (the most recent ones).
const DefaultTailLimit = 20

// failurePattern matches verifier output lines worth surfacing.
var failurePattern = regexp.MustCompile(`(?i)(error|fail|failing|failed|✖|×)`)

// Artifact mirrors the verification artifact. The three flag fields are
// pointers so a missing flag is distinguishable from an explicit false.
type Artifact struct {
	Success  *bool    `json:"success,omitempty"`
	OK       *bool    `json:"ok,omitempty"`
	Passed   *bool    `json:"passed,omitempty"`
	Failures []string `json:"failures,omitempty"`
}

// Flag returns the artifact's verdict and whether one was present.
// Precedence: success, then ok, then passed.
func (a *Artifact) Flag() (value, present bool) {
	switch {
	case a.Success != nil:
		return *a.Success, true
	case a.OK != nil:
		return *a.OK, true
	case a.Passed != nil:
		return *a.Passed, true
	}
	return false, false
}

// Report is the interpreted outcome of one verification run.
type Report struct {
	Success  bool      `json:"success"`
	ExitCode int       `json:"exitCode"`
	Failures []string  `json:"failures,omitempty"`
	Artifact *Artifact `json:"artifact,omitempty"`
}

// Workspace is the slice of the workspace manager the verifier uses.
type Workspace interface {
	Run(ctx context.Context, taskID string, argv []string, allowNonZero bool) (workspace.ExecResult, error)
	Path(taskID string) (string, error)
}

// Config tunes the verifier.
type Config struct {
	// Command is the verification argv (default: pnpm verify).
	Command []string

	// TailLimit caps scavenged failure lines (default 20).
	TailLimit int
}

// Verifier runs and interprets verification for task workspaces.
type Verifier struct {
	cfg Config
	ws  Workspace
	bus *events.Bus
}

// New creates a Verifier, applying defaults.
func New(cfg Config, ws Workspace, bus *events.Bus) *Verifier {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"pnpm", "verify"}
	}
	if cfg.TailLimit <= 0 {
		cfg.TailLimit = DefaultTailLimit
	}
	return &Verifier{cfg: cfg, ws: ws, bus: bus}
}

// Run executes the verification command in the task workspace and
// builds a Report. Non-zero exits are part of the report, not errors;
// an error means verification could not be run at all.
func (v *Verifier) Run(ctx context.Context, taskID string) (Report, error) {
	v.emit(events.NewEvent(events.VerifyStarted, taskID))

	res, err := v.ws.Run(ctx, taskID, v.cfg.Command, true)
	if err != nil {
		return Report{}, fmt.Errorf("run %s: %w", strings.Join(v.cfg.Command, " "), err)
	}

	report := Report{ExitCode: res.ExitCode}

	// The artifact, when present and parseable, is authoritative for
	// failures; its flag (if any) is authoritative for the verdict.
	if artifact := v.readArtifact(taskID); artifact != nil {
		report.Artifact = artifact
		report.Failures = artifact.Failures
		if flag, present := artifact.Flag(); present {
			report.Success = flag
		} else {
			report.Success = res.ExitCode == 0 && len(report.Failures) == 0
		}
	} else {
		report.Failures = scavengeFailures(res.Stdout, v.cfg.TailLimit)
		report.Success = res.ExitCode == 0 && len(report.Failures) == 0
	}

	if report.Success {
		v.emit(events.NewEvent(events.VerifyPassed, taskID))
	} else {
		v.emit(events.NewEvent(events.VerifyFailed, taskID).WithPayload(map[string]any{
			"exitCode": report.ExitCode,
			"failures": len(report.Failures),
		}))
	}
	return report, nil
}

// readArtifact loads the workspace's verification artifact. Missing or
// malformed files fall back to scavenging.
func (v *Verifier) readArtifact(taskID string) *Artifact {
	dir, err := v.ws.Path(taskID)
	if err != nil {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(dir, ArtifactName))
	if err != nil {
		return nil
	}

	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil
	}
	return &artifact
}

// scavengeFailures keeps the last max stdout lines that look like
// failures.
func scavengeFailures(stdout string, max int) []string {
	var hits []string
	for _, line := range strings.Split(stdout, "\n") {
		if failurePattern.MatchString(line) {
			hits = append(hits, strings.TrimSpace(line))
		}
	}
	if len(hits) > max {
		hits = hits[len(hits)-max:]
	}
	return hits
}

func (v *Verifier) emit(e events.Event) {
	if v.bus != nil {
		v.bus.Emit(e)
	}
}
