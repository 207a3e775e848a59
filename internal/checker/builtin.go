package checker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/droverhq/drover/internal/cistatus"
	"github.com/droverhq/drover/internal/workspace"
)

// Workspace is the slice of the workspace manager the built-in
// checkers use.
type Workspace interface {
	Run(ctx context.Context, taskID string, argv []string, allowNonZero bool) (workspace.ExecResult, error)
	Path(taskID string) (string, error)
}

// maxFindings bounds how many findings a single checker reports.
const maxFindings = 20

// lintLinePattern matches linter output lines worth surfacing.
var lintLinePattern = regexp.MustCompile(`(?i)(error|warning)`)

// Lint runs the project's lint command and fails the dimension on a
// non-zero exit.
type Lint struct {
	ws      Workspace
	command []string
}

// NewLint creates the lint checker (default command: pnpm lint).
func NewLint(ws Workspace, command []string) *Lint {
	if len(command) == 0 {
		command = []string{"pnpm", "lint"}
	}
	return &Lint{ws: ws, command: command}
}

func (c *Lint) Name() string { return "lint" }

// Validate runs the lint command in the task workspace. A non-zero
// exit scores zero with the offending output lines as findings.
func (c *Lint) Validate(ctx context.Context, taskID string) (Report, error) {
	res, err := c.ws.Run(ctx, taskID, c.command, true)
	if err != nil {
		return Report{}, fmt.Errorf("run %s: %w", strings.Join(c.command, " "), err)
	}

	if res.ExitCode == 0 {
		return Report{Checker: c.Name(), Passed: true, Score: 1}, nil
	}

	report := Report{Checker: c.Name(), Passed: false, Score: 0}
	for _, line := range strings.Split(res.Stdout+"\n"+res.Stderr, "\n") {
		if !lintLinePattern.MatchString(line) {
			continue
		}
		severity := SeverityWarning
		if strings.Contains(strings.ToLower(line), "error") {
			severity = SeverityError
		}
		report.Findings = append(report.Findings, Finding{
			Severity: severity,
			Message:  strings.TrimSpace(line),
		})
		if len(report.Findings) >= maxFindings {
			break
		}
	}
	if len(report.Findings) == 0 {
		report.Findings = []Finding{{
			Severity: SeverityError,
			Message:  fmt.Sprintf("lint exited %d", res.ExitCode),
		}}
	}
	return report, nil
}

// Docs scores markdown coverage in the task workspace. It is a
// heuristic: a root README carries half the score, a docs/ tree and a
// changelog the rest.
type Docs struct {
	ws Workspace
}

// NewDocs creates the documentation checker.
func NewDocs(ws Workspace) *Docs { return &Docs{ws: ws} }

func (c *Docs) Name() string { return "docs" }

func (c *Docs) Validate(ctx context.Context, taskID string) (Report, error) {
	dir, err := c.ws.Path(taskID)
	if err != nil {
		return Report{}, err
	}

	report := Report{Checker: c.Name()}

	if fileExists(filepath.Join(dir, "README.md")) {
		report.Score += 0.5
	} else {
		report.Findings = append(report.Findings, Finding{
			Severity: SeverityWarning,
			Message:  "missing README.md at repository root",
			File:     "README.md",
		})
	}

	if hasMarkdown(filepath.Join(dir, "docs")) {
		report.Score += 0.3
	} else {
		report.Findings = append(report.Findings, Finding{
			Severity: SeverityInfo,
			Message:  "no docs/ directory with markdown content",
		})
	}

	if fileExists(filepath.Join(dir, "CHANGELOG.md")) {
		report.Score += 0.2
	} else {
		report.Findings = append(report.Findings, Finding{
			Severity: SeverityInfo,
			Message:  "missing CHANGELOG.md",
			File:     "CHANGELOG.md",
		})
	}

	report.Passed = report.Score >= 0.5
	return report, nil
}

// Churn thresholds for the architecture checker's diff fallback.
const (
	churnNotable = 200
	churnLarge   = 800
)

// archCheckScript is run when the project ships its own architecture
// validation.
const archCheckScript = "scripts/arch-check.sh"

var (
	insertionsPattern = regexp.MustCompile(`(\d+) insertions?\(\+\)`)
	deletionsPattern  = regexp.MustCompile(`(\d+) deletions?\(-\)`)
)

// Architecture delegates to the project's arch-check script when one
// exists, and otherwise derives findings from the change footprint.
type Architecture struct {
	ws Workspace
}

// NewArchitecture creates the architecture checker.
func NewArchitecture(ws Workspace) *Architecture { return &Architecture{ws: ws} }

func (c *Architecture) Name() string { return "architecture" }

func (c *Architecture) Validate(ctx context.Context, taskID string) (Report, error) {
	dir, err := c.ws.Path(taskID)
	if err != nil {
		return Report{}, err
	}

	if fileExists(filepath.Join(dir, archCheckScript)) {
		return c.runScript(ctx, taskID)
	}
	return c.scoreDiff(ctx, taskID)
}

func (c *Architecture) runScript(ctx context.Context, taskID string) (Report, error) {
	res, err := c.ws.Run(ctx, taskID, []string{"bash", archCheckScript}, true)
	if err != nil {
		return Report{}, fmt.Errorf("run %s: %w", archCheckScript, err)
	}

	if res.ExitCode == 0 {
		return Report{Checker: c.Name(), Passed: true, Score: 1}, nil
	}

	report := Report{Checker: c.Name(), Passed: false, Score: 0}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		report.Findings = append(report.Findings, Finding{Severity: SeverityError, Message: line})
		if len(report.Findings) >= maxFindings {
			break
		}
	}
	if len(report.Findings) == 0 {
		report.Findings = []Finding{{
			Severity: SeverityError,
			Message:  fmt.Sprintf("%s exited %d", archCheckScript, res.ExitCode),
		}}
	}
	return report, nil
}

// scoreDiff grades the uncommitted change footprint: small diffs pass
// clean, large ones degrade the score and surface a finding.
func (c *Architecture) scoreDiff(ctx context.Context, taskID string) (Report, error) {
	res, err := c.ws.Run(ctx, taskID, []string{"git", "diff", "--stat", "HEAD"}, true)
	if err != nil {
		return Report{}, fmt.Errorf("git diff --stat: %w", err)
	}
	if res.ExitCode != 0 {
		return Report{
			Checker: c.Name(),
			Passed:  true,
			Score:   1,
			Findings: []Finding{{
				Severity: SeverityInfo,
				Message:  "no diff available for architecture scoring",
			}},
		}, nil
	}

	churn := countMatch(insertionsPattern, res.Stdout) + countMatch(deletionsPattern, res.Stdout)
	switch {
	case churn <= churnNotable:
		return Report{Checker: c.Name(), Passed: true, Score: 1}, nil
	case churn <= churnLarge:
		return Report{
			Checker: c.Name(),
			Passed:  true,
			Score:   0.75,
			Findings: []Finding{{
				Severity: SeverityInfo,
				Message:  fmt.Sprintf("notable change footprint: %d lines", churn),
			}},
		}, nil
	default:
		return Report{
			Checker: c.Name(),
			Passed:  false,
			Score:   0.5,
			Findings: []Finding{{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("large change footprint: %d lines; consider splitting", churn),
			}},
		}, nil
	}
}

// CI grades the most recent host CI outcome recorded for the task.
// Absent history passes with an informational finding rather than
// penalizing tasks whose checks have not reported yet.
type CI struct {
	runs *cistatus.Store
}

// NewCI creates the CI checker over the shared CI status store.
func NewCI(runs *cistatus.Store) *CI { return &CI{runs: runs} }

func (c *CI) Name() string { return "ci" }

func (c *CI) Validate(ctx context.Context, taskID string) (Report, error) {
	run, ok, err := c.runs.LastForTask(taskID)
	if err != nil {
		return Report{}, fmt.Errorf("load ci history: %w", err)
	}
	if !ok {
		return Report{
			Checker: c.Name(),
			Passed:  true,
			Score:   1,
			Findings: []Finding{{
				Severity: SeverityInfo,
				Message:  "no CI runs recorded for task",
			}},
		}, nil
	}

	switch run.Status {
	case cistatus.StatusSuccess:
		return Report{Checker: c.Name(), Passed: true, Score: 1}, nil
	case cistatus.StatusPending:
		return Report{
			Checker: c.Name(),
			Passed:  false,
			Score:   0.5,
			Findings: []Finding{{
				Severity: SeverityInfo,
				Message:  fmt.Sprintf("CI pending for %s", run.Branch),
			}},
		}, nil
	default:
		message := "CI failed"
		if run.Name != "" {
			message = fmt.Sprintf("CI failed: %s", run.Name)
		}
		return Report{
			Checker:  c.Name(),
			Passed:   false,
			Score:    0,
			Findings: []Finding{{Severity: SeverityError, Message: message}},
		}, nil
	}
}

// RegisterDefaults wires the built-in checkers into a registry.
func RegisterDefaults(r *Registry, ws Workspace, runs *cistatus.Store, evals *EvalStore) {
	r.Register(NewLint(ws, nil))
	r.Register(NewDocs(ws))
	r.Register(NewArchitecture(ws))
	r.Register(NewCI(runs))
	r.Register(NewEval(evals))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// hasMarkdown reports whether dir contains at least one .md file at
// any depth.
func hasMarkdown(dir string) bool {
	found := false
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, ".md") {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

func countMatch(re *regexp.Regexp, s string) int {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
