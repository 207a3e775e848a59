package schedule

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/checker"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/task"
)

const (
	// DefaultGCAge is how old a failed task must be before the GC sweep
	// reclaims its workspace.
	DefaultGCAge = 7 * 24 * time.Hour

	// RefactoringCap bounds the persisted refactoring candidates.
	RefactoringCap = 500

	// DocsCap bounds the markdown inventory.
	DocsCap = 200
)

// TaskLister reads the registry. Satisfied by *task.Registry.
type TaskLister interface {
	List() ([]task.Task, error)
}

// Scorer aggregates the weighted quality checkers. Satisfied by
// *checker.Registry.
type Scorer interface {
	Aggregate(ctx context.Context, taskID string) (checker.QualityScore, error)
}

// CheckerRunner runs one named checker. Satisfied by
// *checker.Registry.
type CheckerRunner interface {
	Run(ctx context.Context, name, taskID string) (checker.Report, error)
}

// WorkspaceDestroyer reclaims task checkouts. Satisfied by
// *workspace.Manager.
type WorkspaceDestroyer interface {
	Destroy(ctx context.Context, taskID string) error
}

// Candidate is one refactoring opportunity the architecture sweep
// surfaced.
type Candidate struct {
	TaskID   string    `json:"taskId"`
	File     string    `json:"file,omitempty"`
	Message  string    `json:"message"`
	Severity string    `json:"severity"`
	At       time.Time `json:"at"`
}

// RefactoringFile is the persisted candidate collection.
type RefactoringFile struct {
	Version    int         `json:"version"`
	Candidates []Candidate `json:"candidates"`
}

// DocRef is one markdown file the gardening sweep inventoried.
type DocRef struct {
	TaskID string    `json:"taskId"`
	Path   string    `json:"path"`
	Title  string    `json:"title,omitempty"`
	Bytes  int64     `json:"bytes"`
	At     time.Time `json:"at"`
}

// DocsFile is the persisted markdown inventory.
type DocsFile struct {
	Version int      `json:"version"`
	Docs    []DocRef `json:"docs"`
}

// QualityScan aggregates the weighted checkers over every ready task.
func QualityScan(tasks TaskLister, scorer Scorer) Executor {
	return func(ctx context.Context) error {
		list, err := tasks.List()
		if err != nil {
			return err
		}

		var errs []error
		for _, t := range list {
			if t.Status != task.StatusReady {
				continue
			}
			if _, aerr := scorer.Aggregate(ctx, t.ID); aerr != nil {
				errs = append(errs, fmt.Errorf("task %s: %w", t.ID, aerr))
			}
		}
		return errors.Join(errs...)
	}
}

// ArchitectureSweep runs the architecture checker over ready tasks and
// appends its findings to the refactoring backlog.
func ArchitectureSweep(tasks TaskLister, runner CheckerRunner, stateDir string) Executor {
	st := store.New(store.Path(stateDir, store.RefactoringFile), func() RefactoringFile {
		return RefactoringFile{Version: 1, Candidates: []Candidate{}}
	})

	return func(ctx context.Context) error {
		list, err := tasks.List()
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		var candidates []Candidate
		var errs []error
		for _, t := range list {
			if t.Status != task.StatusReady {
				continue
			}
			report, rerr := runner.Run(ctx, "architecture", t.ID)
			if rerr != nil {
				errs = append(errs, fmt.Errorf("task %s: %w", t.ID, rerr))
				continue
			}
			for _, f := range report.Findings {
				candidates = append(candidates, Candidate{
					TaskID:   t.ID,
					File:     f.File,
					Message:  f.Message,
					Severity: f.Severity,
					At:       now,
				})
			}
		}

		if len(candidates) > 0 {
			uerr := st.Update(func(f *RefactoringFile) error {
				for _, c := range candidates {
					f.Candidates = store.AppendCapped(f.Candidates, c, RefactoringCap)
				}
				return nil
			})
			if uerr != nil {
				errs = append(errs, uerr)
			}
		}
		return errors.Join(errs...)
	}
}

// DocGardening rebuilds the markdown inventory across every task
// workspace.
func DocGardening(tasks TaskLister, stateDir string) Executor {
	st := store.New(store.Path(stateDir, store.ReferenceDocsFile), func() DocsFile {
		return DocsFile{Version: 1, Docs: []DocRef{}}
	})

	return func(ctx context.Context) error {
		list, err := tasks.List()
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		var docs []DocRef
		for _, t := range list {
			refs, werr := inventoryMarkdown(t, now)
			if werr != nil {
				continue // workspace may be gone; inventory what exists
			}
			docs = append(docs, refs...)
			if len(docs) >= DocsCap {
				docs = docs[:DocsCap]
				break
			}
		}

		return st.Update(func(f *DocsFile) error {
			f.Docs = docs
			return nil
		})
	}
}

// inventoryMarkdown walks one workspace for markdown files, skipping
// VCS and dependency directories.
func inventoryMarkdown(t task.Task, now time.Time) ([]DocRef, error) {
	var refs []DocRef
	err := filepath.WalkDir(t.Workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", "node_modules", "dist", "build":
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		rel, rerr := filepath.Rel(t.Workspace, path)
		if rerr != nil {
			rel = path
		}
		refs = append(refs, DocRef{
			TaskID: t.ID,
			Path:   rel,
			Title:  markdownTitle(path),
			Bytes:  info.Size(),
			At:     now,
		})
		return nil
	})
	return refs, err
}

// markdownTitle returns the first top-level heading, if any appears in
// the first lines.
func markdownTitle(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for i := 0; scanner.Scan() && i < 20; i++ {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

// GCSweep destroys the workspaces of failed tasks older than maxAge.
// Task records stay; only the checkout is reclaimed.
func GCSweep(tasks TaskLister, workspaces WorkspaceDestroyer, maxAge time.Duration) Executor {
	if maxAge <= 0 {
		maxAge = DefaultGCAge
	}

	return func(ctx context.Context) error {
		list, err := tasks.List()
		if err != nil {
			return err
		}

		cutoff := time.Now().Add(-maxAge)
		var errs []error
		for _, t := range list {
			if t.Status != task.StatusFailed || !t.CreatedAt.Before(cutoff) {
				continue
			}
			if derr := workspaces.Destroy(ctx, t.ID); derr != nil {
				errs = append(errs, fmt.Errorf("task %s: %w", t.ID, derr))
			}
		}
		return errors.Join(errs...)
	}
}
