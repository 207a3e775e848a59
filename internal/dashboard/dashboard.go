// Package dashboard assembles one aggregate view of the controller:
// tasks, autonomous runs, alerts, the merge queue, the scheduler, and
// recent quality scores. Sub-reads are best-effort so a broken
// subsystem dims its section instead of taking the dashboard down.
package dashboard

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/droverhq/drover/internal/alert"
	"github.com/droverhq/drover/internal/autonomous"
	"github.com/droverhq/drover/internal/checker"
	"github.com/droverhq/drover/internal/mergeq"
	"github.com/droverhq/drover/internal/schedule"
	"github.com/droverhq/drover/internal/task"
)

// Window sizes for the "recent" sections.
const (
	RecentRuns   = 10
	RecentAlerts = 20
	RecentScores = 10
)

// TaskLister reads the registry. Satisfied by *task.Registry.
type TaskLister interface {
	List() ([]task.Task, error)
}

// RunLister reads autonomous run records. Satisfied by
// *autonomous.Orchestrator.
type RunLister interface {
	ListRuns(limit int) ([]autonomous.Run, error)
}

// AlertHistorian reads alert history. Satisfied by *alert.Manager.
type AlertHistorian interface {
	History(limit int) ([]alert.Record, error)
}

// QueueStatuser summarizes the merge queue. Satisfied by
// *mergeq.Queue.
type QueueStatuser interface {
	Status() (mergeq.Status, error)
}

// SchedulerStatuser reports the job timers. Satisfied by
// *schedule.Scheduler.
type SchedulerStatuser interface {
	Status() (schedule.Status, error)
}

// ScoreHistorian reads aggregated quality scores. Satisfied by
// *checker.Registry.
type ScoreHistorian interface {
	History(limit int) ([]checker.QualityScore, error)
}

// Dependencies are the subsystem read surfaces. A nil entry leaves its
// section zero.
type Dependencies struct {
	Tasks     TaskLister
	Runs      RunLister
	Alerts    AlertHistorian
	Queue     QueueStatuser
	Scheduler SchedulerStatuser
	Quality   ScoreHistorian
}

// TaskSection is the task summary.
type TaskSection struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus,omitempty"`
	Tasks    []task.Task    `json:"tasks,omitempty"`
}

// AlertSection is the recent alerts plus their severity counts.
type AlertSection struct {
	Recent     []alert.Record `json:"recent,omitempty"`
	BySeverity map[string]int `json:"bySeverity,omitempty"`
}

// Snapshot is one aggregated dashboard read.
type Snapshot struct {
	GeneratedAt time.Time              `json:"generatedAt"`
	Tasks       TaskSection            `json:"tasks"`
	Runs        []autonomous.Run       `json:"runs,omitempty"`
	Alerts      AlertSection           `json:"alerts"`
	MergeQueue  mergeq.Status          `json:"mergeQueue"`
	Scheduler   schedule.Status        `json:"scheduler"`
	Quality     []checker.QualityScore `json:"quality,omitempty"`

	// Errors lists sub-reads that failed. Their sections are zero.
	Errors []string `json:"errors,omitempty"`
}

// Aggregator fans the sub-reads out and assembles the snapshot.
type Aggregator struct {
	deps Dependencies
}

// New creates an aggregator over the given subsystems.
func New(deps Dependencies) *Aggregator {
	return &Aggregator{deps: deps}
}

// Snapshot reads every subsystem concurrently. A failed sub-read
// leaves its section zero and lands in Errors; the snapshot itself
// always succeeds.
func (a *Aggregator) Snapshot() Snapshot {
	snap := Snapshot{GeneratedAt: time.Now().UTC()}

	var mu sync.Mutex
	fail := func(section string, err error) {
		mu.Lock()
		snap.Errors = append(snap.Errors, fmt.Sprintf("%s: %v", section, err))
		mu.Unlock()
	}

	// Each goroutine owns one snapshot field; Wait orders the writes
	// before the return.
	var g errgroup.Group

	if a.deps.Tasks != nil {
		g.Go(func() error {
			list, err := a.deps.Tasks.List()
			if err != nil {
				fail("tasks", err)
				return nil
			}
			snap.Tasks = summarizeTasks(list)
			return nil
		})
	}
	if a.deps.Runs != nil {
		g.Go(func() error {
			runs, err := a.deps.Runs.ListRuns(RecentRuns)
			if err != nil {
				fail("runs", err)
				return nil
			}
			snap.Runs = runs
			return nil
		})
	}
	if a.deps.Alerts != nil {
		g.Go(func() error {
			recent, err := a.deps.Alerts.History(RecentAlerts)
			if err != nil {
				fail("alerts", err)
				return nil
			}
			snap.Alerts = summarizeAlerts(recent)
			return nil
		})
	}
	if a.deps.Queue != nil {
		g.Go(func() error {
			status, err := a.deps.Queue.Status()
			if err != nil {
				fail("mergeQueue", err)
				return nil
			}
			snap.MergeQueue = status
			return nil
		})
	}
	if a.deps.Scheduler != nil {
		g.Go(func() error {
			status, err := a.deps.Scheduler.Status()
			if err != nil {
				fail("scheduler", err)
				return nil
			}
			snap.Scheduler = status
			return nil
		})
	}
	if a.deps.Quality != nil {
		g.Go(func() error {
			scores, err := a.deps.Quality.History(RecentScores)
			if err != nil {
				fail("quality", err)
				return nil
			}
			snap.Quality = scores
			return nil
		})
	}

	_ = g.Wait()
	return snap
}

func summarizeTasks(list []task.Task) TaskSection {
	section := TaskSection{
		Total:    len(list),
		ByStatus: make(map[string]int),
		Tasks:    list,
	}
	for _, t := range list {
		section.ByStatus[string(t.Status)]++
	}
	return section
}

func summarizeAlerts(recent []alert.Record) AlertSection {
	section := AlertSection{
		Recent:     recent,
		BySeverity: make(map[string]int),
	}
	for _, r := range recent {
		section.BySeverity[string(r.Severity)]++
	}
	return section
}
