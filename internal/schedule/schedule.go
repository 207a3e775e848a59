// Package schedule runs the controller's periodic maintenance jobs on
// wall-clock targets: quality scans hourly, architecture and doc sweeps
// daily, garbage collection weekly. One goroutine per enabled job; a
// per-job running flag drops overlapping fires.
package schedule

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

// Job names.
const (
	JobQualityScan       = "quality-scan"
	JobArchitectureSweep = "architecture-sweep"
	JobDocGardening      = "doc-gardening"
	JobGCSweep           = "gc-sweep"
)

// HistoryCap bounds the persisted run history.
const HistoryCap = 100

// Errors surfaced by the scheduler API.
var (
	ErrUnknownJob = errors.New("unknown scheduled job")
	ErrJobRunning = errors.New("job already running")
)

// Intervals maps each job to its repeat period.
var Intervals = map[string]time.Duration{
	JobQualityScan:       time.Hour,
	JobArchitectureSweep: 24 * time.Hour,
	JobDocGardening:      24 * time.Hour,
	JobGCSweep:           168 * time.Hour,
}

// FirstRun computes the wall-clock target for a job's first fire.
func FirstRun(job string, now time.Time) (time.Time, error) {
	switch job {
	case JobQualityScan:
		return nextFullHour(now), nil
	case JobArchitectureSweep:
		return nextDailyAt(now, 6), nil
	case JobDocGardening:
		return nextDailyAt(now, 7), nil
	case JobGCSweep:
		return nextSundayAt(now, 3), nil
	}
	return time.Time{}, fmt.Errorf("%q: %w", job, ErrUnknownJob)
}

func nextFullHour(now time.Time) time.Time {
	hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	return hour.Add(time.Hour)
}

func nextDailyAt(now time.Time, hour int) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func nextSundayAt(now time.Time, hour int) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	t = t.AddDate(0, 0, (7-int(now.Weekday()))%7)
	if !t.After(now) {
		t = t.AddDate(0, 0, 7)
	}
	return t
}

// Clock abstracts time for tests. RealClock is the production
// implementation.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a stoppable single-fire timer.
type Timer interface {
	Stop() bool
	C() <-chan time.Time
}

// RealClock implements Clock on the time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// NewTimer creates a real timer.
func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Stop() bool          { return t.timer.Stop() }
func (t *realTimer) C() <-chan time.Time { return t.timer.C }

// Executor performs one scheduled run.
type Executor func(ctx context.Context) error

// JobState is the persisted per-job record.
type JobState struct {
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	NextRun   time.Time `json:"nextRun,omitempty"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
}

// HistoryEntry records one completed run.
type HistoryEntry struct {
	Job        string    `json:"job"`
	Started    time.Time `json:"started"`
	DurationMs int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
	Forced     bool      `json:"forced,omitempty"`
}

// File is the persisted scheduler document.
type File struct {
	Version int            `json:"version"`
	Jobs    []JobState     `json:"jobs"`
	History []HistoryEntry `json:"history"`
}

// Status is the scheduler snapshot the dashboard reads.
type Status struct {
	Started bool       `json:"started"`
	Jobs    []JobState `json:"jobs"`
}

// Config tunes the scheduler.
type Config struct {
	// Disabled lists job names that never fire.
	Disabled []string

	// HistoryCap bounds the run log (default 100).
	HistoryCap int

	// Clock overrides time for tests.
	Clock Clock
}

// Scheduler owns the job timers and the persisted run accounting.
type Scheduler struct {
	cfg   Config
	clock Clock
	state *store.Store[File]
	bus   *events.Bus

	mu        sync.Mutex
	executors map[string]Executor
	running   map[string]bool
	started   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a Scheduler persisting under stateDir, applying defaults.
func New(cfg Config, stateDir string, bus *events.Bus) *Scheduler {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = HistoryCap
	}
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{
		cfg:   cfg,
		clock: clock,
		state: store.New(store.Path(stateDir, store.SchedulerFile), func() File {
			return File{Version: 1, Jobs: []JobState{}, History: []HistoryEntry{}}
		}),
		bus:       bus,
		executors: make(map[string]Executor),
		running:   make(map[string]bool),
	}
}

// Register binds an executor to a job name. Unregistered jobs are
// reported in status but never started.
func (s *Scheduler) Register(name string, fn Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[name] = fn
}

// Start computes each enabled job's first wall-clock target and spawns
// its timer loop. Calling Start twice is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.stopCh = make(chan struct{})
	names := make([]string, 0, len(s.executors))
	for name := range s.executors {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	now := s.clock.Now()
	for _, name := range names {
		interval, ok := Intervals[name]
		if !ok {
			return fmt.Errorf("%q: %w", name, ErrUnknownJob)
		}

		enabled := !s.disabled(name)
		first, err := FirstRun(name, now)
		if err != nil {
			return err
		}

		if uerr := s.upsertJob(name, enabled, first); uerr != nil {
			return uerr
		}
		if !enabled {
			continue
		}

		s.wg.Add(1)
		go s.loop(name, interval, first)
	}

	s.emit(events.NewEvent(events.SchedStarted, "").WithPayload(map[string]any{
		"jobs": names,
	}))
	return nil
}

// Stop halts every timer loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

// Trigger forces an immediate run outside the schedule and returns the
// run's error. A job already in flight returns ErrJobRunning.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	fn, ok := s.executors[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownJob)
	}
	return s.runJob(ctx, name, fn, true)
}

// Status reports the per-job records and whether the timers are live.
func (s *Scheduler) Status() (Status, error) {
	f, err := s.state.Load()
	if err != nil {
		return Status{}, err
	}

	jobs := make([]JobState, len(f.Jobs))
	copy(jobs, f.Jobs)
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	return Status{Started: started, Jobs: jobs}, nil
}

// History returns up to limit run records, newest first. A non-positive
// limit returns everything.
func (s *Scheduler) History(limit int) ([]HistoryEntry, error) {
	f, err := s.state.Load()
	if err != nil {
		return nil, err
	}

	var out []HistoryEntry
	for i := len(f.History) - 1; i >= 0; i-- {
		out = append(out, f.History[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// loop fires name at first and then every interval until Stop.
func (s *Scheduler) loop(name string, interval time.Duration, first time.Time) {
	defer s.wg.Done()

	next := first
	for {
		wait := next.Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}
		timer := s.clock.NewTimer(wait)

		select {
		case <-timer.C():
			s.mu.Lock()
			fn := s.executors[name]
			s.mu.Unlock()
			// Overlap with a forced run: the flag makes this a no-op.
			if err := s.runJob(context.Background(), name, fn, false); errors.Is(err, ErrJobRunning) {
				s.emit(events.NewEvent(events.SchedRun, "").WithPayload(map[string]any{
					"job":     name,
					"skipped": "overlap",
				}))
			}
			next = next.Add(interval)
			s.setNextRun(name, next)
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// runJob executes one run under the overlap guard and records the
// outcome.
func (s *Scheduler) runJob(ctx context.Context, name string, fn Executor, forced bool) error {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		return fmt.Errorf("%q: %w", name, ErrJobRunning)
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	started := s.clock.Now()
	err := fn(ctx)
	duration := s.clock.Now().Sub(started)

	s.record(name, started, duration, err, forced)

	if err != nil {
		s.emit(events.NewEvent(events.SchedFailed, "").WithError(err).WithPayload(map[string]any{
			"job": name,
		}))
		return err
	}
	s.emit(events.NewEvent(events.SchedRun, "").WithPayload(map[string]any{
		"job":        name,
		"durationMs": duration.Milliseconds(),
		"forced":     forced,
	}))
	return nil
}

// record updates the job state and appends the history entry.
func (s *Scheduler) record(name string, started time.Time, duration time.Duration, err error, forced bool) {
	_ = s.state.Update(func(f *File) error {
		for i := range f.Jobs {
			if f.Jobs[i].Name != name {
				continue
			}
			f.Jobs[i].LastRun = started
			f.Jobs[i].Runs++
			if err != nil {
				f.Jobs[i].Failures++
				f.Jobs[i].LastError = err.Error()
			} else {
				f.Jobs[i].LastError = ""
			}
			break
		}

		entry := HistoryEntry{
			Job:        name,
			Started:    started,
			DurationMs: duration.Milliseconds(),
			Forced:     forced,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		f.History = store.AppendCapped(f.History, entry, s.cfg.HistoryCap)
		return nil
	})
}

// upsertJob seeds or refreshes the persisted record, keeping run
// counters across restarts.
func (s *Scheduler) upsertJob(name string, enabled bool, next time.Time) error {
	return s.state.Update(func(f *File) error {
		for i := range f.Jobs {
			if f.Jobs[i].Name == name {
				f.Jobs[i].Enabled = enabled
				f.Jobs[i].NextRun = next
				return nil
			}
		}
		f.Jobs = append(f.Jobs, JobState{Name: name, Enabled: enabled, NextRun: next})
		return nil
	})
}

func (s *Scheduler) setNextRun(name string, next time.Time) {
	_ = s.state.Update(func(f *File) error {
		for i := range f.Jobs {
			if f.Jobs[i].Name == name {
				f.Jobs[i].NextRun = next
				return nil
			}
		}
		return nil
	})
}

func (s *Scheduler) disabled(name string) bool {
	for _, d := range s.cfg.Disabled {
		if d == name {
			return true
		}
	}
	return false
}

func (s *Scheduler) emit(e events.Event) {
	if s.bus != nil {
		s.bus.Emit(e)
	}
}
