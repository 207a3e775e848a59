package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTimer struct {
	d  time.Duration
	ch chan time.Time
}

func (t *fakeTimer) Stop() bool          { return true }
func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) fire() { t.ch <- time.Now() }

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers chan *fakeTimer
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, timers: make(chan *fakeTimer, 16)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	t := &fakeTimer{d: d, ch: make(chan time.Time, 1)}
	c.timers <- t
	return t
}

func (c *fakeClock) nextTimer(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case timer := <-c.timers:
		return timer
	case <-time.After(5 * time.Second):
		t.Fatal("no timer created")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestFirstRunTargets(t *testing.T) {
	local := time.Local
	cases := []struct {
		name string
		job  string
		now  time.Time
		want time.Time
	}{
		{
			name: "quality scan next full hour",
			job:  JobQualityScan,
			now:  time.Date(2025, 3, 10, 10, 20, 30, 0, local),
			want: time.Date(2025, 3, 10, 11, 0, 0, 0, local),
		},
		{
			name: "quality scan on the hour moves to the next",
			job:  JobQualityScan,
			now:  time.Date(2025, 3, 10, 10, 0, 0, 0, local),
			want: time.Date(2025, 3, 10, 11, 0, 0, 0, local),
		},
		{
			name: "architecture sweep before six",
			job:  JobArchitectureSweep,
			now:  time.Date(2025, 3, 10, 4, 0, 0, 0, local),
			want: time.Date(2025, 3, 10, 6, 0, 0, 0, local),
		},
		{
			name: "architecture sweep after six rolls to tomorrow",
			job:  JobArchitectureSweep,
			now:  time.Date(2025, 3, 10, 9, 0, 0, 0, local),
			want: time.Date(2025, 3, 11, 6, 0, 0, 0, local),
		},
		{
			name: "doc gardening at seven",
			job:  JobDocGardening,
			now:  time.Date(2025, 3, 10, 7, 0, 0, 0, local),
			want: time.Date(2025, 3, 11, 7, 0, 0, 0, local),
		},
		{
			// 2025-03-10 is a Monday.
			name: "gc sweep next sunday",
			job:  JobGCSweep,
			now:  time.Date(2025, 3, 10, 12, 0, 0, 0, local),
			want: time.Date(2025, 3, 16, 3, 0, 0, 0, local),
		},
		{
			name: "gc sweep on sunday before three",
			job:  JobGCSweep,
			now:  time.Date(2025, 3, 16, 1, 0, 0, 0, local),
			want: time.Date(2025, 3, 16, 3, 0, 0, 0, local),
		},
		{
			name: "gc sweep on sunday after three",
			job:  JobGCSweep,
			now:  time.Date(2025, 3, 16, 4, 0, 0, 0, local),
			want: time.Date(2025, 3, 23, 3, 0, 0, 0, local),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FirstRun(tc.job, tc.now)
			if err != nil {
				t.Fatalf("FirstRun: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFirstRunUnknownJob(t *testing.T) {
	if _, err := FirstRun("nope", time.Now()); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
}

func TestSchedulerFiresOnTimer(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 10, 10, 20, 0, 0, time.Local))
	s := New(Config{Clock: clock}, t.TempDir(), nil)

	var mu sync.Mutex
	runs := 0
	s.Register(JobQualityScan, func(context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	timer := clock.nextTimer(t)
	if timer.d != 40*time.Minute {
		t.Errorf("first wait = %v, want 40m", timer.d)
	}

	timer.fire()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 1
	}, "job never ran")

	// The next fire is scheduled one interval after the first target.
	next := clock.nextTimer(t)
	if next.d != time.Hour+40*time.Minute {
		t.Errorf("second wait = %v, want 1h40m", next.d)
	}

	status, err := s.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.Jobs) != 1 {
		t.Fatalf("jobs = %d", len(status.Jobs))
	}
	job := status.Jobs[0]
	if job.Runs != 1 || job.Failures != 0 {
		t.Errorf("runs/failures = %d/%d", job.Runs, job.Failures)
	}
	want := time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)
	if !job.NextRun.Equal(want) {
		t.Errorf("next run = %v, want %v", job.NextRun, want)
	}
}

func TestSchedulerRecordsFailures(t *testing.T) {
	clock := newFakeClock(time.Now())
	s := New(Config{Clock: clock}, t.TempDir(), nil)
	s.Register(JobQualityScan, func(context.Context) error {
		return errors.New("checkers offline")
	})

	if err := s.Trigger(context.Background(), JobQualityScan); err == nil {
		t.Fatal("expected executor error")
	}

	history, err := s.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %d", len(history))
	}
	if history[0].Error != "checkers offline" || !history[0].Forced {
		t.Errorf("entry = %+v", history[0])
	}
}

func TestSchedulerFailureCounters(t *testing.T) {
	clock := newFakeClock(time.Now())
	s := New(Config{Clock: clock}, t.TempDir(), nil)

	fail := true
	var mu sync.Mutex
	s.Register(JobGCSweep, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("disk busy")
		}
		return nil
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	clock.nextTimer(t) // discard the scheduled timer

	if err := s.Trigger(context.Background(), JobGCSweep); err == nil {
		t.Fatal("expected failure")
	}
	mu.Lock()
	fail = false
	mu.Unlock()
	if err := s.Trigger(context.Background(), JobGCSweep); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	status, err := s.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	job := status.Jobs[0]
	if job.Runs != 2 || job.Failures != 1 {
		t.Errorf("runs/failures = %d/%d, want 2/1", job.Runs, job.Failures)
	}
	if job.LastError != "" {
		t.Errorf("last error should clear on success, got %q", job.LastError)
	}
}

func TestTriggerUnknownJob(t *testing.T) {
	s := New(Config{Clock: newFakeClock(time.Now())}, t.TempDir(), nil)
	if err := s.Trigger(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
}

func TestOverlappingRunSkipped(t *testing.T) {
	s := New(Config{Clock: newFakeClock(time.Now())}, t.TempDir(), nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	s.Register(JobDocGardening, func(context.Context) error {
		entered <- struct{}{}
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background(), JobDocGardening) }()
	<-entered

	if err := s.Trigger(context.Background(), JobDocGardening); !errors.Is(err, ErrJobRunning) {
		t.Errorf("expected ErrJobRunning, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first trigger: %v", err)
	}

	history, err := s.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history = %d, want 1 (skipped run records nothing)", len(history))
	}
}

func TestDisabledJobNeverStarts(t *testing.T) {
	clock := newFakeClock(time.Now())
	s := New(Config{Clock: clock, Disabled: []string{JobGCSweep}}, t.TempDir(), nil)
	s.Register(JobQualityScan, func(context.Context) error { return nil })
	s.Register(JobGCSweep, func(context.Context) error { return nil })

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	clock.nextTimer(t) // quality-scan's timer
	select {
	case <-clock.timers:
		t.Error("disabled job created a timer")
	case <-time.After(50 * time.Millisecond):
	}

	status, err := s.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, job := range status.Jobs {
		switch job.Name {
		case JobGCSweep:
			if job.Enabled {
				t.Error("gc-sweep should be disabled")
			}
		case JobQualityScan:
			if !job.Enabled {
				t.Error("quality-scan should be enabled")
			}
		}
	}
}

func TestStartTwice(t *testing.T) {
	s := New(Config{Clock: newFakeClock(time.Now())}, t.TempDir(), nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(); err == nil {
		t.Error("second Start should fail")
	}
}

func TestHistoryNewestFirstAndCapped(t *testing.T) {
	s := New(Config{Clock: newFakeClock(time.Now()), HistoryCap: 2}, t.TempDir(), nil)

	var mu sync.Mutex
	count := 0
	s.Register(JobQualityScan, func(context.Context) error {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n == 2 {
			return errors.New("second run")
		}
		return nil
	})

	for i := 0; i < 3; i++ {
		_ = s.Trigger(context.Background(), JobQualityScan)
	}

	history, err := s.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d, want cap 2", len(history))
	}
	if history[0].Error != "" {
		t.Errorf("newest entry should be the third (clean) run, got error %q", history[0].Error)
	}
	if history[1].Error != "second run" {
		t.Errorf("older entry = %+v", history[1])
	}

	limited, err := s.History(1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(limited) != 1 || limited[0].Error != "" {
		t.Errorf("limited = %+v", limited)
	}
}

func TestCountersSurviveRestart(t *testing.T) {
	stateDir := t.TempDir()
	clock := newFakeClock(time.Now())

	s := New(Config{Clock: clock}, stateDir, nil)
	s.Register(JobQualityScan, func(context.Context) error { return nil })
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.nextTimer(t)
	if err := s.Trigger(context.Background(), JobQualityScan); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	s.Stop()

	reopened := New(Config{Clock: clock}, stateDir, nil)
	reopened.Register(JobQualityScan, func(context.Context) error { return nil })
	if err := reopened.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer reopened.Stop()

	status, err := reopened.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Jobs[0].Runs != 1 {
		t.Errorf("runs = %d, want 1 after restart", status.Jobs[0].Runs)
	}
}
