// Package jobs turns long-running operations into asynchronous jobs
// with poll-based status retrieval. A job is submitted with a method
// name and a function; the function runs on its own goroutine while
// callers poll the job snapshot. Terminal jobs are retained FIFO under
// a cap so job/get keeps working after completion.
package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/events"
)

// ErrUnknownJob is returned when a job id resolves to nothing, either
// because it never existed or because FIFO retention evicted it.
var ErrUnknownJob = errors.New("unknown job")

// DefaultRetention bounds how many jobs are kept in memory. Running
// jobs never count against eviction; only terminal ones age out.
const DefaultRetention = 200

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job is a point-in-time snapshot of one asynchronous operation.
type Job struct {
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Fn is the work a job performs. The returned value is JSON-encoded
// into the job snapshot; a nil value records an empty result.
type Fn func(ctx context.Context) (any, error)

// Manager tracks jobs from submission to eviction.
type Manager struct {
	retention int
	bus       *events.Bus

	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string // insertion order, drives FIFO eviction

	wg sync.WaitGroup

	// baseCtx parents every job context so Close can stop stragglers.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewManager creates a job manager. A non-positive retention uses the
// default. The bus may be nil.
func NewManager(retention int, bus *events.Bus) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		retention: retention,
		bus:       bus,
		jobs:      make(map[string]*Job),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Submit enqueues fn under a fresh job id and returns immediately.
// The job flips to running on its goroutine, then records the result
// or error string with a finished timestamp.
func (m *Manager) Submit(method string, fn Fn) string {
	id := newJobID()
	job := &Job{
		ID:        id,
		Method:    method,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.jobs[id] = job
	m.order = append(m.order, id)
	m.evictLocked()
	m.mu.Unlock()

	m.emit(events.NewEvent(events.JobQueued, "").WithJob(id).WithPayload(map[string]any{
		"method": method,
	}))

	m.wg.Add(1)
	go m.run(id, method, fn)

	return id
}

// run executes one job on its own goroutine.
func (m *Manager) run(id, method string, fn Fn) {
	defer m.wg.Done()

	started := time.Now().UTC()
	m.transition(id, func(j *Job) {
		j.Status = StatusRunning
		j.StartedAt = &started
	})
	m.emit(events.NewEvent(events.JobStarted, "").WithJob(id))

	result, err := m.invoke(fn)

	finished := time.Now().UTC()
	if err != nil {
		m.transition(id, func(j *Job) {
			j.Status = StatusFailed
			j.FinishedAt = &finished
			j.Error = err.Error()
		})
		m.emit(events.NewEvent(events.JobFailed, "").WithJob(id).WithError(err))
		return
	}

	var encoded json.RawMessage
	if result != nil {
		if data, merr := json.Marshal(result); merr == nil {
			encoded = data
		}
	}
	m.transition(id, func(j *Job) {
		j.Status = StatusSucceeded
		j.FinishedAt = &finished
		j.Result = encoded
	})
	m.emit(events.NewEvent(events.JobSucceeded, "").WithJob(id).WithPayload(map[string]any{
		"method": method,
	}))
}

// invoke runs fn, converting a panic into a job failure instead of
// taking the whole controller down.
func (m *Manager) invoke(fn Fn) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(m.baseCtx)
}

// Get returns a snapshot of the job.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("job %q: %w", id, ErrUnknownJob)
	}
	return cloneJob(job), nil
}

// List returns up to limit job snapshots, newest first. A non-positive
// limit returns everything retained.
func (m *Manager) List(limit int) []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Job
	for i := len(m.order) - 1; i >= 0; i-- {
		job, ok := m.jobs[m.order[i]]
		if !ok {
			continue
		}
		out = append(out, cloneJob(job))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ActiveCount returns how many jobs are queued or running.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, job := range m.jobs {
		if !job.Status.Terminal() {
			n++
		}
	}
	return n
}

// WaitAll blocks until every submitted job reaches a terminal status
// or the context ends. Used by tests and graceful shutdown.
func (m *Manager) WaitAll(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close cancels the context handed to running jobs and waits for them
// to finish.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

// transition applies a mutation to a job under the write lock. The job
// may already be evicted (retention raced completion); that is fine.
func (m *Manager) transition(id string, mutate func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		mutate(job)
	}
}

// evictLocked drops the oldest terminal jobs until the retained count
// fits the cap. Requires m.mu held for writing.
func (m *Manager) evictLocked() {
	excess := len(m.order) - m.retention
	if excess <= 0 {
		return
	}

	kept := m.order[:0]
	for _, id := range m.order {
		job, ok := m.jobs[id]
		if !ok {
			continue
		}
		if excess > 0 && job.Status.Terminal() {
			delete(m.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

func (m *Manager) emit(e events.Event) {
	if m.bus != nil {
		m.bus.Emit(e)
	}
}

func cloneJob(j *Job) Job {
	out := *j
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	return out
}

// newJobID returns "job_" plus 16 random hex characters. IDs are
// unique within the process lifetime.
func newJobID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// fall back to the timestamp rather than panic.
		return fmt.Sprintf("job_%016x", time.Now().UnixNano())
	}
	return "job_" + hex.EncodeToString(buf)
}
