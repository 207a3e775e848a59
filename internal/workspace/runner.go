package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// MaxStreamBytes caps each of stdout and stderr per command. A child
// exceeding either cap is killed and the call fails with ErrOutputLimit.
const MaxStreamBytes = 2 * 1024 * 1024

// ExecResult is the outcome of one workspace command.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Runner executes commands inside workspace directories.
type Runner interface {
	Exec(ctx context.Context, dir string, argv []string) (ExecResult, error)
}

// osRunner executes real commands via exec.CommandContext with capped
// output streams.
type osRunner struct {
	maxOutput int
}

func (r osRunner) limit() int {
	if r.maxOutput > 0 {
		return r.maxOutput
	}
	return MaxStreamBytes
}

func (r osRunner) Exec(ctx context.Context, dir string, argv []string) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, fmt.Errorf("empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var killOnce sync.Once
	kill := func() {
		killOnce.Do(func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		})
	}

	stdout := &capWriter{limit: r.limit(), onOverflow: kill}
	stderr := &capWriter{limit: r.limit(), onOverflow: kill}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	res := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if stdout.overflowed || stderr.overflowed {
		return res, fmt.Errorf("%s: %w", argv[0], ErrOutputLimit)
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("spawn %s: %w", strings.Join(argv, " "), err)
	}

	return res, nil
}

// capWriter buffers up to limit bytes, then triggers onOverflow once
// and discards the rest.
type capWriter struct {
	buf        strings.Builder
	limit      int
	overflowed bool
	onOverflow func()
	mu         sync.Mutex
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.overflowed {
		return len(p), nil
	}

	room := w.limit - w.buf.Len()
	if len(p) > room {
		w.buf.Write(p[:room])
		w.overflowed = true
		if w.onOverflow != nil {
			w.onOverflow()
		}
		return len(p), nil
	}

	w.buf.Write(p)
	return len(p), nil
}

func (w *capWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

var (
	defaultRunner Runner = osRunner{}
	runnerMu      sync.RWMutex
)

// DefaultRunner returns the current default runner.
func DefaultRunner() Runner {
	runnerMu.RLock()
	defer runnerMu.RUnlock()
	return defaultRunner
}

// SetDefaultRunner replaces the default runner. Intended for tests.
func SetDefaultRunner(runner Runner) {
	runnerMu.Lock()
	defer runnerMu.Unlock()
	if runner == nil {
		defaultRunner = osRunner{}
		return
	}
	defaultRunner = runner
}

// gitExec runs a git command in dir through the default runner and
// returns stdout. Non-zero exit or spawn failure is an error carrying
// the stderr content.
func gitExec(ctx context.Context, dir string, args ...string) (string, error) {
	argv := append([]string{"git"}, args...)

	runnerMu.RLock()
	runner := defaultRunner
	runnerMu.RUnlock()

	res, err := runner.Exec(ctx, dir, argv)
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git %s failed: exit %d\nstderr: %s",
			strings.Join(args, " "), res.ExitCode, res.Stderr)
	}

	return res.Stdout, nil
}
