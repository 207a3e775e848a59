package workspace

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type fakeRunner struct {
	mu        sync.Mutex
	responses map[string][]fakeResponse
	calls     []fakeCall
}

type fakeResponse struct {
	res ExecResult
	err error
}

type fakeCall struct {
	dir  string
	argv []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string][]fakeResponse),
	}
}

func (f *fakeRunner) stub(argv string, res ExecResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[argv] = append(f.responses[argv], fakeResponse{res: res, err: err})
}

// stubOK registers a zero-exit response with the given stdout.
func (f *fakeRunner) stubOK(argv string, stdout string) {
	f.stub(argv, ExecResult{ExitCode: 0, Stdout: stdout}, nil)
}

func (f *fakeRunner) Exec(ctx context.Context, dir string, argv []string) (ExecResult, error) {
	key := strings.Join(argv, " ")
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{dir: dir, argv: append([]string(nil), argv...)})
	queue := f.responses[key]
	if len(queue) == 0 {
		f.mu.Unlock()
		return ExecResult{}, fmt.Errorf("unexpected command: %s", key)
	}
	resp := queue[0]
	f.responses[key] = queue[1:]
	f.mu.Unlock()
	return resp.res, resp.err
}

func (f *fakeRunner) callsFor(argv ...string) int {
	key := strings.Join(argv, " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if strings.Join(call.argv, " ") == key {
			count++
		}
	}
	return count
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
