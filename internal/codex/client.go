package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
)

// ErrNotRunning indicates a request was made before Start or after the
// process exited.
var ErrNotRunning = errors.New("model process not running")

// ExitError reports that the model process ended while a call or wait
// was in flight.
type ExitError struct {
	Status ExitStatus
}

func (e *ExitError) Error() string {
	if e.Status.Signal != "" {
		return fmt.Sprintf("model process exited: signal %s", e.Status.Signal)
	}
	return fmt.Sprintf("model process exited: code %d", e.Status.Code)
}

// ProcessConfig configures the model child process.
type ProcessConfig struct {
	// Argv is the full command line, e.g. ["codex-agent", "--stdio"].
	Argv []string

	// Dir is the working directory for the child.
	Dir string

	// Env is the child environment; nil inherits the parent's.
	Env []string
}

// Process is one running model child. It owns the single writer to the
// child's stdin; responses are matched to requests by id, and
// notifications fan out to subscribers. Turn completions are also kept
// in a buffer so a waiter installed after the notification arrived
// still sees it.
type Process struct {
	cfg ProcessConfig

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	nextID atomic.Int64

	mu        sync.Mutex
	started   bool
	pending   map[int64]chan inbound
	subs      map[int]chan Notification
	nextSub   int
	completed map[string]TurnCompletedParams
	waiters   map[string]chan TurnCompletedParams
	exit      *ExitStatus
	stderrBuf []string

	// done closes when the child has exited and bookkeeping finished.
	done chan struct{}
}

// NewProcess creates an unstarted process handle.
func NewProcess(cfg ProcessConfig) *Process {
	return &Process{
		cfg:       cfg,
		pending:   make(map[int64]chan inbound),
		subs:      make(map[int]chan Notification),
		completed: make(map[string]TurnCompletedParams),
		waiters:   make(map[string]chan TurnCompletedParams),
		done:      make(chan struct{}),
	}
}

// Start spawns the child and begins routing its output. The context
// covers the spawn only; the child outlives it and is stopped via Stop.
func (p *Process) Start(ctx context.Context) error {
	if len(p.cfg.Argv) == 0 {
		return fmt.Errorf("model argv is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("model process already started")
	}
	p.started = true
	p.mu.Unlock()

	cmd := exec.Command(p.cfg.Argv[0], p.cfg.Argv[1:]...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = p.cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start model process: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin

	go p.readLoop(stdout)
	go p.readStderr(stderr)
	go p.waitLoop()

	return nil
}

// attach wires the process to an existing reader/writer pair instead of
// a spawned child. Tests use this to drive the protocol directly; exit
// is simulated by closing the reader.
func (p *Process) attach(stdin io.WriteCloser, stdout io.Reader) {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	p.stdin = stdin
	go func() {
		p.readLoop(stdout)
		p.recordExit(ExitStatus{Code: 0})
	}()
}

// readLoop parses one JSON message per line from the child's stdout.
func (p *Process) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			// Unparseable lines are noise (stray prints from the
			// child); skip rather than kill the session.
			continue
		}

		switch {
		case msg.ID != nil:
			p.deliverResponse(msg)
		case msg.Method != "":
			p.deliverNotification(Notification{Method: msg.Method, Params: msg.Params})
		}
	}
}

// readStderr keeps a short tail of the child's stderr for exit errors.
func (p *Process) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.mu.Lock()
		p.stderrBuf = append(p.stderrBuf, scanner.Text())
		if len(p.stderrBuf) > 20 {
			p.stderrBuf = p.stderrBuf[1:]
		}
		p.mu.Unlock()
	}
}

// waitLoop reaps the child and records its exit status.
func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	status := ExitStatus{}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	} else if err != nil {
		status.Code = -1
	}

	p.recordExit(status)
}

// recordExit marks the process dead, fails in-flight calls, and closes
// done so waiters unblock.
func (p *Process) recordExit(status ExitStatus) {
	p.mu.Lock()
	if p.exit != nil {
		p.mu.Unlock()
		return
	}
	p.exit = &status
	pending := p.pending
	p.pending = make(map[int64]chan inbound)
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = make(map[int]chan Notification)
	p.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(p.done)
}

func (p *Process) deliverResponse(msg inbound) {
	p.mu.Lock()
	ch, ok := p.pending[*msg.ID]
	if ok {
		delete(p.pending, *msg.ID)
	}
	p.mu.Unlock()

	if ok {
		ch <- msg
	}
}

func (p *Process) deliverNotification(n Notification) {
	if n.Method == NoteTurnCompleted {
		var params TurnCompletedParams
		if err := json.Unmarshal(n.Params, &params); err == nil {
			key := turnKey(params.ThreadID, params.TurnID)
			p.mu.Lock()
			if waiter, ok := p.waiters[key]; ok {
				delete(p.waiters, key)
				waiter <- params
			} else {
				// Completion before the waiter installed: buffer it.
				p.completed[key] = params
			}
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	for _, ch := range p.subs {
		select {
		case ch <- n:
		default:
			// Slow subscriber: drop rather than stall the reader.
		}
	}
	p.mu.Unlock()
}

// call sends a request and awaits the matching response. out, when
// non-nil, receives the unmarshalled result.
func (p *Process) call(ctx context.Context, method string, params, out any) error {
	select {
	case <-p.done:
		return p.exitError()
	default:
	}

	id := p.nextID.Add(1)
	respCh := make(chan inbound, 1)

	p.mu.Lock()
	if p.exit != nil {
		p.mu.Unlock()
		return p.exitError()
	}
	if !p.started {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.pending[id] = respCh
	p.mu.Unlock()

	data, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		p.dropPending(id)
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	_, err = p.stdin.Write(data)
	p.writeMu.Unlock()
	if err != nil {
		p.dropPending(id)
		return fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return p.exitError()
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: model error %d: %s", method, resp.Error.Code, resp.Error.Message)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		p.dropPending(id)
		return ctx.Err()
	case <-p.done:
		return p.exitError()
	}
}

func (p *Process) dropPending(id int64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Process) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := ExitStatus{Code: -1}
	if p.exit != nil {
		status = *p.exit
	}
	if len(p.stderrBuf) > 0 {
		return fmt.Errorf("%w (stderr: %s)", &ExitError{Status: status}, p.stderrBuf[len(p.stderrBuf)-1])
	}
	return &ExitError{Status: status}
}

// Initialize performs the model handshake.
func (p *Process) Initialize(ctx context.Context, params InitializeParams) (InitializeResult, error) {
	var res InitializeResult
	err := p.call(ctx, "initialize", params, &res)
	return res, err
}

// StartLogin begins the interactive login flow; completion arrives as
// an account/login/completed notification.
func (p *Process) StartLogin(ctx context.Context) (LoginInfo, error) {
	var res LoginInfo
	err := p.call(ctx, "startChatGptLogin", nil, &res)
	return res, err
}

// StartThread opens a new model conversation and returns its id.
func (p *Process) StartThread(ctx context.Context) (string, error) {
	var res startThreadResult
	if err := p.call(ctx, "startThread", nil, &res); err != nil {
		return "", err
	}
	return res.ThreadID, nil
}

// StartTurn dispatches one prompt on a thread and returns the turn id
// used to match the completion notification.
func (p *Process) StartTurn(ctx context.Context, threadID, prompt, cwd string) (string, error) {
	var res startTurnResult
	err := p.call(ctx, "startTurn", startTurnParams{ThreadID: threadID, Prompt: prompt, Cwd: cwd}, &res)
	if err != nil {
		return "", err
	}
	return res.TurnID, nil
}

// WaitTurn blocks until the turn/completed notification for
// (threadID, turnID) arrives, the context ends, or the child exits.
// A completion that arrived before WaitTurn was called is returned
// immediately from the buffer.
func (p *Process) WaitTurn(ctx context.Context, threadID, turnID string) (TurnCompletedParams, error) {
	key := turnKey(threadID, turnID)

	p.mu.Lock()
	if params, ok := p.completed[key]; ok {
		delete(p.completed, key)
		p.mu.Unlock()
		return params, nil
	}
	if p.exit != nil {
		p.mu.Unlock()
		return TurnCompletedParams{}, p.exitError()
	}
	waiter := make(chan TurnCompletedParams, 1)
	p.waiters[key] = waiter
	p.mu.Unlock()

	select {
	case params := <-waiter:
		return params, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.waiters, key)
		p.mu.Unlock()
		return TurnCompletedParams{}, ctx.Err()
	case <-p.done:
		return TurnCompletedParams{}, p.exitError()
	}
}

// Subscribe returns a channel of every notification the child emits
// and a cancel func. Slow subscribers drop messages.
func (p *Process) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 64)

	p.mu.Lock()
	if p.exit != nil {
		p.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if sub, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(sub)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// Done closes when the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited returns the exit status once the child has ended.
func (p *Process) Exited() (ExitStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exit == nil {
		return ExitStatus{}, false
	}
	return *p.exit, true
}

// Running reports whether the child is started and has not exited.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && p.exit == nil
}

// Stop kills the child. Safe to call repeatedly and after exit.
func (p *Process) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	exited := p.exit != nil
	p.mu.Unlock()

	if exited || cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func turnKey(threadID, turnID string) string {
	return threadID + "\x00" + turnID
}
