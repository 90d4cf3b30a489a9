package session

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/shini4i/tunnel-supervisor/internal/process"
)

// fakeProcess is a process whose output is written by the test. It exits
// when killed, when its context ends or when Exit is called.
type fakeProcess struct {
	path string
	dir  string
	args []string

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
	stdinR           *io.PipeReader
	stdinW           *io.PipeWriter

	exited   chan struct{}
	exitOnce sync.Once
	kills    atomic.Int32

	mu      sync.Mutex
	input   []string
	killErr error
}

func newFakeProcess(path, dir string, args []string) *fakeProcess {
	p := &fakeProcess{path: path, dir: dir, args: args, exited: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	p.stdinR, p.stdinW = io.Pipe()
	return p
}

func (p *fakeProcess) Start() error {
	go func() {
		scanner := bufio.NewScanner(p.stdinR)
		for scanner.Scan() {
			p.mu.Lock()
			p.input = append(p.input, scanner.Text())
			p.mu.Unlock()
		}
	}()
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

// Kill counts only kills of a live process. The process always exits; the
// error set by FailKill is still returned.
func (p *fakeProcess) Kill() error {
	if !p.Exited() {
		p.kills.Add(1)
	}
	p.Exit()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killErr
}

func (p *fakeProcess) FailKill(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killErr = err
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdoutR }
func (p *fakeProcess) Stderr() io.ReadCloser { return p.stderrR }

// Exit ends the process as if it had terminated on its own.
func (p *fakeProcess) Exit() {
	p.exitOnce.Do(func() {
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.exited)
	})
}

// Emit writes lines to stdout. It blocks until the reader consumed them.
func (p *fakeProcess) Emit(lines ...string) {
	for _, line := range lines {
		if _, err := io.WriteString(p.stdoutW, line+"\n"); err != nil {
			return
		}
	}
}

func (p *fakeProcess) Input() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.input...)
}

func (p *fakeProcess) Killed() bool {
	return p.kills.Load() > 0
}

func (p *fakeProcess) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// fakeExecutor creates fakeProcesses and runs the script registered for the
// binary on each of them.
type fakeExecutor struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	scripts map[string]func(p *fakeProcess)
	errs    map[string]error
}

var _ process.Executor = (*fakeExecutor)(nil)

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		scripts: make(map[string]func(p *fakeProcess)),
		errs:    make(map[string]error),
	}
}

func (e *fakeExecutor) Script(path string, fn func(p *fakeProcess)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[path] = fn
}

func (e *fakeExecutor) FailCreate(path string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs[path] = err
}

func (e *fakeExecutor) CreateProcess(ctx context.Context, dir, name string, args ...string) (process.Process, error) {
	e.mu.Lock()
	if err := e.errs[name]; err != nil {
		e.mu.Unlock()
		return nil, err
	}
	p := newFakeProcess(name, dir, args)
	e.procs = append(e.procs, p)
	script := e.scripts[name]
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = p.Kill()
		case <-p.exited:
		}
	}()
	if script != nil {
		go script(p)
	}
	return p, nil
}

// Started returns the processes created for path, oldest first.
func (e *fakeExecutor) Started(path string) []*fakeProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*fakeProcess
	for _, p := range e.procs {
		if p.path == path {
			out = append(out, p)
		}
	}
	return out
}

// Last returns the newest process created for path, or nil.
func (e *fakeExecutor) Last(path string) *fakeProcess {
	procs := e.Started(path)
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}
