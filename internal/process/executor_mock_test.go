package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// MockProcess implements Process for testing.
type MockProcess struct {
	mu sync.Mutex

	startErr error
	waitErr  error
	killErr  error

	stdin  *mockWriteCloser
	stdout *mockReadCloser
	stderr *mockReadCloser

	started   bool
	killCount int

	// WaitCh controls when Wait returns.
	WaitCh chan struct{}
}

// NewMockProcess creates a new mock process with empty buffers.
func NewMockProcess() *MockProcess {
	return &MockProcess{
		stdin:  &mockWriteCloser{buf: &bytes.Buffer{}},
		stdout: &mockReadCloser{buf: &bytes.Buffer{}},
		stderr: &mockReadCloser{buf: &bytes.Buffer{}},
		WaitCh: make(chan struct{}),
	}
}

func (p *MockProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = true
	return nil
}

func (p *MockProcess) Wait() error {
	<-p.WaitCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *MockProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killErr != nil {
		return p.killErr
	}
	p.killCount++
	p.closeWait()
	return nil
}

func (p *MockProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *MockProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *MockProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *MockProcess) closeWait() {
	select {
	case <-p.WaitCh:
	default:
		close(p.WaitCh)
	}
}

// SetStartError sets an error to return from Start().
func (p *MockProcess) SetStartError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
}

// SetWaitError sets an error to return from Wait().
func (p *MockProcess) SetWaitError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitErr = err
}

// SetKillError sets an error to return from Kill().
func (p *MockProcess) SetKillError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killErr = err
}

// WriteToStdout queues a line on stdout. Call before Start.
func (p *MockProcess) WriteToStdout(line string) {
	p.stdout.write(line + "\n")
}

// WriteToStderr queues a line on stderr. Call before Start.
func (p *MockProcess) WriteToStderr(line string) {
	p.stderr.write(line + "\n")
}

// GetStdinContent returns what was written to stdin.
func (p *MockProcess) GetStdinContent() string {
	p.stdin.mu.Lock()
	defer p.stdin.mu.Unlock()
	return p.stdin.buf.String()
}

// KillCount returns how many times Kill succeeded.
func (p *MockProcess) KillCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killCount
}

// CompleteProcess lets Wait return as if the process exited on its own.
func (p *MockProcess) CompleteProcess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeWait()
}

type mockWriteCloser struct {
	mu     sync.Mutex
	buf    *bytes.Buffer
	closed bool
}

func (w *mockWriteCloser) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errors.New("write to closed writer")
	}
	return w.buf.Write(b)
}

func (w *mockWriteCloser) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type mockReadCloser struct {
	mu     sync.Mutex
	buf    *bytes.Buffer
	closed bool
}

func (r *mockReadCloser) write(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.WriteString(s)
}

func (r *mockReadCloser) Read(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, io.EOF
	}
	return r.buf.Read(b)
}

func (r *mockReadCloser) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// MockExecutor implements Executor for testing.
type MockExecutor struct {
	mu sync.Mutex

	createErr error
	process   *MockProcess

	lastDir  string
	lastName string
	lastArgs []string
}

// NewMockExecutor creates a new mock executor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{process: NewMockProcess()}
}

// CreateProcess implements Executor.
func (e *MockExecutor) CreateProcess(_ context.Context, dir, name string, args ...string) (Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastDir = dir
	e.lastName = name
	e.lastArgs = args

	if e.createErr != nil {
		return nil, e.createErr
	}
	return e.process, nil
}

// SetCreateError sets an error to return from CreateProcess.
func (e *MockExecutor) SetCreateError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createErr = err
}

// GetProcess returns the mock process.
func (e *MockExecutor) GetProcess() *MockProcess {
	return e.process
}

// GetLast returns the dir, name and args of the last CreateProcess call.
func (e *MockExecutor) GetLast() (string, string, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastDir, e.lastName, e.lastArgs
}
