package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxLineSize bounds a single output line; longer lines stop the reader.
const maxLineSize = 1024 * 1024

// Spec describes a process to launch.
type Spec struct {
	// Name labels the process in logs, e.g. "daemon" or "ssh".
	Name string
	Path string
	Args []string
	Dir  string
}

// SpawnError reports that a process could not be launched.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// LineHandler receives every line the process writes to stdout or stderr.
// It runs on the reader goroutines, so stdout and stderr lines may be
// delivered concurrently.
type LineHandler func(line string)

// Handle owns a started process. Its output is streamed to a LineHandler
// until both pipes close, after which the exit status is collected.
type Handle struct {
	name string
	proc Process

	stdinMu sync.Mutex

	mu         sync.Mutex
	exitErr    error
	terminated bool

	done chan struct{}
}

// Start launches spec through exec and begins streaming its output to onLine.
// A nil onLine discards output.
func Start(ctx context.Context, exec Executor, spec Spec, onLine LineHandler) (*Handle, error) {
	proc, err := exec.CreateProcess(ctx, spec.Dir, spec.Path, spec.Args...)
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	if err := proc.Start(); err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	if onLine == nil {
		onLine = func(string) {}
	}

	h := &Handle{
		name: spec.Name,
		proc: proc,
		done: make(chan struct{}),
	}
	go h.supervise(onLine)

	slog.Debug("Process started", "process", spec.Name, "path", spec.Path)
	return h, nil
}

// supervise drains both output streams and then reaps the process.
// os/exec requires all pipe reads to finish before Wait is called.
func (h *Handle) supervise(onLine LineHandler) {
	var g errgroup.Group
	g.Go(func() error { return readLines(h.proc.Stdout(), onLine) })
	g.Go(func() error { return readLines(h.proc.Stderr(), onLine) })
	if err := g.Wait(); err != nil {
		slog.Debug("Output reader stopped", "process", h.name, "error", err)
	}

	err := h.proc.Wait()

	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()

	if stdin := h.proc.Stdin(); stdin != nil {
		_ = stdin.Close()
	}
	close(h.done)

	slog.Debug("Process exited", "process", h.name, "error", err)
}

func readLines(r io.Reader, onLine LineHandler) error {
	if r == nil {
		return nil
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	err := scanner.Err()
	if err == nil || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// Name returns the label the process was started with.
func (h *Handle) Name() string {
	return h.name
}

// IsRunning reports whether the process has not yet been reaped.
func (h *Handle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitErr returns the result of waiting on the process. Only meaningful
// after Done is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Terminate kills the process. Calling it on an exited process, or more
// than once, is a no-op.
func (h *Handle) Terminate() error {
	if !h.IsRunning() {
		return nil
	}

	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return nil
	}
	h.terminated = true
	h.mu.Unlock()

	if err := h.proc.Kill(); err != nil {
		return fmt.Errorf("terminate %s: %w", h.name, err)
	}
	return nil
}

// WriteLine sends line followed by a newline to the process's stdin.
func (h *Handle) WriteLine(line string) error {
	stdin := h.proc.Stdin()
	if stdin == nil {
		return fmt.Errorf("%s: stdin not available", h.name)
	}

	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if _, err := io.WriteString(stdin, line+"\n"); err != nil {
		return fmt.Errorf("write to %s stdin: %w", h.name, err)
	}
	return nil
}

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.ExitErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}
