// Package process supervises child processes whose output is consumed line
// by line.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Process represents a running process with stdin/stdout/stderr pipes.
type Process interface {
	// Start starts the process but does not wait for it to complete.
	Start() error
	// Wait waits for the process to exit and returns the error.
	Wait() error
	// Kill forcibly stops the process and everything in its process group.
	Kill() error
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
}

// Executor creates processes for execution.
type Executor interface {
	// CreateProcess prepares name with args to run inside dir. An empty dir
	// keeps the caller's working directory.
	CreateProcess(ctx context.Context, dir, name string, args ...string) (Process, error)
}

// RealExecutor implements Executor using os/exec.
type RealExecutor struct{}

// NewRealExecutor creates a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// CreateProcess builds an exec.Cmd with all three standard streams piped.
// The child runs in its own process group so Kill reaches helpers it spawns.
func (e *RealExecutor) CreateProcess(ctx context.Context, dir, name string, args ...string) (Process, error) {
	// #nosec G204 -- binary paths come from the local configuration file
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	return &realProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type realProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *realProcess) Start() error { return p.cmd.Start() }

func (p *realProcess) Wait() error { return p.cmd.Wait() }

// Kill sends SIGKILL to the whole process group. A group that is already
// gone is not an error.
func (p *realProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}

	pgid := p.cmd.Process.Pid
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		// Fall back to the leader alone when the group cannot be signalled.
		if killErr := p.cmd.Process.Kill(); killErr != nil {
			return fmt.Errorf("kill process group %d: %w", pgid, err)
		}
	}
	return nil
}

func (p *realProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *realProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *realProcess) Stderr() io.ReadCloser { return p.stderr }
