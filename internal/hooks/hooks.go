// Package hooks runs user commands on tunnel lifecycle events.
package hooks

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Event names.
const (
	EventPre  = "vpn.pre"
	EventUp   = "vpn.up"
	EventDown = "vpn.down"
)

// DefaultTimeout bounds a hook that is waited for.
const DefaultTimeout = 30 * time.Second

// Hook is a shell command bound to an event.
type Hook struct {
	Command string `yaml:"command"`
	// Wait blocks the caller until the command exits.
	Wait bool `yaml:"wait"`
}

// Shell executes a command line and returns its combined output.
type Shell func(ctx context.Context, command string) ([]byte, error)

// ExecShell runs command with sh -c.
func ExecShell(ctx context.Context, command string) ([]byte, error) {
	// #nosec G204 -- hook commands come from the user's own configuration
	return exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
}

// Runner dispatches events to configured hooks.
type Runner struct {
	hooks   map[string]Hook
	shell   Shell
	timeout time.Duration

	wg sync.WaitGroup
}

// NewRunner creates a runner. A nil shell uses ExecShell.
func NewRunner(hooks map[string]Hook, shell Shell) *Runner {
	if shell == nil {
		shell = ExecShell
	}
	return &Runner{hooks: hooks, shell: shell, timeout: DefaultTimeout}
}

// RunEventCommand runs the hook bound to name, if any. Failures are logged
// and never returned; a hook cannot affect the tunnel lifecycle.
func (r *Runner) RunEventCommand(ctx context.Context, name string) {
	hook, ok := r.hooks[name]
	if !ok || strings.TrimSpace(hook.Command) == "" {
		return
	}

	if hook.Wait {
		r.run(ctx, name, hook.Command)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(context.WithoutCancel(ctx), name, hook.Command)
	}()
}

func (r *Runner) run(ctx context.Context, name, command string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	slog.Info("Running event command", "event", name)
	out, err := r.shell(ctx, command)
	if err != nil {
		slog.Warn("Event command failed", "event", name, "error", err, "output", strings.TrimSpace(string(out)))
		return
	}
	slog.Debug("Event command finished", "event", name, "output", strings.TrimSpace(string(out)))
}

// Wait blocks until background hooks have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
