// Package route pins host routes outside the tunnel while it is being
// established.
package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
)

// ErrNoDefaultRoute is returned when no non-tunnel default gateway exists.
var ErrNoDefaultRoute = errors.New("no default route")

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands through os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- arguments are validated IP addresses and interface names
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Controller creates route exceptions.
type Controller interface {
	// Acquire routes ip via the current default gateway until the returned
	// scope is released.
	Acquire(ctx context.Context, ip string) (Scope, error)
}

// Scope is an active route exception.
type Scope interface {
	// Release removes the exception. Calling it more than once is a no-op.
	Release()
}

// IPRoute manages exceptions with iproute2.
type IPRoute struct {
	run Runner
}

// NewIPRoute returns a controller using run, or ExecRunner when nil.
func NewIPRoute(run Runner) *IPRoute {
	if run == nil {
		run = ExecRunner
	}
	return &IPRoute{run: run}
}

// Acquire implements Controller.
func (r *IPRoute) Acquire(ctx context.Context, ip string) (Scope, error) {
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("invalid route destination %q", ip)
	}

	gateway, dev, err := r.defaultGateway(ctx)
	if err != nil {
		return nil, err
	}

	dest := ip + "/32"
	if out, err := r.run(ctx, "ip", "route", "replace", dest, "via", gateway, "dev", dev); err != nil {
		return nil, fmt.Errorf("add route %s via %s: %w: %s", dest, gateway, err, strings.TrimSpace(string(out)))
	}

	slog.Debug("Route exception added", "destination", dest, "gateway", gateway, "dev", dev)
	return &ipScope{run: r.run, dest: dest, gateway: gateway, dev: dev}, nil
}

// defaultGateway parses `ip route show default`, preferring a route that
// does not go through a tunnel device.
func (r *IPRoute) defaultGateway(ctx context.Context) (gateway, dev string, err error) {
	out, err := r.run(ctx, "ip", "route", "show", "default")
	if err != nil {
		return "", "", fmt.Errorf("read default route: %w", err)
	}

	var fallbackGW, fallbackDev string
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "default") {
			continue
		}
		gw, d := field(line, "via"), field(line, "dev")
		if gw == "" {
			continue
		}
		if !strings.HasPrefix(d, "tun") && !strings.HasPrefix(d, "tap") {
			return gw, d, nil
		}
		if fallbackGW == "" {
			fallbackGW, fallbackDev = gw, d
		}
	}
	if fallbackGW != "" {
		return fallbackGW, fallbackDev, nil
	}
	return "", "", ErrNoDefaultRoute
}

func field(line, key string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == key && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

type ipScope struct {
	run     Runner
	dest    string
	gateway string
	dev     string
	once    sync.Once
}

func (s *ipScope) Release() {
	s.once.Do(func() {
		out, err := s.run(context.Background(), "ip", "route", "del", s.dest, "via", s.gateway, "dev", s.dev)
		if err != nil {
			slog.Warn("Failed to remove route exception", "destination", s.dest, "error", err, "output", strings.TrimSpace(string(out)))
			return
		}
		slog.Debug("Route exception removed", "destination", s.dest)
	})
}

// Noop is a Controller that changes nothing, used in simulation.
type Noop struct{}

// Acquire implements Controller.
func (Noop) Acquire(context.Context, string) (Scope, error) {
	return noopScope{}, nil
}

type noopScope struct{}

func (noopScope) Release() {}
