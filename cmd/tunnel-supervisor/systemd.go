package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// notifySystemd sends a notification to systemd.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		slog.Warn("Failed to create notify socket", "error", err)
		return
	}
	defer unix.Close(fd)

	if err := unix.Sendto(fd, []byte(state), 0, &unix.SockaddrUnix{Name: socketPath}); err != nil {
		slog.Warn("Failed to notify systemd", "error", err)
	}
}

// watchdogInterval returns half of WATCHDOG_USEC, or zero when the watchdog
// is disabled.
func watchdogInterval(usec string) time.Duration {
	if usec == "" {
		return 0
	}
	n, err := strconv.ParseInt(usec, 10, 64)
	if err != nil || n <= 0 {
		slog.Warn("Invalid WATCHDOG_USEC", "value", usec)
		return 0
	}
	return time.Duration(n) * time.Microsecond / 2
}

// watchdogLoop pings systemd until ctx is done.
func watchdogLoop(ctx context.Context) {
	interval := watchdogInterval(os.Getenv("WATCHDOG_USEC"))
	if interval == 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			notifySystemd("WATCHDOG=1")
		}
	}
}
