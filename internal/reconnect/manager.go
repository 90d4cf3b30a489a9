// Package reconnect decides how long the supervisor waits between attempts
// and counts the wait down.
package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Config holds the waits, in countdown ticks, for each kind of failure.
type Config struct {
	AuthFailedSeconds int
	ErrorSeconds      int
	DenyNextSeconds   int
	DenyRetrySeconds  int
	// Tick is the length of one countdown step.
	Tick time.Duration
}

// DefaultConfig returns the standard waits.
func DefaultConfig() Config {
	return Config{
		AuthFailedSeconds: 10,
		ErrorSeconds:      3,
		DenyNextSeconds:   5,
		DenyRetrySeconds:  10,
		Tick:              time.Second,
	}
}

// Wait is a pending cooldown. Format takes the remaining seconds as its
// only %d verb.
type Wait struct {
	Seconds int
	Format  string
}

// Manager tracks the wait owed by the current attempt and the number of
// consecutive failed attempts. It is safe for concurrent use.
type Manager struct {
	config Config

	mu           sync.Mutex
	pending      Wait
	attemptCount int
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Manager{config: cfg}
}

// Begin clears the wait left by the previous attempt.
func (m *Manager) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = Wait{}
}

// OnConnectionSucceeded resets the failure counter.
func (m *Manager) OnConnectionSucceeded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attemptCount = 0
}

// DenyNext schedules the wait after a denial that moves to another server.
func (m *Manager) DenyNext(message string) {
	m.set(Wait{Seconds: m.config.DenyNextSeconds, Format: escape(message) + ", next in %d sec."})
}

// DenyRetry schedules the wait after a denial that retries the same server.
func (m *Manager) DenyRetry(message string) {
	m.set(Wait{Seconds: m.config.DenyRetrySeconds, Format: escape(message) + ", retry in %d sec."})
}

// AuthFailed schedules the wait after rejected credentials. It replaces any
// wait set earlier in the attempt.
func (m *Manager) AuthFailed() {
	m.fail(Wait{Seconds: m.config.AuthFailedSeconds, Format: "Auth failed, retry in %d sec."})
}

// Failed schedules the wait after an attempt error. It replaces any wait
// set earlier in the attempt.
func (m *Manager) Failed() {
	m.fail(Wait{Seconds: m.config.ErrorSeconds, Format: "Restart in %d sec."})
}

func (m *Manager) fail(w Wait) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attemptCount++
	m.pending = w
}

func (m *Manager) set(w Wait) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = w
}

// Pending returns the scheduled wait.
func (m *Manager) Pending() Wait {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// GetAttemptCount returns the number of consecutive failed attempts.
func (m *Manager) GetAttemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attemptCount
}

// Cooldown counts the pending wait down, publishing a message on every
// tick. It returns ctx.Err() when cancelled.
func (m *Manager) Cooldown(ctx context.Context, publish func(text string)) error {
	w := m.Pending()
	if w.Seconds <= 0 {
		return nil
	}

	slog.Info("Waiting before next attempt", "seconds", w.Seconds, "failures", m.GetAttemptCount())
	return Countdown(ctx, w, m.config.Tick, publish)
}

// Countdown publishes w.Format with the remaining seconds once per tick.
func Countdown(ctx context.Context, w Wait, tick time.Duration, publish func(text string)) error {
	timer := time.NewTimer(tick)
	defer timer.Stop()

	for i := 0; i < w.Seconds; i++ {
		if publish != nil {
			publish(fmt.Sprintf(w.Format, w.Seconds-i))
		}
		if i > 0 {
			timer.Reset(tick)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// escape keeps user supplied text from being read as format verbs.
func escape(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}
