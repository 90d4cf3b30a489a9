package session

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/shini4i/tunnel-supervisor/internal/authz"
	"github.com/shini4i/tunnel-supervisor/internal/history"
	"github.com/shini4i/tunnel-supervisor/internal/route"
	"github.com/shini4i/tunnel-supervisor/internal/stats"
	"github.com/shini4i/tunnel-supervisor/internal/verify"
)

// fakeManagement is a management port that records commands. onCommand is
// called for each of them with the connection that sent it.
type fakeManagement struct {
	ln net.Listener

	mu        sync.Mutex
	commands  []string
	onCommand func(conn net.Conn, cmd string)
}

func newFakeManagement(t *testing.T) *fakeManagement {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m := &fakeManagement{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go m.serve(conn)
		}
	}()
	return m
}

func (m *fakeManagement) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := scanner.Text()
		m.mu.Lock()
		m.commands = append(m.commands, cmd)
		fn := m.onCommand
		m.mu.Unlock()
		if fn != nil {
			fn(conn, cmd)
		}
	}
}

func (m *fakeManagement) Port() int {
	return m.ln.Addr().(*net.TCPAddr).Port
}

func (m *fakeManagement) OnCommand(fn func(conn net.Conn, cmd string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCommand = fn
}

func (m *fakeManagement) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func (m *fakeManagement) Count(cmd string) int {
	n := 0
	for _, c := range m.Commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

type fakeAuthorizer struct {
	mu        sync.Mutex
	requests  []authz.Request
	decisions []authz.Decision
}

// Decide queues answers; once they run out every request is allowed.
func (f *fakeAuthorizer) Decide(d ...authz.Decision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, d...)
}

func (f *fakeAuthorizer) RequestConnectAuthorization(_ context.Context, req authz.Request) authz.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.decisions) == 0 {
		return authz.Allowed
	}
	d := f.decisions[0]
	f.decisions = f.decisions[1:]
	return d
}

func (f *fakeAuthorizer) Requests() []authz.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]authz.Request(nil), f.requests...)
}

type fakeHooks struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeHooks) RunEventCommand(_ context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, name)
}

func (f *fakeHooks) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type publishedMessage struct {
	Text        string
	Replaceable bool
}

type fakePublisher struct {
	mu        sync.Mutex
	connected []bool
	servers   []string
	messages  []publishedMessage
	summaries []string
	last      stats.Snapshot
}

func (f *fakePublisher) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, connected)
}

func (f *fakePublisher) SetCurrentServer(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers = append(f.servers, name)
}

func (f *fakePublisher) PublishStatusMessage(text string, replaceable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, publishedMessage{Text: text, Replaceable: replaceable})
}

func (f *fakePublisher) PublishStats(snap stats.Snapshot, summary string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, summary)
	f.last = snap
}

func (f *fakePublisher) Connected() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.connected...)
}

func (f *fakePublisher) Servers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.servers...)
}

func (f *fakePublisher) Messages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.messages...)
}

func (f *fakePublisher) HasMessage(text string) bool {
	for _, m := range f.Messages() {
		if m.Text == text {
			return true
		}
	}
	return false
}

func (f *fakePublisher) Summaries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.summaries...)
}

func (f *fakePublisher) LastStats() stats.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeVerifier struct {
	mu      sync.Mutex
	results map[string]verify.Result
	errs    map[string]error
	dnsErr  error
	checked []string
	dns     []string
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{
		results: make(map[string]verify.Result),
		errs:    make(map[string]error),
	}
}

func (f *fakeVerifier) Check(_ context.Context, ip string) (verify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, ip)
	if err := f.errs[ip]; err != nil {
		return verify.Result{}, err
	}
	return f.results[ip], nil
}

func (f *fakeVerifier) CheckDNS(_ context.Context, host, expected string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dns = append(f.dns, host+"="+expected)
	return f.dnsErr
}

func (f *fakeVerifier) Checked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.checked...)
}

func (f *fakeVerifier) DNSChecks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dns...)
}

type fakeRoutes struct {
	mu       sync.Mutex
	acquired []string
	released []string
}

type fakeScope struct {
	routes *fakeRoutes
	ip     string
	once   sync.Once
}

func (s *fakeScope) Release() {
	s.once.Do(func() {
		s.routes.mu.Lock()
		defer s.routes.mu.Unlock()
		s.routes.released = append(s.routes.released, s.ip)
	})
}

func (f *fakeRoutes) Acquire(_ context.Context, ip string) (route.Scope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = append(f.acquired, ip)
	return &fakeScope{routes: f, ip: ip}, nil
}

func (f *fakeRoutes) Acquired() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acquired...)
}

func (f *fakeRoutes) Released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

type fakeKeys struct {
	key []byte
	err error
}

func (f fakeKeys) SSHKey() ([]byte, error) {
	return f.key, f.err
}

type fakeHistory struct {
	mu       sync.Mutex
	attempts []history.Attempt
}

func (f *fakeHistory) Record(_ context.Context, a history.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *fakeHistory) Attempts() []history.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.Attempt(nil), f.attempts...)
}

type fakeCounters struct {
	mu          sync.Mutex
	read, write int64
}

func (f *fakeCounters) Add(read, write int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read += read
	f.write += write
}

func (f *fakeCounters) ReadCounters(string) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read, f.write, nil
}

type fakeProber struct {
	mu    sync.Mutex
	valid bool
}

func (f *fakeProber) Enabled() bool { return true }

func (f *fakeProber) Valid() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid
}

func (f *fakeProber) SetValid() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = true
}

// logBuffer collects the log output of the code under test.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogs routes the default logger into a buffer until the test ends.
// Call it before starting a harness so the supervisor stops first.
func captureLogs(t *testing.T) *logBuffer {
	t.Helper()
	b := &logBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return b
}
