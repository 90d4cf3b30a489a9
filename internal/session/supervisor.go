// Package session runs the tunnel supervisor: it selects a server, starts
// the daemon and its transport proxy, verifies the tunnel, keeps it running
// and reconnects after failures.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shini4i/tunnel-supervisor/internal/authz"
	"github.com/shini4i/tunnel-supervisor/internal/classifier"
	"github.com/shini4i/tunnel-supervisor/internal/config"
	"github.com/shini4i/tunnel-supervisor/internal/directory"
	"github.com/shini4i/tunnel-supervisor/internal/history"
	"github.com/shini4i/tunnel-supervisor/internal/hooks"
	"github.com/shini4i/tunnel-supervisor/internal/management"
	"github.com/shini4i/tunnel-supervisor/internal/ovpn"
	"github.com/shini4i/tunnel-supervisor/internal/reconnect"
	"github.com/shini4i/tunnel-supervisor/internal/route"
	"github.com/shini4i/tunnel-supervisor/internal/stats"
)

// Rates reported while simulating, in bytes per second.
const (
	simulatedDownload = 15354
	simulatedUpload   = 2525
)

const recordTimeout = 5 * time.Second

// Supervisor runs connection attempts until its context is cancelled or a
// terminal error occurs.
type Supervisor struct {
	deps       Deps
	timings    Timings
	classifier *classifier.Classifier
	status     *stats.Status
	goos       string
	now        func() time.Time
	randomPort func() int

	mu              sync.Mutex
	phase           Phase
	nextServer      string
	switchRequested bool
	current         *attempt

	// Only touched by the Run goroutine.
	lastServer    string
	everConnected bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithTimings overrides DefaultTimings.
func WithTimings(t Timings) Option {
	return func(s *Supervisor) { s.timings = t }
}

// WithPlatform selects the operating system whose proxy command lines and
// output formats are used.
func WithPlatform(goos string) Option {
	return func(s *Supervisor) { s.goos = goos }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithRandomPort replaces the generator of local proxy ports.
func WithRandomPort(fn func() int) Option {
	return func(s *Supervisor) { s.randomPort = fn }
}

// New creates a supervisor.
func New(deps Deps, opts ...Option) (*Supervisor, error) {
	switch {
	case deps.Config == nil:
		return nil, errors.New("session: config store is required")
	case deps.Executor == nil:
		return nil, errors.New("session: executor is required")
	case deps.Directory == nil:
		return nil, errors.New("session: directory is required")
	case deps.Authorizer == nil:
		return nil, errors.New("session: authorizer is required")
	case deps.Hooks == nil:
		return nil, errors.New("session: hooks are required")
	case deps.Publisher == nil:
		return nil, errors.New("session: publisher is required")
	case deps.Verifier == nil:
		return nil, errors.New("session: verifier is required")
	}
	if deps.Routes == nil {
		deps.Routes = route.Noop{}
	}
	if deps.Counters == nil {
		deps.Counters = stats.SysfsCounters{}
	}
	if deps.Reconnect == nil {
		deps.Reconnect = reconnect.NewManager(reconnect.DefaultConfig())
	}

	s := &Supervisor{
		deps:       deps,
		timings:    DefaultTimings(),
		goos:       runtime.GOOS,
		now:        time.Now,
		randomPort: randomProxyPort,
		phase:      PhaseIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.classifier = classifier.NewFor(s.goos)
	s.status = stats.NewStatusWithClock(s.now)
	return s, nil
}

// Run loops over attempts until ctx is cancelled or a terminal error
// (ErrNoServer, *DeniedError) occurs.
func (s *Supervisor) Run(ctx context.Context) (Outcome, error) {
	slog.Info("Session started")

	for ctx.Err() == nil {
		a, err := s.iterate(ctx)
		if err != nil {
			s.setPhase(PhaseTerminal)
			slog.Error("Session failed", "error", err)
			return OutcomeFailed, err
		}
		if a == nil {
			break
		}
		s.cooldown(ctx, a)
	}

	s.setPhase(PhaseTerminal)
	if !s.everConnected {
		slog.Info("Session cancelled")
		return OutcomeCancel, nil
	}
	slog.Info("Session ended")
	return OutcomeNormal, nil
}

// iterate runs one attempt. It returns a nil attempt when cancelled before
// an attempt could begin.
func (s *Supervisor) iterate(ctx context.Context) (a *attempt, err error) {
	s.setPhase(PhaseSelectingServer)
	if !s.awaitLatency(ctx) {
		return nil, nil
	}

	s.deps.Reconnect.Begin()
	s.status.Reset()
	a = newAttempt(ctx, s.now())
	s.setCurrent(a)
	defer s.setCurrent(nil)

	func() {
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("Attempt aborted", "panic", r)
				a.reset.Set(ReasonError)
				s.setDisconnected()
			}
		}()
		err = s.runAttempt(ctx, a)
	}()

	if a.launched {
		s.teardown(a)
	}
	a.releaseScopes()
	a.cancel()
	s.record(a)
	return a, err
}

func (s *Supervisor) runAttempt(ctx context.Context, a *attempt) error {
	cfg := s.cfg()
	a.protocol = strings.ToUpper(cfg.Mode.Protocol)
	a.port, a.alt = cfg.Mode.Port, cfg.Mode.Alt
	a.proxyPort = proxyPortFor(cfg, a.protocol, s.randomPort)
	a.transport = transportFor(a.protocol)
	a.mgmtPort = cfg.Daemon.ManagementPort
	a.simulate = cfg.Simulate
	a.tempDir = cfg.TempDir

	srv := s.selectServer(cfg)
	if srv == nil {
		return ErrNoServer
	}
	a.server = srv
	a.log = a.log.With("server", srv.Name)

	s.setPhase(PhaseAuthorizing)
	allowed, err := s.authorize(ctx, a, cfg)
	if err != nil || !allowed || ctx.Err() != nil {
		return err
	}

	s.lastServer = srv.Name
	if err := s.deps.Config.UpdateField(func(c *config.Config) { c.Servers.Last = srv.Name }); err != nil {
		a.log.Warn("Failed to save last server", "error", err)
	}
	s.deps.Publisher.SetCurrentServer(srv.DisplayName())

	if srv.RoutingOnly {
		a.protocol, a.port, a.alt = config.ProtocolUDP, 443, 0
		a.transport = TransportDirect
	}

	s.setPhase(PhaseBuilding)
	a.launched = true
	conf, err := builderFor(cfg).BuildConfig(srv, a.protocol, a.port, a.alt, a.proxyPort)
	if err != nil {
		a.log.Error("Failed to build daemon configuration", "error", err)
		a.reset.Set(ReasonError)
		return nil
	}
	a.conf = conf

	scope, err := s.deps.Routes.Acquire(a.ctx, conf.EntryIP)
	if err != nil {
		a.log.Warn("Failed to add route exception", "ip", conf.EntryIP, "error", err)
	} else {
		a.addScope(scope)
	}

	s.deps.Hooks.RunEventCommand(a.ctx, hooks.EventPre)
	s.publish("Connecting to "+srv.DisplayName(), false)
	a.log.Info("Connecting", "transport", a.transport, "protocol", a.protocol, "entry", conf.EntryIP, "port", conf.Port)

	s.setPhase(PhaseConnecting)
	if err := s.connect(a, cfg); err != nil {
		a.log.Error("Failed to start tunnel", "transport", a.transport, "error", err)
		a.reset.Set(ReasonError)
		return nil
	}

	s.setPhase(PhaseAwaitingDaemonUp)
	if !s.awaitUp(ctx, a) {
		return nil
	}

	s.setPhase(PhaseRunning)
	s.everConnected = true
	s.deps.Reconnect.OnConnectionSucceeded()
	s.deps.Hooks.RunEventCommand(a.ctx, hooks.EventUp)
	s.running(ctx, a)
	return nil
}

func builderFor(cfg *config.Config) *ovpn.Builder {
	return ovpn.NewBuilder(ovpn.Options{
		ManagementPort: cfg.Daemon.ManagementPort,
		CA:             cfg.Daemon.CA,
		Cert:           cfg.Daemon.Cert,
		Key:            cfg.Daemon.Key,
		Directives:     cfg.Daemon.Directives,
	})
}

// awaitLatency holds the first selection back until every server has been
// probed. A requested server skips the wait.
func (s *Supervisor) awaitLatency(ctx context.Context) bool {
	p := s.deps.Prober
	if p == nil || !p.Enabled() || s.hasNextServer() {
		return ctx.Err() == nil
	}

	ticker := time.NewTicker(s.timings.Poll)
	defer ticker.Stop()

	published := false
	for !p.Valid() {
		if !published {
			s.publish("Waiting for latency tests", false)
			published = true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return ctx.Err() == nil
}

func (s *Supervisor) selectServer(cfg *config.Config) *directory.Server {
	if name := s.takeNextServer(); name != "" {
		if srv := s.deps.Directory.Lookup(name); srv != nil {
			return srv
		}
		slog.Warn("Requested server not found", "server", name)
	}

	var preferred string
	if cfg.Servers.LockLast {
		preferred = s.lastServer
		if preferred == "" {
			preferred = cfg.Servers.Last
		}
	}
	return s.deps.Directory.PickServer(preferred)
}

// authorize asks the remote service for permission. A denial schedules the
// matching wait; the stop action is terminal.
func (s *Supervisor) authorize(ctx context.Context, a *attempt, cfg *config.Config) (bool, error) {
	s.publish("Checking authorization", false)

	d := s.deps.Authorizer.RequestConnectAuthorization(ctx, authz.Request{
		Server:   a.server.Name,
		Protocol: a.protocol,
		Port:     a.port,
		Alt:      a.alt,
	})
	if d.Allowed {
		return true, nil
	}

	a.denied = d.Message
	a.log.Warn("Connection denied", "action", d.Action, "message", d.Message)
	s.publish(d.Message, false)

	switch d.Action {
	case authz.ActionStop:
		return false, &DeniedError{Server: a.server.Name, Message: d.Message}
	case authz.ActionNext:
		a.server.AddPenalty(cfg.PenaltyOnError)
		s.deps.Reconnect.DenyNext(d.Message)
	default:
		s.deps.Reconnect.DenyRetry(d.Message)
	}
	return false, nil
}

func (s *Supervisor) connect(a *attempt, cfg *config.Config) error {
	if a.simulate {
		s.startDaemonOnce(a)
		return nil
	}
	switch a.transport {
	case TransportSSH:
		return s.startSSH(a, cfg)
	case TransportSSL:
		return s.startSSL(a, cfg)
	}
	s.startDaemonOnce(a)
	return nil
}

// awaitUp waits until the tunnel is verified. It returns false when a reset
// was raised or ctx was cancelled first.
func (s *Supervisor) awaitUp(ctx context.Context, a *attempt) bool {
	ticker := time.NewTicker(s.timings.Poll)
	defer ticker.Stop()

	for {
		if a.reset.Get() != ReasonNone {
			return false
		}
		if s.status.Connected() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// running keeps the tunnel alive until one of the stop conditions holds.
func (s *Supervisor) running(ctx context.Context, a *attempt) {
	ticker := time.NewTicker(s.timings.Poll)
	defer ticker.Stop()
	refresh := rate.Sometimes{Interval: s.timings.Stats}

	for {
		if d := a.Daemon(); d == nil || !d.IsRunning() {
			a.log.Error("Tunnel lost", "error", ErrDaemonExited)
			a.reset.Set(ReasonError)
		} else if m := a.Management(); m != nil {
			if err := m.Pump(); err != nil {
				a.log.Warn("Management connection lost", "error", err)
				a.reset.Set(ReasonError)
			}
		}

		refresh.Do(func() { s.refreshStats(a) })

		if s.shouldStop(ctx, a) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) refreshStats(a *attempt) {
	if m := a.Management(); m != nil {
		m.Enqueue(management.CmdStatus)
	}

	switch iface := a.Interface(); {
	case iface != "":
		read, write, err := s.deps.Counters.ReadCounters(iface)
		if err != nil {
			a.log.Debug("Failed to read interface counters", "interface", iface, "error", err)
			break
		}
		s.status.Sample(read, write)
	case a.simulate:
		s.status.SetRates(simulatedDownload, simulatedUpload)
	}

	snap := s.status.Snapshot()
	summary := stats.FormatSummary(snap.DownloadRate, snap.UploadRate, a.server.CountryName)
	s.deps.Publisher.PublishStats(snap, summary)
}

// shouldStop checks, in order: a reset, a requested server, a requested
// switch and cancellation.
func (s *Supervisor) shouldStop(ctx context.Context, a *attempt) bool {
	if r := a.reset.Get(); r != ReasonNone {
		a.log.Info("Leaving tunnel", "reason", r)
		return true
	}
	if s.hasNextServer() {
		a.log.Info("Leaving tunnel for requested server")
		return true
	}
	if s.takeSwitch() {
		a.log.Info("Leaving tunnel on switch request")
		return true
	}
	return ctx.Err() != nil
}

// cooldown schedules the wait for the attempt's reset and counts it down.
// Waits scheduled by a reset replace any authorization wait.
func (s *Supervisor) cooldown(ctx context.Context, a *attempt) {
	s.setPhase(PhaseCooldown)

	switch a.reset.Get() {
	case ReasonAuthFailed:
		s.deps.Reconnect.AuthFailed()
	case ReasonError:
		if a.server != nil {
			a.server.AddPenalty(s.cfg().PenaltyOnError)
		}
		s.deps.Reconnect.Failed()
	}

	if ctx.Err() != nil {
		return
	}
	_ = s.deps.Reconnect.Cooldown(ctx, func(text string) {
		s.publish(text, true)
	})
}

func (s *Supervisor) record(a *attempt) {
	if s.deps.History == nil || a.server == nil {
		return
	}

	reset := string(a.reset.Get())
	if a.denied != "" {
		reset = "denied"
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := s.deps.History.Record(ctx, history.Attempt{
		ID:        a.id,
		Server:    a.server.Name,
		Transport: string(a.transport),
		StartedAt: a.startedAt,
		EndedAt:   s.now(),
		Connected: a.everConnected(),
		Reset:     reset,
	})
	if err != nil {
		a.log.Warn("Failed to record attempt", "error", err)
	}
}

// RequestNextServer makes the next attempt use the named server, leaving
// the current tunnel if one is up.
func (s *Supervisor) RequestNextServer(name string) error {
	if s.deps.Directory.Lookup(name) == nil {
		return fmt.Errorf("unknown server %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextServer = name
	return nil
}

// RequestSwitch leaves the current tunnel and selects a server again.
func (s *Supervisor) RequestSwitch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switchRequested = true
}

// SendManagementCommand queues cmd on the management socket of the current
// attempt. The pseudo-commands k1, k2 and k3 close the socket, kill the
// daemon and kill the proxy instead. It reports whether anything was done.
func (s *Supervisor) SendManagementCommand(cmd string) bool {
	a := s.currentAttempt()
	if a == nil {
		return false
	}

	switch cmd {
	case management.CmdCloseSocket:
		if m := a.Management(); m != nil {
			if err := m.Close(); err != nil {
				a.log.Warn("Failed to close management socket", "error", err)
			}
			return true
		}
	case management.CmdKillDaemon:
		if d := a.Daemon(); d != nil {
			if err := d.Terminate(); err != nil {
				a.log.Warn("Failed to kill daemon", "error", err)
			}
			return true
		}
	case management.CmdKillProxy:
		if p := a.Proxy(); p != nil {
			if err := p.Terminate(); err != nil {
				a.log.Warn("Failed to kill proxy", "error", err)
			}
			return true
		}
	default:
		if m := a.Management(); m != nil {
			return m.Enqueue(cmd)
		}
	}
	return false
}

// Phase returns where the loop currently is.
func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Snapshot returns the status of the current tunnel.
func (s *Supervisor) Snapshot() stats.Snapshot {
	return s.status.Snapshot()
}

func (s *Supervisor) setPhase(to Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == to {
		return
	}
	if !IsValidTransition(s.phase, to) {
		slog.Warn("Unexpected phase transition", "from", s.phase, "to", to)
	}
	slog.Debug("Phase changed", "from", s.phase, "to", to)
	s.phase = to
}

func (s *Supervisor) setCurrent(a *attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = a
}

func (s *Supervisor) currentAttempt() *attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Supervisor) hasNextServer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextServer != ""
}

func (s *Supervisor) takeNextServer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.nextServer
	s.nextServer = ""
	return name
}

func (s *Supervisor) takeSwitch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	requested := s.switchRequested
	s.switchRequested = false
	return requested
}

func (s *Supervisor) cfg() *config.Config {
	return s.deps.Config.GetConfig()
}

func (s *Supervisor) publish(text string, replaceable bool) {
	s.deps.Publisher.PublishStatusMessage(text, replaceable)
}
