package session

import (
	"context"
	"fmt"

	"github.com/shini4i/tunnel-supervisor/internal/classifier"
	"github.com/shini4i/tunnel-supervisor/internal/config"
	"github.com/shini4i/tunnel-supervisor/internal/management"
	"github.com/shini4i/tunnel-supervisor/internal/stats"
)

// Management ports wrap back to this value after 65535.
const firstManagementPort = 1024

func (s *Supervisor) onDaemonLine(a *attempt, line string) {
	res := s.classifier.Classify(classifier.SourceDaemon, line)
	if res.Log {
		a.log.Debug(res.Line, "source", classifier.SourceDaemon)
	}
	for _, ev := range res.Events {
		s.dispatch(a, ev, s.handleDaemonEvent)
	}
}

func (s *Supervisor) onProxyLine(a *attempt, src classifier.Source, line string) {
	res := s.classifier.Classify(src, line)
	if res.Log {
		a.log.Debug(res.Line, "source", src)
	}
	for _, ev := range res.Events {
		s.dispatch(a, ev, s.handleProxyEvent)
	}
}

func (s *Supervisor) onManagementLine(a *attempt, line string) {
	a.log.Debug(line, "source", classifier.SourceManagement)
}

// dispatch runs one event handler. A failing handler ends the attempt but
// never stops the handlers of the other events of the line.
func (s *Supervisor) dispatch(a *attempt, ev *classifier.Event, handle func(*attempt, *classifier.Event)) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("Output handler failed", "event", ev.Kind, "panic", r)
			a.reset.Set(ReasonError)
		}
	}()
	handle(a, ev)
}

func (s *Supervisor) handleDaemonEvent(a *attempt, ev *classifier.Event) {
	switch ev.Kind {
	case classifier.KindConnectionReset:
		a.log.Warn("Connection reset by daemon")
		a.reset.Set(ReasonError)
	case classifier.KindBindFailed:
		s.bumpManagementPort(a)
		a.reset.Set(ReasonRetry)
	case classifier.KindAuthFailed:
		a.log.Warn("Authentication failed")
		a.reset.Set(ReasonAuthFailed)
	case classifier.KindKeyRenewal:
		a.log.Info("Renewing TLS key")
	case classifier.KindCompletedWithErrors:
		a.log.Warn("Daemon initialization completed with errors")
		a.reset.Set(ReasonError)
	case classifier.KindCompleted:
		a.upOnce.Do(func() {
			a.goOpen(func() { s.onDaemonUp(a) })
		})
	case classifier.KindInterface:
		name := ev.GetData("name")
		s.status.SetInterface(name, ev.GetData("id"))
		live, err := stats.ResolveInterface(name, s.status.Snapshot().VPNIP)
		if err != nil {
			a.log.Debug("Tunnel interface not visible", "name", name, "error", err)
			return
		}
		a.setInterface(live)
	case classifier.KindDNS:
		s.status.SetDNS(ev.GetData("dns"))
	case classifier.KindIfconfig:
		s.status.SetTunnel(ev.GetData("ip"), ev.GetData("gateway"))
	}
}

func (s *Supervisor) handleProxyEvent(a *attempt, ev *classifier.Event) {
	switch ev.Kind {
	case classifier.KindTrustPrompt:
		proxy := a.waitProxy()
		if proxy == nil {
			return
		}
		if err := proxy.WriteLine("y"); err != nil {
			a.log.Warn("Failed to accept host key", "error", err)
		}
	case classifier.KindProxyReady:
		s.startDaemonOnce(a)
	}
}

// bumpManagementPort moves the configured management port to the next one.
func (s *Supervisor) bumpManagementPort(a *attempt) {
	var port int
	err := s.deps.Config.UpdateField(func(cfg *config.Config) {
		port = cfg.Daemon.ManagementPort + 1
		if port > 65535 {
			port = firstManagementPort
		}
		cfg.Daemon.ManagementPort = port
	})
	if err != nil {
		a.log.Error("Failed to change management port", "error", err)
		return
	}
	a.log.Info("Management port in use, switching", "old", a.mgmtPort, "new", port)
}

// onDaemonUp opens the management socket and verifies the tunnel. The
// attempt is connected only if no reset was raised meanwhile.
func (s *Supervisor) onDaemonUp(a *attempt) {
	client, err := management.Dial(a.ctx, a.mgmtPort, management.Options{
		OnStatistics: func(read, write int64) { s.onStatistics(a, read, write) },
		OnMessage:    func(line string) { s.onManagementLine(a, line) },
	})
	if err != nil {
		a.log.Error("Failed to open management socket", "port", a.mgmtPort, "error", err)
		a.reset.Set(ReasonError)
		return
	}
	if !a.setManagement(client) {
		_ = client.Close()
		return
	}

	s.publish("Checking", false)
	if err := s.verifyTunnel(a.ctx, a); err != nil {
		a.log.Error("Tunnel verification failed", "error", err)
		a.reset.Set(ReasonError)
		return
	}
	if a.reset.Get() != ReasonNone {
		return
	}
	s.markConnected(a)
}

// onStatistics reports the traffic of every finished statistics block.
// The block's counters drive the rates only while no interface counters are
// available; otherwise the rates sampled from the interface are reported.
func (s *Supervisor) onStatistics(a *attempt, read, write int64) {
	var down, up int64
	if a.Interface() == "" && !a.simulate {
		down, up = s.status.Sample(read, write)
	} else {
		snap := s.status.Snapshot()
		down, up = snap.DownloadRate, snap.UploadRate
	}
	a.log.Debug("Traffic",
		"server", a.server.DisplayName(),
		"download", stats.FormatRate(down),
		"upload", stats.FormatRate(up))
}

// verifyTunnel confirms that traffic leaves through the exit server and
// that DNS answers come from the tunnel.
func (s *Supervisor) verifyTunnel(ctx context.Context, a *attempt) error {
	checks := s.cfg().Checks

	if checks.Route {
		if err := s.checkRoute(ctx, a); err != nil {
			return err
		}
	} else {
		s.status.SetVerification("", 0, 0)
	}

	switch {
	case !checks.DNS || a.reset.Get() != ReasonNone:
	case checks.DNSHost == "":
		a.log.Warn("DNS check skipped, no host configured")
	default:
		if err := s.deps.Verifier.CheckDNS(ctx, checks.DNSHost, checks.DNSExpected); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) checkRoute(ctx context.Context, a *attempt) error {
	entry, exit := a.conf.EntryIP, a.server.ExitIP

	if exit == "" || exit == entry {
		a.log.Warn("Route check skipped, no separate exit address", "entry", entry, "exit", exit)
	} else {
		scope, err := s.deps.Routes.Acquire(ctx, exit)
		if err != nil {
			return fmt.Errorf("route exception for %s: %w", exit, err)
		}
		res, err := s.deps.Verifier.Check(ctx, exit)
		scope.Release()
		if err != nil {
			return err
		}
		if vpnIP := s.status.Snapshot().VPNIP; res.IP != vpnIP {
			return fmt.Errorf("%w: exit server saw %s, tunnel address is %s", ErrRouteCheck, res.IP, vpnIP)
		}
	}

	res, err := s.deps.Verifier.Check(ctx, entry)
	if err != nil {
		return err
	}
	s.status.SetVerification(res.IP, res.ServerTime, s.now().Unix())
	return nil
}

// markConnected flips the status to connected unless the attempt is being
// torn down.
func (s *Supervisor) markConnected(a *attempt) {
	ok := a.whileOpen(func() {
		a.connected = true
		if s.status.SetConnected(true) {
			s.deps.Publisher.SetConnected(true)
		}
	})
	if ok {
		a.log.Info("Tunnel up", "server", a.server.DisplayName())
	}
}

// setDisconnected clears the connected flag and tells observers.
func (s *Supervisor) setDisconnected() {
	if s.status.SetConnected(false) {
		s.deps.Publisher.SetConnected(false)
	}
}
