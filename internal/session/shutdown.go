package session

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/shini4i/tunnel-supervisor/internal/hooks"
	"github.com/shini4i/tunnel-supervisor/internal/management"
)

// teardown stops every process of the attempt and removes its files.
func (s *Supervisor) teardown(a *attempt) {
	s.setPhase(PhaseTearingDown)
	a.markClosing()
	s.setDisconnected()
	s.publish("Disconnecting", false)

	if a.simulate {
		if d := a.Daemon(); d != nil {
			_ = d.Terminate()
		}
	}

	s.shutdown(a)
	if m := a.Management(); m != nil {
		_ = m.Close()
	}

	s.deps.Hooks.RunEventCommand(a.ctx, hooks.EventDown)
	a.cancel()
	a.wg.Wait()
	a.closeFiles()
	a.log.Info("Tunnel closed")
}

// shutdown polls until the management socket, the proxy and the daemon are
// all gone. The daemon is asked to stop through its management socket and
// killed when that socket is unavailable.
func (s *Supervisor) shutdown(a *attempt) {
	ticker := time.NewTicker(s.timings.Poll)
	defer ticker.Stop()
	sigterm := rate.Sometimes{Interval: s.timings.SigTerm}

	for {
		s.shutdownStep(a, &sigterm)
		if stopped(a) {
			return
		}
		<-ticker.C
	}
}

func (s *Supervisor) shutdownStep(a *attempt, sigterm *rate.Sometimes) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("Shutdown step failed", "panic", r)
		}
	}()

	daemon, proxy, mgmt := a.Daemon(), a.Proxy(), a.Management()
	daemonRunning := daemon != nil && daemon.IsRunning()
	socketOpen := mgmt != nil && mgmt.Connected()

	if !daemonRunning && socketOpen {
		_ = mgmt.Close()
		socketOpen = false
	}
	if daemonRunning && !socketOpen {
		if err := daemon.Terminate(); err != nil {
			a.log.Warn("Failed to kill daemon", "error", err)
		}
	}
	if proxy != nil && proxy.IsRunning() && !daemonRunning {
		if err := proxy.Terminate(); err != nil {
			a.log.Warn("Failed to kill proxy", "error", err)
		}
	}
	if daemonRunning && socketOpen {
		sigterm.Do(func() {
			a.log.Debug("Asking daemon to stop")
			mgmt.Enqueue(management.CmdSignalTerm)
		})
		if err := mgmt.Pump(); err != nil {
			a.log.Debug("Management pump during shutdown", "error", err)
		}
	}
}

func stopped(a *attempt) bool {
	if m := a.Management(); m != nil && m.Connected() {
		return false
	}
	if p := a.Proxy(); p != nil && p.IsRunning() {
		return false
	}
	if d := a.Daemon(); d != nil && d.IsRunning() {
		return false
	}
	return true
}
