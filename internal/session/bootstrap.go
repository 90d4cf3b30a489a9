package session

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/shini4i/tunnel-supervisor/internal/classifier"
	"github.com/shini4i/tunnel-supervisor/internal/config"
	"github.com/shini4i/tunnel-supervisor/internal/fileutil"
	"github.com/shini4i/tunnel-supervisor/internal/process"
)

// sshTunnelTarget is where the SSH server forwards the local proxy port.
const sshTunnelTarget = "127.0.0.1:2018"

// Stand-in process for simulated attempts.
var simulateCommand = []string{"sleep", "86400"}

var errNoKeyProvider = errors.New("ssh transport requires a key provider")

// transportFor maps a protocol to the transport that carries it.
func transportFor(protocol string) Transport {
	switch protocol {
	case config.ProtocolSSH:
		return TransportSSH
	case config.ProtocolSSL:
		return TransportSSL
	}
	return TransportDirect
}

// randomProxyPort picks a local port in [1024, 65536).
func randomProxyPort() int {
	return 1024 + rand.Intn(65536-1024) // #nosec G404 -- not security sensitive
}

// proxyPortFor returns the local proxy port of protocol, zero when the
// protocol needs no proxy.
func proxyPortFor(cfg *config.Config, protocol string, random func() int) int {
	var port int
	switch protocol {
	case config.ProtocolSSH:
		port = cfg.SSH.Port
	case config.ProtocolSSL:
		port = cfg.SSL.Port
	default:
		return 0
	}
	if port == 0 {
		port = random()
	}
	return port
}

func keyExtension(goos string) string {
	if goos == "windows" {
		return "ppk"
	}
	return "key"
}

// sshArgs builds the command line of the SSH port forward.
func sshArgs(goos, keyPath string, proxyPort int, entryIP string, port int) []string {
	portFlag := "-p"
	if goos == "windows" {
		portFlag = "-P"
	}
	args := []string{
		"-i", keyPath,
		"-L", strconv.Itoa(proxyPort) + ":" + sshTunnelTarget,
		"sshtunnel@" + entryIP,
		portFlag, strconv.Itoa(port),
	}
	if goos != "windows" {
		args = append(args, "-o", "UserKnownHostsFile=/dev/null", "-o", "StrictHostKeyChecking=no")
	}
	return append(args, "-N", "-T", "-v")
}

// sslConfig renders the TLS proxy configuration.
func sslConfig(goos string, proxyPort int, entryIP string, port int) string {
	var b strings.Builder
	if goos != "windows" {
		b.WriteString("output = /dev/stdout\n")
		b.WriteString("pid = /tmp/stunnel4.pid\n")
	}
	b.WriteString("options = NO_SSLv2\n")
	b.WriteString("client = yes\n")
	b.WriteString("debug = 6\n")
	b.WriteString("\n")
	b.WriteString("[openvpn]\n")
	fmt.Fprintf(&b, "accept = 127.0.0.1:%d\n", proxyPort)
	fmt.Fprintf(&b, "connect = %s:%d\n", entryIP, port)
	b.WriteString("TIMEOUTclose = 0\n")
	b.WriteString("\n")
	return b.String()
}

// startSSH writes the key and launches the SSH port forward. The daemon is
// started once the proxy reports it is ready.
func (s *Supervisor) startSSH(a *attempt, cfg *config.Config) error {
	if s.deps.Keys == nil {
		return errNoKeyProvider
	}
	key, err := s.deps.Keys.SSHKey()
	if err != nil {
		return fmt.Errorf("load ssh key: %w", err)
	}
	file, err := fileutil.CreateTransient(a.tempDir, keyExtension(s.goos), key, 0o600)
	if err != nil {
		return err
	}
	a.addFile(file)

	return s.startProxy(a, classifier.SourceSSH, process.Spec{
		Name: "ssh",
		Path: cfg.SSH.Binary,
		Args: sshArgs(s.goos, file.Path(), a.proxyPort, a.conf.EntryIP, a.conf.Port),
		Dir:  a.tempDir,
	})
}

// startSSL writes the proxy configuration and launches the TLS proxy.
func (s *Supervisor) startSSL(a *attempt, cfg *config.Config) error {
	text := sslConfig(s.goos, a.proxyPort, a.conf.EntryIP, a.conf.Port)
	file, err := fileutil.CreateTransient(a.tempDir, "ssl", []byte(text), 0o600)
	if err != nil {
		return err
	}
	a.addFile(file)

	return s.startProxy(a, classifier.SourceSSL, process.Spec{
		Name: "ssl",
		Path: cfg.SSL.Binary,
		Args: []string{file.Path()},
		Dir:  a.tempDir,
	})
}

func (s *Supervisor) startProxy(a *attempt, src classifier.Source, spec process.Spec) error {
	h, err := process.Start(a.ctx, s.deps.Executor, spec, func(line string) {
		s.onProxyLine(a, src, line)
	})
	if err != nil {
		return err
	}
	a.setProxy(h)
	return nil
}

// startDaemonOnce launches the daemon the first time it is called for a.
func (s *Supervisor) startDaemonOnce(a *attempt) {
	a.daemonOnce.Do(func() {
		if err := s.startDaemon(a); err != nil {
			a.log.Error("Failed to start daemon", "error", err)
			a.reset.Set(ReasonError)
		}
	})
}

func (s *Supervisor) startDaemon(a *attempt) error {
	cfg := s.cfg()

	file, err := fileutil.CreateTransient(a.tempDir, "ovpn", []byte(a.conf.Text), 0o600)
	if err != nil {
		return err
	}
	a.addFile(file)

	spec := process.Spec{
		Name: "daemon",
		Path: cfg.Daemon.Binary,
		Args: []string{"--config", file.Path()},
		Dir:  a.tempDir,
	}
	if a.simulate {
		spec.Path, spec.Args = simulateCommand[0], simulateCommand[1:]
	}

	h, err := process.Start(a.ctx, s.deps.Executor, spec, func(line string) {
		s.onDaemonLine(a, line)
	})
	if err != nil {
		return err
	}
	if !a.setDaemon(h) {
		_ = h.Terminate()
		return nil
	}

	if a.simulate {
		a.goOpen(func() { s.simulateUp(a) })
	}
	return nil
}

// simulateUp marks a simulated attempt connected after a short delay.
func (s *Supervisor) simulateUp(a *attempt) {
	timer := time.NewTimer(s.timings.SimulateDelay)
	defer timer.Stop()
	select {
	case <-a.ctx.Done():
		return
	case <-timer.C:
	}
	s.status.SetVerification("", 0, 0)
	s.markConnected(a)
}
