package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shini4i/tunnel-supervisor/internal/authz"
	"github.com/shini4i/tunnel-supervisor/internal/config"
	"github.com/shini4i/tunnel-supervisor/internal/directory"
	"github.com/shini4i/tunnel-supervisor/internal/events"
	"github.com/shini4i/tunnel-supervisor/internal/history"
	"github.com/shini4i/tunnel-supervisor/internal/hooks"
	"github.com/shini4i/tunnel-supervisor/internal/keyring"
	"github.com/shini4i/tunnel-supervisor/internal/logging"
	"github.com/shini4i/tunnel-supervisor/internal/process"
	"github.com/shini4i/tunnel-supervisor/internal/route"
	"github.com/shini4i/tunnel-supervisor/internal/session"
	"github.com/shini4i/tunnel-supervisor/internal/stats"
	"github.com/shini4i/tunnel-supervisor/internal/verify"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and keep the tunnel up until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runSupervisor,
}

func runSupervisor(cmd *cobra.Command, _ []string) error {
	mgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := mgr.GetConfig()
	logging.SetupFromEnv(cfg.LogLevel)

	slog.Info("Starting tunnel-supervisor", "version", Version, "config", mgr.Path(), "simulate", cfg.Simulate)

	if !cfg.Simulate {
		if _, err := exec.LookPath(cfg.Daemon.Binary); err != nil {
			return fmt.Errorf("tunnel daemon not found: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir := directory.FromConfig(cfg.Servers.List)
	prober := directory.NewProber(dir, directory.ProberConfig{
		Enabled:  cfg.Latency.Enabled,
		Interval: cfg.Latency.Interval,
		Workers:  int64(cfg.Latency.Workers),
		Timeout:  cfg.Latency.Timeout,
		Port:     cfg.Latency.Port,
	}, nil)
	if err := prober.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := prober.Stop(); err != nil {
			slog.Warn("Failed to stop latency prober", "error", err)
		}
	}()

	publisher := events.NewPublisher()
	if cfg.EventSocket != "" {
		srv := events.NewServer(cfg.EventSocket, publisher.HandleRequest)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start event server: %w", err)
		}
		defer srv.Stop()
		publisher.Attach(srv)
	}

	store, err := history.Open(historyPath(mgr.Path(), cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	hookRunner := hooks.NewRunner(cfg.Hooks, nil)
	defer hookRunner.Wait()

	var routes route.Controller = route.NewIPRoute(nil)
	if cfg.Simulate {
		routes = route.Noop{}
	}

	extra := url.Values{}
	if cfg.Authorization.Login != "" {
		extra.Set("login", cfg.Authorization.Login)
	}

	verifyOpts := []verify.Option{}
	if cfg.Checks.Port > 0 {
		verifyOpts = append(verifyOpts, verify.WithPort(cfg.Checks.Port))
	}

	sup, err := session.New(session.Deps{
		Config:     mgr,
		Executor:   process.NewRealExecutor(),
		Directory:  dir,
		Prober:     prober,
		Authorizer: authz.NewClient(cfg.Authorization.URL, extra),
		Routes:     routes,
		Hooks:      hookRunner,
		Publisher:  publisher,
		Verifier:   verify.NewChecker(verifyOpts...),
		Keys: keyring.SSHKeySource{
			Store:   keyring.NewSystemKeyring(),
			KeyID:   cfg.SSH.KeyID,
			KeyFile: cfg.SSH.KeyFile,
		},
		Counters: stats.SysfsCounters{},
		History:  store,
	})
	if err != nil {
		return err
	}
	publisher.SetController(sup)

	notifySystemd("READY=1")
	go watchdogLoop(ctx)

	outcome, err := sup.Run(ctx)
	notifySystemd("STOPPING=1")

	var denied *session.DeniedError
	switch {
	case errors.As(err, &denied):
		slog.Error("Stopped by authorization service", "server", denied.Server, "message", denied.Message)
		return err
	case err != nil:
		return err
	}

	slog.Info("Shutdown complete", "outcome", outcome)
	return nil
}

// historyPath defaults to a database next to the config file.
func historyPath(configFile string, cfg *config.Config) string {
	if cfg.HistoryPath != "" {
		return cfg.HistoryPath
	}
	return filepath.Join(filepath.Dir(configFile), config.HistoryFileName)
}
