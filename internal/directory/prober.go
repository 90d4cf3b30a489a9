package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/semaphore"
)

// ProbeFunc measures the round trip to address ("host:port").
type ProbeFunc func(ctx context.Context, address string) (time.Duration, error)

// TCPProbe measures latency via a TCP handshake.
func TCPProbe(ctx context.Context, address string) (time.Duration, error) {
	start := time.Now()
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return 0, fmt.Errorf("tcp handshake failed: %w", err)
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, nil
}

// ProberConfig holds configuration for the Prober.
type ProberConfig struct {
	Enabled  bool
	Interval time.Duration
	Workers  int64
	Timeout  time.Duration
	// Port is dialled on each server's first entry address.
	Port int
}

// Prober periodically measures the latency of every server. Until a full
// round has completed its results are not Valid.
type Prober struct {
	dir   *Directory
	cfg   ProberConfig
	probe ProbeFunc

	mu        sync.Mutex
	valid     bool
	scheduler gocron.Scheduler
}

// NewProber creates a prober over dir. A nil probe uses TCPProbe.
func NewProber(dir *Directory, cfg ProberConfig, probe ProbeFunc) *Prober {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Minute
	}
	if cfg.Port <= 0 {
		cfg.Port = 443
	}
	if probe == nil {
		probe = TCPProbe
	}
	return &Prober{dir: dir, cfg: cfg, probe: probe}
}

// Enabled reports whether latency probing is configured.
func (p *Prober) Enabled() bool {
	return p.cfg.Enabled
}

// Valid reports whether at least one full probing round has completed.
func (p *Prober) Valid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valid
}

// ProbeAll probes every server with bounded concurrency and records the
// results. A round interrupted by ctx does not mark the results valid.
func (p *Prober) ProbeAll(ctx context.Context) {
	servers := p.dir.Servers()
	sem := semaphore.NewWeighted(p.cfg.Workers)
	var wg sync.WaitGroup

	for _, s := range servers {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(s *Server) {
			defer wg.Done()
			defer sem.Release(1)
			p.probeOne(ctx, s)
		}(s)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	p.valid = true
	p.mu.Unlock()
	slog.Debug("Latency round completed", "servers", len(servers))
}

func (p *Prober) probeOne(ctx context.Context, s *Server) {
	addr := s.EntryIP(0)
	if addr == "" {
		s.SetLatency(-1)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	d, err := p.probe(probeCtx, net.JoinHostPort(addr, strconv.Itoa(p.cfg.Port)))
	if err != nil {
		s.SetLatency(-1)
		slog.Debug("Latency probe failed", "server", s.Name, "error", err)
		return
	}
	if d <= 0 {
		d = time.Microsecond
	}
	s.SetLatency(d)
}

// Start runs a probing round immediately and then every Interval. It does
// nothing when probing is disabled.
func (p *Prober) Start(ctx context.Context) error {
	if !p.cfg.Enabled {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scheduler != nil {
		return errors.New("prober is already running")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(p.cfg.Interval),
		gocron.NewTask(func() { p.ProbeAll(ctx) }),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("failed to create probe job: %w", err)
	}

	scheduler.Start()
	p.scheduler = scheduler
	return nil
}

// Stop halts periodic probing.
func (p *Prober) Stop() error {
	p.mu.Lock()
	scheduler := p.scheduler
	p.scheduler = nil
	p.mu.Unlock()

	if scheduler == nil {
		return nil
	}
	if err := scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return nil
}
