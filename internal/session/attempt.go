package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shini4i/tunnel-supervisor/internal/directory"
	"github.com/shini4i/tunnel-supervisor/internal/fileutil"
	"github.com/shini4i/tunnel-supervisor/internal/management"
	"github.com/shini4i/tunnel-supervisor/internal/ovpn"
	"github.com/shini4i/tunnel-supervisor/internal/process"
	"github.com/shini4i/tunnel-supervisor/internal/route"
)

// Transport is how the daemon reaches the server.
type Transport string

const (
	TransportDirect Transport = "direct"
	TransportSSH    Transport = "ssh"
	TransportSSL    Transport = "ssl"
)

// attempt is the state of one iteration of the supervisor loop. Fields
// written before the processes start are read-only afterwards; the rest are
// guarded by mu because process reader goroutines touch them.
type attempt struct {
	id        string
	log       *slog.Logger
	startedAt time.Time

	// ctx outlives cancellation of Run so teardown can stop processes
	// gracefully; cancel is called once teardown is over.
	ctx    context.Context
	cancel context.CancelFunc

	server    *directory.Server
	protocol  string
	transport Transport
	port      int
	alt       int
	proxyPort int
	mgmtPort  int
	simulate  bool
	tempDir   string
	conf      *ovpn.Config

	reset      Signal
	daemonOnce sync.Once
	upOnce     sync.Once
	launched   bool
	denied     string

	// wg tracks goroutines that must finish before the attempt is released.
	wg sync.WaitGroup

	mu         sync.Mutex
	closing    bool
	connected  bool
	daemon     *process.Handle
	proxy      *process.Handle
	proxyReady chan struct{}
	mgmt       *management.Client
	iface      string
	files      []*fileutil.TransientFile
	scopes     []route.Scope
}

func newAttempt(parent context.Context, now time.Time) *attempt {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	id := uuid.NewString()
	return &attempt{
		id:         id,
		log:        slog.With("attempt", id),
		startedAt:  now,
		ctx:        ctx,
		cancel:     cancel,
		proxyReady: make(chan struct{}),
	}
}

func (a *attempt) Daemon() *process.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.daemon
}

// setDaemon stores h unless teardown has begun.
func (a *attempt) setDaemon(h *process.Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return false
	}
	a.daemon = h
	return true
}

func (a *attempt) Proxy() *process.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.proxy
}

func (a *attempt) setProxy(h *process.Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.proxy = h
	close(a.proxyReady)
}

// waitProxy blocks until the proxy handle is stored, so output handlers
// running before Start returned can still answer the process.
func (a *attempt) waitProxy() *process.Handle {
	select {
	case <-a.proxyReady:
		return a.Proxy()
	case <-a.ctx.Done():
		return nil
	}
}

func (a *attempt) Management() *management.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mgmt
}

func (a *attempt) setManagement(c *management.Client) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return false
	}
	a.mgmt = c
	return true
}

func (a *attempt) Interface() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.iface
}

func (a *attempt) setInterface(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.iface = name
}

func (a *attempt) addFile(f *fileutil.TransientFile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = append(a.files, f)
}

func (a *attempt) closeFiles() {
	a.mu.Lock()
	files := a.files
	a.files = nil
	a.mu.Unlock()

	for _, f := range files {
		if err := f.Close(); err != nil {
			a.log.Warn("Failed to remove transient file", "path", f.Path(), "error", err)
		}
	}
}

func (a *attempt) addScope(s route.Scope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scopes = append(a.scopes, s)
}

func (a *attempt) releaseScopes() {
	a.mu.Lock()
	scopes := a.scopes
	a.scopes = nil
	a.mu.Unlock()

	for _, s := range scopes {
		s.Release()
	}
}

// markClosing stops late goroutines from attaching processes, sockets or the
// connected flag to an attempt being torn down.
func (a *attempt) markClosing() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closing = true
}

// whileOpen runs fn under the attempt lock unless teardown has begun.
func (a *attempt) whileOpen(fn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return false
	}
	fn()
	return true
}

// goOpen runs fn on a goroutine that teardown waits for, unless teardown
// has already begun.
func (a *attempt) goOpen(fn func()) bool {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return false
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		fn()
	}()
	return true
}

func (a *attempt) everConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}
