package session

import (
	"context"
	"time"

	"github.com/shini4i/tunnel-supervisor/internal/authz"
	"github.com/shini4i/tunnel-supervisor/internal/config"
	"github.com/shini4i/tunnel-supervisor/internal/directory"
	"github.com/shini4i/tunnel-supervisor/internal/history"
	"github.com/shini4i/tunnel-supervisor/internal/process"
	"github.com/shini4i/tunnel-supervisor/internal/reconnect"
	"github.com/shini4i/tunnel-supervisor/internal/route"
	"github.com/shini4i/tunnel-supervisor/internal/stats"
	"github.com/shini4i/tunnel-supervisor/internal/verify"
)

// ConfigStore gives the supervisor the current configuration and lets it
// persist the fields it changes.
type ConfigStore interface {
	GetConfig() *config.Config
	UpdateField(mutator func(cfg *config.Config)) error
}

// Directory picks servers.
type Directory interface {
	Lookup(name string) *directory.Server
	PickServer(preferred string) *directory.Server
}

// LatencyProber reports whether server latencies are ready to rank by.
type LatencyProber interface {
	Enabled() bool
	Valid() bool
}

// Authorizer asks the remote service whether a connection may start.
type Authorizer interface {
	RequestConnectAuthorization(ctx context.Context, req authz.Request) authz.Decision
}

// Hooks runs user commands bound to lifecycle events.
type Hooks interface {
	RunEventCommand(ctx context.Context, name string)
}

// Publisher receives everything an observer of the supervisor may display.
type Publisher interface {
	SetConnected(connected bool)
	SetCurrentServer(name string)
	PublishStatusMessage(text string, replaceable bool)
	PublishStats(snap stats.Snapshot, summary string)
}

// Verifier runs the post-connect checks.
type Verifier interface {
	Check(ctx context.Context, ip string) (verify.Result, error)
	CheckDNS(ctx context.Context, host, expected string) error
}

// KeyProvider supplies the private key of the SSH transport.
type KeyProvider interface {
	SSHKey() ([]byte, error)
}

// Recorder stores finished attempts.
type Recorder interface {
	Record(ctx context.Context, a history.Attempt) error
}

// Deps are the collaborators of a Supervisor. Prober, Keys, History,
// Routes, Counters and Reconnect may be nil.
type Deps struct {
	Config     ConfigStore
	Executor   process.Executor
	Directory  Directory
	Prober     LatencyProber
	Authorizer Authorizer
	Routes     route.Controller
	Hooks      Hooks
	Publisher  Publisher
	Verifier   Verifier
	Keys       KeyProvider
	Counters   stats.CounterReader
	History    Recorder
	Reconnect  *reconnect.Manager
}

// Timings are the polling periods of the supervisor.
type Timings struct {
	// Poll is the period of every wait loop.
	Poll time.Duration
	// Stats is how often traffic counters are refreshed while running.
	Stats time.Duration
	// SigTerm is the minimum gap between two graceful stop requests.
	SigTerm time.Duration
	// SimulateDelay is how long a simulated tunnel takes to come up.
	SimulateDelay time.Duration
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		Poll:          100 * time.Millisecond,
		Stats:         time.Second,
		SigTerm:       10 * time.Second,
		SimulateDelay: time.Second,
	}
}
