// Package classifier turns raw output lines from the tunnel daemon and its
// transport proxies into structured events.
package classifier

import (
	"regexp"
	"runtime"
	"strings"
)

// Source identifies which process produced a line.
type Source string

const (
	SourceDaemon     Source = "daemon"
	SourceSSH        Source = "ssh"
	SourceSSL        Source = "ssl"
	SourceManagement Source = "management"
)

// Kind is the type of event recognised in a line.
type Kind string

const (
	// KindConnectionReset: the daemon lost its link and is restarting.
	KindConnectionReset Kind = "connection_reset"
	// KindBindFailed: the management port is already in use.
	KindBindFailed Kind = "bind_failed"
	// KindAuthFailed: credentials were rejected by the server.
	KindAuthFailed Kind = "auth_failed"
	// KindKeyRenewal: the daemon is renegotiating an expiring TLS key.
	KindKeyRenewal Kind = "key_renewal"
	// KindCompletedWithErrors: initialization finished but is unusable.
	KindCompletedWithErrors Kind = "completed_with_errors"
	// KindCompleted: the tunnel is up and the management port can be opened.
	KindCompleted Kind = "completed"
	// KindInterface carries the "name" and "id" of the opened tun/tap device.
	KindInterface Kind = "interface"
	// KindDNS carries the "dns" server pushed by the server.
	KindDNS Kind = "dns"
	// KindIfconfig carries the tunnel "ip" and "gateway".
	KindIfconfig Kind = "ifconfig"
	// KindTrustPrompt: the SSH client asks whether to trust a host key.
	KindTrustPrompt Kind = "trust_prompt"
	// KindProxyReady: the transport proxy is listening and the daemon may start.
	KindProxyReady Kind = "proxy_ready"
)

// Event is a structured fact extracted from one line.
type Event struct {
	Kind Kind
	Data map[string]string
}

// HasData checks if a data key exists in the event.
func (e *Event) HasData(key string) bool {
	if e.Data == nil {
		return false
	}
	_, ok := e.Data[key]
	return ok
}

// GetData retrieves a data value by key, returning empty string if not found.
func (e *Event) GetData(key string) string {
	if e.Data == nil {
		return ""
	}
	return e.Data[key]
}

// Result is the outcome of classifying one line.
type Result struct {
	// Line is the input with any timestamp prefix removed.
	Line string
	// Log is false for lines that should not be written to the log.
	Log    bool
	Events []*Event
}

// Has reports whether an event of kind k was found.
func (r Result) Has(k Kind) bool {
	return r.Find(k) != nil
}

// Find returns the first event of kind k, or nil.
func (r Result) Find(k Kind) *Event {
	for _, e := range r.Events {
		if e.Kind == k {
			return e
		}
	}
	return nil
}

// Prefixes removed before matching.
var (
	// Matches: Mon Jan  2 15:04:05 2006
	daemonTimestamp = regexp.MustCompile(`^\w{3}\s\w{3}\s\d{1,2}\s\d{1,2}:\d{1,2}:\d{1,2}\s\d{2,4}\s`)

	// Matches: 2024.01.02 15:04:05 LOG5[1234:5678]:
	sslTimestamp = regexp.MustCompile(`^\d{4}\.\d{2}\.\d{2}\s\d{2}:\d{2}:\d{2}\sLOG\d{1}\[\d{0,6}:\d{0,60}\]:\s`)
)

// statusEcho is logged by the daemon each time the status command is issued.
const statusEcho = "MANAGEMENT: CMD 'status'"

// Classifier applies the rule set for one operating system.
type Classifier struct {
	daemon []rule
	ssh    []rule
	ssl    []rule
}

// New returns a classifier for the host operating system.
func New() *Classifier {
	return NewFor(runtime.GOOS)
}

// NewFor returns a classifier whose platform dependent rules match goos.
func NewFor(goos string) *Classifier {
	daemon := make([]rule, 0, len(daemonRules)+1)
	daemon = append(daemon, daemonRules...)
	if goos == "windows" {
		daemon = append(daemon, windowsInterfaceRule)
	} else {
		daemon = append(daemon, unixInterfaceRule)
	}

	return &Classifier{
		daemon: daemon,
		ssh:    sshRules,
		ssl:    sslRules,
	}
}

// Classify inspects line from src. Every rule of the source is evaluated;
// one line may produce several events. Management lines are returned
// untouched since the management parser owns them.
func (c *Classifier) Classify(src Source, line string) Result {
	res := Result{Line: line, Log: true}

	var rules []rule
	switch src {
	case SourceDaemon:
		res.Line = daemonTimestamp.ReplaceAllString(line, "")
		res.Log = !strings.Contains(res.Line, statusEcho)
		rules = c.daemon
	case SourceSSH:
		rules = c.ssh
	case SourceSSL:
		res.Line = sslTimestamp.ReplaceAllString(line, "")
		rules = c.ssl
	default:
		return res
	}

	for _, r := range rules {
		if r.except != "" && res.Has(r.except) {
			continue
		}
		if ev := r.apply(res.Line); ev != nil {
			res.Events = append(res.Events, ev)
		}
	}
	return res
}
