package classifier

import (
	"regexp"
	"strings"
)

// rule recognises one event. Exactly one of contains, prefix, exact or
// pattern is set. Capture groups of pattern are stored under fields.
type rule struct {
	kind     Kind
	contains string
	prefix   string
	exact    string
	pattern  *regexp.Regexp
	fields   []string
	// except skips the rule when an event of that kind already matched.
	except Kind
}

func (r rule) apply(line string) *Event {
	switch {
	case r.contains != "":
		if !strings.Contains(line, r.contains) {
			return nil
		}
	case r.prefix != "":
		if !strings.HasPrefix(line, r.prefix) {
			return nil
		}
	case r.exact != "":
		if line != r.exact {
			return nil
		}
	case r.pattern != nil:
		m := r.pattern.FindStringSubmatch(line)
		if m == nil {
			return nil
		}
		data := make(map[string]string, len(r.fields))
		for i, name := range r.fields {
			if i+1 < len(m) {
				data[name] = m[i+1]
			}
		}
		return &Event{Kind: r.kind, Data: data}
	default:
		return nil
	}
	return &Event{Kind: r.kind}
}

// Order matters: the errors variant of initialization must precede the
// plain one so the latter can be suppressed.
var daemonRules = []rule{
	{kind: KindConnectionReset, contains: "Connection reset, restarting"},
	{kind: KindBindFailed, contains: "MANAGEMENT: Socket bind failed on local address"},
	{kind: KindAuthFailed, contains: "AUTH_FAILED"},
	{kind: KindKeyRenewal, contains: "TLS: tls_process: killed expiring key"},
	{kind: KindCompletedWithErrors, contains: "Initialization Sequence Completed With Errors"},
	{kind: KindCompleted, contains: "Initialization Sequence Completed", except: KindCompletedWithErrors},
	{
		// Matches: PUSH: Received control message: '...,dhcp-option DNS 10.4.0.1,...'
		kind:    KindDNS,
		pattern: regexp.MustCompile(`dhcp-option DNS ([0-9\.]*?),`),
		fields:  []string{"dns"},
	},
	{
		// Matches: PUSH: Received control message: '...,ifconfig 10.4.0.6 10.4.0.5'
		kind:    KindIfconfig,
		pattern: regexp.MustCompile(`ifconfig ([0-9\.]+) ([0-9\.]+)`),
		fields:  []string{"ip", "gateway"},
	},
}

var (
	// Matches: TUN/TAP device tun0 opened
	unixInterfaceRule = rule{
		kind:    KindInterface,
		pattern: regexp.MustCompile(`TUN/TAP device (.*?) opened`),
		fields:  []string{"name"},
	}

	// Matches: TAP-WIN32 device [Local Area Connection 2] opened: \\.\Global\{GUID}.tap
	windowsInterfaceRule = rule{
		kind:    KindInterface,
		pattern: regexp.MustCompile(`TAP-.*? device \[(.*?)\] opened: \\\\\.\\Global\\(.*?).tap`),
		fields:  []string{"name", "id"},
	}
)

var sshRules = []rule{
	{kind: KindTrustPrompt, contains: `If you trust this host, enter "y" to add the key to`},
	{kind: KindTrustPrompt, contains: `enter "y" to update PuTTY's cache and continue connecting`},
	{kind: KindProxyReady, exact: "Access granted"},
	{kind: KindProxyReady, prefix: "Authenticated to"},
}

var sslRules = []rule{
	{kind: KindProxyReady, contains: "Configuration successful"},
}
