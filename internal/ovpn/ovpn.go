// Package ovpn renders tunnel daemon client configurations.
package ovpn

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/shini4i/tunnel-supervisor/internal/directory"
)

// ErrNoEntryIP is returned for a server without any entry address.
var ErrNoEntryIP = errors.New("server has no entry ip")

// Options are the parts of the configuration that do not depend on the
// attempt.
type Options struct {
	ManagementPort int
	CA             string
	Cert           string
	Key            string
	// Directives are appended verbatim, one per line.
	Directives []string
}

// Config is a rendered daemon configuration.
type Config struct {
	Text    string
	EntryIP string
	Port    int
}

// Builder renders configurations for a fixed set of Options.
type Builder struct {
	opts Options
}

// NewBuilder creates a builder.
func NewBuilder(opts Options) *Builder {
	return &Builder{opts: opts}
}

type templateData struct {
	Options
	Proto     string
	Remote    string
	Port      int
	EntryIP   string
	Proxied   bool
	ServerTag string
}

var configTemplate = template.Must(template.New("client").Parse(`client
dev tun
proto {{.Proto}}
remote {{.Remote}} {{.Port}}
nobind
persist-key
persist-tun
resolv-retry infinite
verb 3
explicit-exit-notify {{if eq .Proto "udp"}}5{{else}}0{{end}}
setenv UV_SERVER {{.ServerTag}}
management 127.0.0.1 {{.ManagementPort}}
{{- if .Proxied}}
route {{.EntryIP}} 255.255.255.255 net_gateway
{{- end}}
{{- if .CA}}
ca "{{.CA}}"
{{- end}}
{{- if .Cert}}
cert "{{.Cert}}"
{{- end}}
{{- if .Key}}
key "{{.Key}}"
{{- end}}
{{- range .Directives}}
{{.}}
{{- end}}
`))

// BuildConfig renders the configuration for srv. protocol is one of UDP,
// TCP, SSH or SSL; with SSH and SSL the daemon connects over TCP to the
// local proxy on proxyPort and the entry address is routed outside the
// tunnel.
func (b *Builder) BuildConfig(srv *directory.Server, protocol string, port, alt, proxyPort int) (*Config, error) {
	entry := srv.EntryIP(alt)
	if entry == "" {
		return nil, fmt.Errorf("%s: %w", srv.Name, ErrNoEntryIP)
	}

	data := templateData{
		Options:   b.opts,
		Remote:    entry,
		Port:      port,
		EntryIP:   entry,
		ServerTag: srv.Name,
	}

	switch strings.ToUpper(protocol) {
	case "UDP":
		data.Proto = "udp"
	case "TCP":
		data.Proto = "tcp-client"
	case "SSH", "SSL":
		data.Proto = "tcp-client"
		data.Remote = "127.0.0.1"
		data.Port = proxyPort
		data.Proxied = true
	default:
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}

	for _, d := range b.opts.Directives {
		if strings.ContainsAny(d, "\r\n") {
			return nil, fmt.Errorf("directive %q spans several lines", d)
		}
	}

	var buf bytes.Buffer
	if err := configTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}

	return &Config{Text: buf.String(), EntryIP: entry, Port: port}, nil
}
