// Package verify confirms that traffic really flows through the tunnel.
package verify

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPort is where servers expose the check endpoint.
	DefaultPort = 88
	checkPath   = "/check.php"

	defaultTimeout = 10 * time.Second
	maxBody        = 64 * 1024
)

// ErrDNSMismatch is returned when the probe host does not resolve to
// exactly the expected address.
var ErrDNSMismatch = errors.New("dns check failed")

// Result is what a server reports about the requesting client.
type Result struct {
	// IP is the source address the server saw.
	IP string
	// ServerTime is the server clock in unix seconds.
	ServerTime int64
}

// Resolver looks up host addresses; *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Checker runs the route and DNS checks.
type Checker struct {
	client   *http.Client
	port     int
	resolver Resolver
}

// Option configures a Checker.
type Option func(*Checker)

// WithPort overrides DefaultPort.
func WithPort(port int) Option {
	return func(c *Checker) { c.port = port }
}

// WithResolver replaces net.DefaultResolver.
func WithResolver(r Resolver) Option {
	return func(c *Checker) { c.resolver = r }
}

// WithHTTPClient replaces the default HTTPS client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Checker) { c.client = client }
}

// NewChecker creates a Checker. Servers are addressed by IP, so their
// certificates cannot be verified against a host name.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		client: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				// #nosec G402 -- endpoints are raw IPs without matching certificates
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		port:     DefaultPort,
		resolver: net.DefaultResolver,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// checkDoc accepts any root element carrying ip and time attributes.
type checkDoc struct {
	XMLName xml.Name
	IP      string `xml:"ip,attr"`
	Time    string `xml:"time,attr"`
}

// Check asks the server at ip which address the request came from.
func (c *Checker) Check(ctx context.Context, ip string) (Result, error) {
	url := "https://" + net.JoinHostPort(ip, strconv.Itoa(c.port)) + checkPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build check request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("check %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("check %s: unexpected status %d", ip, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Result{}, fmt.Errorf("read check response: %w", err)
	}

	var doc checkDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return Result{}, fmt.Errorf("parse check response: %w", err)
	}
	if doc.IP == "" {
		return Result{}, fmt.Errorf("check %s: response has no ip attribute", ip)
	}
	serverTime, err := strconv.ParseInt(strings.TrimSpace(doc.Time), 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("check %s: invalid time attribute: %w", ip, err)
	}

	return Result{IP: doc.IP, ServerTime: serverTime}, nil
}

// CheckDNS resolves host and requires exactly one address equal to expected.
func (c *Checker) CheckDNS(ctx context.Context, host, expected string) error {
	addrs, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrDNSMismatch, host, err)
	}
	if len(addrs) != 1 || addrs[0] != expected {
		return fmt.Errorf("%w: %s resolved to %v, want %s", ErrDNSMismatch, host, addrs, expected)
	}
	return nil
}
