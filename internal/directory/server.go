// Package directory holds the known servers and picks the next one to use.
package directory

import (
	"sync"
	"time"
)

// Server is a tunnel endpoint. Identity fields are immutable; penalty and
// latency change while the supervisor runs and are guarded by mu.
type Server struct {
	Name        string
	PublicName  string
	CountryName string
	// EntryIPs are the addresses clients connect to, indexed by "alt".
	EntryIPs []string
	// ExitIP is the address traffic leaves from.
	ExitIP string
	// RoutingOnly servers accept only UDP on port 443 with alt 0.
	RoutingOnly bool

	mu      sync.Mutex
	penalty int
	latency time.Duration
}

// EntryIP returns the entry address for alt, falling back to the first one.
func (s *Server) EntryIP(alt int) string {
	if len(s.EntryIPs) == 0 {
		return ""
	}
	if alt < 0 || alt >= len(s.EntryIPs) {
		return s.EntryIPs[0]
	}
	return s.EntryIPs[alt]
}

// DisplayName is the public name when set, otherwise the identifier.
func (s *Server) DisplayName() string {
	if s.PublicName != "" {
		return s.PublicName
	}
	return s.Name
}

// AddPenalty increases the server's penalty by n.
func (s *Server) AddPenalty(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.penalty += n
}

// Penalty returns the accumulated penalty.
func (s *Server) Penalty() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.penalty
}

// SetLatency records a probe result; a negative value marks a failed probe.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Latency returns the last probe result, zero if never probed.
func (s *Server) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}
