package directory

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shini4i/tunnel-supervisor/internal/config"
)

// Directory is a fixed set of servers loaded from configuration.
type Directory struct {
	mu      sync.RWMutex
	servers []*Server
}

// New returns a directory over servers.
func New(servers []*Server) *Directory {
	return &Directory{servers: servers}
}

// Servers returns the servers in configuration order.
func (d *Directory) Servers() []*Server {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Server(nil), d.servers...)
}

// Lookup returns the server named name, or nil.
func (d *Directory) Lookup(name string) *Server {
	if name == "" {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.servers {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// PickServer returns preferred when it exists. Otherwise the server with the
// lowest penalty wins, ties broken by latency (unprobed and failed probes
// last) and then by name. It returns nil when the directory is empty.
func (d *Directory) PickServer(preferred string) *Server {
	if s := d.Lookup(preferred); s != nil {
		return s
	}

	candidates := d.Servers()
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if pa, pb := a.Penalty(), b.Penalty(); pa != pb {
			return pa < pb
		}
		if la, lb := rankLatency(a.Latency()), rankLatency(b.Latency()); la != lb {
			return la < lb
		}
		return a.Name < b.Name
	})
	return candidates[0]
}

func rankLatency(d time.Duration) time.Duration {
	if d <= 0 {
		return math.MaxInt64
	}
	return d
}

// FromConfig builds a directory from the configured server list.
func FromConfig(list []config.Server) *Directory {
	servers := make([]*Server, 0, len(list))
	for _, s := range list {
		servers = append(servers, &Server{
			Name:        s.Name,
			PublicName:  s.PublicName,
			CountryName: s.Country,
			EntryIPs:    append([]string(nil), s.EntryIPs...),
			ExitIP:      s.ExitIP,
			RoutingOnly: s.RoutingOnly,
		})
	}
	return New(servers)
}
