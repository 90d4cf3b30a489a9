// Package stats tracks the state and throughput of the active tunnel.
package stats

import "time"

// Snapshot is a point-in-time copy of Status.
type Snapshot struct {
	Connected bool

	// BytesRead and BytesWritten are the last sampled counters; -1 before
	// the first sample of a connection.
	BytesRead    int64
	BytesWritten int64

	// DownloadRate and UploadRate are in bytes per second.
	DownloadRate int64
	UploadRate   int64

	VPNIP         string
	VPNGateway    string
	VPNDNS        string
	InterfaceName string
	InterfaceID   string

	// RealIP is the address the entry server saw during verification.
	RealIP string
	// ServerTime and ClientTime are unix seconds recorded at verification.
	ServerTime int64
	ClientTime int64

	ConnectedSince time.Time
}

// Uptime returns how long the tunnel has been up, or zero when disconnected.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	if !s.Connected || s.ConnectedSince.IsZero() {
		return 0
	}
	return now.Sub(s.ConnectedSince)
}
