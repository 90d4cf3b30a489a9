package stats

import (
	"sync"
	"time"
)

// Status is the shared connection status. It is written from the session
// loop and from process reader goroutines, so every accessor takes the lock.
type Status struct {
	mu  sync.RWMutex
	now func() time.Time

	snap       Snapshot
	lastSample time.Time
}

// NewStatus returns a disconnected status with no samples.
func NewStatus() *Status {
	return NewStatusWithClock(time.Now)
}

// NewStatusWithClock is NewStatus with an injectable clock.
func NewStatusWithClock(now func() time.Time) *Status {
	s := &Status{now: now}
	s.snap = emptySnapshot()
	return s
}

func emptySnapshot() Snapshot {
	return Snapshot{BytesRead: -1, BytesWritten: -1}
}

// Reset clears every field, including the sample baseline.
func (s *Status) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = emptySnapshot()
	s.lastSample = time.Time{}
}

// Sample records cumulative read/write counters and returns the resulting
// rates. The first sample after Reset only sets the baseline and leaves the
// rates untouched. Rates are 1000*(delta bytes)/(delta ms); a sample taken in
// the same millisecond as the previous one does not change them.
func (s *Status) Sample(read, write int64) (download, upload int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.snap.BytesRead != -1 {
		if delta := now.Sub(s.lastSample).Milliseconds(); delta > 0 {
			s.snap.DownloadRate = (1000 * (read - s.snap.BytesRead)) / delta
			s.snap.UploadRate = (1000 * (write - s.snap.BytesWritten)) / delta
		}
	}
	s.lastSample = now
	s.snap.BytesRead = read
	s.snap.BytesWritten = write

	return s.snap.DownloadRate, s.snap.UploadRate
}

// SetRates overrides the rates directly, used by simulation.
func (s *Status) SetRates(download, upload int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.DownloadRate = download
	s.snap.UploadRate = upload
}

// SetConnected flips the connected flag and reports whether it changed.
func (s *Status) SetConnected(connected bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Connected == connected {
		return false
	}
	s.snap.Connected = connected
	if connected {
		s.snap.ConnectedSince = s.now()
	} else {
		s.snap.ConnectedSince = time.Time{}
	}
	return true
}

// Connected reports whether the tunnel is verified and up.
func (s *Status) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Connected
}

// SetInterface records the tunnel device. An empty id defaults to name.
func (s *Status) SetInterface(name, id string) {
	if id == "" {
		id = name
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.InterfaceName = name
	s.snap.InterfaceID = id
}

// SetDNS records the DNS server pushed by the remote end.
func (s *Status) SetDNS(dns string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.VPNDNS = dns
}

// SetTunnel records the tunnel address and gateway.
func (s *Status) SetTunnel(ip, gateway string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.VPNIP = ip
	s.snap.VPNGateway = gateway
}

// SetVerification records the outcome of the post-connect checks.
func (s *Status) SetVerification(realIP string, serverTime, clientTime int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.RealIP = realIP
	s.snap.ServerTime = serverTime
	s.snap.ClientTime = clientTime
}

// Snapshot returns a copy safe to use without holding the lock.
func (s *Status) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
