package session

import "sync"

// Reason is why the current attempt must end.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonRetry      Reason = "retry"
	ReasonError      Reason = "error"
	ReasonAuthFailed Reason = "auth_failed"
)

// Signal holds the reset reason of one attempt. The first non-empty reason
// wins; later ones are ignored until Clear.
type Signal struct {
	mu     sync.Mutex
	reason Reason
}

// Set records r unless a reason is already present. It reports whether r
// was recorded.
func (s *Signal) Set(r Reason) bool {
	if r == ReasonNone {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != ReasonNone {
		return false
	}
	s.reason = r
	return true
}

// Get returns the recorded reason.
func (s *Signal) Get() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Clear forgets the reason.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = ReasonNone
}
