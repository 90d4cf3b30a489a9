package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoServer ends the supervisor when the directory has nothing to offer.
	ErrNoServer = errors.New("no server available")
	// ErrDaemonExited is logged when the daemon dies while the tunnel is up.
	ErrDaemonExited = errors.New("daemon exited unexpectedly")
	// ErrRouteCheck is returned when traffic does not leave through the tunnel.
	ErrRouteCheck = errors.New("route check failed")
)

// DeniedError ends the supervisor when the authorization service answers
// a connect request with the stop action.
type DeniedError struct {
	Server  string
	Message string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("connection to %s denied: %s", e.Server, e.Message)
}

// Outcome describes how Run ended.
type Outcome string

const (
	// OutcomeNormal: cancelled after at least one attempt connected.
	OutcomeNormal Outcome = "normal"
	// OutcomeCancel: cancelled before any attempt connected.
	OutcomeCancel Outcome = "cancel"
	// OutcomeFailed: stopped by a terminal error.
	OutcomeFailed Outcome = "failed"
)
