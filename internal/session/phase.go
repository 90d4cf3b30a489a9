package session

// Phase is the position of the supervisor loop.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseSelectingServer  Phase = "selecting_server"
	PhaseAuthorizing      Phase = "authorizing"
	PhaseBuilding         Phase = "building"
	PhaseConnecting       Phase = "connecting"
	PhaseAwaitingDaemonUp Phase = "awaiting_daemon_up"
	PhaseRunning          Phase = "running"
	PhaseTearingDown      Phase = "tearing_down"
	PhaseCooldown         Phase = "cooldown"
	PhaseTerminal         Phase = "terminal"
)

// IsActive reports whether an attempt is in progress.
func (p Phase) IsActive() bool {
	switch p {
	case PhaseIdle, PhaseCooldown, PhaseTerminal:
		return false
	}
	return true
}

// validTransitions defines the allowed phase transitions. Cancellation may
// end the loop from any phase that does not own processes.
var validTransitions = map[Phase][]Phase{
	PhaseIdle: {
		PhaseSelectingServer,
		PhaseTerminal,
	},
	PhaseSelectingServer: {
		PhaseAuthorizing,
		PhaseCooldown,
		PhaseTerminal,
	},
	PhaseAuthorizing: {
		PhaseBuilding,
		PhaseCooldown, // denied
		PhaseTerminal, // denied with stop
	},
	PhaseBuilding: {
		PhaseConnecting,
		PhaseTearingDown,
	},
	PhaseConnecting: {
		PhaseAwaitingDaemonUp,
		PhaseTearingDown,
	},
	PhaseAwaitingDaemonUp: {
		PhaseRunning,
		PhaseTearingDown,
	},
	PhaseRunning: {
		PhaseTearingDown,
	},
	PhaseTearingDown: {
		PhaseCooldown,
	},
	PhaseCooldown: {
		PhaseSelectingServer,
		PhaseTerminal,
	},
	PhaseTerminal: {},
}

// IsValidTransition checks if moving from one phase to another is allowed.
func IsValidTransition(from, to Phase) bool {
	for _, p := range validTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// AllPhases returns every phase in loop order.
func AllPhases() []Phase {
	return []Phase{
		PhaseIdle,
		PhaseSelectingServer,
		PhaseAuthorizing,
		PhaseBuilding,
		PhaseConnecting,
		PhaseAwaitingDaemonUp,
		PhaseRunning,
		PhaseTearingDown,
		PhaseCooldown,
		PhaseTerminal,
	}
}
