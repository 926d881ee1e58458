package tunnel

// Status describes the lifecycle state of an active tunnel.
type Status string

const (
	// StatusStarting means the SSH client process has been spawned and is
	// inside its grace window.
	StatusStarting Status = "starting"

	// StatusActive means the process survived the grace window and the
	// tunnel is treated as established.
	StatusActive Status = "active"

	// StatusReconnecting means the process exited unexpectedly and a retry
	// is pending or inside its own grace window.
	StatusReconnecting Status = "reconnecting"

	// StatusStopping means an explicit stop is in flight.
	StatusStopping Status = "stopping"

	// StatusStopped is terminal: the process was terminated by an explicit stop.
	StatusStopped Status = "stopped"

	// StatusFailed is terminal: the connection failed and no further retries
	// will be attempted.
	StatusFailed Status = "failed"
)

// Terminal reports whether no further transitions can occur from s.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// legalTransitions is the set of permitted status edges. A transition not
// listed here indicates a supervisor bug and is refused by the registry.
var legalTransitions = map[Status][]Status{
	StatusStarting:     {StatusActive, StatusReconnecting, StatusStopping, StatusFailed},
	StatusActive:       {StatusReconnecting, StatusStopping, StatusFailed},
	StatusReconnecting: {StatusActive, StatusReconnecting, StatusStopping, StatusFailed},
	StatusStopping:     {StatusStopped},
}

func canTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
