package realtime

// State is the connection lifecycle of the manager. Transitions happen
// only through Manager.setState, so impossible combinations such as
// "authenticated but disconnected" cannot be represented.
type State int

const (
	// StateDisconnected means no transport exists and none is pending.
	StateDisconnected State = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the transport is open but the auth
	// handshake has not completed.
	StateConnected

	// StateAuthenticated means the server acknowledged our identity;
	// application events flow directly.
	StateAuthenticated

	// StateReconnecting means the transport dropped unexpectedly and a
	// retry is scheduled.
	StateReconnecting

	// StateClosed means the manager was torn down explicitly and will
	// not reconnect.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// live reports whether a transport is open in this state.
func (s State) live() bool {
	return s == StateConnected || s == StateAuthenticated
}

// StateChange is delivered to the state observer on every transition.
type StateChange struct {
	From State
	To   State
	Err  error
}

// Snapshot is a read-only view of the connection for observers.
type Snapshot struct {
	State        State
	Connected    bool
	Reconnecting bool
	Attempts     int
	LastError    error
}
