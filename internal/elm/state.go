package elm

// State is the connection lifecycle state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Initializing
	Connected
	Error
)

var stateNames = [...]string{"Disconnected", "Connecting", "Initializing", "Connected", "Error"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// MarshalText lets State appear by name in JSON frames.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// canTransition encodes the single forward path
// Disconnected -> Connecting -> Initializing -> Connected; every state may
// drop to Error or Disconnected.
func canTransition(from, to State) bool {
	switch to {
	case Error, Disconnected:
		return true
	case Connecting:
		return from == Disconnected
	case Initializing:
		return from == Connecting
	case Connected:
		return from == Initializing
	}
	return false
}

// dispatchable reports whether queued commands may reach the transport.
func (s State) dispatchable() bool {
	return s == Initializing || s == Connected
}
