package negotiator

// State is the lifecycle of the connection to one remote identity.
type State int

// Connection states. AwaitingRemoteDescription covers the whole in-flight
// offer/answer exchange up to ICE connectivity.
const (
	Idle State = iota
	AwaitingRemoteDescription
	Connected
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingRemoteDescription:
		return "awaiting-remote-description"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Pending reports whether a negotiation is still in flight.
func (s State) Pending() bool {
	return s == Idle || s == AwaitingRemoteDescription
}

// Terminal reports whether the connection is over.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

// canTransition allows only forward moves. Closed is final and Failed may
// only go back to Idle for a retry.
func canTransition(from, to State) bool {
	switch from {
	case Closed:
		return false
	case Failed:
		return to == Idle
	default:
		return to > from
	}
}
