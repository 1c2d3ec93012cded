package stream

// State identifies where the client is in its connection lifecycle.
// Exactly one state is current at any time; transitions are driven by
// transport events and explicit Disconnect calls only.
type State int32

const (
	// StateIdle means Connect has never been called.
	StateIdle State = iota
	// StateConnecting means a transport dial is in flight.
	StateConnecting
	// StateOpen means frames are flowing.
	StateOpen
	// StateClosed means the transport is down. The client may return to
	// StateConnecting automatically while reconnect budget remains.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
