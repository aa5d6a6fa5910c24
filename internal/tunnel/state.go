package tunnel

// State is the lifecycle of one proxied connection.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateEstablished
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

var stateNames = [...]string{
	StateCreated:          "CREATED",
	StateConnecting:       "CONNECTING",
	StateEstablished:      "ESTABLISHED",
	StateHalfClosedLocal:  "HALF_CLOSED_LOCAL",
	StateHalfClosedRemote: "HALF_CLOSED_REMOTE",
	StateClosed:           "CLOSED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Event drives State transitions.
type Event int

const (
	EventConnect Event = iota
	EventConnected
	EventLocalEOF
	EventRemoteEOF
	EventError
)

// Next returns the state after ev. Errors always close; an EOF from the side
// that is still open completes the close.
func (s State) Next(ev Event) State {
	if ev == EventError {
		return StateClosed
	}
	switch s {
	case StateCreated:
		if ev == EventConnect {
			return StateConnecting
		}
	case StateConnecting:
		switch ev {
		case EventConnected:
			return StateEstablished
		case EventLocalEOF:
			return StateHalfClosedLocal
		}
	case StateEstablished:
		switch ev {
		case EventLocalEOF:
			return StateHalfClosedLocal
		case EventRemoteEOF:
			return StateHalfClosedRemote
		}
	case StateHalfClosedLocal:
		if ev == EventRemoteEOF {
			return StateClosed
		}
	case StateHalfClosedRemote:
		if ev == EventLocalEOF {
			return StateClosed
		}
	}
	return s
}
