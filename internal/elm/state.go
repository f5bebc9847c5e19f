package elm

// State is the connection lifecycle state.
type State string

const (
	StateNone         State = "none"
	StateListen       State = "listen"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// States lists every state in lifecycle order.
var States = []State{StateNone, StateListen, StateConnecting, StateConnected, StateDisconnected}

func (s State) String() string { return string(s) }

func stateNames() []string {
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = string(s)
	}
	return names
}
