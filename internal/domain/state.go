package domain

// ConnectionState is the single observable state of a peer session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateWaiting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateWaiting:
		return "waiting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

func ParseConnectionState(s string) (ConnectionState, bool) {
	switch s {
	case "disconnected":
		return StateDisconnected, true
	case "connecting":
		return StateConnecting, true
	case "waiting":
		return StateWaiting, true
	case "connected":
		return StateConnected, true
	}
	return StateDisconnected, false
}
