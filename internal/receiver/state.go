package receiver

import "fmt"

// State is the receiver's connection lifecycle position. Transitions move
// strictly forward through the connect/join sequence and fall back to
// Reconnecting on any session loss; Stopped is terminal.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateJoined
	StateRunning
	StateReconnecting
	StateStopped
)

// String returns the lowercase state name used in logs and health payloads.
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
	case StateJoined:
		return "joined"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
