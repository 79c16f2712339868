// Package connection supervises the single live channel to the game server.
package connection

import "time"

// State is the supervisor's connection state. Only the Supervisor changes it.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange is published for every transition, and for every scheduled reconnect
// attempt while Reconnecting (From == To).
type StateChange struct {
	From        State
	To          State
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Err         error
	At          time.Time
}
