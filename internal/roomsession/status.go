package roomsession

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/connection"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/game"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/notice"
)

// Status is the single connection-status indicator for a room session.
type Status struct {
	State            connection.State
	Attempt          int
	MaxAttempts      int
	ParticipantCount int
	Joined           bool
	RoomCode         string
	ReloadRequired   bool
}

// Label renders the indicator text.
func (s Status) Label() string {
	switch s.State {
	case connection.Connected:
		if s.ParticipantCount == 1 {
			return "Connected (1 player connected)"
		}
		return fmt.Sprintf("Connected (%d players connected)", s.ParticipantCount)
	case connection.Connecting:
		return "Connecting..."
	case connection.Reconnecting:
		if s.Attempt == 0 {
			return "Reconnecting..."
		}
		return fmt.Sprintf("Reconnecting (%d/%d)...", s.Attempt, s.MaxAttempts)
	case connection.Failed:
		return "Maximum reconnection attempts reached. Please reload."
	default:
		return "Disconnected"
	}
}

// EventKind tells which field of an Event is set.
type EventKind int

const (
	EventStatus EventKind = iota + 1
	EventView
	EventNotice
)

// Event is one entry on the session's event stream.
type Event struct {
	Kind   EventKind
	Status Status
	View   game.View
	Notice notice.Notice
}
