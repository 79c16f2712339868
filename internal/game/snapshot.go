// Package game models the authoritative room snapshot and what the local user may do with it.
package game

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the room phase reported by the server.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusCheckIn    Status = "CHECKIN"
	StatusOngoing    Status = "ONGOING"
	StatusFinished   Status = "FINISHED"
)

// UserRef names a user.
type UserRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Participant is one user in the room.
type Participant struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	IsCheckedIn    bool   `json:"isCheckedIn"`
	GiftID         *int64 `json:"giftId"`
	ReceivedGiftID *int64 `json:"receivedGiftId"`
	StealsSoFar    int    `json:"stealsSoFar"`
}

// Gift is one wrapped or received gift.
type Gift struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	AddedByID    int64  `json:"addedById"`
	ReceivedByID *int64 `json:"receivedById"`
	StolenCount  int    `json:"stolenCount"`
	IsLocked     bool   `json:"isLocked"`
}

// LogEntry is one line of the room's action log.
type LogEntry struct {
	Index  int    `json:"index"`
	Action string `json:"action"`
}

// StealLimits are the server configured steal ceilings.
type StealLimits struct {
	PerUser int
	PerGift int
	PerGame int
}

// StealCounters hold the game-wide steal tally and its limits. Per-user and per-gift
// tallies live on Participant and Gift.
type StealCounters struct {
	TotalSoFar int
	Limits     StealLimits
}

// Snapshot is the full state of a room at one point in time. A snapshot is replaced,
// never edited: treat values handed out by the Reducer as read-only.
type Snapshot struct {
	Status      Status
	Owner       UserRef
	Users       []Participant
	Gifts       []Gift
	CurrentTurn *int64
	TurnOrder   []int64
	Steals      StealCounters
	Logs        []LogEntry
}

// Participant looks up a user by id.
func (s *Snapshot) Participant(userID int64) (Participant, bool) {
	for _, participant := range s.Users {
		if participant.ID == userID {
			return participant, true
		}
	}
	return Participant{}, false
}

// Gift looks up a gift by id.
func (s *Snapshot) Gift(giftID int64) (Gift, bool) {
	for _, gift := range s.Gifts {
		if gift.ID == giftID {
			return gift, true
		}
	}
	return Gift{}, false
}

// wireSnapshot is the flat JSON shape the server sends.
type wireSnapshot struct {
	Status           Status        `json:"status"`
	Owner            UserRef       `json:"owner"`
	Users            []Participant `json:"users"`
	Gifts            []Gift        `json:"gifts"`
	CurrentTurn      *int64        `json:"currentTurn"`
	TurnOrder        []int64       `json:"turnOrder"`
	TotalStealsSoFar int           `json:"totalStealsSoFar"`
	MaxStealPerUser  int           `json:"maxStealPerUser"`
	MaxStealPerGame  int           `json:"maxStealPerGame"`
	MaxStealPerGift  int           `json:"maxStealPerGift"`
	Logs             []LogEntry    `json:"logs"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSnapshot{
		Status:           s.Status,
		Owner:            s.Owner,
		Users:            s.Users,
		Gifts:            s.Gifts,
		CurrentTurn:      s.CurrentTurn,
		TurnOrder:        s.TurnOrder,
		TotalStealsSoFar: s.Steals.TotalSoFar,
		MaxStealPerUser:  s.Steals.Limits.PerUser,
		MaxStealPerGame:  s.Steals.Limits.PerGame,
		MaxStealPerGift:  s.Steals.Limits.PerGift,
		Logs:             s.Logs,
	})
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var wire wireSnapshot
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*s = Snapshot{
		Status:      wire.Status,
		Owner:       wire.Owner,
		Users:       wire.Users,
		Gifts:       wire.Gifts,
		CurrentTurn: wire.CurrentTurn,
		TurnOrder:   wire.TurnOrder,
		Steals: StealCounters{
			TotalSoFar: wire.TotalStealsSoFar,
			Limits: StealLimits{
				PerUser: wire.MaxStealPerUser,
				PerGift: wire.MaxStealPerGift,
				PerGame: wire.MaxStealPerGame,
			},
		},
		Logs: wire.Logs,
	}
	return nil
}

var errMissingGameState = errors.New("successful update carries no gameState")

// Update is one gameStateUpdate event.
type Update struct {
	Success  bool
	Snapshot *Snapshot
	Message  string
}

type wireUpdate struct {
	Success   bool            `json:"success"`
	GameState json.RawMessage `json:"gameState"`
	Message   string          `json:"message,omitempty"`
}

// DecodeUpdate parses a gameStateUpdate payload. A failed update needs no snapshot.
func DecodeUpdate(payload json.RawMessage) (Update, error) {
	var wire wireUpdate
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Update{}, fmt.Errorf("decode game state update: %w", err)
	}
	update := Update{Success: wire.Success, Message: wire.Message}
	if !wire.Success {
		return update, nil
	}
	if len(wire.GameState) == 0 || string(wire.GameState) == "null" {
		return Update{}, errMissingGameState
	}
	var snapshot Snapshot
	if err := json.Unmarshal(wire.GameState, &snapshot); err != nil {
		return Update{}, fmt.Errorf("decode game state: %w", err)
	}
	update.Snapshot = &snapshot
	return update, nil
}
