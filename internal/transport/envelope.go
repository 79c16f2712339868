package transport

import (
	"encoding/json"
	"fmt"
)

// Event names on the wire.
const (
	EventAck              = "ack"
	EventJoinRoom         = "joinRoom"
	EventJoinRoomResponse = "joinRoomResponse"
	EventGetGameState     = "getGameState"
	EventGameStateUpdate  = "gameStateUpdate"
	EventParticipantCount = "participantCount"
	EventAddGift          = "addGift"
	EventCheckIn          = "checkIn"
	EventStartChecking    = "startChecking"
	EventStartGame        = "startGame"
	EventPickGift         = "pickGift"
	EventStealGift        = "stealGift"
)

// Envelope is one text frame. Ack is set on requests that expect an acknowledgement
// and echoed back on the reply, whose Event is EventAck.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload any, ack uint64) (Envelope, error) {
	envelope := Envelope{Event: event, Ack: ack}
	if payload == nil {
		return envelope, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	envelope.Data = data
	return envelope, nil
}

// AckResult is the acknowledgement body shared by every intent.
type AckResult struct {
	Success *bool  `json:"success"`
	Message string `json:"message,omitempty"`
}

// Failed reports an explicit success=false. A missing flag is not a failure.
func (r AckResult) Failed() bool {
	return r.Success != nil && !*r.Success
}

// DecodeAck parses an acknowledgement payload. An empty payload decodes to the zero result.
func DecodeAck(payload json.RawMessage) (AckResult, error) {
	var result AckResult
	if len(payload) == 0 || string(payload) == "null" {
		return result, nil
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return AckResult{}, fmt.Errorf("decode ack: %w", err)
	}
	return result, nil
}
