package protocol

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Envelope types
const (
	TypeChat      = "CHAT"
	TypeSOS       = "SOS"
	TypeAck       = "ACK"
	TypeHandshake = "HANDSHAKE"
)

// Envelope is the wire unit for every message exchanged between nodes.
// The ID is generated once and preserved through retransmissions so that
// receivers can deduplicate.
type Envelope struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	SenderID  string  `json:"sender_id"`
	Timestamp float64 `json:"timestamp"` // seconds since epoch
	Payload   Payload `json:"payload"`
}

// Payload carries the text plus the optional per-type fields.
type Payload struct {
	Text  string `json:"text"`
	Room  string `json:"room,omitempty"`
	Nick  string `json:"nick,omitempty"`
	AckID string `json:"ack_id,omitempty"` // ACK: id of the acknowledged envelope
	Port  int    `json:"port,omitempty"`   // HANDSHAKE: sender's TCP listen port
}

// New creates an envelope with a fresh id and the current time.
func New(msgType, senderID, text string) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		SenderID:  senderID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Payload:   Payload{Text: text},
	}
}

// NewChat builds a CHAT envelope tagged with a room.
func NewChat(senderID, room, nick, text string) Envelope {
	env := New(TypeChat, senderID, text)
	env.Payload.Room = room
	env.Payload.Nick = nick
	return env
}

// NewSOS builds a priority envelope that requires acknowledgment.
func NewSOS(senderID, nick, text string) Envelope {
	env := New(TypeSOS, senderID, text)
	env.Payload.Nick = nick
	return env
}

// NewAck acknowledges the envelope with the given id.
func NewAck(senderID, ackedID string) Envelope {
	env := New(TypeAck, senderID, "")
	env.Payload.AckID = ackedID
	return env
}

// NewHandshake announces the sender's TCP port to a peer.
func NewHandshake(senderID string, port int) Envelope {
	env := New(TypeHandshake, senderID, "")
	env.Payload.Port = port
	return env
}

// Time converts the float timestamp back to a time.Time.
func (e Envelope) Time() time.Time {
	sec, frac := math.Modf(e.Timestamp)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// KnownType reports whether t is one of the envelope types.
func KnownType(t string) bool {
	switch t {
	case TypeChat, TypeSOS, TypeAck, TypeHandshake:
		return true
	}
	return false
}
