package store

import (
	"time"
)

// Message kinds
const (
	KindChat = "CHAT"
	KindSOS  = "SOS"
)

type Peer struct {
	ID        string `gorm:"primaryKey"`
	Addr      string
	Room      string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Message is one archived chat line or received SOS. Chat rows are unique
// per (room, sender, content, timestamp); SOS rows per envelope id.
type Message struct {
	Seq        uint   `gorm:"primaryKey;autoIncrement"`
	EnvelopeID string `gorm:"index"`
	Kind       string `gorm:"uniqueIndex:idx_message_identity"`
	Room       string `gorm:"uniqueIndex:idx_message_identity"`
	SenderID   string `gorm:"uniqueIndex:idx_message_identity"`
	SenderNick string
	Content    string `gorm:"uniqueIndex:idx_message_identity"`
	Timestamp  string `gorm:"uniqueIndex:idx_message_identity"`
	ReceivedAt time.Time
}
