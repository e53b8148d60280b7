package store

import (
	"github.com/bit2swaz/disasterconnect/internal/chat"
	"github.com/bit2swaz/disasterconnect/internal/protocol"
	"gorm.io/gorm"
)

// Archive adapts the database to the chat room and SOS log.
type Archive struct {
	db *gorm.DB
}

func NewArchive(db *gorm.DB) *Archive {
	return &Archive{db: db}
}

func (a *Archive) SaveChat(room string, msg chat.Message) error {
	return SaveMessage(a.db, &Message{
		Kind:       KindChat,
		Room:       room,
		SenderID:   msg.SenderID,
		SenderNick: msg.SenderNick,
		Content:    msg.Text,
		Timestamp:  msg.Timestamp,
	})
}

func (a *Archive) LoadChat(room string, limit int) ([]chat.Message, error) {
	rows, err := GetMessages(a.db, KindChat, room, limit)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Message, len(rows))
	for i, r := range rows {
		out[i] = chat.Message{
			Text:       r.Content,
			SenderID:   r.SenderID,
			SenderNick: r.SenderNick,
			Timestamp:  r.Timestamp,
		}
	}
	return out, nil
}

func (a *Archive) ClearChat(room string) error {
	return ClearMessages(a.db, KindChat, room)
}

// SaveSOS archives a received SOS envelope.
func (a *Archive) SaveSOS(env protocol.Envelope) error {
	nick := env.Payload.Nick
	if nick == "" {
		nick = env.SenderID
	}
	return SaveMessage(a.db, &Message{
		EnvelopeID: env.ID,
		Kind:       KindSOS,
		SenderID:   env.SenderID,
		SenderNick: nick,
		Content:    env.Payload.Text,
		Timestamp:  env.Time().Format(chat.TimestampLayout),
	})
}

func (a *Archive) RecentSOS(limit int) ([]Message, error) {
	return GetMessages(a.db, KindSOS, "", limit)
}

func (a *Archive) RecordPeer(id, addr, room string) error {
	return UpsertPeer(a.db, Peer{ID: id, Addr: addr, Room: room})
}

func (a *Archive) Peers() ([]Peer, error) {
	return GetPeers(a.db)
}
