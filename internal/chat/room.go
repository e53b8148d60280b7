package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/peers"
	"github.com/bit2swaz/disasterconnect/internal/protocol"
)

var (
	// ErrNoRecipients means a publish reached no peer. The message is still
	// kept in the local log.
	ErrNoRecipients = errors.New("chat: no peer received the message")
	ErrEmptyMessage = errors.New("chat: empty message")
)

// TimestampLayout is how message timestamps are rendered.
const TimestampLayout = time.RFC3339Nano

const updateBuffer = 64

// Message is one line of a room log.
type Message struct {
	Text       string `json:"text"`
	SenderID   string `json:"sender_id"`
	SenderNick string `json:"sender_nick"`
	Timestamp  string `json:"timestamp"`
}

// Line renders the message as "[ts] [nick]: text".
func (m Message) Line() string {
	return fmt.Sprintf("[%s] [%s]: %s", m.Timestamp, m.SenderNick, m.Text)
}

type messageKey struct {
	sender, text, ts string
}

func (m Message) key() messageKey {
	return messageKey{sender: m.SenderID, text: m.Text, ts: m.Timestamp}
}

// Broadcaster fans an envelope out to every known peer.
type Broadcaster interface {
	Broadcast(ctx context.Context, env protocol.Envelope) int
}

// Archive persists room messages across restarts.
type Archive interface {
	SaveChat(room string, msg Message) error
	LoadChat(room string, limit int) ([]Message, error)
}

// RoomInfo summarizes a room for status displays.
type RoomInfo struct {
	Room     string `json:"room"`
	Nick     string `json:"nick"`
	PeerID   string `json:"peer_id"`
	Messages int    `json:"message_count"`
	Peers    int    `json:"peer_count"`
}

// Room is a named conversation. Messages are appended in arrival order and
// are unique under (sender, text, timestamp).
type Room struct {
	name   string
	nick   string
	peerID string

	out     Broadcaster
	dir     *peers.Directory
	archive Archive

	mu       sync.RWMutex
	messages []Message
	seen     map[messageKey]struct{}
	updates  chan Message
}

// HistoryLimit bounds how many archived messages seed a joined room.
const HistoryLimit = 200

// Join creates the room and seeds it from the archive when one is given.
func Join(name, nick, peerID string, out Broadcaster, dir *peers.Directory, archive Archive) *Room {
	r := &Room{
		name:    name,
		nick:    nick,
		peerID:  peerID,
		out:     out,
		dir:     dir,
		archive: archive,
		seen:    make(map[messageKey]struct{}),
		updates: make(chan Message, updateBuffer),
	}
	if archive != nil {
		history, err := archive.LoadChat(name, HistoryLimit)
		if err != nil {
			slog.Warn("Failed to load room history", "room", name, "error", err)
		}
		for _, m := range history {
			if _, dup := r.seen[m.key()]; dup {
				continue
			}
			r.seen[m.key()] = struct{}{}
			r.messages = append(r.messages, m)
		}
	}
	slog.Info("Joined room", "room", name, "nick", nick, "history", len(r.messages))
	return r
}

func (r *Room) Name() string { return r.name }

// Updates delivers appended messages. Slow readers miss updates, never block.
func (r *Room) Updates() <-chan Message {
	return r.updates
}

// Publish appends text to the local log and broadcasts it. It returns the
// number of peers reached and ErrNoRecipients when that number is zero.
func (r *Room) Publish(ctx context.Context, text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrEmptyMessage
	}
	env := protocol.NewChat(r.peerID, r.name, r.nick, text)
	r.add(messageFrom(env))

	sent := r.out.Broadcast(ctx, env)
	if sent == 0 {
		return 0, ErrNoRecipients
	}
	return sent, nil
}

// HandleEnvelope accepts CHAT envelopes for this room from other nodes.
func (r *Room) HandleEnvelope(ctx context.Context, env protocol.Envelope) error {
	if env.Type != protocol.TypeChat || env.Payload.Room != r.name || env.SenderID == r.peerID {
		return nil
	}
	if r.add(messageFrom(env)) {
		slog.Debug("Chat message received", "room", r.name, "from", env.SenderID, "id", env.ID)
	}
	return nil
}

func messageFrom(env protocol.Envelope) Message {
	nick := env.Payload.Nick
	if nick == "" {
		nick = env.SenderID
	}
	return Message{
		Text:       env.Payload.Text,
		SenderID:   env.SenderID,
		SenderNick: nick,
		Timestamp:  env.Time().Format(TimestampLayout),
	}
}

func (r *Room) add(m Message) bool {
	r.mu.Lock()
	if _, dup := r.seen[m.key()]; dup {
		r.mu.Unlock()
		return false
	}
	r.seen[m.key()] = struct{}{}
	r.messages = append(r.messages, m)
	r.mu.Unlock()

	if r.archive != nil {
		if err := r.archive.SaveChat(r.name, m); err != nil {
			slog.Warn("Failed to archive message", "room", r.name, "error", err)
		}
	}
	select {
	case r.updates <- m:
	default:
	}
	return true
}

// Messages returns a copy of the log.
func (r *Room) Messages() []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Lines returns the log rendered for display.
func (r *Room) Lines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Line()
	}
	return out
}

func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// Clear empties the visible log. Already seen messages stay suppressed so
// late retransmissions do not reappear.
func (r *Room) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}

func (r *Room) Info() RoomInfo {
	info := RoomInfo{
		Room:     r.name,
		Nick:     r.nick,
		PeerID:   r.peerID,
		Messages: r.Count(),
	}
	if r.dir != nil {
		info.Peers = r.dir.Len()
	}
	return info
}
