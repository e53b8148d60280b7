package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/protocol"
)

const queueSize = 100

// Service relays received SOS messages to a Discord webhook.
type Service struct {
	WebhookURL string
	client     *http.Client
	queue      chan protocol.Envelope
}

func NewService(url string) *Service {
	return &Service{
		WebhookURL: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue: make(chan protocol.Envelope, queueSize),
	}
}

// Enqueue schedules env for relay. It drops the message when the queue is
// full rather than block the receive path.
func (s *Service) Enqueue(env protocol.Envelope) {
	select {
	case s.queue <- env:
	default:
		slog.Warn("Uplink queue full, dropping SOS", "id", env.ID)
	}
}

// Start relays queued messages until ctx is done.
func (s *Service) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-s.queue:
				if err := s.Relay(ctx, env); err != nil {
					slog.Error("Failed to relay SOS", "id", env.ID, "error", err)
				}
			}
		}
	}()
}

// Relay posts one SOS to the webhook.
func (s *Service) Relay(ctx context.Context, env protocol.Envelope) error {
	nick := env.Payload.Nick
	if nick == "" {
		nick = env.SenderID
	}
	discordMsg := fmt.Sprintf("📡 **[MESH RELAY] SOS**\n**User:** %s\n**Node:** %s\n**Message:** %s\n**Sent:** %s",
		nick,
		env.SenderID,
		env.Payload.Text,
		env.Time().Format(time.RFC1123),
	)

	jsonPayload, err := json.Marshal(map[string]string{"content": discordMsg})
	if err != nil {
		return fmt.Errorf("marshal uplink payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(jsonPayload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send uplink request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("uplink returned status %s", resp.Status)
	}
	slog.Info("Relayed SOS to uplink", "id", env.ID)
	return nil
}
