package reliability

import (
	"context"
	"log/slog"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/peers"
	"github.com/bit2swaz/disasterconnect/internal/protocol"
	"github.com/bit2swaz/disasterconnect/internal/transport"
)

const (
	DefaultAckTimeout    = 2 * time.Second
	DefaultAckRetries    = 3
	DefaultFlushInterval = 30 * time.Second
)

// Transport is the slice of the TCP transport the courier drives.
type Transport interface {
	Send(ctx context.Context, peerID string, env protocol.Envelope) error
	Deliver(ctx context.Context, addr string, env protocol.Envelope) error
	Broadcast(ctx context.Context, env protocol.Envelope) int
	OnSendFailure(hook transport.FailureHook)
}

type Config struct {
	PeerID        string
	AckTimeout    time.Duration
	AckRetries    int
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.AckRetries <= 0 {
		out.AckRetries = DefaultAckRetries
	}
	if out.FlushInterval <= 0 {
		out.FlushInterval = DefaultFlushInterval
	}
	return out
}

// Courier layers acknowledgments and store-and-forward over the transport.
// Every failed Send is queued in the buffer under the peer's address.
type Courier struct {
	cfg  Config
	tr   Transport
	dir  *peers.Directory
	buf  *Buffer
	acks *AckRegistry
}

func NewCourier(cfg Config, tr Transport, dir *peers.Directory, buf *Buffer, acks *AckRegistry) *Courier {
	c := &Courier{
		cfg:  cfg.withDefaults(),
		tr:   tr,
		dir:  dir,
		buf:  buf,
		acks: acks,
	}
	tr.OnSendFailure(c.store)
	return c
}

func (c *Courier) store(rec peers.Record, env protocol.Envelope, sendErr error) {
	if err := c.buf.EnqueueFor(rec.ID, rec.Addr, env); err != nil {
		slog.Error("Failed to persist buffered envelope", "peer", rec.ID, "id", env.ID, "error", err)
		return
	}
	slog.Info("Buffered envelope for unreachable peer", "peer", rec.ID, "addr", rec.Addr, "id", env.ID, "cause", sendErr)
}

// Send delivers env to one peer, buffering it on failure.
func (c *Courier) Send(ctx context.Context, peerID string, env protocol.Envelope) error {
	return c.tr.Send(ctx, peerID, env)
}

// Broadcast sends env to every known peer and returns the success count.
func (c *Courier) Broadcast(ctx context.Context, env protocol.Envelope) int {
	return c.tr.Broadcast(ctx, env)
}

// SendSOS sends env to every known peer and waits until all of them have
// acknowledged it. Peers still silent after each ack timeout get the same
// envelope again. With no known peers it returns false at once.
func (c *Courier) SendSOS(ctx context.Context, env protocol.Envelope) bool {
	targets := c.dir.IDs()
	if len(targets) == 0 {
		slog.Warn("SOS has no recipients", "id", env.ID)
		return false
	}

	pending := c.acks.Register(env.ID, targets)
	for _, id := range targets {
		if err := c.tr.Send(ctx, id, env); err != nil {
			slog.Warn("SOS send failed", "peer", id, "id", env.ID, "error", err)
		}
	}

	delivered := c.acks.Wait(ctx, pending, c.cfg.AckTimeout, c.cfg.AckRetries, func(awaiting []string) {
		for _, id := range awaiting {
			if err := c.tr.Send(ctx, id, env); err != nil {
				slog.Debug("SOS retransmission failed", "peer", id, "id", env.ID, "error", err)
			}
		}
	})
	slog.Info("SOS finished", "id", env.ID, "targets", len(targets), "delivered", delivered)
	return delivered
}

// HandleEnvelope consumes ACKs and answers every SOS from another node with
// an ACK addressed to its sender.
func (c *Courier) HandleEnvelope(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeAck:
		if c.acks.Ack(env.Payload.AckID, env.SenderID) {
			slog.Info("Message fully acknowledged", "id", env.Payload.AckID)
		}
	case protocol.TypeSOS:
		if env.SenderID == c.cfg.PeerID {
			return nil
		}
		rec, ok := c.dir.Get(env.SenderID)
		if !ok {
			slog.Warn("Cannot acknowledge SOS from unknown peer", "peer", env.SenderID, "id", env.ID)
			return nil
		}
		ack := protocol.NewAck(c.cfg.PeerID, env.ID)
		if err := c.tr.Deliver(ctx, rec.Addr, ack); err != nil {
			return err
		}
	}
	return nil
}

// Flush retries everything buffered for the peer, including envelopes
// queued under an address it no longer uses.
func (c *Courier) Flush(ctx context.Context, peerID string) int {
	rec, ok := c.dir.Get(peerID)
	if !ok {
		return 0
	}
	c.follow(rec)
	return c.flushAddr(ctx, rec.Addr)
}

// follow moves queues left at old addresses of rec onto its current one.
func (c *Courier) follow(rec peers.Record) {
	n, err := c.buf.Rekey(rec.ID, rec.Addr)
	if err != nil {
		slog.Error("Failed to persist buffer after rekey", "peer", rec.ID, "error", err)
	}
	if n > 0 {
		slog.Info("Buffered envelopes follow peer to new address", "peer", rec.ID, "addr", rec.Addr, "count", n)
	}
}

// FlushAll retries every buffered address. Queues whose peer is now known
// at another address are moved there first.
func (c *Courier) FlushAll(ctx context.Context) int {
	for _, addr := range c.buf.Addresses() {
		owner := c.buf.Owner(addr)
		if owner == "" {
			continue
		}
		if rec, ok := c.dir.Get(owner); ok && rec.Addr != addr {
			c.follow(rec)
		}
	}

	total := 0
	for _, addr := range c.buf.Addresses() {
		if ctx.Err() != nil {
			break
		}
		total += c.flushAddr(ctx, addr)
	}
	return total
}

func (c *Courier) flushAddr(ctx context.Context, addr string) int {
	n, err := c.buf.Flush(ctx, addr, c.tr.Deliver)
	if err != nil {
		slog.Error("Failed to persist buffer after flush", "addr", addr, "error", err)
	}
	if n > 0 {
		slog.Info("Flushed buffered envelopes", "addr", addr, "count", n)
	}
	return n
}

// Backlog reports the number of buffered envelopes per address.
func (c *Courier) Backlog() map[string]int {
	out := make(map[string]int)
	for _, addr := range c.buf.Addresses() {
		out[addr] = len(c.buf.Pending(addr))
	}
	return out
}

// Run flushes the buffer every FlushInterval until ctx is done.
func (c *Courier) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.FlushAll(ctx)
		}
	}
}
