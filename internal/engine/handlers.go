package engine

import (
	"context"
	"log/slog"

	"github.com/bit2swaz/disasterconnect/internal/discovery"
	"github.com/bit2swaz/disasterconnect/internal/peers"
	"github.com/bit2swaz/disasterconnect/internal/protocol"
)

func (e *Engine) handleEnvelope(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeChat:
		if room := e.Room(); room != nil {
			return room.HandleEnvelope(ctx, env)
		}
	case protocol.TypeSOS:
		e.handleSOS(env)
	}
	return nil
}

// handleSOS surfaces each SOS once. Retransmissions are still acknowledged
// by the courier.
func (e *Engine) handleSOS(env protocol.Envelope) {
	if env.SenderID == e.cfg.PeerID || e.sosSeen.Seen(env.ID) {
		return
	}
	slog.Warn("SOS received", "from", env.SenderID, "nick", env.Payload.Nick, "text", env.Payload.Text)

	if e.cfg.Archive != nil {
		if err := e.cfg.Archive.SaveSOS(env); err != nil {
			slog.Error("Failed to archive SOS", "id", env.ID, "error", err)
		}
	}

	e.mu.RLock()
	subs := append([]func(protocol.Envelope){}, e.sosSubs...)
	e.mu.RUnlock()
	for _, fn := range subs {
		fn(env)
	}
}

func (e *Engine) onPeerFound(p discovery.Peer) {
	rec := peers.Record{ID: p.ID, Addr: p.Addr()}
	if known, ok := e.dir.Get(p.ID); ok {
		rec = known
	}

	if e.cfg.Archive != nil {
		if err := e.cfg.Archive.RecordPeer(rec.ID, rec.Addr, e.cfg.Rendezvous); err != nil {
			slog.Warn("Failed to record peer", "peer", rec.ID, "error", err)
		}
	}

	e.mu.RLock()
	subs := append([]func(peers.Record){}, e.peerSubs...)
	e.mu.RUnlock()
	for _, fn := range subs {
		fn(rec)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.handshake(e.ctx, rec.Addr); err != nil {
			slog.Warn("Handshake failed", "peer", rec.ID, "addr", rec.Addr, "error", err)
			return
		}
		e.courier.Flush(e.ctx, rec.ID)
	}()
}

func (e *Engine) handshake(ctx context.Context, addr string) error {
	return e.transport.Deliver(ctx, addr, protocol.NewHandshake(e.cfg.PeerID, e.transport.Port()))
}
