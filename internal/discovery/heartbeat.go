package discovery

import (
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/utils"
)

// Announcement is the datagram every node broadcasts.
type Announcement struct {
	PeerID     string `json:"peer_id"`
	TCPPort    int    `json:"tcp_port"`
	Rendezvous string `json:"rendezvous"`
}

func (s *Service) targets() []*net.UDPAddr {
	if len(s.cfg.Targets) > 0 {
		out := make([]*net.UDPAddr, 0, len(s.cfg.Targets))
		for _, t := range s.cfg.Targets {
			addr, err := net.ResolveUDPAddr("udp4", t)
			if err != nil {
				slog.Warn("Skipping bad discovery target", "target", t, "error", err)
				continue
			}
			out = append(out, addr)
		}
		return out
	}

	out := []*net.UDPAddr{{IP: net.IPv4bcast, Port: s.cfg.Port}}
	out = append(out, utils.BroadcastAddrs(s.cfg.Port)...)
	out = append(out, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.cfg.Port})
	return out
}

// announce sends one announcement now and then every Interval until stopped.
func (s *Service) announce() {
	defer s.wg.Done()

	data, err := json.Marshal(Announcement{
		PeerID:     s.cfg.PeerID,
		TCPPort:    s.cfg.TCPPort,
		Rendezvous: s.cfg.Rendezvous,
	})
	if err != nil {
		slog.Error("Failed to encode announcement", "error", err)
		return
	}
	targets := s.targets()
	slog.Info("Heartbeat started", "targets", len(targets), "peer", s.cfg.PeerID)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		for _, dst := range targets {
			if _, err := s.conn.WriteToUDP(data, dst); err != nil {
				slog.Debug("Announcement failed", "target", dst, "error", err)
			}
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
