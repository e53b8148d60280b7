package discovery

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	MDNSService     = "_disasterconnect._tcp"
	MDNSDomain      = "local."
	mdnsScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

type mdnsAdvertiser struct {
	server *zeroconf.Server
}

func startMDNS(cfg Config) (*mdnsAdvertiser, error) {
	register := cfg.registerFn
	if register == nil {
		register = zeroconf.Register
	}
	txt := []string{
		"peer_id=" + cfg.PeerID,
		"rendezvous=" + cfg.Rendezvous,
	}
	server, err := register(cfg.PeerID, MDNSService, MDNSDomain, cfg.TCPPort, txt, nil)
	if err != nil {
		return nil, err
	}
	return &mdnsAdvertiser{server: server}, nil
}

func (a *mdnsAdvertiser) stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

func (s *Service) browseLoop() {
	defer s.wg.Done()

	browse := s.cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			slog.Warn("mDNS browsing unavailable", "error", err)
			return
		}
		browse = resolver.Browse
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.scan(browse)
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) scan(browse browseFunc) {
	ctx, cancel := context.WithTimeout(s.ctx, mdnsScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := browse(ctx, MDNSService, MDNSDomain, entries); err != nil {
		slog.Debug("mDNS browse failed", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			s.observeEntry(entry)
		}
	}
}

func (s *Service) observeEntry(entry *zeroconf.ServiceEntry) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return
	}
	ann := Announcement{TCPPort: entry.Port}
	for _, kv := range entry.Text {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "peer_id":
			ann.PeerID = value
		case "rendezvous":
			ann.Rendezvous = value
		}
	}
	if ann.PeerID == "" || ann.TCPPort <= 0 {
		return
	}
	s.observe(ann, entry.AddrIPv4[0].String())
}
