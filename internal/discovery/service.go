package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/peers"
)

const (
	DefaultPort        = 37020
	DefaultInterval    = 5 * time.Second
	DefaultReadTimeout = time.Second
	maxDatagram        = 4096
)

var (
	// ErrPortInUse is returned by Start when the discovery port cannot be bound.
	ErrPortInUse = errors.New("discovery: port in use")
	ErrStarted   = errors.New("discovery: already started")
)

// Peer is a node seen for the first time.
type Peer struct {
	ID   string
	IP   string
	Port int
}

func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

type Config struct {
	PeerID     string
	TCPPort    int
	Rendezvous string

	// Port is the shared UDP discovery port. ListenAddr overrides the bind
	// address, e.g. "127.0.0.1:0" in tests.
	Port       int
	ListenAddr string
	// Targets overrides the announcement destinations (host:port).
	Targets []string

	Interval    time.Duration
	ReadTimeout time.Duration

	// MDNS also advertises and browses over zeroconf.
	MDNS bool

	// OnPeerFound runs once per peer id for the lifetime of the process.
	OnPeerFound func(Peer)

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.ListenAddr == "" {
		out.ListenAddr = fmt.Sprintf(":%d", out.Port)
	}
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	return out
}

const (
	stateIdle = iota
	stateRunning
	stateStopped
)

// Service announces this node over UDP broadcast and registers every new
// peer that announces the same rendezvous tag.
type Service struct {
	cfg Config
	dir *peers.Directory

	mu    sync.Mutex
	state int
	seen  map[string]struct{}
	order []string

	conn   *net.UDPConn
	mdns   *mdnsAdvertiser
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, dir *peers.Directory) *Service {
	return &Service{
		cfg:  cfg.withDefaults(),
		dir:  dir,
		seen: make(map[string]struct{}),
	}
}

// Start binds the discovery socket and launches the announcer and listener.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return ErrStarted
	}

	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp4", s.cfg.ListenAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %w", ErrPortInUse, err)
		}
		return fmt.Errorf("discovery listen on %s: %w", s.cfg.ListenAddr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("discovery listen on %s: not a UDP socket", s.cfg.ListenAddr)
	}
	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.MDNS {
		adv, err := startMDNS(s.cfg)
		if err != nil {
			slog.Warn("mDNS advertisement unavailable", "error", err)
		} else {
			s.mdns = adv
		}
		s.wg.Add(1)
		go s.browseLoop()
	}

	s.wg.Add(2)
	go s.listen()
	go s.announce()

	s.state = stateRunning
	slog.Info("Discovery started", "addr", conn.LocalAddr().String(), "rendezvous", s.cfg.Rendezvous)
	return nil
}

// Stop ends both loops, releases the socket and waits for the goroutines.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state != stateRunning {
		s.state = stateStopped
		s.mu.Unlock()
		return
	}
	s.state = stateStopped
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.conn.Close()
	s.mdns.stop()
	slog.Info("Discovery stopped", "peer", s.cfg.PeerID)
}

// LocalAddr returns the bound UDP address, or nil before Start.
func (s *Service) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Peers returns the ids discovered so far in discovery order.
func (s *Service) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Service) listen() {
	defer s.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		if s.ctx.Err() != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("Discovery read error", "error", err)
			continue
		}
		s.handleDatagram(buf[:n], from)
	}
}

func (s *Service) handleDatagram(data []byte, from *net.UDPAddr) {
	var ann Announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		slog.Debug("Dropping malformed announcement", "from", from, "error", err)
		return
	}
	if ann.PeerID == "" || ann.TCPPort <= 0 || ann.TCPPort > 65535 {
		return
	}
	s.observe(ann, from.IP.String())
}

// observe registers a peer the first time its id is seen. Later
// announcements of a known id are ignored.
func (s *Service) observe(ann Announcement, ip string) bool {
	if ann.PeerID == s.cfg.PeerID || ann.Rendezvous != s.cfg.Rendezvous {
		return false
	}

	s.mu.Lock()
	if _, ok := s.seen[ann.PeerID]; ok {
		s.mu.Unlock()
		return false
	}
	s.seen[ann.PeerID] = struct{}{}
	s.order = append(s.order, ann.PeerID)
	s.mu.Unlock()

	p := Peer{ID: ann.PeerID, IP: ip, Port: ann.TCPPort}
	if !s.dir.PutIfAbsent(p.ID, p.Addr()) {
		slog.Debug("Discovered peer already registered", "peer", p.ID)
	}
	slog.Info("Discovered peer", "peer", p.ID, "addr", p.Addr())

	if s.cfg.OnPeerFound != nil {
		s.cfg.OnPeerFound(p)
	}
	return true
}
