package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/chat"
	"github.com/bit2swaz/disasterconnect/internal/discovery"
	"github.com/bit2swaz/disasterconnect/internal/peers"
	"github.com/bit2swaz/disasterconnect/internal/protocol"
	"github.com/bit2swaz/disasterconnect/internal/reliability"
	"github.com/bit2swaz/disasterconnect/internal/transport"
)

const sosMemory = 10 * time.Minute

var (
	ErrNotJoined = errors.New("engine: no room joined")
	ErrStopped   = errors.New("engine: stopped")
)

// Archive is the optional persistence behind the room, the SOS log and the
// peer history.
type Archive interface {
	chat.Archive
	ClearChat(room string) error
	SaveSOS(env protocol.Envelope) error
	RecordPeer(id, addr, room string) error
}

type Config struct {
	PeerID     string
	Nick       string
	Rendezvous string
	ListenAddr string

	DiscoveryPort       int
	DiscoveryListenAddr string
	DiscoveryTargets    []string
	AnnounceInterval    time.Duration
	MDNS                bool

	DialTimeout   time.Duration
	AckTimeout    time.Duration
	AckRetries    int
	FlushInterval time.Duration

	BufferPath string
	Archive    Archive
}

// Engine wires discovery, transport, reliability and the chat room of one
// node. The zero value is not usable; call New.
type Engine struct {
	cfg Config

	dir       *peers.Directory
	transport *transport.Transport
	buffer    *reliability.Buffer
	courier   *reliability.Courier
	sosSeen   *seenCache

	mu        sync.RWMutex
	room      *chat.Room
	discovery *discovery.Service
	sosSubs   []func(protocol.Envelope)
	peerSubs  []func(peers.Record)
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the host: it opens the store-and-forward buffer and binds the
// TCP listener. A bind failure wraps transport.ErrPortInUse.
func New(cfg Config) (*Engine, error) {
	if cfg.PeerID == "" {
		return nil, errors.New("engine: peer id is required")
	}
	if cfg.Nick == "" {
		cfg.Nick = cfg.PeerID
	}

	buf, err := reliability.OpenBuffer(cfg.BufferPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer: %w", err)
	}

	dir := peers.NewDirectory()
	tr := transport.New(transport.Config{PeerID: cfg.PeerID, DialTimeout: cfg.DialTimeout}, dir)
	courier := reliability.NewCourier(reliability.Config{
		PeerID:        cfg.PeerID,
		AckTimeout:    cfg.AckTimeout,
		AckRetries:    cfg.AckRetries,
		FlushInterval: cfg.FlushInterval,
	}, tr, dir, buf, reliability.NewAckRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		dir:       dir,
		transport: tr,
		buffer:    buf,
		courier:   courier,
		sosSeen:   newSeenCache(sosMemory),
		ctx:       ctx,
		cancel:    cancel,
	}
	tr.Handle(courier)
	tr.Handle(transport.HandlerFunc(e.handleEnvelope))

	if err := tr.Listen(cfg.ListenAddr); err != nil {
		cancel()
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		courier.Run(ctx)
	}()

	slog.Info("Host created", "peer", cfg.PeerID, "addr", tr.Addr().String(), "buffered", buf.Len())
	return e, nil
}

// StartDiscovery begins announcing this node and registering peers that
// share the rendezvous tag.
func (e *Engine) StartDiscovery(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.discovery != nil {
		return discovery.ErrStarted
	}

	svc := discovery.New(discovery.Config{
		PeerID:      e.cfg.PeerID,
		TCPPort:     e.transport.Port(),
		Rendezvous:  e.cfg.Rendezvous,
		Port:        e.cfg.DiscoveryPort,
		ListenAddr:  e.cfg.DiscoveryListenAddr,
		Targets:     e.cfg.DiscoveryTargets,
		Interval:    e.cfg.AnnounceInterval,
		MDNS:        e.cfg.MDNS,
		OnPeerFound: e.onPeerFound,
	}, e.dir)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	e.discovery = svc
	return nil
}

// JoinRoom makes name the active room. Inbound CHAT for other rooms is
// ignored from then on.
func (e *Engine) JoinRoom(name string) *chat.Room {
	var archive chat.Archive
	if e.cfg.Archive != nil {
		archive = e.cfg.Archive
	}
	room := chat.Join(name, e.cfg.Nick, e.cfg.PeerID, e.courier, e.dir, archive)

	e.mu.Lock()
	e.room = room
	e.mu.Unlock()
	return room
}

// Connect registers a peer at an explicit address, introduces this node
// with a handshake and flushes anything buffered for it.
func (e *Engine) Connect(ctx context.Context, peerID, addr string) error {
	e.dir.Put(peerID, addr)
	if err := e.handshake(ctx, addr); err != nil {
		return err
	}
	e.courier.Flush(ctx, peerID)
	return nil
}

// Forget evicts a peer from the directory. Anything buffered for its
// address stays queued.
func (e *Engine) Forget(peerID string) bool {
	if !e.dir.Remove(peerID) {
		return false
	}
	slog.Info("Peer forgotten", "peer", peerID)
	return true
}

// PublishText posts text to the active room.
func (e *Engine) PublishText(ctx context.Context, text string) (int, error) {
	room := e.Room()
	if room == nil {
		return 0, ErrNotJoined
	}
	return room.Publish(ctx, text)
}

// SendSOS broadcasts a priority message and reports whether every known
// peer acknowledged it in time.
func (e *Engine) SendSOS(ctx context.Context, text string) bool {
	env := protocol.NewSOS(e.cfg.PeerID, e.cfg.Nick, text)
	slog.Warn("Sending SOS", "id", env.ID, "peers", e.dir.Len())
	return e.courier.SendSOS(ctx, env)
}

// OnSOS registers a callback for every distinct SOS received from others.
func (e *Engine) OnSOS(fn func(protocol.Envelope)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sosSubs = append(e.sosSubs, fn)
}

// OnPeer registers a callback for every newly discovered peer.
func (e *Engine) OnPeer(fn func(peers.Record)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerSubs = append(e.peerSubs, fn)
}

func (e *Engine) NodeID() string { return e.cfg.PeerID }
func (e *Engine) Nick() string   { return e.cfg.Nick }

// Port is the bound TCP port.
func (e *Engine) Port() int { return e.transport.Port() }

func (e *Engine) Room() *chat.Room {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.room
}

func (e *Engine) Peers() []peers.Record {
	return e.dir.Snapshot()
}

func (e *Engine) Messages() []chat.Message {
	room := e.Room()
	if room == nil {
		return nil
	}
	return room.Messages()
}

func (e *Engine) RoomInfo() (chat.RoomInfo, error) {
	room := e.Room()
	if room == nil {
		return chat.RoomInfo{}, ErrNotJoined
	}
	return room.Info(), nil
}

// ClearMessages empties the room log and its archive.
func (e *Engine) ClearMessages() error {
	room := e.Room()
	if room == nil {
		return ErrNotJoined
	}
	room.Clear()
	if e.cfg.Archive != nil {
		return e.cfg.Archive.ClearChat(room.Name())
	}
	return nil
}

// Backlog reports buffered envelopes per address.
func (e *Engine) Backlog() map[string]int {
	return e.courier.Backlog()
}

// Stop shuts discovery and transport down and waits for every goroutine.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	svc := e.discovery
	e.mu.Unlock()

	if svc != nil {
		svc.Stop()
	}
	e.cancel()
	e.wg.Wait()
	if err := e.transport.Close(); err != nil {
		slog.Warn("Transport close failed", "error", err)
	}
	slog.Info("Engine stopped", "peer", e.cfg.PeerID)
}
