package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/peers"
	"github.com/bit2swaz/disasterconnect/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDialTimeout = 3 * time.Second
	DefaultReadTimeout = 10 * time.Second
	DefaultFanOut      = 8
)

var (
	// ErrPeerUnreachable wraps every connect/write failure. It is non-fatal:
	// the caller decides whether to buffer.
	ErrPeerUnreachable = errors.New("transport: peer unreachable")
	// ErrUnknownPeer means the id is not in the directory.
	ErrUnknownPeer = errors.New("transport: unknown peer")
	// ErrPortInUse is returned by Listen when the port cannot be bound.
	ErrPortInUse = errors.New("transport: port in use")
)

// Handler consumes decoded inbound envelopes.
type Handler interface {
	HandleEnvelope(ctx context.Context, env protocol.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env protocol.Envelope) error

func (f HandlerFunc) HandleEnvelope(ctx context.Context, env protocol.Envelope) error {
	return f(ctx, env)
}

// FailureHook observes failed sends to known peers.
type FailureHook func(rec peers.Record, env protocol.Envelope, err error)

type Config struct {
	PeerID      string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	FanOut      int
}

func (c Config) withDefaults() Config {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.FanOut <= 0 {
		out.FanOut = DefaultFanOut
	}
	return out
}

// Transport accepts one envelope per inbound connection and opens a
// short-lived connection per outbound envelope.
type Transport struct {
	cfg Config
	dir *peers.Directory

	mu        sync.RWMutex
	handlers  []Handler
	onFailure FailureHook

	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg Config, dir *peers.Directory) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    cfg.withDefaults(),
		dir:    dir,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handle registers an application handler. Every non-handshake envelope is
// dispatched to every handler.
func (t *Transport) Handle(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// OnSendFailure installs the hook invoked for every failed Send.
func (t *Transport) OnSendFailure(hook FailureHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFailure = hook
}

// Listen binds addr (e.g. ":9000" or "127.0.0.1:0") and starts accepting.
func (t *Transport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %w", ErrPortInUse, err)
		}
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop()
	slog.Info("Transport listening", "addr", ln.Addr().String(), "peer", t.cfg.PeerID)
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Port returns the bound TCP port.
func (t *Transport) Port() int {
	if tcp, ok := t.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Close stops accepting and waits for in-flight connections, which are
// bounded by the read timeout.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		if t.listener != nil {
			err = t.listener.Close()
		}
		t.wg.Wait()
	})
	return err
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("Accept error", "error", err)
			continue
		}
		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *Transport) handleConn(conn net.Conn) {
	defer t.wg.Done()

	remote := conn.RemoteAddr()
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	data, err := ReadFrame(conn)
	conn.Close()
	if err != nil {
		slog.Warn("Failed to read envelope", "remote", remote, "error", err)
		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("Dropping malformed envelope", "remote", remote, "error", err)
		return
	}

	if env.Type == protocol.TypeHandshake {
		t.registerHandshake(env, remote)
		return
	}
	t.dispatch(env)
}

func (t *Transport) registerHandshake(env protocol.Envelope, remote net.Addr) {
	if env.SenderID == t.cfg.PeerID {
		return
	}
	host, port, err := net.SplitHostPort(remote.String())
	if err != nil {
		slog.Warn("Bad handshake remote address", "remote", remote, "error", err)
		return
	}
	if env.Payload.Port > 0 {
		port = strconv.Itoa(env.Payload.Port)
	}
	addr := net.JoinHostPort(host, port)
	t.dir.Put(env.SenderID, addr)
	slog.Info("Registered peer from handshake", "peer", env.SenderID, "addr", addr)
}

func (t *Transport) dispatch(env protocol.Envelope) {
	t.mu.RLock()
	handlers := make([]Handler, len(t.handlers))
	copy(handlers, t.handlers)
	t.mu.RUnlock()

	for _, h := range handlers {
		t.invoke(h, env)
	}
}

func (t *Transport) invoke(h Handler, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Handler panicked", "type", env.Type, "id", env.ID, "panic", r)
		}
	}()
	if err := h.HandleEnvelope(t.ctx, env); err != nil {
		slog.Warn("Handler failed", "type", env.Type, "id", env.ID, "error", err)
	}
}

// Send delivers env to the peer's current directory address. Failures are
// reported to the failure hook; the directory is left untouched.
func (t *Transport) Send(ctx context.Context, peerID string, env protocol.Envelope) error {
	rec, ok := t.dir.Get(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return t.sendTo(ctx, rec, env)
}

func (t *Transport) sendTo(ctx context.Context, rec peers.Record, env protocol.Envelope) error {
	err := t.Deliver(ctx, rec.Addr, env)
	if err == nil {
		return nil
	}
	t.mu.RLock()
	hook := t.onFailure
	t.mu.RUnlock()
	if hook != nil {
		hook(rec, env, err)
	}
	return err
}

// Deliver opens a connection to addr, writes one frame and closes. It never
// invokes the failure hook, which makes it the primitive for redelivery.
// ACK and HANDSHAKE envelopes go out through Deliver and are never buffered.
func (t *Transport) Deliver(ctx context.Context, addr string, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPeerUnreachable, addr, err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.DialTimeout))
	if err := WriteFrame(conn, data); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPeerUnreachable, addr, err)
	}
	return nil
}

// Broadcast sends env to a snapshot of the directory and returns how many
// sends succeeded. Peers added while the fan-out runs may be missed.
func (t *Transport) Broadcast(ctx context.Context, env protocol.Envelope) int {
	targets := t.dir.Snapshot()

	var sent atomic.Int64
	var g errgroup.Group
	g.SetLimit(t.cfg.FanOut)
	for _, rec := range targets {
		g.Go(func() error {
			if err := t.sendTo(ctx, rec, env); err != nil {
				slog.Warn("Send failed", "peer", rec.ID, "addr", rec.Addr, "error", err)
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(sent.Load())
}
