package reliability

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/peers"
	"github.com/bit2swaz/disasterconnect/internal/protocol"
	"github.com/bit2swaz/disasterconnect/internal/transport"
)

type node struct {
	id      string
	tr      *transport.Transport
	dir     *peers.Directory
	buf     *Buffer
	courier *Courier
	got     *inbox
}

type inbox struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (i *inbox) HandleEnvelope(ctx context.Context, env protocol.Envelope) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.envs = append(i.envs, env)
	return nil
}

func (i *inbox) count(msgType string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, e := range i.envs {
		if e.Type == msgType {
			n++
		}
	}
	return n
}

func newNode(t *testing.T, id, listenAddr string) *node {
	t.Helper()
	dir := peers.NewDirectory()
	tr := transport.New(transport.Config{PeerID: id, DialTimeout: 500 * time.Millisecond}, dir)
	if err := tr.Listen(listenAddr); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	buf, err := OpenBuffer(filepath.Join(t.TempDir(), "buffer.json"))
	if err != nil {
		t.Fatalf("OpenBuffer failed: %v", err)
	}
	c := NewCourier(Config{PeerID: id, AckTimeout: 200 * time.Millisecond, AckRetries: 3}, tr, dir, buf, NewAckRegistry())
	tr.Handle(c)
	got := &inbox{}
	tr.Handle(got)
	return &node{id: id, tr: tr, dir: dir, buf: buf, courier: c, got: got}
}

func link(a, b *node) {
	a.dir.Put(b.id, b.tr.Addr().String())
	b.dir.Put(a.id, a.tr.Addr().String())
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func TestSOSDeliveredWhenAllPeersAck(t *testing.T) {
	a := newNode(t, "A", "127.0.0.1:0")
	b := newNode(t, "B", "127.0.0.1:0")
	c := newNode(t, "C", "127.0.0.1:0")
	link(a, b)
	link(a, c)

	sos := protocol.NewSOS("A", "Alice", "trapped")
	if !a.courier.SendSOS(context.Background(), sos) {
		t.Fatal("Expected SOS to be delivered")
	}
	if b.got.count(protocol.TypeSOS) == 0 || c.got.count(protocol.TypeSOS) == 0 {
		t.Error("Expected both peers to receive the SOS")
	}
	if a.courier.acks.Len() != 0 {
		t.Errorf("Expected no pending acks, got %d", a.courier.acks.Len())
	}
}

func TestSOSNotDeliveredWhenOnePeerSilent(t *testing.T) {
	a := newNode(t, "A", "127.0.0.1:0")
	b := newNode(t, "B", "127.0.0.1:0")
	link(a, b)
	silent := freeAddr(t)
	a.dir.Put("C", silent)

	sos := protocol.NewSOS("A", "Alice", "trapped")
	if a.courier.SendSOS(context.Background(), sos) {
		t.Fatal("Expected SOS to be reported undelivered")
	}
	pending := a.buf.Pending(silent)
	if len(pending) != 1 || pending[0].ID != sos.ID {
		t.Errorf("Expected SOS buffered once for %s, got %+v", silent, pending)
	}
	if a.courier.acks.Len() != 0 {
		t.Error("Expected pending ack record to be discarded")
	}
}

func TestSOSWithoutPeers(t *testing.T) {
	a := newNode(t, "A", "127.0.0.1:0")
	start := time.Now()
	if a.courier.SendSOS(context.Background(), protocol.NewSOS("A", "Alice", "help")) {
		t.Fatal("Expected false with no peers")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Expected an immediate result with no peers")
	}
}

func TestBufferedMessageFlushedWhenPeerReturns(t *testing.T) {
	a := newNode(t, "A", "127.0.0.1:0")
	addr := freeAddr(t)
	a.dir.Put("B", addr)

	env := protocol.NewChat("A", "relief", "Alice", "are you there")
	if err := a.courier.Send(context.Background(), "B", env); err == nil {
		t.Fatal("Expected send to a closed port to fail")
	}
	if n := len(a.buf.Pending(addr)); n != 1 {
		t.Fatalf("Expected 1 buffered envelope, got %d", n)
	}
	if got := a.courier.Backlog()[addr]; got != 1 {
		t.Errorf("Expected backlog 1 for %s, got %d", addr, got)
	}

	b := newNode(t, "B", addr)
	if n := a.courier.Flush(context.Background(), "B"); n != 1 {
		t.Fatalf("Expected 1 flushed envelope, got %d", n)
	}
	waitFor(t, time.Second, func() bool { return b.got.count(protocol.TypeChat) == 1 })
	if a.buf.Len() != 0 {
		t.Errorf("Expected empty buffer after flush, got %d", a.buf.Len())
	}
}

func TestBufferedMessageFollowsPeerToNewAddress(t *testing.T) {
	a := newNode(t, "A", "127.0.0.1:0")
	old := freeAddr(t)
	a.dir.Put("B", old)

	env := protocol.NewChat("A", "relief", "Alice", "still there?")
	if err := a.courier.Send(context.Background(), "B", env); err == nil {
		t.Fatal("Expected send to a closed port to fail")
	}

	// B comes back on another port and re-registers.
	b := newNode(t, "B", "127.0.0.1:0")
	a.dir.Put("B", b.tr.Addr().String())

	if n := a.courier.Flush(context.Background(), "B"); n != 1 {
		t.Fatalf("Expected 1 flushed envelope, got %d", n)
	}
	waitFor(t, time.Second, func() bool { return b.got.count(protocol.TypeChat) == 1 })
	if a.buf.Len() != 0 {
		t.Errorf("Expected empty buffer, got backlog %v", a.courier.Backlog())
	}
}

func TestFlushAllStopsDialingAbandonedAddress(t *testing.T) {
	a := newNode(t, "A", "127.0.0.1:0")
	old := freeAddr(t)
	a.dir.Put("B", old)
	_ = a.courier.Send(context.Background(), "B", protocol.NewChat("A", "relief", "Alice", "one"))
	_ = a.courier.Send(context.Background(), "B", protocol.NewChat("A", "relief", "Alice", "two"))

	b := newNode(t, "B", "127.0.0.1:0")
	a.dir.Put("B", b.tr.Addr().String())

	if n := a.courier.FlushAll(context.Background()); n != 2 {
		t.Fatalf("Expected 2 flushed envelopes, got %d", n)
	}
	waitFor(t, time.Second, func() bool { return b.got.count(protocol.TypeChat) == 2 })
	if _, ok := a.courier.Backlog()[old]; ok {
		t.Errorf("Expected nothing left for %s, got %v", old, a.courier.Backlog())
	}
}

func TestSendSurvivesBufferPersistFailure(t *testing.T) {
	dir := peers.NewDirectory()
	tr := transport.New(transport.Config{PeerID: "A", DialTimeout: 500 * time.Millisecond}, dir)
	path := filepath.Join(t.TempDir(), "buffer.json")
	buf, err := OpenBuffer(path)
	if err != nil {
		t.Fatalf("OpenBuffer failed: %v", err)
	}
	if err := os.Mkdir(path, 0o700); err != nil {
		t.Fatalf("Failed to block buffer path: %v", err)
	}
	c := NewCourier(Config{PeerID: "A"}, tr, dir, buf, NewAckRegistry())
	dir.Put("B", freeAddr(t))

	err = c.Send(context.Background(), "B", protocol.NewChat("A", "relief", "Alice", "x"))
	if !errors.Is(err, transport.ErrPeerUnreachable) {
		t.Fatalf("Expected ErrPeerUnreachable, got %v", err)
	}
	if buf.Len() != 1 {
		t.Errorf("Expected the envelope to stay buffered in memory, got %d", buf.Len())
	}
}

func TestRunFlushesPeriodically(t *testing.T) {
	dir := peers.NewDirectory()
	tr := transport.New(transport.Config{PeerID: "A", DialTimeout: 500 * time.Millisecond}, dir)
	buf, err := OpenBuffer(filepath.Join(t.TempDir(), "buffer.json"))
	if err != nil {
		t.Fatalf("OpenBuffer failed: %v", err)
	}
	c := NewCourier(Config{PeerID: "A", FlushInterval: 50 * time.Millisecond}, tr, dir, buf, NewAckRegistry())

	b := newNode(t, "B", "127.0.0.1:0")
	_ = buf.Enqueue(b.tr.Addr().String(), protocol.NewChat("A", "relief", "Alice", "late"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool { return b.got.count(protocol.TypeChat) == 1 })
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
