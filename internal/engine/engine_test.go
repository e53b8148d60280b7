package engine

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/chat"
	"github.com/bit2swaz/disasterconnect/internal/protocol"
	"github.com/bit2swaz/disasterconnect/internal/store"
	"github.com/bit2swaz/disasterconnect/internal/transport"
)

func createTestNode(t *testing.T, id string, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		PeerID:              id,
		Nick:                id,
		Rendezvous:          "relief",
		ListenAddr:          "127.0.0.1:0",
		DiscoveryListenAddr: "127.0.0.1:0",
		AnnounceInterval:    50 * time.Millisecond,
		DialTimeout:         500 * time.Millisecond,
		AckTimeout:          200 * time.Millisecond,
		AckRetries:          3,
		BufferPath:          filepath.Join(t.TempDir(), "buffer.json"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create node %s: %v", id, err)
	}
	t.Cleanup(eng.Stop)
	return eng
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

func discoveryAddr(t *testing.T, e *Engine) string {
	t.Helper()
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.discovery == nil {
		t.Fatal("Discovery not started")
	}
	return e.discovery.LocalAddr().String()
}

func TestDiscoveryThenPublish(t *testing.T) {
	ctx := context.Background()

	b := createTestNode(t, "B", nil)
	if err := b.StartDiscovery(ctx); err != nil {
		t.Fatalf("B StartDiscovery failed: %v", err)
	}
	roomB := b.JoinRoom("relief")

	// A announces every 50ms, so B sees the announcement several times
	// before and after registering it.
	a := createTestNode(t, "A", func(c *Config) {
		c.DiscoveryTargets = []string{discoveryAddr(t, b)}
	})
	if err := a.StartDiscovery(ctx); err != nil {
		t.Fatalf("A StartDiscovery failed: %v", err)
	}
	roomA := a.JoinRoom("relief")

	waitFor(t, 3*time.Second, func() bool { return len(b.Peers()) == 1 })
	// B's handshake lets A reach B without discovering it.
	waitFor(t, 3*time.Second, func() bool { return len(a.Peers()) == 1 })
	time.Sleep(150 * time.Millisecond)

	n, err := a.PublishText(ctx, "help")
	if err != nil || n != 1 {
		t.Fatalf("Expected publish to reach 1 peer, got %d %v", n, err)
	}
	waitFor(t, 2*time.Second, func() bool { return roomB.Count() >= 1 })
	time.Sleep(100 * time.Millisecond)

	lines := roomB.Lines()
	if len(lines) != 1 || !strings.HasSuffix(lines[0], "[A]: help") {
		t.Fatalf("Expected exactly one '[A]: help' line, got %v", lines)
	}
	if roomA.Count() != 1 {
		t.Errorf("Expected A's own log to hold its message, got %d", roomA.Count())
	}
	if got := b.Peers(); got[0].ID != "A" {
		t.Errorf("Expected B to know A, got %+v", got)
	}
}

func TestSOSAcknowledgedAndSurfacedOnce(t *testing.T) {
	ctx := context.Background()
	a := createTestNode(t, "A", nil)
	b := createTestNode(t, "B", nil)

	var mu sync.Mutex
	var received []protocol.Envelope
	b.OnSOS(func(env protocol.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, env)
	})

	if err := a.Connect(ctx, "B", b.transport.Addr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(b.Peers()) == 1 })

	if !a.SendSOS(ctx, "trapped under debris") {
		t.Fatal("Expected SOS to be acknowledged")
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	// A retransmission of the same envelope is acknowledged but not surfaced again.
	mu.Lock()
	first := received[0]
	mu.Unlock()
	b.handleSOS(first)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Payload.Text != "trapped under debris" {
		t.Errorf("Expected the SOS once, got %+v", received)
	}
}

func TestUnreachablePeerIsBufferedThenFlushedOnConnect(t *testing.T) {
	ctx := context.Background()
	a := createTestNode(t, "A", nil)
	a.JoinRoom("relief")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	a.dir.Put("B", addr)
	if _, err := a.PublishText(ctx, "are you safe?"); !errors.Is(err, chat.ErrNoRecipients) {
		t.Fatalf("Expected ErrNoRecipients, got %v", err)
	}
	if a.Backlog()[addr] != 1 {
		t.Fatalf("Expected one buffered envelope for %s, got %v", addr, a.Backlog())
	}

	b := createTestNode(t, "B", func(c *Config) { c.ListenAddr = addr })
	roomB := b.JoinRoom("relief")

	if err := a.Connect(ctx, "B", addr); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return roomB.Count() == 1 })
	if len(a.Backlog()) != 0 {
		t.Errorf("Expected empty backlog after flush, got %v", a.Backlog())
	}
}

func TestArchiveBackedRoom(t *testing.T) {
	db, err := store.Init(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}
	defer store.Close(db)
	archive := store.NewArchive(db)

	a := createTestNode(t, "A", func(c *Config) { c.Archive = archive })
	room := a.JoinRoom("relief")
	_ = room.HandleEnvelope(context.Background(), protocol.NewChat("B", "relief", "Bob", "hello"))

	info, err := a.RoomInfo()
	if err != nil || info.Messages != 1 {
		t.Fatalf("Expected 1 message, got %+v %v", info, err)
	}
	if err := a.ClearMessages(); err != nil {
		t.Fatalf("ClearMessages failed: %v", err)
	}
	if again := a.JoinRoom("relief"); again.Count() != 0 {
		t.Errorf("Expected cleared archive, got %d messages", again.Count())
	}
}

func TestNewPortInUse(t *testing.T) {
	a := createTestNode(t, "A", nil)
	_, err := New(Config{
		PeerID:     "B",
		ListenAddr: a.transport.Addr().String(),
		BufferPath: filepath.Join(t.TempDir(), "buffer.json"),
	})
	if !errors.Is(err, transport.ErrPortInUse) {
		t.Fatalf("Expected ErrPortInUse, got %v", err)
	}
}

func TestPublishWithoutRoom(t *testing.T) {
	a := createTestNode(t, "A", nil)
	if _, err := a.PublishText(context.Background(), "x"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Expected ErrNotJoined, got %v", err)
	}
}

func TestForgetEvictsPeer(t *testing.T) {
	a := createTestNode(t, "A", nil)
	a.dir.Put("B", "127.0.0.1:1")

	if !a.Forget("B") {
		t.Fatal("Expected B to be forgotten")
	}
	if len(a.Peers()) != 0 {
		t.Errorf("Expected empty directory, got %+v", a.Peers())
	}
	if a.Forget("B") {
		t.Error("Forgetting an unknown peer must report false")
	}
}
