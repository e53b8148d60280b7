package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/bit2swaz/disasterconnect/internal/chat"
	"github.com/bit2swaz/disasterconnect/internal/peers"
	"github.com/bit2swaz/disasterconnect/internal/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

type mockEngine struct {
	mu        sync.Mutex
	published []string
	sos       []string
	records   []peers.Record
	backlog   map[string]int
}

func (m *mockEngine) NodeID() string { return "node-self-0001" }
func (m *mockEngine) Nick() string   { return "Me" }

func (m *mockEngine) PublishText(ctx context.Context, text string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, text)
	return 0, chat.ErrNoRecipients
}

func (m *mockEngine) SendSOS(ctx context.Context, text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sos = append(m.sos, text)
	return true
}

func (m *mockEngine) Peers() []peers.Record          { return m.records }
func (m *mockEngine) Backlog() map[string]int        { return m.backlog }
func (m *mockEngine) OnSOS(fn func(protocol.Envelope)) {}

type fakeBroadcaster struct{}

func (fakeBroadcaster) Broadcast(ctx context.Context, env protocol.Envelope) int { return 0 }

func newTestModel(eng *mockEngine) model {
	room := chat.Join("relief", "Me", eng.NodeID(), fakeBroadcaster{}, nil, nil)
	return initialModel(context.Background(), eng, room, "")
}

func TestPeerSorting(t *testing.T) {
	rows := []peerRow{
		{ID: "zebra", Backlog: 0},
		{ID: "alpha", Backlog: 3},
		{ID: "beta", Backlog: 0},
	}

	sortPeers(rows)

	want := []string{"beta", "zebra", "alpha"}
	for i, id := range want {
		if rows[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, rows[i].ID)
		}
	}
}

func TestCollectPeersAttachesBacklog(t *testing.T) {
	eng := &mockEngine{
		records: []peers.Record{{ID: "a", Addr: "10.0.0.1:9000"}, {ID: "b", Addr: "10.0.0.2:9000"}},
		backlog: map[string]int{"10.0.0.1:9000": 2},
	}
	rows := collectPeers(eng)
	if len(rows) != 2 || rows[0].ID != "b" || rows[1].Backlog != 2 {
		t.Errorf("Unexpected rows %+v", rows)
	}
}

func TestEnterRoutesToPublishAndSOS(t *testing.T) {
	eng := &mockEngine{}
	m := newTestModel(eng)

	m.textInput.SetValue("hello mesh")
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(model)
	if m.textInput.Value() != "" {
		t.Error("Expected input to be cleared")
	}
	if res := m.publish("hello mesh")().(publishResultMsg); !errors.Is(res.err, chat.ErrNoRecipients) {
		t.Errorf("Expected ErrNoRecipients from publish, got %v", res.err)
	}

	m.textInput.SetValue("/sos")
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(model)
	if !strings.HasPrefix(m.status, "Usage") {
		t.Errorf("Expected usage hint, got %q", m.status)
	}

	if res := m.sendSOS("trapped")().(sosResultMsg); !res.delivered {
		t.Error("Expected delivered SOS result")
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.sos) != 1 || eng.sos[0] != "trapped" {
		t.Errorf("Unexpected SOS calls %v", eng.sos)
	}
}

func TestOnlyFailuresAreSurfaced(t *testing.T) {
	m := newTestModel(&mockEngine{})

	next, _ := m.Update(publishResultMsg{err: chat.ErrNoRecipients})
	m = next.(model)
	if m.status == "" {
		t.Error("Expected a status for a failed publish")
	}
	next, _ = m.Update(publishResultMsg{})
	m = next.(model)
	if m.status != "" {
		t.Errorf("Successful publish must clear the status, got %q", m.status)
	}
}

func TestSOSMessageFlashes(t *testing.T) {
	m := newTestModel(&mockEngine{})
	next, _ := m.Update(sosMsg(protocol.NewSOS("peer-1", "Alice", "need water")))
	m = next.(model)
	if m.flashTick == 0 {
		t.Error("Expected the screen to flash for an SOS")
	}
	if len(m.lines) != 1 || !strings.Contains(m.lines[0], "need water") {
		t.Errorf("Expected SOS line, got %v", m.lines)
	}
}
