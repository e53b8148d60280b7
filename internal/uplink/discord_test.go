package uplink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/protocol"
)

func TestRelayPostsToWebhook(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Bad webhook body: %v", err)
		}
		got <- body["content"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc := NewService(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	svc.Enqueue(protocol.NewSOS("node-1", "Alice", "trapped on roof"))

	select {
	case content := <-got:
		if !strings.Contains(content, "Alice") || !strings.Contains(content, "trapped on roof") {
			t.Errorf("Unexpected webhook content %q", content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Webhook was not called")
	}
}

func TestRelayReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewService(srv.URL).Relay(context.Background(), protocol.NewSOS("node-1", "", "x"))
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("Expected a 429 error, got %v", err)
	}
}
