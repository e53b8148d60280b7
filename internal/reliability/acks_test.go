package reliability

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAckCompletionRequiresAllTargets(t *testing.T) {
	r := NewAckRegistry()
	p := r.Register("msg-1", []string{"A", "B"})

	if r.Ack("msg-1", "A") {
		t.Fatal("Ack from A alone must not complete the message")
	}
	if p.Delivered() {
		t.Fatal("Message marked delivered after only one of two acks")
	}
	if got := r.Awaiting("msg-1"); len(got) != 1 || got[0] != "B" {
		t.Fatalf("Expected [B] awaiting, got %v", got)
	}

	if !r.Ack("msg-1", "B") {
		t.Fatal("Ack from B should complete the message")
	}
	if !p.Delivered() {
		t.Fatal("Expected delivered after both acks")
	}
	if r.Len() != 0 {
		t.Errorf("Expected completed record to be discarded, %d left", r.Len())
	}
}

func TestAckIgnoresStrangersAndDuplicates(t *testing.T) {
	r := NewAckRegistry()
	p := r.Register("msg-1", []string{"A", "B"})

	r.Ack("msg-1", "Z")
	r.Ack("msg-1", "A")
	r.Ack("msg-1", "A")
	r.Ack("other", "B")

	if p.Delivered() {
		t.Fatal("Stranger or duplicate acks must not complete the message")
	}
}

func TestWaitReturnsTrueOnCompletion(t *testing.T) {
	r := NewAckRegistry()
	p := r.Register("msg-1", []string{"A", "B"})

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Ack("msg-1", "A")
		r.Ack("msg-1", "B")
	}()

	start := time.Now()
	if !r.Wait(context.Background(), p, 200*time.Millisecond, 3, nil) {
		t.Fatal("Expected Wait to report delivery")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Wait took too long: %v", time.Since(start))
	}
}

func TestWaitTimesOutAndRetries(t *testing.T) {
	r := NewAckRegistry()
	p := r.Register("msg-1", []string{"A", "B"})
	r.Ack("msg-1", "A")

	var retries atomic.Int32
	delivered := r.Wait(context.Background(), p, 20*time.Millisecond, 3, func(awaiting []string) {
		if len(awaiting) != 1 || awaiting[0] != "B" {
			t.Errorf("Expected retry for [B], got %v", awaiting)
		}
		retries.Add(1)
	})

	if delivered {
		t.Fatal("Expected Wait to report failure without B's ack")
	}
	if retries.Load() != 2 {
		t.Errorf("Expected 2 retries, got %d", retries.Load())
	}
	if r.Len() != 0 {
		t.Error("Expected record to be discarded after the budget ran out")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	r := NewAckRegistry()
	p := r.Register("msg-1", []string{"A"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r.Wait(ctx, p, time.Second, 3, nil) {
		t.Fatal("Expected false on cancelled context")
	}
}
