package reliability

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Pending tracks one message that is waiting for acknowledgments.
type Pending struct {
	ID   string
	done chan struct{}
}

// Done is closed once every targeted peer has acknowledged.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Delivered reports whether all targets acknowledged.
func (p *Pending) Delivered() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type pendingAck struct {
	awaiting map[string]struct{}
	handle   *Pending
}

// AckRegistry owns every pending acknowledgment. A message counts as
// delivered only when all targets have acknowledged it.
type AckRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
}

func NewAckRegistry() *AckRegistry {
	return &AckRegistry{pending: make(map[string]*pendingAck)}
}

// Register starts tracking id against the given target peers.
func (r *AckRegistry) Register(id string, targets []string) *Pending {
	p := &Pending{ID: id, done: make(chan struct{})}
	awaiting := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		awaiting[t] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(awaiting) == 0 {
		close(p.done)
		return p
	}
	r.pending[id] = &pendingAck{awaiting: awaiting, handle: p}
	return p
}

// Ack records an acknowledgment of id from peerID. It returns true when this
// acknowledgment completed the message. Acks for unknown ids or from peers
// that were not targeted are ignored.
func (r *AckRegistry) Ack(id, peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pending[id]
	if !ok {
		return false
	}
	if _, ok := entry.awaiting[peerID]; !ok {
		return false
	}
	delete(entry.awaiting, peerID)
	if len(entry.awaiting) > 0 {
		return false
	}
	delete(r.pending, id)
	close(entry.handle.done)
	return true
}

// Awaiting returns the sorted peers that have not acknowledged id yet.
func (r *AckRegistry) Awaiting(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pending[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.awaiting))
	for p := range entry.awaiting {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of messages still awaiting acknowledgment.
func (r *AckRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *AckRegistry) discard(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// Wait blocks for up to retries*timeout. After each timeout interval that
// ends without completion, onRetry (if set) receives the peers still
// awaiting, except after the last one. The record is discarded when the
// budget runs out or ctx is cancelled.
func (r *AckRegistry) Wait(ctx context.Context, p *Pending, timeout time.Duration, retries int, onRetry func(awaiting []string)) bool {
	if retries < 1 {
		retries = 1
	}
	for attempt := 1; attempt <= retries; attempt++ {
		timer := time.NewTimer(timeout)
		select {
		case <-p.done:
			timer.Stop()
			return true
		case <-ctx.Done():
			timer.Stop()
			r.discard(p.ID)
			return p.Delivered()
		case <-timer.C:
		}
		if p.Delivered() {
			return true
		}
		if attempt < retries && onRetry != nil {
			if awaiting := r.Awaiting(p.ID); len(awaiting) > 0 {
				onRetry(awaiting)
			}
		}
	}
	r.discard(p.ID)
	return p.Delivered()
}
