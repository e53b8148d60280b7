package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bit2swaz/disasterconnect/internal/protocol"
)

// DeliverFunc performs one redelivery attempt.
type DeliverFunc func(ctx context.Context, addr string, env protocol.Envelope) error

// Buffer is the persistent store-and-forward queue: address -> envelopes in
// enqueue order. The whole map is rewritten to disk on every mutation.
// The peer id owning each address is kept in a sidecar file so a queue can
// follow its peer to a new address.
type Buffer struct {
	path string

	mu       sync.Mutex
	queues   map[string][]protocol.Envelope
	owners   map[string]string
	flushing map[string]bool
}

// OpenBuffer loads the buffer file at path. A missing file is an empty buffer.
func OpenBuffer(path string) (*Buffer, error) {
	b := &Buffer{
		path:     path,
		queues:   make(map[string][]protocol.Envelope),
		owners:   make(map[string]string),
		flushing: make(map[string]bool),
	}
	if path == "" {
		return b, nil
	}
	if err := readJSON(path, &b.queues); err != nil {
		return nil, fmt.Errorf("read buffer: %w", err)
	}
	if err := readJSON(ownersPath(path), &b.owners); err != nil {
		return nil, fmt.Errorf("read buffer owners: %w", err)
	}
	if b.queues == nil {
		b.queues = make(map[string][]protocol.Envelope)
	}
	if b.owners == nil {
		b.owners = make(map[string]string)
	}
	return b, nil
}

func ownersPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".owners.json"
}

// readJSON decodes the file at path into v. A missing or empty file leaves
// v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Enqueue appends env for addr and persists before returning. On a
// persistence error the in-memory queue still holds the envelope.
// An envelope already queued for addr is not added twice.
func (b *Buffer) Enqueue(addr string, env protocol.Envelope) error {
	return b.EnqueueFor("", addr, env)
}

// EnqueueFor is Enqueue with the id of the peer the address belongs to.
func (b *Buffer) EnqueueFor(peerID, addr string, env protocol.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if peerID != "" {
		b.owners[addr] = peerID
	}
	if containsID(b.queues[addr], env.ID) {
		return nil
	}
	b.queues[addr] = append(b.queues[addr], env)
	return b.persistLocked()
}

func containsID(q []protocol.Envelope, id string) bool {
	for _, queued := range q {
		if queued.ID == id {
			return true
		}
	}
	return false
}

// Owner returns the peer id recorded for addr, or "".
func (b *Buffer) Owner(addr string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owners[addr]
}

// Rekey moves every queue owned by peerID onto addr, oldest address first,
// and returns how many envelopes moved. Queues being flushed are left alone.
func (b *Buffer) Rekey(peerID, addr string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var stale []string
	for old, owner := range b.owners {
		if owner == peerID && old != addr && !b.flushing[old] {
			stale = append(stale, old)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	sort.Strings(stale)

	moved := 0
	for _, old := range stale {
		for _, env := range b.queues[old] {
			if containsID(b.queues[addr], env.ID) {
				continue
			}
			b.queues[addr] = append(b.queues[addr], env)
			moved++
		}
		delete(b.queues, old)
		delete(b.owners, old)
	}
	if len(b.queues[addr]) > 0 {
		b.owners[addr] = peerID
	}
	return moved, b.persistLocked()
}

// Pending returns a copy of the queue for addr.
func (b *Buffer) Pending(addr string) []protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[addr]
	out := make([]protocol.Envelope, len(q))
	copy(out, q)
	return out
}

// Addresses returns the sorted addresses that have queued envelopes.
func (b *Buffer) Addresses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.queues))
	for addr, q := range b.queues {
		if len(q) > 0 {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the total number of queued envelopes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}

// Flush retries every envelope queued for addr in enqueue order. Envelopes
// that fail again stay queued in their original order, ahead of anything
// enqueued while the pass was running. Only one flush per address runs at a
// time; a concurrent call returns immediately.
func (b *Buffer) Flush(ctx context.Context, addr string, deliver DeliverFunc) (int, error) {
	b.mu.Lock()
	if b.flushing[addr] || len(b.queues[addr]) == 0 {
		b.mu.Unlock()
		return 0, nil
	}
	b.flushing[addr] = true
	batch := make([]protocol.Envelope, len(b.queues[addr]))
	copy(batch, b.queues[addr])
	b.mu.Unlock()

	var failed []protocol.Envelope
	for i, env := range batch {
		if ctx.Err() != nil {
			failed = append(failed, batch[i:]...)
			break
		}
		if err := deliver(ctx, addr, env); err != nil {
			failed = append(failed, env)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.flushing, addr)
	appended := b.queues[addr][len(batch):]
	remaining := make([]protocol.Envelope, 0, len(failed)+len(appended))
	remaining = append(remaining, failed...)
	remaining = append(remaining, appended...)
	if len(remaining) == 0 {
		delete(b.queues, addr)
		delete(b.owners, addr)
	} else {
		b.queues[addr] = remaining
	}
	return len(batch) - len(failed), b.persistLocked()
}

func (b *Buffer) persistLocked() error {
	if b.path == "" {
		return nil
	}
	snapshot := make(map[string][]protocol.Envelope, len(b.queues))
	owners := make(map[string]string)
	for addr, q := range b.queues {
		if len(q) == 0 {
			continue
		}
		snapshot[addr] = q
		if owner, ok := b.owners[addr]; ok {
			owners[addr] = owner
		}
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("create buffer dir: %w", err)
	}
	if err := writeJSON(b.path, snapshot); err != nil {
		return fmt.Errorf("persist buffer: %w", err)
	}
	if err := writeJSON(ownersPath(b.path), owners); err != nil {
		return fmt.Errorf("persist buffer owners: %w", err)
	}
	return nil
}

// writeJSON replaces path with the indented encoding of v via tmp + rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
