package peers

import (
	"net"
	"sort"
	"strconv"
	"sync"
)

// Record maps a peer id to the TCP address it accepts envelopes on.
type Record struct {
	ID   string `json:"peer_id"`
	Addr string `json:"address"`
}

// Host returns the host part of the address.
func (r Record) Host() string {
	host, _, err := net.SplitHostPort(r.Addr)
	if err != nil {
		return r.Addr
	}
	return host
}

// Directory is the concurrency-safe peer id -> address table shared by
// discovery, transport and the application layer.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]string
}

func NewDirectory() *Directory {
	return &Directory{peers: make(map[string]string)}
}

// Addr formats host and port as a dialable address.
func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Put inserts or overwrites the address for id.
func (d *Directory) Put(id, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[id] = addr
}

// PutIfAbsent inserts id only when it is unknown and reports whether it did.
func (d *Directory) PutIfAbsent(id, addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[id]; ok {
		return false
	}
	d.peers[id] = addr
	return true
}

func (d *Directory) Get(id string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.peers[id]
	if !ok {
		return Record{}, false
	}
	return Record{ID: id, Addr: addr}, true
}

// Remove evicts a peer. Nothing on the send path calls this; eviction is an
// explicit operator decision.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[id]; !ok {
		return false
	}
	delete(d.peers, id)
	return true
}

// Snapshot returns a point-in-time copy sorted by id. Callers iterate the
// copy without holding the lock.
func (d *Directory) Snapshot() []Record {
	d.mu.RLock()
	out := make([]Record, 0, len(d.peers))
	for id, addr := range d.peers {
		out = append(out, Record{ID: id, Addr: addr})
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the sorted peer ids.
func (d *Directory) IDs() []string {
	snap := d.Snapshot()
	ids := make([]string, len(snap))
	for i, r := range snap {
		ids[i] = r.ID
	}
	return ids
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}
