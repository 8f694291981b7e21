// Package peer implements the registry of logical peer identities that
// survive the disconnection of whatever carrier connection currently
// attaches to them.
package peer

import (
	"sync"
	"time"
)

// Peer is a logical endpoint identity. It outlives the concrete carrier
// connection (HTTP long-poll request, socket, …) that is momentarily
// attached to it.
type Peer struct {
	id        string
	createdAt time.Time

	mu          sync.Mutex
	lastSeen    time.Time
	backlog     [][]byte
	backlogSize int
	tag         any
	closed      bool
}

// ID returns the peer's opaque identifier, stable for its whole lifetime.
func (p *Peer) ID() string { return p.id }

// CreatedAt returns the time the peer was allocated.
func (p *Peer) CreatedAt() time.Time { return p.createdAt }

// LastSeen returns the last time a carrier touched this peer.
func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Touch updates the peer's last-seen time to now, keeping it alive.
func (p *Peer) Touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

// Tag returns the arbitrary user value attached to the peer via SetTag.
func (p *Peer) Tag() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tag
}

// SetTag attaches an arbitrary user value to the peer (typically the
// owning service, e.g. a bus bridge's per-peer agent).
func (p *Peer) SetTag(tag any) {
	p.mu.Lock()
	p.tag = tag
	p.mu.Unlock()
}

// IsClosed reports whether the peer has been closed.
func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Enqueue appends bytes to the peer's outbound backlog FIFO. It returns
// the new backlog size in bytes, letting the caller decide whether the
// high-water mark has been exceeded.
func (p *Peer) Enqueue(b []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	p.backlog = append(p.backlog, cp)
	p.backlogSize += len(cp)
	return p.backlogSize
}

// DrainBacklog removes and returns every buffer currently queued, in
// FIFO order, clearing the backlog.
func (p *Peer) DrainBacklog() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.backlog
	p.backlog = nil
	p.backlogSize = 0
	return out
}

// BacklogSize returns the current total number of queued outbound bytes.
func (p *Peer) BacklogSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backlogSize
}

func (p *Peer) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
