// Package transport defines the contract shared by every concrete
// message-framed virtual connection implementation, plus the backlog
// and heartbeat bookkeeping common to all of them. The long-polling
// transport (internal/longpoll) is the one concrete implementation in
// this repository; the contract exists so a bus bridge (or any other
// owner) can be written against it without caring which carrier moves
// the bytes.
package transport

import "github.com/eventdance/evdipc/internal/peer"

// Transport is the contract a peer owner (typically a bus bridge) relies
// on: enqueue outbound bytes for a peer, and receive open/receive/close
// events.
type Transport interface {
	// Send enqueues bytes for delivery to peer's remote end. It returns
	// ErrBackpressureFull if the peer's outbound backlog exceeds the
	// configured high-water mark, or ErrClosed if the peer no longer
	// exists.
	Send(peerID string, b []byte) error
	// SetOwner installs the event listener. A transport has exactly one
	// owner at a time; a later call replaces the previous owner.
	SetOwner(o Owner)
	// Lookup returns the peer for id, or nil.
	Lookup(peerID string) *peer.Peer
	// Close closes peerID non-gracefully, for recovery from an
	// unparseable frame. A no-op if the peer no longer exists.
	Close(peerID string) error
}

// Owner receives a transport's peer lifecycle and message events.
// Invariant: callbacks for one peer are never re-entered — a callback
// running for peer P completes before the next callback for P begins.
// Callbacks for different peers may interleave.
type Owner interface {
	// OnNewPeer fires once, before any OnReceive, when a peer first
	// completes its handshake.
	OnNewPeer(p *peer.Peer)
	// OnReceive fires once per complete inbound application frame, in
	// the exact order the frames were received from the peer's carrier.
	OnReceive(p *peer.Peer, b []byte)
	// OnPeerClosed fires exactly once per peer, terminally.
	OnPeerClosed(p *peer.Peer, gracefully bool)
}
