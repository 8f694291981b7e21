package peer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eventdance/evdipc/internal/util"
)

// CloseListener is notified when a peer is removed from the registry,
// either by explicit Close or by idle-timeout expiry.
type CloseListener func(p *Peer, gracefully bool)

// Registry allocates, looks up, and expires Peer identities. One Registry
// belongs to exactly one Transport.
//
// A mutex-guarded map plus background idle eviction, generalized here
// from deterministic CWD-derived ids to cryptographically random peer
// ids.
type Registry struct {
	idleTimeout time.Duration

	mu    sync.RWMutex
	peers map[string]*Peer

	onClose CloseListener

	cancel context.CancelFunc
	log    *logrus.Entry
}

// NewRegistry creates a Registry whose peers are evicted after idleTimeout
// of carrier absence. expiryInterval controls how often the background
// sweep runs; pass 0 to disable the background sweep (tests call
// ExpireOlderThan directly instead).
func NewRegistry(idleTimeout, expiryInterval time.Duration, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Registry{
		idleTimeout: idleTimeout,
		peers:       make(map[string]*Peer),
		log:         log,
	}
	if expiryInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		util.SafeGo(func() { r.expiryLoop(ctx, expiryInterval) })
	}
	return r
}

// SetCloseListener installs the callback fired when a peer is removed.
func (r *Registry) SetCloseListener(cb CloseListener) {
	r.mu.Lock()
	r.onClose = cb
	r.mu.Unlock()
}

// Allocate generates a fresh, collision-checked peer id and registers a
// new Peer under it.
func (r *Registry) Allocate() *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		id = generateID()
		if _, exists := r.peers[id]; !exists {
			break
		}
	}

	now := time.Now()
	p := &Peer{id: id, createdAt: now, lastSeen: now}
	r.peers[id] = p
	return p
}

// Lookup returns the peer for id, or nil if it does not exist.
func (r *Registry) Lookup(id string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

// Count returns the number of live peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Close removes a peer immediately and fires the close event with the
// given gracefully flag. Callers closing a peer deliberately (explicit
// owner request, protocol-defined close command) pass true; callers
// reacting to a failure (dead-peer heartbeat timeout, protocol
// violation) pass false.
func (r *Registry) Close(p *Peer, gracefully bool) {
	r.removeAndNotify(p, gracefully)
}

// ExpireOlderThan evicts every peer whose last-seen time is older than
// now-maxAge, firing the close event with gracefully=false for each.
// Exported so tests and a configurable background sweep can both drive it.
func (r *Registry) ExpireOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.RLock()
	var stale []*Peer
	for _, p := range r.peers {
		if p.LastSeen().Before(cutoff) {
			stale = append(stale, p)
		}
	}
	r.mu.RUnlock()

	for _, p := range stale {
		r.removeAndNotify(p, false)
	}
	return len(stale)
}

// Shutdown stops the background expiry sweep, if one was started.
func (r *Registry) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Registry) removeAndNotify(p *Peer, gracefully bool) {
	r.mu.Lock()
	existing, ok := r.peers[p.ID()]
	if !ok || existing != p {
		r.mu.Unlock()
		return
	}
	delete(r.peers, p.ID())
	cb := r.onClose
	r.mu.Unlock()

	p.markClosed()
	if cb != nil {
		cb(p, gracefully)
	}
}

func (r *Registry) expiryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.ExpireOlderThan(r.idleTimeout); n > 0 {
				r.log.WithField("count", n).Debug("expired idle peers")
			}
		}
	}
}

// generateID produces a 32-character lowercase hex id (a random UUID with
// its hyphens stripped), comfortably satisfying the minimum-8-character
// alphanumeric id requirement with room to avoid collisions.
func generateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
