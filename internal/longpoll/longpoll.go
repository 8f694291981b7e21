// Package longpoll implements the HTTP long-polling transport: the one
// concrete implementation of the transport.Transport contract in this
// repository, tunnelling a framed peer connection over plain HTTP
// GET/POST requests so that a browser-style client with no access to
// raw sockets can still hold a bidirectional session open.
package longpoll

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/eventdance/evdipc/internal/jsonpacket"
	"github.com/eventdance/evdipc/internal/peer"
	"github.com/eventdance/evdipc/internal/transport"
	"github.com/eventdance/evdipc/internal/util"
)

// handshakeVersion is the version token returned by the handshake
// response: a decimal integer starting at 1.
const handshakeVersion = 1

// Config holds the long-polling transport's tunable timers.
type Config struct {
	ParkTimeout       time.Duration // T_park
	IdleTimeout       time.Duration // T_idle, peer registry expiry
	HeartbeatInterval time.Duration // T_heartbeat
	DeadInterval      time.Duration // T_dead
	HighWaterMark     int           // outbound backlog high-water mark, bytes
}

// DefaultConfig matches the documented default timers.
func DefaultConfig() Config {
	return Config{
		ParkTimeout:       30 * time.Second,
		IdleTimeout:       15 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		DeadInterval:      0,
		HighWaterMark:     transport.DefaultHighWaterMark,
	}
}

// Transport is the long-polling implementation of transport.Transport.
type Transport struct {
	cfg     Config
	reg     *peer.Registry
	backlog transport.BacklogGuard
	hb      *transport.HeartbeatMonitor
	log     *logrus.Entry

	mu       sync.RWMutex
	owner    transport.Owner
	carriers map[string]*carrier
	framers  map[string]*jsonpacket.Filter

	router chi.Router
}

// New creates a long-polling Transport. Call Handler to obtain the
// http.Handler to mount under "<base>/transport/lp".
func New(cfg Config, log *logrus.Entry) *Transport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Transport{
		cfg:      cfg,
		backlog:  transport.NewBacklogGuard(cfg.HighWaterMark),
		log:      log,
		carriers: make(map[string]*carrier),
		framers:  make(map[string]*jsonpacket.Filter),
	}
	t.reg = peer.NewRegistry(cfg.IdleTimeout, cfg.IdleTimeout/3, log)
	t.reg.SetCloseListener(t.onPeerExpired)

	t.hb = transport.NewHeartbeatMonitor(cfg.HeartbeatInterval, cfg.DeadInterval,
		func(p *peer.Peer) { t.log.WithField("peer_id", p.ID()).Debug("heartbeat due") },
		func(p *peer.Peer) { t.closePeer(p, false) },
	)

	t.router = t.buildRouter()
	return t
}

// Handler returns the http.Handler implementing the <base>/transport/lp
// route surface.
func (t *Transport) Handler() http.Handler { return t.router }

func (t *Transport) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/handshake", t.handleHandshake)
	r.Get("/receive/{peerID}", t.handleReceive)
	r.Post("/send/{peerID}", t.handleSend)
	r.Post("/close/{peerID}", t.handleClose)
	return r
}

// SetOwner implements transport.Transport.
func (t *Transport) SetOwner(o transport.Owner) {
	t.mu.Lock()
	t.owner = o
	t.mu.Unlock()
}

// Lookup implements transport.Transport.
func (t *Transport) Lookup(peerID string) *peer.Peer {
	return t.reg.Lookup(peerID)
}

// Close implements transport.Transport.
func (t *Transport) Close(peerID string) error {
	p := t.reg.Lookup(peerID)
	if p == nil {
		return nil
	}
	t.closePeer(p, false)
	return nil
}

// Send implements transport.Transport: enqueue bytes for a peer and wake
// a parked receive carrier, if one is waiting.
func (t *Transport) Send(peerID string, b []byte) error {
	p := t.reg.Lookup(peerID)
	if p == nil {
		return transport.ErrClosed
	}

	c := t.carrierFor(peerID)
	if c.isClosed() {
		return transport.ErrClosed
	}

	size := p.Enqueue(b)
	if t.backlog.Exceeded(size) {
		return transport.ErrBackpressureFull
	}
	c.wake(signalData)
	return nil
}

func (t *Transport) carrierFor(peerID string) *carrier {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.carriers[peerID]
	if !ok {
		c = newCarrier()
		t.carriers[peerID] = c
	}
	return c
}

// existingCarrier returns the carrier for peerID only if one was already
// allocated (at handshake time), without creating a new one. Used to tell
// apart a closed peer (carrier present, closed) from a never-allocated id
// (no carrier at all), since a closed peer's registry entry is gone by the
// time a later carrier attempt arrives.
func (t *Transport) existingCarrier(peerID string) (*carrier, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.carriers[peerID]
	return c, ok
}

func (t *Transport) framerFor(peerID string, p *peer.Peer) *jsonpacket.Filter {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.framers[peerID]
	if !ok {
		f = jsonpacket.New()
		f.SetPacketHandler(func(pkt []byte) {
			t.hb.NoteFrame(p)
			t.mu.RLock()
			owner := t.owner
			t.mu.RUnlock()
			if owner != nil {
				owner.OnReceive(p, pkt)
			}
		})
		t.framers[peerID] = f
	}
	return f
}

func (t *Transport) onPeerExpired(p *peer.Peer, gracefully bool) {
	t.forgetFramer(p.ID())
	t.hb.Forget(p)
	t.mu.RLock()
	owner := t.owner
	t.mu.RUnlock()
	if owner != nil {
		owner.OnPeerClosed(p, gracefully)
	}
}

// closePeer closes the peer's carrier and removes it from the registry.
// The carrier itself is left in t.carriers as a tombstone (closed == true)
// so that a carrier attempt on this peer id arriving after the registry
// has forgotten the peer still observes 410 rather than 404. Tombstones
// are reaped by reapTombstones.
func (t *Transport) closePeer(p *peer.Peer, gracefully bool) {
	c := t.carrierFor(p.ID())
	c.close()
	t.reg.Close(p, gracefully) // fires onPeerExpired -> owner.OnPeerClosed
}

func (t *Transport) forgetFramer(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.framers, peerID)
}

// tombstoneWindow bounds how long a closed carrier is kept around purely
// to answer further carrier attempts with 410 instead of 404.
const tombstoneWindow = 2 * time.Minute

func (t *Transport) reapTombstones() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.carriers {
		if c.isClosed() && c.closedFor() > tombstoneWindow {
			delete(t.carriers, id)
		}
	}
}

// StartHeartbeatSweep starts a periodic heartbeat sweep across all live
// peers, also reaping aged tombstones. Call once after New. The sweep
// goroutine has no stop signal: Shutdown does not end it, and it runs for
// the life of the process.
func (t *Transport) StartHeartbeatSweep(interval time.Duration) {
	util.SafeGo(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			t.hb.Sweep(t.livePeers())
			t.reapTombstones()
		}
	})
}

func (t *Transport) livePeers() []*peer.Peer {
	t.mu.RLock()
	ids := make([]string, 0, len(t.carriers))
	for id := range t.carriers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	peers := make([]*peer.Peer, 0, len(ids))
	for _, id := range ids {
		if p := t.reg.Lookup(id); p != nil {
			peers = append(peers, p)
		}
	}
	return peers
}

// Shutdown stops the registry's background expiry sweep.
func (t *Transport) Shutdown() {
	t.reg.Shutdown()
}

func writeJSONError(w http.ResponseWriter, status int, errCode string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"err": errCode})
}
