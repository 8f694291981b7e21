package transport

import (
	"sync"
	"time"

	"github.com/eventdance/evdipc/internal/peer"
)

// HeartbeatMonitor tracks, per peer, the time of the last inbound frame
// and drives the heartbeat/dead timers: if no inbound frame arrives
// within heartbeatInterval the transport may synthesize a keep-alive
// (OnHeartbeatDue); if none arrives within deadInterval the peer is
// closed non-gracefully (OnDead).
type HeartbeatMonitor struct {
	heartbeatInterval time.Duration
	deadInterval      time.Duration

	onHeartbeatDue func(p *peer.Peer)
	onDead         func(p *peer.Peer)

	mu       sync.Mutex
	lastSeen map[string]time.Time
	warned   map[string]bool
}

// NewHeartbeatMonitor creates a monitor. onHeartbeatDue is invoked at
// most once per silence period when heartbeatInterval elapses with no
// inbound frame; onDead is invoked once when deadInterval elapses.
// deadInterval <= 0 disables the dead-peer check.
func NewHeartbeatMonitor(heartbeatInterval, deadInterval time.Duration, onHeartbeatDue, onDead func(p *peer.Peer)) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		heartbeatInterval: heartbeatInterval,
		deadInterval:      deadInterval,
		onHeartbeatDue:    onHeartbeatDue,
		onDead:            onDead,
		lastSeen:          make(map[string]time.Time),
		warned:            make(map[string]bool),
	}
}

// NoteFrame records that an inbound frame was just received from p,
// resetting its silence timer.
func (m *HeartbeatMonitor) NoteFrame(p *peer.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[p.ID()] = time.Now()
	m.warned[p.ID()] = false
}

// Forget drops bookkeeping for a peer that has closed.
func (m *HeartbeatMonitor) Forget(p *peer.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastSeen, p.ID())
	delete(m.warned, p.ID())
}

// Sweep checks every tracked peer against the configured thresholds,
// invoking onHeartbeatDue/onDead as appropriate. Callers run this on a
// ticker.
func (m *HeartbeatMonitor) Sweep(peers []*peer.Peer) {
	now := time.Now()

	m.mu.Lock()
	type due struct {
		p         *peer.Peer
		heartbeat bool
		dead      bool
	}
	var fire []due
	for _, p := range peers {
		last, ok := m.lastSeen[p.ID()]
		if !ok {
			continue
		}
		silence := now.Sub(last)
		if m.deadInterval > 0 && silence >= m.deadInterval {
			fire = append(fire, due{p: p, dead: true})
			delete(m.lastSeen, p.ID())
			delete(m.warned, p.ID())
			continue
		}
		if m.heartbeatInterval > 0 && silence >= m.heartbeatInterval && !m.warned[p.ID()] {
			m.warned[p.ID()] = true
			fire = append(fire, due{p: p, heartbeat: true})
		}
	}
	m.mu.Unlock()

	for _, d := range fire {
		if d.dead && m.onDead != nil {
			m.onDead(d.p)
		} else if d.heartbeat && m.onHeartbeatDue != nil {
			m.onHeartbeatDue(d.p)
		}
	}
}
