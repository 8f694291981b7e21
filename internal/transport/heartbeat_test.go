package transport

import (
	"testing"
	"time"

	"github.com/eventdance/evdipc/internal/peer"
)

func TestHeartbeatMonitorFiresDueThenDead(t *testing.T) {
	var heartbeats, deaths int
	m := NewHeartbeatMonitor(10*time.Millisecond, 30*time.Millisecond,
		func(p *peer.Peer) { heartbeats++ },
		func(p *peer.Peer) { deaths++ },
	)

	reg := peer.NewRegistry(time.Minute, 0, nil)
	p := reg.Allocate()
	m.NoteFrame(p)

	time.Sleep(15 * time.Millisecond)
	m.Sweep([]*peer.Peer{p})
	if heartbeats != 1 {
		t.Fatalf("heartbeats = %d, want 1", heartbeats)
	}

	// A second sweep before the warned flag resets should not re-fire.
	m.Sweep([]*peer.Peer{p})
	if heartbeats != 1 {
		t.Fatalf("heartbeats after second sweep = %d, want 1 (no duplicate warn)", heartbeats)
	}

	time.Sleep(25 * time.Millisecond)
	m.Sweep([]*peer.Peer{p})
	if deaths != 1 {
		t.Fatalf("deaths = %d, want 1", deaths)
	}
}

func TestHeartbeatMonitorResetsOnNoteFrame(t *testing.T) {
	var heartbeats int
	m := NewHeartbeatMonitor(10*time.Millisecond, 0, func(p *peer.Peer) { heartbeats++ }, nil)

	reg := peer.NewRegistry(time.Minute, 0, nil)
	p := reg.Allocate()
	m.NoteFrame(p)

	time.Sleep(15 * time.Millisecond)
	m.NoteFrame(p) // fresh frame arrives just before the sweep
	m.Sweep([]*peer.Peer{p})

	if heartbeats != 0 {
		t.Errorf("heartbeats = %d, want 0 (frame reset the silence timer)", heartbeats)
	}
}
