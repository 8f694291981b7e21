package longpoll

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleHandshake implements GET …/lp/handshake: allocates a fresh peer
// and replies with "<peer_id>\n<version>\n".
func (t *Transport) handleHandshake(w http.ResponseWriter, r *http.Request) {
	p := t.reg.Allocate()
	t.carrierFor(p.ID())
	t.framerFor(p.ID(), p)
	t.hb.NoteFrame(p)

	t.mu.RLock()
	owner := t.owner
	t.mu.RUnlock()
	if owner != nil {
		owner.OnNewPeer(p)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%s\n%d\n", p.ID(), handshakeVersion)
}

// handleReceive implements GET …/lp/receive/<peer_id>: the outbound
// channel state machine.
func (t *Transport) handleReceive(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	if c, ok := t.existingCarrier(peerID); ok && c.isClosed() {
		writeJSONError(w, http.StatusGone, "peer_closed")
		return
	}

	p := t.reg.Lookup(peerID)
	if p == nil {
		writeJSONError(w, http.StatusNotFound, "unknown_peer")
		return
	}

	c := t.carrierFor(peerID)
	p.Touch()

	if backlog := p.DrainBacklog(); len(backlog) > 0 {
		writeReceiveBody(w, http.StatusOK, backlog)
		return
	}

	ch := c.park()
	timer := time.NewTimer(t.cfg.ParkTimeout)
	defer timer.Stop()

	select {
	case sig := <-ch:
		c.unpark(ch)
		switch sig {
		case signalClosed:
			writeJSONError(w, http.StatusGone, "peer_closed")
		default:
			backlog := p.DrainBacklog()
			writeReceiveBody(w, http.StatusOK, backlog)
		}

	case <-timer.C:
		c.unpark(ch)
		writeReceiveBody(w, http.StatusOK, nil)

	case <-r.Context().Done():
		c.unpark(ch)
	}
}

// handleSend implements POST …/lp/send/<peer_id>: the inbound channel.
// The body is fed through the peer's JSON packet filter; each complete
// packet is delivered to the owner via OnReceive, in the order the body
// was read.
func (t *Transport) handleSend(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	if c, ok := t.existingCarrier(peerID); ok && c.isClosed() {
		writeJSONError(w, http.StatusGone, "peer_closed")
		return
	}

	p := t.reg.Lookup(peerID)
	if p == nil {
		writeJSONError(w, http.StatusNotFound, "unknown_peer")
		return
	}

	p.Touch()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read_error")
		return
	}

	f := t.framerFor(peerID, p)
	if err := f.Feed(body); err != nil {
		f.Reset()
		t.closePeer(p, false)
		writeJSONError(w, http.StatusBadRequest, "malformed_packet")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleClose implements POST …/lp/close/<peer_id>: an explicit,
// graceful peer close requested by the client.
func (t *Transport) handleClose(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	p := t.reg.Lookup(peerID)
	if p == nil {
		writeJSONError(w, http.StatusNotFound, "unknown_peer")
		return
	}
	t.closePeer(p, true)
	w.WriteHeader(http.StatusOK)
}

// writeReceiveBody writes the receive-channel response body: a JSON
// array of packets, even when length is 0 or 1. Queued buffers are
// concatenated with commas rather than re-marshalled; Send does not
// validate them, so the body is valid JSON only when every buffer handed
// to Send was itself a JSON value (as the bus bridge's encoded frames are).
func writeReceiveBody(w http.ResponseWriter, status int, packets [][]byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	w.Write([]byte{'['})
	for i, pkt := range packets {
		if i > 0 {
			w.Write([]byte{','})
		}
		w.Write(pkt)
	}
	w.Write([]byte{']'})
}
