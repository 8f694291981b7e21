package longpoll

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/eventdance/evdipc/internal/peer"
)

type recordingOwner struct {
	newPeers  []*peer.Peer
	received  [][]byte
	closed    []bool
	onReceive func(p *peer.Peer, b []byte)
}

func newRecordingOwner() *recordingOwner {
	return &recordingOwner{}
}

func (o *recordingOwner) OnNewPeer(p *peer.Peer) { o.newPeers = append(o.newPeers, p) }
func (o *recordingOwner) OnReceive(p *peer.Peer, b []byte) {
	o.received = append(o.received, b)
	if o.onReceive != nil {
		o.onReceive(p, b)
	}
}
func (o *recordingOwner) OnPeerClosed(p *peer.Peer, gracefully bool) {
	o.closed = append(o.closed, gracefully)
}

func testTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	tr := New(cfg, nil)
	t.Cleanup(tr.Shutdown)
	return tr
}

var peerIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{8,}$`)

func doHandshake(t *testing.T, tr *Transport) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/handshake", nil)
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("handshake status = %d, want 200", rec.Code)
	}
	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("handshake body = %q, want two lines", rec.Body.String())
	}
	if !peerIDPattern.MatchString(lines[0]) {
		t.Errorf("peer id %q does not match [A-Za-z0-9]{8,}", lines[0])
	}
	if lines[1] != "1" {
		t.Errorf("version = %q, want 1", lines[1])
	}
	return lines[0]
}

func TestHandshakeAllocatesValidPeerID(t *testing.T) {
	tr := testTransport(t, DefaultConfig())
	doHandshake(t, tr)
}

func TestSendThenReceiveEchoesPacket(t *testing.T) {
	tr := testTransport(t, DefaultConfig())
	owner := newRecordingOwner()
	tr.SetOwner(owner)

	id := doHandshake(t, tr)

	sendReq := httptest.NewRequest(http.MethodPost, "/send/"+id, strings.NewReader("[7]"))
	sendRec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(sendRec, sendReq)
	if sendRec.Code != http.StatusOK {
		t.Fatalf("send status = %d, want 200", sendRec.Code)
	}

	if len(owner.received) != 1 || string(owner.received[0]) != "[7]" {
		t.Fatalf("owner.received = %v, want [[7]]", owner.received)
	}

	if err := tr.Send(id, []byte("[7]")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recvReq := httptest.NewRequest(http.MethodGet, "/receive/"+id, nil)
	recvRec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(recvRec, recvReq)

	if recvRec.Code != http.StatusOK {
		t.Fatalf("receive status = %d, want 200", recvRec.Code)
	}
	var got []json.RawMessage
	if err := json.Unmarshal(recvRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal receive body %q: %v", recvRec.Body.String(), err)
	}
	if len(got) != 1 || string(got[0]) != "[7]" {
		t.Errorf("receive body = %s, want [[7]]", recvRec.Body.String())
	}
}

func TestParkedReceiveTimesOutEmpty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ParkTimeout = 30 * time.Millisecond
	tr := testTransport(t, cfg)
	tr.SetOwner(newRecordingOwner())

	id := doHandshake(t, tr)

	start := time.Now()
	req := httptest.NewRequest(http.MethodGet, "/receive/"+id, nil)
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, req)
	elapsed := time.Since(start)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rec.Body.String())
	}
	if elapsed < cfg.ParkTimeout {
		t.Errorf("returned after %v, want at least %v", elapsed, cfg.ParkTimeout)
	}
}

func TestReceiveUnknownPeerReturns404(t *testing.T) {
	tr := testTransport(t, DefaultConfig())
	tr.SetOwner(newRecordingOwner())

	req := httptest.NewRequest(http.MethodGet, "/receive/Zzzzzzzz", nil)
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["err"] != "unknown_peer" {
		t.Errorf("err = %q, want unknown_peer", body["err"])
	}
}

func TestCloseRejectsFurtherCarriersWith410(t *testing.T) {
	tr := testTransport(t, DefaultConfig())
	tr.SetOwner(newRecordingOwner())

	id := doHandshake(t, tr)

	closeReq := httptest.NewRequest(http.MethodPost, "/close/"+id, nil)
	closeRec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(closeRec, closeReq)
	if closeRec.Code != http.StatusOK {
		t.Fatalf("close status = %d, want 200", closeRec.Code)
	}

	recvReq := httptest.NewRequest(http.MethodGet, "/receive/"+id, nil)
	recvRec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(recvRec, recvReq)
	if recvRec.Code != http.StatusGone {
		t.Fatalf("receive after close status = %d, want 410", recvRec.Code)
	}
}

func TestMalformedSendBodyClosesPeerNonGracefully(t *testing.T) {
	tr := testTransport(t, DefaultConfig())
	owner := newRecordingOwner()
	tr.SetOwner(owner)

	id := doHandshake(t, tr)

	req := httptest.NewRequest(http.MethodPost, "/send/"+id, strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(owner.closed) != 1 || owner.closed[0] {
		t.Fatalf("owner.closed = %v, want one non-graceful close", owner.closed)
	}
}
