package busagent

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

type fakeConn struct {
	address      string
	closed       bool
	exported     map[string]interface{}
	requested    []string
	released     []string
	signalChans  []chan<- *dbus.Signal
	matchOptions int
}

func newFakeConn(address string) *fakeConn {
	return &fakeConn{address: address, exported: make(map[string]interface{})}
}

func (f *fakeConn) Close() error { f.closed = true; return nil }
func (f *fakeConn) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return nil
}
func (f *fakeConn) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	f.exported[string(path)+"#"+iface] = v
	return nil
}
func (f *fakeConn) Signal(ch chan<- *dbus.Signal) { f.signalChans = append(f.signalChans, ch) }
func (f *fakeConn) RemoveSignal(ch chan<- *dbus.Signal) {}
func (f *fakeConn) AddMatchSignal(options ...dbus.MatchOption) error {
	f.matchOptions += len(options)
	return nil
}
func (f *fakeConn) RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	f.requested = append(f.requested, name)
	return dbus.RequestNameReplyPrimaryOwner, nil
}
func (f *fakeConn) ReleaseName(name string) (dbus.ReleaseNameReply, error) {
	f.released = append(f.released, name)
	return dbus.ReleaseNameReplyReleased, nil
}

func newTestAgent() (*Agent, *fakeConn) {
	a := New(nil, nil)
	var fc *fakeConn
	a.dial = func(address string) (busConnection, error) {
		fc = newFakeConn(address)
		return fc, nil
	}
	return a, nil
}

func TestNewConnectionAllocatesIncreasingIDs(t *testing.T) {
	a, _ := newTestAgent()
	id1, err := a.NewConnection("unix:abstract=/tmp/a", false)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	id2, err := a.NewConnection("unix:abstract=/tmp/b", false)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	if id1 != 1 || id2 != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", id1, id2)
	}
}

func TestNewConnectionResolvesAlias(t *testing.T) {
	var seen string
	a := New(nil, nil)
	a.dial = func(address string) (busConnection, error) {
		seen = address
		return newFakeConn(address), nil
	}
	a.CreateAddressAlias("myalias", "unix:abstract=/tmp/real")
	if _, err := a.NewConnection("myalias", false); err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	if seen != "unix:abstract=/tmp/real" {
		t.Errorf("dialed %q, want alias resolved address", seen)
	}
}

func TestNewConnectionReuseSharesOneConnID(t *testing.T) {
	dialCount := 0
	a := New(nil, nil)
	a.dial = func(address string) (busConnection, error) {
		dialCount++
		return newFakeConn(address), nil
	}
	id1, _ := a.NewConnection("unix:abstract=/tmp/a", true)
	id2, _ := a.NewConnection("unix:abstract=/tmp/a", true)
	if id1 != id2 {
		t.Errorf("reuse=true produced distinct ids %d, %d", id1, id2)
	}
	if dialCount != 1 {
		t.Errorf("dial called %d times, want 1", dialCount)
	}
}

func TestCloseConnectionOnUnknownIDReturnsInvalidHandle(t *testing.T) {
	a := New(nil, nil)
	if err := a.CloseConnection(99); err != ErrInvalidHandle {
		t.Errorf("err = %v, want ErrInvalidHandle", err)
	}
}

func TestCloseConnectionReleasesOnlyWhenReuseRefcountReachesZero(t *testing.T) {
	a := New(nil, nil)
	a.dial = func(address string) (busConnection, error) { return newFakeConn(address), nil }

	id, _ := a.NewConnection("unix:abstract=/tmp/a", true)
	a.NewConnection("unix:abstract=/tmp/a", true) // refs = 2

	if err := a.CloseConnection(id); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if _, err := a.GetConnection(id); err != nil {
		t.Error("connection closed too early while refs remained")
	}
	if err := a.CloseConnection(id); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := a.GetConnection(id); err != ErrInvalidHandle {
		t.Error("connection should be gone after refs reach zero")
	}
}

func TestOwnNameAllocatesIDAndCallsRequestName(t *testing.T) {
	a := New(nil, nil)
	var fc *fakeConn
	a.dial = func(address string) (busConnection, error) {
		fc = newFakeConn(address)
		return fc, nil
	}
	connID, _ := a.NewConnection("unix:abstract=/tmp/a", false)
	nameID, _, err := a.OwnName(connID, "com.example.Test", 0)
	if err != nil {
		t.Fatalf("OwnName: %v", err)
	}
	if nameID == 0 {
		t.Error("expected non-zero name id")
	}
	if len(fc.requested) != 1 || fc.requested[0] != "com.example.Test" {
		t.Errorf("requested = %v", fc.requested)
	}

	if err := a.UnownName(nameID); err != nil {
		t.Fatalf("UnownName: %v", err)
	}
	if len(fc.released) != 1 || fc.released[0] != "com.example.Test" {
		t.Errorf("released = %v", fc.released)
	}
}

func TestCloseReleasesNamesAndConnections(t *testing.T) {
	a := New(nil, nil)
	var fc *fakeConn
	a.dial = func(address string) (busConnection, error) {
		fc = newFakeConn(address)
		return fc, nil
	}
	connID, _ := a.NewConnection("unix:abstract=/tmp/a", false)
	a.OwnName(connID, "com.example.Test", 0)

	a.Close()

	if !fc.closed {
		t.Error("connection not closed on agent Close")
	}
	if len(fc.released) != 1 {
		t.Errorf("released = %v, want one name released", fc.released)
	}
	if _, err := a.NewConnection("unix:abstract=/tmp/b", false); err != ErrClosed {
		t.Errorf("NewConnection after Close err = %v, want ErrClosed", err)
	}
}

func TestCallMethodOnUnknownProxyReturnsInvalidHandle(t *testing.T) {
	a := New(nil, nil)
	if _, err := a.CallMethod(1, "Foo", nil, 0, time.Second); err != ErrInvalidHandle {
		t.Errorf("err = %v, want ErrInvalidHandle", err)
	}
}

func TestConnectionLostFiresOnDisconnectedSignal(t *testing.T) {
	lostCh := make(chan uint32, 1)
	a := New(func(connID uint32) { lostCh <- connID }, nil)
	var fc *fakeConn
	a.dial = func(address string) (busConnection, error) {
		fc = newFakeConn(address)
		return fc, nil
	}

	connID, err := a.NewConnection("unix:abstract=/tmp/a", false)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	if len(fc.signalChans) != 1 {
		t.Fatalf("signal channels registered = %d, want 1", len(fc.signalChans))
	}

	fc.signalChans[0] <- &dbus.Signal{Name: disconnectedSignal}

	select {
	case gotID := <-lostCh:
		if gotID != connID {
			t.Errorf("connID = %d, want %d", gotID, connID)
		}
	case <-time.After(time.Second):
		t.Fatal("onConnectionLost not called")
	}
}

func TestCloseConnectionDoesNotFireConnectionLost(t *testing.T) {
	lostCh := make(chan uint32, 1)
	a := New(func(connID uint32) { lostCh <- connID }, nil)
	a.dial = func(address string) (busConnection, error) { return newFakeConn(address), nil }

	connID, _ := a.NewConnection("unix:abstract=/tmp/a", false)
	if err := a.CloseConnection(connID); err != nil {
		t.Fatalf("CloseConnection: %v", err)
	}

	select {
	case gotID := <-lostCh:
		t.Errorf("onConnectionLost fired with %d on an intentional close", gotID)
	case <-time.After(50 * time.Millisecond):
	}
}
