// Package busagent implements the per-owner bus agent: the mapping from
// an arbitrary "owner" object to the D-Bus connections, proxies,
// exported objects, and owned names it has accumulated, with handle ids
// that are small, owner-local, monotonically increasing integers.
package busagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// Errors returned by agent operations, mapped onto the wire error
// taxonomy (INVALID_HANDLE, BUS_ERROR) by internal/busbridge.
var (
	ErrInvalidHandle = errors.New("busagent: invalid handle")
	ErrClosed        = errors.New("busagent: agent closed")
)

// busConnection is the subset of *dbus.Conn the agent depends on. Real
// code gets one from dialBus; tests substitute a fake implementation so
// the agent's bookkeeping (id allocation, alias resolution, owner-death
// cleanup) can be exercised without a running bus daemon.
type busConnection interface {
	Close() error
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatchSignal(options ...dbus.MatchOption) error
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	ReleaseName(name string) (dbus.ReleaseNameReply, error)
}

type dialFunc func(address string) (busConnection, error)

// dialBus connects and performs the external auth + hello handshake,
// yielding a connection that has already called org.freedesktop.DBus.Hello.
func dialBus(address string) (busConnection, error) {
	conn, err := dbus.Dial(address)
	if err != nil {
		return nil, err
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// ProxySignalFunc receives forwarded signals for a watched proxy.
type ProxySignalFunc func(proxyID uint32, signalName string, args []interface{})

// ProxyPropsFunc receives forwarded property-change notifications.
type ProxyPropsFunc func(proxyID uint32, changed map[string]dbus.Variant, invalidated []string)

// ConnectionLostFunc is the owner event fired when a connection's disconnect
// watcher observes the bus connection go away.
type ConnectionLostFunc func(connID uint32)

// disconnectedSignal is the local signal godbus delivers on a connection's
// Signal channel when its underlying transport drops.
const disconnectedSignal = "org.freedesktop.DBus.Local.Disconnected"

// MethodReplyFunc is the owner event fired when an async CallMethod
// completes, successfully or not.
type MethodReplyFunc func(replySerial uint32, result []interface{}, callErr error)

type connState struct {
	conn    busConnection
	address string
	refs    int // reuse_flag reference count, owner-local only

	watchCh   chan *dbus.Signal
	watchDone chan struct{}
}

type proxyState struct {
	connID     uint32
	obj        dbus.BusObject
	name, path string
	iface      string
	sigCh      chan *dbus.Signal
	sigDone    chan struct{}
}

type registration struct {
	connID uint32
	path   dbus.ObjectPath
	iface  string
}

type nameState struct {
	connID uint32
	name   string
}

// Agent is the per-owner Bus Agent.
type Agent struct {
	mu     sync.Mutex
	dial   dialFunc
	closed bool

	nextID uint32 // monotonically increasing handle id source

	aliases map[string]string
	conns   map[uint32]*connState
	proxies map[uint32]*proxyState
	regs    map[uint32]*registration
	names   map[uint32]*nameState

	onConnectionLost ConnectionLostFunc
	onMethodReply    MethodReplyFunc
}

// New creates an Agent for one owner. Callbacks may be nil.
func New(onConnectionLost ConnectionLostFunc, onMethodReply MethodReplyFunc) *Agent {
	return &Agent{
		dial:             dialBus,
		aliases:          make(map[string]string),
		conns:            make(map[uint32]*connState),
		proxies:          make(map[uint32]*proxyState),
		regs:             make(map[uint32]*registration),
		names:            make(map[uint32]*nameState),
		onConnectionLost: onConnectionLost,
		onMethodReply:    onMethodReply,
	}
}

func (a *Agent) allocID() uint32 {
	a.nextID++
	return a.nextID
}

// CreateAddressAlias maps alias to realAddress for future NewConnection
// calls.
func (a *Agent) CreateAddressAlias(alias, realAddress string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aliases[alias] = realAddress
}

func (a *Agent) resolveAlias(address string) string {
	if real, ok := a.aliases[address]; ok {
		return real
	}
	return address
}

// NewConnection resolves alias, connects to the bus, and attaches a
// disconnect watcher. reuse is honored as an owner-local reference count
// only: repeated NewConnection calls with reuse=true and the same
// resolved address share one underlying connection and one conn_id is
// never issued twice for the same address within this owner — there is
// no process-wide connection cache shared across owners; that remains an
// unimplemented path.
func (a *Agent) NewConnection(address string, reuse bool) (uint32, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, ErrClosed
	}
	resolved := a.resolveAlias(address)

	if reuse {
		for id, cs := range a.conns {
			if cs.address == resolved {
				cs.refs++
				a.mu.Unlock()
				return id, nil
			}
		}
	}
	a.mu.Unlock()

	conn, err := a.dial(resolved)
	if err != nil {
		return 0, fmt.Errorf("busagent: connect %s: %w", resolved, err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return 0, ErrClosed
	}
	id := a.allocID()
	cs := &connState{conn: conn, address: resolved, refs: 1}
	a.conns[id] = cs
	a.mu.Unlock()

	a.watchDisconnect(id, cs)

	return id, nil
}

// watchDisconnect subscribes cs's signal channel for the bus connection's
// local disconnected signal and fires onConnectionLost(connID) once. An
// intentional CloseConnection/Close must call stopConnWatch first so a
// deliberate teardown doesn't also raise connection_lost.
func (a *Agent) watchDisconnect(connID uint32, cs *connState) {
	ch := make(chan *dbus.Signal, 1)
	done := make(chan struct{})
	cs.watchCh = ch
	cs.watchDone = done
	cs.conn.Signal(ch)

	go func() {
		for {
			select {
			case <-done:
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if sig.Name != disconnectedSignal {
					continue
				}
				a.mu.Lock()
				cb := a.onConnectionLost
				a.mu.Unlock()
				if cb != nil {
					cb(connID)
				}
				return
			}
		}
	}()
}

func (a *Agent) stopConnWatch(cs *connState) {
	if cs.watchDone == nil {
		return
	}
	close(cs.watchDone)
	cs.conn.RemoveSignal(cs.watchCh)
	cs.watchCh = nil
	cs.watchDone = nil
}

// CloseConnection releases this owner's reference to conn_id. Calling it
// on an already-closed or unknown conn_id returns ErrInvalidHandle and
// leaves state unchanged.
func (a *Agent) CloseConnection(connID uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, ok := a.conns[connID]
	if !ok {
		return ErrInvalidHandle
	}
	cs.refs--
	if cs.refs > 0 {
		return nil
	}
	delete(a.conns, connID)
	a.stopConnWatch(cs)
	cs.conn.Close()
	return nil
}

// GetConnection returns the live dbus.Conn-ish handle behind conn_id.
func (a *Agent) GetConnection(connID uint32) (busConnection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, ok := a.conns[connID]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return cs.conn, nil
}

// NewProxy creates a proxy object for (name, path, iface) over conn_id.
func (a *Agent) NewProxy(connID uint32, name, path, iface string) (uint32, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, ErrClosed
	}
	cs, ok := a.conns[connID]
	if !ok {
		a.mu.Unlock()
		return 0, ErrInvalidHandle
	}
	obj := cs.conn.Object(name, dbus.ObjectPath(path))
	id := a.allocID()
	a.proxies[id] = &proxyState{connID: connID, obj: obj, name: name, path: path, iface: iface}
	a.mu.Unlock()
	return id, nil
}

// CloseProxy tears down any signal/property watchers and forgets proxy_id.
func (a *Agent) CloseProxy(proxyID uint32) error {
	a.mu.Lock()
	ps, ok := a.proxies[proxyID]
	if !ok {
		a.mu.Unlock()
		return ErrInvalidHandle
	}
	delete(a.proxies, proxyID)
	cs := a.conns[ps.connID]
	a.mu.Unlock()

	a.stopProxyWatch(ps, cs)
	return nil
}

func (a *Agent) stopProxyWatch(ps *proxyState, cs *connState) {
	if ps.sigCh == nil {
		return
	}
	close(ps.sigDone)
	if cs != nil {
		cs.conn.RemoveSignal(ps.sigCh)
	}
	ps.sigCh = nil
	ps.sigDone = nil
}

// WatchProxySignals installs cb as the forwarder for signals emitted by
// proxy_id's (name, path, iface). Passing a nil cb uninstalls the
// forwarder.
func (a *Agent) WatchProxySignals(proxyID uint32, cb ProxySignalFunc) error {
	a.mu.Lock()
	ps, ok := a.proxies[proxyID]
	if !ok {
		a.mu.Unlock()
		return ErrInvalidHandle
	}
	cs, ok := a.conns[ps.connID]
	if !ok {
		a.mu.Unlock()
		return ErrInvalidHandle
	}
	a.mu.Unlock()

	if cb == nil {
		a.mu.Lock()
		a.stopProxyWatch(ps, cs)
		a.mu.Unlock()
		return nil
	}

	if err := cs.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(dbus.ObjectPath(ps.path)),
		dbus.WithMatchInterface(ps.iface),
	); err != nil {
		return fmt.Errorf("busagent: watch signals: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	done := make(chan struct{})
	cs.conn.Signal(ch)

	a.mu.Lock()
	ps.sigCh = ch
	ps.sigDone = done
	a.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if sig.Path != dbus.ObjectPath(ps.path) {
					continue
				}
				cb(proxyID, sig.Name, sig.Body)
			}
		}
	}()
	return nil
}

// WatchProxyPropertyChanges installs cb as the forwarder for
// org.freedesktop.DBus.Properties.PropertiesChanged notifications
// targeting proxy_id's object path. A nil cb uninstalls it.
func (a *Agent) WatchProxyPropertyChanges(proxyID uint32, cb ProxyPropsFunc) error {
	wrapped := func(id uint32, signalName string, args []interface{}) {
		if signalName != "PropertiesChanged" || len(args) < 3 {
			return
		}
		changed, _ := args[1].(map[string]dbus.Variant)
		var invalidated []string
		if raw, ok := args[2].([]string); ok {
			invalidated = raw
		}
		cb(id, changed, invalidated)
	}
	if cb == nil {
		return a.WatchProxySignals(proxyID, nil)
	}
	return a.WatchProxySignals(proxyID, wrapped)
}

// RegisterObject exports impl at path on conn_id under interface iface and
// returns a registration id usable with EmitSignal and UnregisterObject.
func (a *Agent) RegisterObject(connID uint32, path string, impl interface{}, iface string) (uint32, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, ErrClosed
	}
	cs, ok := a.conns[connID]
	if !ok {
		a.mu.Unlock()
		return 0, ErrInvalidHandle
	}
	a.mu.Unlock()

	if err := cs.conn.Export(impl, dbus.ObjectPath(path), iface); err != nil {
		return 0, fmt.Errorf("busagent: export: %w", err)
	}

	a.mu.Lock()
	id := a.allocID()
	a.regs[id] = &registration{connID: connID, path: dbus.ObjectPath(path), iface: iface}
	a.mu.Unlock()
	return id, nil
}

// UnregisterObject removes the export installed by RegisterObject.
func (a *Agent) UnregisterObject(regID uint32) error {
	a.mu.Lock()
	reg, ok := a.regs[regID]
	if !ok {
		a.mu.Unlock()
		return ErrInvalidHandle
	}
	cs, connOK := a.conns[reg.connID]
	delete(a.regs, regID)
	a.mu.Unlock()

	if connOK {
		cs.conn.Export(nil, reg.path, reg.iface)
	}
	return nil
}

// EmitSignal emits signalName with args from the object registered as
// reg_id.
func (a *Agent) EmitSignal(regID uint32, signalName string, args []interface{}) error {
	a.mu.Lock()
	reg, ok := a.regs[regID]
	if !ok {
		a.mu.Unlock()
		return ErrInvalidHandle
	}
	cs, connOK := a.conns[reg.connID]
	a.mu.Unlock()
	if !connOK {
		return ErrInvalidHandle
	}

	emitter, ok := cs.conn.(interface {
		Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	})
	if !ok {
		return errors.New("busagent: connection does not support Emit")
	}
	return emitter.Emit(reg.path, reg.iface+"."+signalName, args...)
}

// OwnName requests name on conn_id and returns a name id. NAME_ACQUIRED
// or NAME_LOST are reported to the caller via the returned
// dbus.RequestNameReply; the bridge maps that onto the wire signals.
func (a *Agent) OwnName(connID uint32, name string, flags dbus.RequestNameFlags) (uint32, dbus.RequestNameReply, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, 0, ErrClosed
	}
	cs, ok := a.conns[connID]
	if !ok {
		a.mu.Unlock()
		return 0, 0, ErrInvalidHandle
	}
	a.mu.Unlock()

	reply, err := cs.conn.RequestName(name, flags)
	if err != nil {
		return 0, 0, fmt.Errorf("busagent: request name: %w", err)
	}

	a.mu.Lock()
	id := a.allocID()
	a.names[id] = &nameState{connID: connID, name: name}
	a.mu.Unlock()
	return id, reply, nil
}

// UnownName releases the name held by name_id.
func (a *Agent) UnownName(nameID uint32) error {
	a.mu.Lock()
	ns, ok := a.names[nameID]
	if !ok {
		a.mu.Unlock()
		return ErrInvalidHandle
	}
	cs, connOK := a.conns[ns.connID]
	delete(a.names, nameID)
	a.mu.Unlock()

	if connOK {
		cs.conn.ReleaseName(ns.name)
	}
	return nil
}

// CallMethod invokes method on proxy_id asynchronously, passing flags
// straight through to the underlying D-Bus call. The result or error is
// reported via the agent's MethodReplyFunc, keyed by the returned reply
// serial, within timeout.
func (a *Agent) CallMethod(proxyID uint32, method string, args []interface{}, flags dbus.Flags, timeout time.Duration) (uint32, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, ErrClosed
	}
	ps, ok := a.proxies[proxyID]
	if !ok {
		a.mu.Unlock()
		return 0, ErrInvalidHandle
	}
	serial := a.allocID()
	a.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		call := ps.obj.GoWithContext(ctx, ps.iface+"."+method, flags, nil, args...)
		<-call.Done

		a.mu.Lock()
		closed := a.closed
		cb := a.onMethodReply
		a.mu.Unlock()
		if closed || cb == nil {
			return
		}
		if call.Err != nil {
			cb(serial, nil, call.Err)
			return
		}
		cb(serial, call.Body, nil)
	}()

	return serial, nil
}

// Close releases every bus connection, proxy watcher, and owned name
// belonging to this owner. The underlying connections are closed
// unconditionally: there is no process-wide connection cache shared
// across owners, so nothing else is borrowing them.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	names := a.names
	proxies := a.proxies
	conns := a.conns
	a.names = make(map[uint32]*nameState)
	a.proxies = make(map[uint32]*proxyState)
	a.conns = make(map[uint32]*connState)
	a.mu.Unlock()

	for _, ns := range names {
		if cs, ok := conns[ns.connID]; ok {
			cs.conn.ReleaseName(ns.name)
		}
	}
	for _, ps := range proxies {
		a.stopProxyWatch(ps, conns[ps.connID])
	}
	for _, cs := range conns {
		a.stopConnWatch(cs)
		cs.conn.Close()
	}
}
