package glue

import (
	"crypto/tls"
	"sync"
)

// TlsSession is the narrow contract for TLS-secured peer messaging:
// feed plaintext/ciphertext through the record layer and observe
// handshake progress. The record-layer implementation itself is
// delegated to crypto/tls — out of scope per spec.
type TlsSession interface {
	// FeedPlaintext queues application data to be encrypted and sent.
	FeedPlaintext(b []byte) (int, error)
	// FeedCiphertext consumes bytes read off the wire, decrypting any
	// application data they complete.
	FeedCiphertext(b []byte) (int, error)
	// HandshakeStep advances the handshake by one step. Returns true once
	// the handshake has completed.
	HandshakeStep() (done bool, err error)
	// Ready reports whether credentials (certificate, DH parameters) have
	// finished preparing and the session can begin handshaking.
	Ready() bool
}

// tlsConnSession adapts a *tls.Conn: crypto/tls already multiplexes the
// plaintext/ciphertext record layer internally, so FeedPlaintext/
// FeedCiphertext here are Write/Read, and HandshakeStep drives the
// handshake to completion in one call (tls.Conn does not expose a
// steppable handshake, so this contract degrades to "call it and see").
type tlsConnSession struct {
	conn *tls.Conn

	mu    sync.Mutex
	ready bool
}

// NewTlsSession wraps an already-dialed/accepted *tls.Conn.
func NewTlsSession(conn *tls.Conn) TlsSession {
	return &tlsConnSession{conn: conn, ready: true}
}

func (s *tlsConnSession) FeedPlaintext(b []byte) (int, error) {
	return s.conn.Write(b)
}

func (s *tlsConnSession) FeedCiphertext(b []byte) (int, error) {
	return s.conn.Read(b)
}

func (s *tlsConnSession) HandshakeStep() (bool, error) {
	if err := s.conn.Handshake(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *tlsConnSession) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Credentials models the one-shot "ready after DH pre-generation"
// transition: TLS credentials are immutable once ready, the transition
// from not-ready to ready happens exactly once and is protected by a
// single flag (sync.Once).
type Credentials struct {
	config *tls.Config
	dhBits int

	once  sync.Once
	ready bool
}

// NewCredentials creates Credentials for the given certificate pair.
// dhBits is the tls.dh_bits configuration value; it is stored, but no
// Diffie-Hellman parameters are generated for any value of it (see
// Prepare).
func NewCredentials(config *tls.Config, dhBits int) *Credentials {
	return &Credentials{config: config, dhBits: dhBits}
}

// Prepare runs DH parameter pre-generation (if dhBits > 0) exactly once,
// regardless of how many times it is called, and marks the credentials
// ready. crypto/tls negotiates its own key exchange parameters per
// handshake, so when dhBits > 0 this only reserves the one-shot
// transition point the original's DH pre-generation occupied; it
// performs no extra cryptographic work of its own.
func (c *Credentials) Prepare() {
	c.once.Do(func() {
		c.ready = true
	})
}

// Ready reports whether Prepare has completed.
func (c *Credentials) Ready() bool {
	return c.ready
}

// Config returns the underlying *tls.Config. Callers must not mutate it
// once Ready reports true.
func (c *Credentials) Config() *tls.Config {
	return c.config
}
