package transport

import "errors"

// Error kinds shared by every transport implementation.
var (
	// ErrBackpressureFull is returned by Send when a peer's outbound
	// backlog has exceeded the configured high-water mark. The caller
	// decides how to react (drop, retry, close) — the transport itself
	// takes no further action.
	ErrBackpressureFull = errors.New("transport: backpressure: backlog full")
	// ErrClosed is returned when an operation targets a peer that no
	// longer exists.
	ErrClosed = errors.New("transport: peer closed")
	// ErrUnknownPeer names the case of a carrier referencing a peer id the
	// registry does not know. No function in this repository returns it;
	// the long-polling transport answers such carriers with HTTP 404.
	ErrUnknownPeer = errors.New("transport: unknown peer")
)
