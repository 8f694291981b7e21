// Package jsonpacket turns an arbitrary byte stream into a sequence of
// complete, top-level JSON object/array packets, tolerant of chunk
// boundaries falling anywhere — including mid-string and mid-escape.
package jsonpacket

import (
	"errors"
)

// ErrInvalidData is returned by Feed when the byte stream cannot be a
// sequence of JSON object/array values: bracket mismatch or a top-level
// scalar (null/true/false/number/string). It is also returned when a
// packet outgrows the limit set by SetMaxPacketSize. Escape sequences
// inside strings are tracked but never rejected.
var ErrInvalidData = errors.New("jsonpacket: invalid data")

// PacketHandler receives one complete packet's bytes, from its first
// non-whitespace byte through its matching closing bracket, inclusive.
type PacketHandler func(packet []byte)

// Filter is an incremental JSON-array/object demuxer. It is not safe for
// concurrent use; callers pin one Filter to a single peer/connection.
type Filter struct {
	onPacket PacketHandler

	maxPacketSize int // 0 means unlimited

	buf   []byte
	start int // offset into buf of the current packet's first non-ws byte, -1 if not yet seen

	stack      []byte // open bracket types, '{' or '['; len(stack) == depth
	inString   bool
	escapeNext bool
}

func (f *Filter) depth() int { return len(f.stack) }

// New creates a Filter with no packet handler and no size limit.
func New() *Filter {
	return &Filter{start: -1}
}

// SetPacketHandler installs the callback invoked once per complete packet.
func (f *Filter) SetPacketHandler(cb PacketHandler) {
	f.onPacket = cb
}

// SetMaxPacketSize bounds the number of bytes a single in-progress packet
// may accumulate before Feed fails with ErrInvalidData. 0 means unlimited.
func (f *Filter) SetMaxPacketSize(n int) {
	f.maxPacketSize = n
}

// Reset clears the buffer and state machine, discarding any partial
// packet. Typically called by the caller after a Feed error, if it wants
// to keep using the Filter on a new stream.
func (f *Filter) Reset() {
	f.buf = f.buf[:0]
	f.start = -1
	f.stack = f.stack[:0]
	f.inString = false
	f.escapeNext = false
}

// Feed appends bytes to the internal buffer and advances the state
// machine, invoking the packet handler once per completed top-level
// value. It returns ErrInvalidData on the first malformed byte; the
// Filter's state after an error is undefined except via Reset.
func (f *Filter) Feed(data []byte) error {
	for _, b := range data {
		if err := f.feedByte(b); err != nil {
			return err
		}
	}
	return nil
}

func (f *Filter) feedByte(b byte) error {
	if f.maxPacketSize > 0 && f.start >= 0 && len(f.buf)-f.start >= f.maxPacketSize {
		return ErrInvalidData
	}
	if f.inString {
		f.buf = append(f.buf, b)
		switch {
		case f.escapeNext:
			f.escapeNext = false
		case b == '\\':
			f.escapeNext = true
		case b == '"':
			f.inString = false
		}
		return nil
	}

	switch {
	case b == '{' || b == '[':
		if f.depth() == 0 {
			f.buf = append(f.buf, b)
			f.start = len(f.buf) - 1
		} else {
			f.buf = append(f.buf, b)
		}
		f.stack = append(f.stack, b)
		return nil

	case b == '}' || b == ']':
		if f.depth() == 0 {
			return ErrInvalidData
		}
		open := f.stack[len(f.stack)-1]
		if (b == '}' && open != '{') || (b == ']' && open != '[') {
			return ErrInvalidData
		}
		f.stack = f.stack[:len(f.stack)-1]
		f.buf = append(f.buf, b)
		if f.depth() == 0 {
			f.emit()
		}
		return nil

	case b == '"':
		if f.depth() == 0 {
			return ErrInvalidData
		}
		f.buf = append(f.buf, b)
		f.inString = true
		return nil

	case isJSONWhitespace(b):
		if f.depth() == 0 {
			return nil // discard leading/inter-packet whitespace
		}
		f.buf = append(f.buf, b)
		return nil

	default:
		if f.depth() == 0 {
			return ErrInvalidData
		}
		f.buf = append(f.buf, b)
		return nil
	}
}

func (f *Filter) emit() {
	packet := f.buf[f.start:len(f.buf)]
	out := make([]byte, len(packet))
	copy(out, packet)
	f.buf = f.buf[:0]
	f.start = -1
	if f.onPacket != nil {
		f.onPacket(out)
	}
}

func isJSONWhitespace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}
