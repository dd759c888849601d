// Package rxbuf implements the bounded receive buffer that sits between an
// asynchronous byte source (the serial rx pump) and frame extraction.
//
// The buffer is a single fixed-size backing array holding n valid bytes in
// arrival order. Producers append with OnBytesReceived; consumers pull a
// newline terminated line (ReadLine) or an exact number of bytes (ReadBytes).
// Extraction compacts the remaining bytes down to index 0. Every operation
// runs under one mutex and none of them wait for data: "nothing yet" is a
// normal result, not an error.
package rxbuf

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultCapacity matches the receive buffer size of the devices this
// package was written for.
const DefaultCapacity = 4096

// ErrOverflow is returned when a delivery would fill the buffer. Pending data
// is likely desynchronized at that point; owners should Clear and resync.
var ErrOverflow = errors.New("rx buffer overflow")

// Buffer is safe for concurrent use by one producer and any number of consumers.
type Buffer struct {
	mu    sync.Mutex
	data  []byte
	n     int
	avail bool
}

// New allocates a buffer with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{data: make([]byte, capacity)}
}

// OnBytesReceived appends chunk. It fails with ErrOverflow, leaving the buffer
// untouched, when the resulting length would reach or exceed capacity.
func (b *Buffer) OnBytesReceived(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n+len(chunk) >= len(b.data) {
		return fmt.Errorf("%w: pending=%d chunk=%d capacity=%d", ErrOverflow, b.n, len(chunk), len(b.data))
	}
	copy(b.data[b.n:], chunk)
	b.n += len(chunk)
	b.avail = true
	return nil
}

// ReadLine returns the text before the first '\n' (or first byte above 0x7F,
// which also ends a line) and drops the line plus its terminator. Invalid
// UTF-8 is skipped rather than reported. The result is whitespace trimmed.
// With no terminator pending it returns "" and leaves the buffer as is.
func (b *Buffer) ReadLine() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.lineEnd()
	if i < 0 {
		return ""
	}
	line := decodeText(b.data[:i])
	b.consume(i + 1)
	return strings.TrimSpace(line)
}

// HasLine reports whether a complete line is pending.
func (b *Buffer) HasLine() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lineEnd() >= 0
}

// ReadBytes removes and returns a copy of the first n bytes. When fewer than n
// bytes are pending it returns (nil, false) and the buffer is unchanged.
func (b *Buffer) ReadBytes(n int) ([]byte, bool) {
	if n <= 0 {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n < n {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, b.data[:n])
	b.consume(n)
	return out, true
}

// Clear drops all pending bytes and resets the data available flag.
// The backing array is not zeroed.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.n = 0
	b.avail = false
	b.mu.Unlock()
}

// Len returns the number of pending bytes.
func (b *Buffer) Len() int { b.mu.Lock(); defer b.mu.Unlock(); return b.n }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// DataAvailable is advisory: set by every non-empty delivery, cleared only by
// Clear or ResetDataAvailable, never by extraction.
func (b *Buffer) DataAvailable() bool { b.mu.Lock(); defer b.mu.Unlock(); return b.avail }

// ResetDataAvailable clears the advisory flag.
func (b *Buffer) ResetDataAvailable() { b.mu.Lock(); b.avail = false; b.mu.Unlock() }

// Peek returns a copy of the pending bytes without consuming them.
func (b *Buffer) Peek() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.n)
	copy(out, b.data[:b.n])
	return out
}

// lineEnd returns the index of the first terminator or -1. Caller holds mu.
func (b *Buffer) lineEnd() int {
	for i, c := range b.data[:b.n] {
		if c == '\n' || c > 0x7F {
			return i
		}
	}
	return -1
}

// consume shifts data[k:n] to the front. Caller holds mu.
func (b *Buffer) consume(k int) {
	copy(b.data, b.data[k:b.n])
	b.n -= k
}

// decodeText keeps every valid rune and drops undecodable bytes.
func decodeText(p []byte) string {
	if utf8.Valid(p) {
		return string(p)
	}
	var sb strings.Builder
	for len(p) > 0 {
		r, size := utf8.DecodeRune(p)
		if r != utf8.RuneError || size > 1 {
			sb.WriteRune(r)
		}
		p = p[size:]
	}
	return sb.String()
}
