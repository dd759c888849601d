// Package checksum implements the additive checksum carried as a 2-byte
// big-endian trailer on binary frames.
package checksum

import (
	"encoding/binary"
	"errors"
)

// TrailerSize is the number of trailing checksum bytes on a frame.
const TrailerSize = 2

// ErrMismatch is returned by Check when the trailer does not match the payload.
var ErrMismatch = errors.New("checksum mismatch")

// ErrShortFrame is returned by Check when the frame cannot hold a trailer.
var ErrShortFrame = errors.New("frame shorter than checksum trailer")

// Sum returns the plain sum of all bytes. The accumulator is 32 bits wide;
// only the low 16 bits travel on the wire.
func Sum(p []byte) uint32 {
	var sum uint32
	for _, b := range p {
		sum += uint32(b)
	}
	return sum
}

// Verify splits raw into payload and trailer and reports whether the low 16
// bits of Sum(payload) equal the trailer. The returned payload aliases raw.
func Verify(raw []byte) ([]byte, bool) {
	payload, trailer, ok := split(raw)
	if !ok {
		return nil, false
	}
	return payload, Sum(payload)&0xFFFF == uint32(trailer)
}

// VerifyStrict compares the full accumulator against the trailer, so payloads
// whose sum exceeds 0xFFFF never verify.
func VerifyStrict(raw []byte) ([]byte, bool) {
	payload, trailer, ok := split(raw)
	if !ok {
		return nil, false
	}
	return payload, Sum(payload) == uint32(trailer)
}

// Check is Verify with an error result for callers that propagate failures.
func Check(raw []byte) ([]byte, error) {
	if len(raw) < TrailerSize {
		return nil, ErrShortFrame
	}
	payload, ok := Verify(raw)
	if !ok {
		return payload, ErrMismatch
	}
	return payload, nil
}

// Append returns a new slice holding p followed by its checksum trailer.
func Append(p []byte) []byte {
	out := make([]byte, len(p)+TrailerSize)
	copy(out, p)
	binary.BigEndian.PutUint16(out[len(p):], uint16(Sum(p)))
	return out
}

func split(raw []byte) ([]byte, uint16, bool) {
	if len(raw) < TrailerSize {
		return nil, 0, false
	}
	n := len(raw) - TrailerSize
	return raw[:n], binary.BigEndian.Uint16(raw[n:]), true
}
