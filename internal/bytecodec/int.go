// Package bytecodec converts between integers, raw bytes, hex text and ASCII
// text for frame payloads. All functions are pure and safe for concurrent use.
package bytecodec

import (
	"fmt"
	"strconv"
)

// Endian selects the byte order of multi-byte integers.
type Endian int

const (
	BigEndian Endian = iota
	LittleEndian
)

func (e Endian) String() string {
	switch e {
	case BigEndian:
		return "big"
	case LittleEndian:
		return "little"
	default:
		return fmt.Sprintf("Endian(%d)", int(e))
	}
}

// ToUint assembles up to 4 bytes into an unsigned integer. Shorter inputs are
// treated as the low-order bytes (zero extended).
func ToUint(b []byte, e Endian) (uint32, error) {
	if len(b) > 4 {
		return 0, fmt.Errorf("%w: %d bytes do not fit in 32 bits", ErrRange, len(b))
	}
	var v uint32
	for i, c := range b {
		switch e {
		case LittleEndian:
			v |= uint32(c) << (8 * i)
		default:
			v |= uint32(c) << (8 * (len(b) - i - 1))
		}
	}
	return v, nil
}

// ToInt is ToUint reinterpreted as two's complement.
func ToInt(b []byte, e Endian) (int32, error) {
	v, err := ToUint(b, e)
	return int32(v), err
}

// ToUShort assembles up to 2 bytes.
func ToUShort(e Endian, b ...byte) (uint16, error) {
	if len(b) > 2 {
		return 0, fmt.Errorf("%w: %d bytes do not fit in 16 bits", ErrRange, len(b))
	}
	v, err := ToUint(b, e)
	return uint16(v), err
}

// ToShort assembles up to 2 bytes as a signed value.
func ToShort(e Endian, b ...byte) (int16, error) {
	v, err := ToUShort(e, b...)
	return int16(v), err
}

// FromUint always returns 4 bytes.
func FromUint(v uint32, e Endian) []byte {
	out := make([]byte, 4)
	for i := range out {
		switch e {
		case LittleEndian:
			out[i] = byte(v >> (8 * i))
		default:
			out[i] = byte(v >> (8 * (len(out) - i - 1)))
		}
	}
	return out
}

// FromInt always returns 4 bytes.
func FromInt(v int32, e Endian) []byte { return FromUint(uint32(v), e) }

// ParseUint parses hex text ("1F", "0x1f") into an unsigned integer.
func ParseUint(s string) (uint32, error) {
	h, err := NormalizeHex(s)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrRange, s, err)
	}
	return uint32(v), nil
}

// ParseInt parses hex text as a 32-bit two's complement value, so
// "80000000" yields -2147483648.
func ParseInt(s string) (int32, error) {
	v, err := ParseUint(s)
	return int32(v), err
}
