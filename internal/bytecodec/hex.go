package bytecodec

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// hexSeparators are stripped one token at a time in this order, so removing
// one can expose another ("0 x1F" -> "0X1F" -> "1F").
var hexSeparators = []string{" ", ":", "-", "0X", "#", "H", "$", "X"}

func stripSeparators(s string) string {
	for _, sep := range hexSeparators {
		s = strings.ReplaceAll(s, sep, "")
	}
	return s
}

// NormalizeHex upper-cases s, strips the accepted separators and pads an odd
// number of digits with a leading zero ("ABC" -> "0ABC").
func NormalizeHex(s string) (string, error) {
	h := stripSeparators(strings.ToUpper(s))
	if h == "" {
		return "", fmt.Errorf("%w: %q has no hex digits", ErrFormat, s)
	}
	for i := 0; i < len(h); i++ {
		if _, ok := nibble(h[i]); !ok {
			return "", fmt.Errorf("%w: %q is not a hex string", ErrFormat, s)
		}
	}
	if len(h)%2 == 1 {
		h = "0" + h
	}
	return h, nil
}

// HexToBytes decodes hex text such as "0x DE:AD-BE#EF".
func HexToBytes(s string) ([]byte, error) {
	h, err := NormalizeHex(s)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(h)/2)
	for i := range out {
		hi, _ := nibble(h[2*i])
		lo, _ := nibble(h[2*i+1])
		out[i] = hi<<4 | lo
	}
	return out, nil
}

const hexDigits = "0123456789ABCDEF"

// BytesToHex renders "DE AD BE EF".
func BytesToHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	out := make([]byte, 0, len(b)*3-1)
	for i, c := range b {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, hexDigits[c>>4], hexDigits[c&0x0F])
	}
	return string(out)
}

// StringToHex renders the bytes of s as hex text.
func StringToHex(s string) string { return BytesToHex([]byte(s)) }

// HexToString decodes hex text and interprets the bytes as UTF-8.
func HexToString(s string) (string, error) {
	b, err := HexToBytes(s)
	if err != nil {
		return "", err
	}
	return BytesToString(b...), nil
}

// BytesToString treats each byte as one UTF-8 code unit. Invalid sequences are
// replaced with U+FFFD.
func BytesToString(b ...byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// StringToBytes returns the UTF-8 encoding of s.
func StringToBytes(s string) []byte { return []byte(s) }

// ByteToRune maps a single byte to its Latin-1 code point.
func ByteToRune(b byte) rune { return rune(b) }

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
