package bytecodec

import "errors"

var (
	// ErrFormat reports malformed hex or text input.
	ErrFormat = errors.New("bytecodec: invalid format")
	// ErrRange reports a byte slice too wide for the requested integer.
	ErrRange = errors.New("bytecodec: out of range")
)
