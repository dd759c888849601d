package transport

import (
	"io"

	"github.com/kstaniek/go-serial-link/internal/frame"
	"github.com/kstaniek/go-serial-link/internal/wire"
)

// RequestDecoder turns one client request into the bytes to put on the link.
type RequestDecoder interface {
	DecodeRequest(line string) ([]byte, error)
}

// FrameEncoder renders received frames for a client connection.
type FrameEncoder interface {
	Encode([]frame.Frame) []byte
	EncodeTo(w io.Writer, frames []frame.Frame) (int, error)
}

// LineCodec is the full client protocol: requests in, frames out.
type LineCodec interface {
	RequestDecoder
	FrameEncoder
}

// ByteSink is a generic serial transmission target.
type ByteSink interface {
	SendBytes([]byte) error
}

// Compile-time assertions that *wire.Codec satisfies both directions.
var (
	_ RequestDecoder = (*wire.Codec)(nil)
	_ FrameEncoder   = (*wire.Codec)(nil)
	_ LineCodec      = (*wire.Codec)(nil)
	_ ByteSink       = (*AsyncTx)(nil)
)
