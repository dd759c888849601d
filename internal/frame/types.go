package frame

import "time"

// Kind tells how a frame was delimited on the serial link.
type Kind uint8

const (
	// Line frames are newline delimited text.
	Line Kind = iota
	// Binary frames are fixed length byte blocks.
	Binary
)

func (k Kind) String() string {
	if k == Binary {
		return "binary"
	}
	return "line"
}

// Frame is one message extracted from the receive buffer and passed around
// the gateway. Payload is owned by the frame; it never aliases rx storage.
//
// For Line frames Text holds the trimmed text and Payload its bytes. For
// Binary frames Payload excludes the checksum trailer when one was verified,
// and Valid reports whether it matched.
type Frame struct {
	Kind    Kind
	Payload []byte
	Text    string
	Valid   bool
	At      time.Time
}

// NewLine builds a Line frame.
func NewLine(text string) Frame {
	return Frame{Kind: Line, Payload: []byte(text), Text: text, Valid: true, At: time.Now()}
}

// NewBinary builds a Binary frame taking ownership of p.
func NewBinary(p []byte, valid bool) Frame {
	return Frame{Kind: Binary, Payload: p, Valid: valid, At: time.Now()}
}

// Clone returns a deep copy (handy for tests and fan-out).
func (f Frame) Clone() Frame {
	g := f
	if f.Payload != nil {
		g.Payload = append([]byte(nil), f.Payload...)
	}
	return g
}
