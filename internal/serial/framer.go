package serial

import (
	"fmt"

	"github.com/kstaniek/go-serial-link/internal/checksum"
	"github.com/kstaniek/go-serial-link/internal/frame"
	"github.com/kstaniek/go-serial-link/internal/metrics"
	"github.com/kstaniek/go-serial-link/internal/rxbuf"
)

// Mode selects how frames are cut out of the receive buffer.
type Mode int

const (
	ModeLine  Mode = iota // newline (or byte > 0x7F) delimited text
	ModeFixed             // FrameLen bytes per frame
)

func (m Mode) String() string {
	if m == ModeFixed {
		return "fixed"
	}
	return "line"
}

// ParseMode accepts "line" or "fixed".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "line", "":
		return ModeLine, nil
	case "fixed":
		return ModeFixed, nil
	default:
		return ModeLine, fmt.Errorf("invalid frame mode %q", s)
	}
}

// Framer extracts frames from a receive buffer. The zero value reads lines.
type Framer struct {
	Mode Mode
	// FrameLen is the on-wire size of a fixed frame, trailer included.
	FrameLen int
	// Checksum enables trailer verification for fixed frames.
	Checksum bool
}

// Validate checks the fixed frame settings.
func (f Framer) Validate() error {
	if f.Mode != ModeFixed {
		return nil
	}
	if f.FrameLen <= 0 {
		return fmt.Errorf("frame-len must be > 0 in fixed mode (got %d)", f.FrameLen)
	}
	if f.Checksum && f.FrameLen < checksum.TrailerSize {
		return fmt.Errorf("frame-len %d cannot hold a %d byte checksum", f.FrameLen, checksum.TrailerSize)
	}
	return nil
}

// Next returns the next complete frame, or false when the buffer holds none.
// Blank lines are consumed and skipped. Checksum failures are returned with
// Valid=false and counted as malformed.
func (f Framer) Next(b *rxbuf.Buffer) (frame.Frame, bool) {
	if f.Mode == ModeFixed {
		raw, ok := b.ReadBytes(f.FrameLen)
		if !ok {
			return frame.Frame{}, false
		}
		metrics.IncRxFrame()
		if !f.Checksum {
			return frame.NewBinary(raw, true), true
		}
		payload, valid := checksum.Verify(raw)
		if !valid {
			metrics.IncMalformed()
			return frame.NewBinary(raw, false), true
		}
		return frame.NewBinary(payload, true), true
	}
	for b.HasLine() {
		if line := b.ReadLine(); line != "" {
			metrics.IncRxLine()
			return frame.NewLine(line), true
		}
	}
	return frame.Frame{}, false
}

// Drain pulls every complete frame and returns how many were emitted.
func (f Framer) Drain(b *rxbuf.Buffer, out func(frame.Frame)) int {
	n := 0
	for {
		fr, ok := f.Next(b)
		if !ok {
			metrics.SetRxPending(b.Len())
			return n
		}
		out(fr)
		n++
	}
}
