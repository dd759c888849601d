// Package wire defines the text protocol spoken between the link server and
// its TCP clients.
//
// Server to client, one frame per line:
//
//	L <text>            newline delimited frame from the device
//	B <HEX BYTES>       fixed length frame, checksum ok (or not checked)
//	B! <HEX BYTES>      fixed length frame whose checksum did not match
//
// Client to server, one request per line:
//
//	hex <hex digits>    raw bytes, any separators accepted by bytecodec
//	<anything else>     text, sent followed by the codec's line ending
package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kstaniek/go-serial-link/internal/bytecodec"
	"github.com/kstaniek/go-serial-link/internal/frame"
)

// DefaultLineEnding terminates text requests written to the device.
const DefaultLineEnding = "\r\n"

var (
	// ErrEmptyRequest is returned for blank request lines.
	ErrEmptyRequest = errors.New("wire: empty request")
	// ErrBadFrame is returned when a server line cannot be parsed.
	ErrBadFrame = errors.New("wire: malformed frame line")
)

// Codec is stateless apart from its configuration and safe for concurrent use.
type Codec struct {
	// LineEnding is appended to text requests; empty means DefaultLineEnding.
	LineEnding string
	// Verbatim sends text requests without any line ending.
	Verbatim bool
}

func (c *Codec) lineEnding() string {
	switch {
	case c == nil:
		return DefaultLineEnding
	case c.Verbatim:
		return ""
	case c.LineEnding == "":
		return DefaultLineEnding
	}
	return c.LineEnding
}

// Encode renders frames into a single buffer.
func (c *Codec) Encode(frames []frame.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * 32)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes one line per frame to w and returns bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []frame.Frame) (int, error) {
	var total int
	for _, f := range frames {
		n, err := io.WriteString(w, FormatFrame(f)+"\n")
		total += n
		if err != nil {
			return total, fmt.Errorf("wire encode: %w", err)
		}
	}
	return total, nil
}

// FormatFrame renders f without the trailing newline.
func FormatFrame(f frame.Frame) string {
	if f.Kind == frame.Line {
		return "L " + f.Text
	}
	if !f.Valid {
		return "B! " + bytecodec.BytesToHex(f.Payload)
	}
	return "B " + bytecodec.BytesToHex(f.Payload)
}

// DecodeRequest converts one client line into the bytes to transmit.
func (c *Codec) DecodeRequest(line string) ([]byte, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyRequest
	}
	if rest, ok := cutPrefixFold(line, "hex "); ok {
		b, err := bytecodec.HexToBytes(rest)
		if err != nil {
			return nil, fmt.Errorf("wire request: %w", err)
		}
		return b, nil
	}
	return append([]byte(line), c.lineEnding()...), nil
}

// ParseFrame is the inverse of FormatFrame, used by clients.
func ParseFrame(line string) (frame.Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case strings.HasPrefix(line, "L "):
		return frame.NewLine(line[2:]), nil
	case line == "L":
		return frame.NewLine(""), nil
	case strings.HasPrefix(line, "B! "), strings.HasPrefix(line, "B "):
		valid := !strings.HasPrefix(line, "B!")
		hex := line[strings.IndexByte(line, ' ')+1:]
		if strings.TrimSpace(hex) == "" {
			return frame.NewBinary([]byte{}, valid), nil
		}
		b, err := bytecodec.HexToBytes(hex)
		if err != nil {
			return frame.Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		return frame.NewBinary(b, valid), nil
	default:
		return frame.Frame{}, fmt.Errorf("%w: %q", ErrBadFrame, line)
	}
}

// ScanFrames reads frame lines from r until EOF or error, calling onFrame for
// each one. Malformed lines abort with ErrBadFrame.
func ScanFrames(r io.Reader, onFrame func(frame.Frame)) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		f, err := ParseFrame(sc.Text())
		if err != nil {
			return err
		}
		onFrame(f)
	}
	return sc.Err()
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
