package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-serial-link/internal/bytecodec"
	"github.com/kstaniek/go-serial-link/internal/checksum"
	"github.com/kstaniek/go-serial-link/internal/frame"
	"github.com/kstaniek/go-serial-link/internal/serial"
	"github.com/kstaniek/go-serial-link/internal/session"
)

var errUsage = errors.New("usage")

// buildRequest turns -send text or -hex bytes into the bytes to write.
// Text gets ending appended; hex gets a checksum trailer when sign is set.
func buildRequest(text, hexStr, ending string, sign bool) ([]byte, error) {
	if hexStr != "" {
		p, err := bytecodec.HexToBytes(hexStr)
		if err != nil {
			return nil, err
		}
		if sign {
			p = checksum.Append(p)
		}
		return p, nil
	}
	if text == "" {
		return nil, nil
	}
	return []byte(text + ending), nil
}

// console holds the request settings shared by one-shot and interactive mode.
type console struct {
	ctx        context.Context
	link       session.Link
	fr         serial.Framer
	ticks      int
	tick       time.Duration
	ending     string
	sign       bool
	clearFirst bool
}

func newConsole(ctx context.Context, l session.Link, cfg *ctlConfig) (*console, error) {
	fr, err := cfg.framer()
	if err != nil {
		return nil, err
	}
	ending, err := parseEnding(cfg.lineEnding)
	if err != nil {
		return nil, err
	}
	return &console{
		ctx:        ctx,
		link:       l,
		fr:         fr,
		ticks:      cfg.ticks,
		tick:       cfg.tick,
		ending:     ending,
		sign:       cfg.checksum,
		clearFirst: cfg.clearFirst,
	}, nil
}

func (c *console) exchange(req []byte) (frame.Frame, error) {
	opts := []session.Option{session.WithTicks(c.ticks), session.WithTick(c.tick)}
	if c.clearFirst {
		opts = append(opts, session.WithClearFirst())
	}
	return session.Exchange(c.ctx, c.link, c.fr, req, opts...)
}

// line sends the words joined by spaces plus the line ending.
func (c *console) line(args []string) (frame.Frame, error) {
	if len(args) == 0 {
		return frame.Frame{}, fmt.Errorf("%w: line TEXT", errUsage)
	}
	req, _ := buildRequest(strings.Join(args, " "), "", c.ending, false)
	return c.exchange(req)
}

// hex sends the hex digits from all args.
func (c *console) hex(args []string) (frame.Frame, error) {
	if len(args) == 0 {
		return frame.Frame{}, fmt.Errorf("%w: hex BYTES", errUsage)
	}
	req, err := buildRequest("", strings.Join(args, " "), "", c.sign)
	if err != nil {
		return frame.Frame{}, err
	}
	return c.exchange(req)
}

// read returns every complete frame already buffered.
func (c *console) read() []frame.Frame {
	var out []frame.Frame
	c.fr.Drain(c.link.Buffer(), func(f frame.Frame) { out = append(out, f) })
	return out
}

func (c *console) clear() error { return c.link.Clear() }

// setTicks handles "ticks N [TICK]".
func (c *console) setTicks(args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("%w: ticks N [TICK]", errUsage)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid ticks %q", args[0])
	}
	tick := c.tick
	if len(args) == 2 {
		if tick, err = time.ParseDuration(args[1]); err != nil || tick <= 0 {
			return fmt.Errorf("invalid tick %q", args[1])
		}
	}
	c.ticks, c.tick = n, tick
	return nil
}

// setMode handles "mode line" and "mode fixed LEN [checksum]".
func (c *console) setMode(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: mode line | mode fixed LEN [checksum]", errUsage)
	}
	m, err := serial.ParseMode(args[0])
	if err != nil {
		return err
	}
	fr := serial.Framer{Mode: m}
	if m == serial.ModeFixed {
		if len(args) < 2 {
			return fmt.Errorf("%w: mode fixed LEN [checksum]", errUsage)
		}
		if fr.FrameLen, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("invalid frame length %q", args[1])
		}
		fr.Checksum = len(args) > 2 && args[2] == "checksum"
		if fr.FrameLen >= c.link.Buffer().Cap() {
			return fmt.Errorf("frame length %d must be below rx capacity %d", fr.FrameLen, c.link.Buffer().Cap())
		}
	}
	if err := fr.Validate(); err != nil {
		return err
	}
	c.fr = fr
	c.sign = fr.Checksum
	return nil
}

func (c *console) describe() string {
	s := fmt.Sprintf("mode=%s ticks=%d tick=%v", c.fr.Mode, c.ticks, c.tick)
	if c.fr.Mode == serial.ModeFixed {
		s += fmt.Sprintf(" frame_len=%d checksum=%t", c.fr.FrameLen, c.fr.Checksum)
	}
	return s
}
