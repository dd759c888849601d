package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kstaniek/go-serial-link/internal/rxbuf"
	"github.com/kstaniek/go-serial-link/internal/serial"
	"github.com/kstaniek/go-serial-link/internal/session"
	"github.com/kstaniek/go-serial-link/internal/timeout"
)

type ctlConfig struct {
	serialDev  string
	baud       int
	parity     string
	stopBits   string
	dataBits   int
	readTO     time.Duration
	rxCapacity int

	frameMode string
	frameLen  int
	checksum  bool

	lineEnding string
	send       string
	hex        string
	ticks      int
	tick       time.Duration
	clearFirst bool

	interactive bool
	logLevel    string
	showVersion bool
}

// parseArgs parses args into a config; flag.ErrHelp is returned for -h.
func parseArgs(args []string, stderr io.Writer) (*ctlConfig, error) {
	cfg := &ctlConfig{}
	fs := flag.NewFlagSet("linkctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path (a link-server pty slave works too)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.StringVar(&cfg.parity, "parity", "none", "Parity: none|odd|even|mark|space")
	fs.StringVar(&cfg.stopBits, "stop-bits", "1", "Stop bits: 1|1.5|2")
	fs.IntVar(&cfg.dataBits, "data-bits", 8, "Data bits: 5..8")
	fs.DurationVar(&cfg.readTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.IntVar(&cfg.rxCapacity, "rx-capacity", rxbuf.DefaultCapacity, "Receive buffer capacity (bytes)")
	fs.StringVar(&cfg.frameMode, "frame-mode", "line", "Frame mode: line|fixed")
	fs.IntVar(&cfg.frameLen, "frame-len", 0, "Fixed frame length in bytes, checksum trailer included")
	fs.BoolVar(&cfg.checksum, "checksum", false, "Append a checksum trailer to -hex requests and verify fixed frames")
	fs.StringVar(&cfg.lineEnding, "line-ending", "crlf", "Terminator appended to -send text: crlf|lf|cr|none")
	fs.StringVar(&cfg.send, "send", "", "Text request to send")
	fs.StringVar(&cfg.hex, "hex", "", "Hex request to send (e.g. \"01 02 0A\")")
	fs.IntVar(&cfg.ticks, "ticks", timeout.DefaultTicks, "Ticks to wait for the response")
	fs.DurationVar(&cfg.tick, "tick", session.DefaultTick, "Tick length")
	fs.BoolVar(&cfg.clearFirst, "clear", false, "Discard pending input before sending")
	fs.BoolVar(&cfg.interactive, "i", false, "Interactive console")
	fs.StringVar(&cfg.logLevel, "log-level", "warn", "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if cfg.showVersion {
		return cfg, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ctlConfig) validate() error {
	if c.serialDev == "" {
		return errors.New("serial device must be set")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.rxCapacity <= 0 {
		return fmt.Errorf("rx-capacity must be > 0 (got %d)", c.rxCapacity)
	}
	if c.ticks <= 0 {
		return fmt.Errorf("ticks must be > 0 (got %d)", c.ticks)
	}
	if c.tick <= 0 {
		return fmt.Errorf("tick must be > 0 (got %v)", c.tick)
	}
	if c.send != "" && c.hex != "" {
		return errors.New("-send and -hex are mutually exclusive")
	}
	if _, err := parseEnding(c.lineEnding); err != nil {
		return err
	}
	fr, err := c.framer()
	if err != nil {
		return err
	}
	if fr.Mode == serial.ModeFixed && fr.FrameLen >= c.rxCapacity {
		return fmt.Errorf("frame-len %d must be below rx-capacity %d", fr.FrameLen, c.rxCapacity)
	}
	return nil
}

func (c *ctlConfig) framer() (serial.Framer, error) {
	m, err := serial.ParseMode(c.frameMode)
	if err != nil {
		return serial.Framer{}, err
	}
	fr := serial.Framer{Mode: m, FrameLen: c.frameLen, Checksum: c.checksum}
	return fr, fr.Validate()
}

func parseEnding(name string) (string, error) {
	switch strings.ToLower(name) {
	case "crlf", "":
		return "\r\n", nil
	case "lf":
		return "\n", nil
	case "cr":
		return "\r", nil
	case "none":
		return "", nil
	}
	return "", fmt.Errorf("invalid line-ending: %s", name)
}
