package serial

import (
	"fmt"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	// Flush discards data received but not read and data written but not sent.
	Flush() error
}

// Config describes how to open a physical serial device.
type Config struct {
	Name        string
	Baud        int
	ReadTimeout time.Duration
	DataBits    int    // 5..8, 0 means 8
	Parity      string // none|odd|even|mark|space
	StopBits    string // 1|1.5|2
}

func Open(cfg Config) (Port, error) {
	parity, err := ParseParity(cfg.Parity)
	if err != nil {
		return nil, err
	}
	stop, err := ParseStopBits(cfg.StopBits)
	if err != nil {
		return nil, err
	}
	sc := &serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
		Size:        byte(cfg.DataBits),
		Parity:      parity,
		StopBits:    stop,
	}
	return serial.OpenPort(sc)
}

// ParseParity maps a config string to a tarm/serial parity; "" means none.
func ParseParity(s string) (serial.Parity, error) {
	switch strings.ToLower(s) {
	case "", "none", "n":
		return serial.ParityNone, nil
	case "odd", "o":
		return serial.ParityOdd, nil
	case "even", "e":
		return serial.ParityEven, nil
	case "mark", "m":
		return serial.ParityMark, nil
	case "space", "s":
		return serial.ParitySpace, nil
	default:
		return 0, fmt.Errorf("invalid parity %q", s)
	}
}

// ParseStopBits maps "1", "1.5" or "2" to tarm/serial stop bits; "" means 1.
func ParseStopBits(s string) (serial.StopBits, error) {
	switch s {
	case "", "1":
		return serial.Stop1, nil
	case "1.5":
		return serial.Stop1Half, nil
	case "2":
		return serial.Stop2, nil
	default:
		return 0, fmt.Errorf("invalid stop bits %q", s)
	}
}
