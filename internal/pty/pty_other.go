//go:build !linux

// Package pty opens pseudo terminal pairs used as a stand-in serial device
// for loopback testing and device simulation.
package pty

import (
	"errors"
	"time"
)

// ErrUnsupported is returned on platforms without the Linux pty ioctls.
var ErrUnsupported = errors.New("pty: unsupported platform")

const DefaultReadTimeout = 100 * time.Millisecond

// Port is unavailable on this platform.
type Port struct{}

type Pair struct {
	Master    *Port
	Slave     *Port
	SlavePath string
}

func Open() (*Pair, error)                  { return nil, ErrUnsupported }
func OpenPath(string) (*Port, error)        { return nil, ErrUnsupported }
func (p *Port) SetReadTimeout(time.Duration) {}
func (p *Port) Name() string                { return "" }
func (p *Port) Read([]byte) (int, error)    { return 0, ErrUnsupported }
func (p *Port) Write([]byte) (int, error)   { return 0, ErrUnsupported }
func (p *Port) Flush() error                { return ErrUnsupported }
func (p *Port) Buffered() (int, error)      { return 0, ErrUnsupported }
func (p *Port) Close() error                { return nil }
func (pp *Pair) Close() error               { return nil }
