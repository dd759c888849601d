//go:build linux

// Package pty opens pseudo terminal pairs used as a stand-in serial device
// for loopback testing and device simulation.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultReadTimeout bounds each Read so the rx loop can observe shutdown.
const DefaultReadTimeout = 100 * time.Millisecond

// Port is one side of a pty pair. It satisfies serial.Port and additionally
// reports driver-buffered input via Buffered.
type Port struct {
	fd          int
	name        string
	readTimeout time.Duration
	closed      atomic.Bool
}

// Pair is a master/slave pty. The slave stays open for the lifetime of the
// pair so the master never observes a hangup while peers come and go.
type Pair struct {
	Master    *Port
	Slave     *Port
	SlavePath string
}

// Open allocates a new pty pair with the slave side in raw mode.
func Open() (*Pair, error) {
	mfd, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/ptmx: %w", err)
	}
	if err := unix.IoctlSetPointerInt(mfd, unix.TIOCSPTLCK, 0); err != nil {
		_ = unix.Close(mfd)
		return nil, fmt.Errorf("unlockpt: %w", err)
	}
	n, err := unix.IoctlGetInt(mfd, unix.TIOCGPTN)
	if err != nil {
		_ = unix.Close(mfd)
		return nil, fmt.Errorf("ptsname: %w", err)
	}
	path := fmt.Sprintf("/dev/pts/%d", n)
	slave, err := OpenPath(path)
	if err != nil {
		_ = unix.Close(mfd)
		return nil, err
	}
	master := &Port{fd: mfd, name: "/dev/ptmx", readTimeout: DefaultReadTimeout}
	return &Pair{Master: master, Slave: slave, SlavePath: path}, nil
}

// OpenPath opens an existing terminal device (typically a pty slave) in raw mode.
func OpenPath(path string) (*Port, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := makeRaw(fd); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("raw mode %s: %w", path, err)
	}
	return &Port{fd: fd, name: path, readTimeout: DefaultReadTimeout}, nil
}

func makeRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

// SetReadTimeout changes how long Read waits for data before returning io.EOF.
func (p *Port) SetReadTimeout(d time.Duration) { p.readTimeout = d }

// Name returns the device path.
func (p *Port) Name() string { return p.name }

// Read waits up to the read timeout for input. A timeout is reported as
// io.EOF, the same way tarm/serial does.
func (p *Port) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, p.pathErr("read", os.ErrClosed)
	}
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(p.readTimeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, io.EOF
		}
		return 0, p.pathErr("poll", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	if fds[0].Revents&(unix.POLLNVAL) != 0 {
		return 0, p.pathErr("read", os.ErrClosed)
	}
	r, err := unix.Read(p.fd, b)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, io.EOF
		}
		return 0, p.pathErr("read", err)
	}
	return r, nil
}

func (p *Port) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, p.pathErr("write", os.ErrClosed)
	}
	total := 0
	for total < len(b) {
		n, err := unix.Write(p.fd, b[total:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, p.pathErr("write", err)
		}
		total += n
	}
	return total, nil
}

// Flush discards unread input and unsent output (TCFLSH/TCIOFLUSH).
func (p *Port) Flush() error {
	if p.closed.Load() {
		return p.pathErr("flush", os.ErrClosed)
	}
	return unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIOFLUSH)
}

// Buffered returns the number of input bytes queued in the driver (TIOCINQ).
func (p *Port) Buffered() (int, error) {
	if p.closed.Load() {
		return 0, p.pathErr("ioctl", os.ErrClosed)
	}
	return unix.IoctlGetInt(p.fd, unix.TIOCINQ)
}

func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.fd)
}

func (p *Port) pathErr(op string, err error) error {
	return &os.PathError{Op: op, Path: p.name, Err: err}
}

// Close closes both sides.
func (pp *Pair) Close() error {
	err := pp.Master.Close()
	if serr := pp.Slave.Close(); err == nil {
		err = serr
	}
	return err
}
