package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Hello is exchanged in both directions right after connect.
const Hello = "SERIALLINKv1\n"

// ErrBadHello is returned when the peer greets with anything but Hello.
var ErrBadHello = errors.New("bad hello")

// Handshake sends Hello and reads the peer's greeting within timeout. Both
// sides greet first, so the write runs alongside the read. Cancelling ctx
// expires the deadline and the pending I/O fails with ctx's error.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("handshake: set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	wrote := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c, Hello)
		wrote <- err
	}()
	err := readHello(c)
	if werr := <-wrote; err == nil {
		err = werr
	}
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("handshake: %w", ctx.Err())
	default:
		return fmt.Errorf("handshake: %w", err)
	}
}

func readHello(r io.Reader) error {
	got := make([]byte, len(Hello))
	if _, err := io.ReadFull(r, got); err != nil {
		return err
	}
	if string(got) != Hello {
		return fmt.Errorf("%w: %q", ErrBadHello, got)
	}
	return nil
}
