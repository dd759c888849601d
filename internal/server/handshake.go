package server

import (
	"context"
	"net"

	"github.com/kstaniek/go-serial-link/internal/wire"
)

// Handshake runs the hello exchange every client must complete first.
func (s *Server) Handshake(ctx context.Context, c net.Conn) error {
	return wire.Handshake(ctx, c, s.cfg.HandshakeTimeout)
}
