package server

import (
	"errors"

	"github.com/kstaniek/go-serial-link/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen      = errors.New("listen")
	ErrAccept      = errors.New("accept")
	ErrHandshake   = errors.New("handshake")
	ErrConnRead    = errors.New("conn_read")
	ErrConnWrite   = errors.New("conn_write")
	ErrBackendTx   = errors.New("backend_tx")
	ErrBadRequest  = errors.New("bad_request")
	ErrLineTooLong = errors.New("request line too long")
	ErrContext     = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrLineTooLong):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrBackendTx):
		return metrics.ErrSerialWrite
	case errors.Is(err, ErrBadRequest):
		return metrics.ErrRequest
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
