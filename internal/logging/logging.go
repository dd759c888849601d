package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kstaniek/go-serial-link/internal/bytecodec"
)

// Global structured logger. Initialized with a reasonable text handler.
var logger atomic.Pointer[slog.Logger]

func init() {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Store(l)
}

// L returns the current global logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// Discard returns a logger that drops everything (tests, quiet tools).
func Discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New creates a new logger with given level, format ("text" or "json"), and optional writer (defaults stderr).
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h)
}

// MaxHexBytes caps how much of a payload Hex renders.
const MaxHexBytes = 64

// Hex renders raw link bytes lazily, only when the record is emitted.
type Hex []byte

// LogValue implements slog.LogValuer.
func (h Hex) LogValue() slog.Value {
	if len(h) <= MaxHexBytes {
		return slog.StringValue(bytecodec.BytesToHex(h))
	}
	return slog.StringValue(fmt.Sprintf("%s ...(+%d)", bytecodec.BytesToHex(h[:MaxHexBytes]), len(h)-MaxHexBytes))
}
