// Package logging provides structured logging for the proxy.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func New(level, format string) *slog.Logger {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter creates a new structured logger with a custom writer.
func NewWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Nop returns a logger that discards all output, for use in tests.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithConn returns log with the connection id and routing group attached,
// so every record a Handler emits for one connection carries both without
// the call site having to repeat them.
func WithConn(log *slog.Logger, id uint64, group int) *slog.Logger {
	return log.With(KeyConnID, id, KeyGroup, group)
}

// Common attribute keys for consistent logging across packages.
const (
	KeyConnID     = "conn_id"
	KeyGroup      = "group"
	KeyProtocol   = "protocol"
	KeyTarget     = "target"
	KeyBoundLocal = "bound_local"
	KeyPeerAddr   = "peer_addr"
	KeyListenAddr = "listen_addr"
	KeyError      = "error"
	KeyReason     = "reason"
	KeyComponent  = "component"
	KeyDuration   = "duration"
	KeyBytes      = "bytes"
	KeyState      = "state"
)
