// Package tplog sets up the zerolog.Logger used throughout
// internal/session and internal/producer, grounded in
// alexandrem-coral's internal/agent/debug zerolog.Logger field-heavy idiom
// (session_id, pid, err fields on every Msg call).
package tplog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a zerolog.Logger writing JSON to w (or a human-readable
// console writer to os.Stderr if w is nil), at the given level.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component returns logger with a "component" field set, the way
// alexandrem-coral scopes its debug-session logger with
// log.With(logger, "labels", ...).
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
