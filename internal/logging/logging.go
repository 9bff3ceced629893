// Package logging wires the daemon's single process-wide structured logger.
// It uses github.com/joeycumines/logiface with the github.com/joeycumines/stumpy
// JSON backend -- the same logging stack the teacher workspace uses for its
// own packages (see eventloop/logging.go for the leveled-logger convention
// this mirrors). There is exactly one logger per process, constructed in
// cmd/opinitd/main.go and passed down to every subsystem constructor; no
// package outside this one keeps a logging global.
package logging

import (
	"io"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type threaded through every subsystem.
type Logger = logiface.Logger[*stumpy.Event]

// New constructs a Logger writing newline-delimited JSON to w at the given
// minimum level.
func New(w io.Writer, level logiface.Level) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		logiface.WithLevel[*stumpy.Event](level),
	)
}

// Nop returns a Logger that discards everything, for use in tests and as a
// safe default before the real logger is wired up.
func Nop() *Logger {
	return New(io.Discard, logiface.LevelEmergency)
}

// Levels re-exported for callers that need to parse a configured level
// name without importing logiface directly everywhere.
const (
	LevelError = logiface.LevelError
	LevelWarn  = logiface.LevelWarning
	LevelInfo  = logiface.LevelInformational
	LevelDebug = logiface.LevelDebug
)

// ParseLevel maps a lowercase level name to a logiface.Level, defaulting to
// LevelInfo for an unrecognized name.
func ParseLevel(name string) logiface.Level {
	switch name {
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarn
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}
