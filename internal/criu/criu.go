// Package criu defines the checkpoint/restore engine contract the handoff
// engine (internal/handoff) and kexec orchestrator (internal/kexec) use
// for state-preserving upgrades, per spec.md §4.6/§4.11. The name follows
// the most common real-world engine for this (CRIU, Checkpoint/Restore In
// Userspace); this package defines the interface, ShellEngine (which shells
// out to the real criu binary) and a deterministic fake for tests.
package criu

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by Checkpoint/Restore when Supported reports
// false; callers should fall through to the next handoff strategy.
var ErrUnsupported = errors.New("criu: checkpoint/restore not supported on this kernel")

// Engine is the checkpoint/restore contract of spec.md §4.6's first
// handoff strategy.
type Engine interface {
	// Supported reports whether the running kernel/engine combination can
	// checkpoint and restore processes at all.
	Supported() bool
	// Version returns the engine's version string, recorded in
	// checkpoint metadata.
	Version() string
	// Checkpoint dumps pid's state into dir. If leaveRunning is true the
	// process is left alive after the dump (a "live" checkpoint); otherwise
	// it is left stopped.
	Checkpoint(ctx context.Context, pid int, dir string, leaveRunning bool) error
	// Restore resumes a process from a checkpoint directory, returning its
	// new pid.
	Restore(ctx context.Context, dir string) (pid int, err error)
	// Validate sanity-checks a checkpoint directory's images without
	// performing a full restore.
	Validate(dir string) error
}
