package criu

import (
	"context"
	"os"
	"path/filepath"
)

// FakeEngine is a deterministic in-memory-ish stand-in for a real
// checkpoint/restore engine, used in tests for internal/handoff and
// internal/kexec so they can exercise the checkpoint-based strategy
// without a real kernel feature.
type FakeEngine struct {
	SupportedValue  bool
	NextPID         int
	FailCheckpoint  bool
	FailRestore     bool
	CheckpointCalls int
}

func (f *FakeEngine) Supported() bool { return f.SupportedValue }

func (f *FakeEngine) Version() string { return "fake-criu-0.0" }

func (f *FakeEngine) Checkpoint(ctx context.Context, pid int, dir string, leaveRunning bool) error {
	f.CheckpointCalls++
	if f.FailCheckpoint {
		return ErrUnsupported
	}
	return os.WriteFile(filepath.Join(dir, "image.fake"), []byte("checkpoint"), 0o644)
}

func (f *FakeEngine) Restore(ctx context.Context, dir string) (int, error) {
	if f.FailRestore {
		return 0, ErrUnsupported
	}
	if _, err := os.Stat(filepath.Join(dir, "image.fake")); err != nil {
		return 0, err
	}
	f.NextPID++
	return f.NextPID, nil
}

func (f *FakeEngine) Validate(dir string) error {
	_, err := os.Stat(filepath.Join(dir, "image.fake"))
	return err
}
