package kexec_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opinit/opinit/internal/checkpoint"
	"github.com/opinit/opinit/internal/component"
	"github.com/opinit/opinit/internal/criu"
	"github.com/opinit/opinit/internal/kexec"
)

func writeFakeKernel(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "vmlinuz")
	buf := bytes.Repeat([]byte{0}, 8192)
	buf[0], buf[1] = 0x1f, 0x8b // gzip magic
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

type fakeLoader struct {
	staged  bool
	staging error
	ran     bool
}

func (f *fakeLoader) Stage(ctx context.Context, kernelPath, initrdPath, cmdline string) error {
	f.staged = true
	return f.staging
}

func (f *fakeLoader) Execute(ctx context.Context) error {
	f.ran = true
	return nil
}

func newOrchestrator(t *testing.T) (*kexec.Orchestrator, *fakeLoader) {
	t.Helper()
	kernel := writeFakeKernel(t, t.TempDir())
	loader := &fakeLoader{}
	store := &checkpoint.Store{Root: t.TempDir()}
	return &kexec.Orchestrator{
		Table:      component.NewTable(),
		CRIU:       &criu.FakeEngine{SupportedValue: true},
		Persistent: store,
		Loader:     loader,
		FreeSpace:  func(string) (uint64, error) { return 4 << 30, nil },
		KernelPath: kernel,
		Now:        func() time.Time { return time.Unix(1000, 0) },
	}, loader
}

func TestValidateImageAcceptsGzipMagic(t *testing.T) {
	path := writeFakeKernel(t, t.TempDir())
	require.NoError(t, kexec.ValidateImage(path))
}

func TestValidateImageRejectsTooSmall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny")
	require.NoError(t, os.WriteFile(path, []byte{0x1f, 0x8b}, 0o644))
	err := kexec.ValidateImage(path)
	require.ErrorIs(t, err, kexec.ErrImageTooSmall)
}

func TestValidateImageRejectsUnknownMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0x00, 0x01, 0x02, 0x03}, 2048), 0o644))
	err := kexec.ValidateImage(path)
	require.ErrorIs(t, err, kexec.ErrUnknownMagic)
}

func TestRunDryRunStopsAfterValidation(t *testing.T) {
	o, loader := newOrchestrator(t)

	require.NoError(t, o.Run(context.Background(), true))
	require.False(t, loader.staged)
	require.False(t, loader.ran)

	_, err := os.Stat(filepath.Join(o.Persistent.Root, "manifest.json"))
	require.NoError(t, err)
}

func TestRunExecutesLoaderWhenNotDryRun(t *testing.T) {
	o, loader := newOrchestrator(t)

	require.NoError(t, o.Run(context.Background(), false))
	require.True(t, loader.staged)
	require.True(t, loader.ran)
}

func TestRunFailsWhenEngineUnsupported(t *testing.T) {
	o, _ := newOrchestrator(t)
	o.CRIU = &criu.FakeEngine{SupportedValue: false}

	err := o.Run(context.Background(), true)
	require.ErrorIs(t, err, kexec.ErrEngineUnusable)
}

func TestRunFailsWhenFreeSpaceInsufficient(t *testing.T) {
	o, _ := newOrchestrator(t)
	o.FreeSpace = func(string) (uint64, error) { return 1 << 20, nil }

	err := o.Run(context.Background(), true)
	require.ErrorIs(t, err, kexec.ErrInsufficientSpace)
}

func TestRunCheckpointsActiveComponents(t *testing.T) {
	o, _ := newOrchestrator(t)
	idx := o.Table.Add(component.Declaration{Name: "svc"})
	o.Table.Get(idx).Dyn.State = component.Active
	o.Table.Get(idx).Dyn.PID = 42

	require.NoError(t, o.Run(context.Background(), true))

	m, err := kexec.LoadManifest(filepath.Join(o.Persistent.Root, "manifest.json"))
	require.NoError(t, err)
	require.Len(t, m.Components, 1)
	require.Equal(t, "svc", m.Components[0].Component)
}
