// Package kexec implements the kexec orchestrator of spec.md §4.11: the
// multi-phase sequence that validates a new kernel image, checkpoints
// every active component, and (outside dry-run) hands control to the
// loader.
package kexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opinit/opinit/internal/checkpoint"
	"github.com/opinit/opinit/internal/component"
	"github.com/opinit/opinit/internal/criu"
	"github.com/opinit/opinit/internal/logging"
)

const minFreeBytes = 2 << 30 // 2 GiB, per spec.md §4.11

var (
	// ErrImageTooSmall is returned when a kernel/initrd image is implausibly
	// small to be real.
	ErrImageTooSmall = errors.New("kexec: image too small")
	// ErrUnknownMagic is returned when a kernel image's magic bytes do not
	// match any recognized compressed/uncompressed format.
	ErrUnknownMagic = errors.New("kexec: unrecognized kernel image format")
	// ErrEngineUnusable is returned when the checkpoint engine reports no
	// kernel support.
	ErrEngineUnusable = errors.New("kexec: checkpoint engine not usable")
	// ErrInsufficientSpace is returned when the checkpoint storage area has
	// less than minFreeBytes free.
	ErrInsufficientSpace = errors.New("kexec: insufficient free space")
)

// kernel magic byte sequences for recognized formats: gzip, bzip2, xz, and
// the PE/EFI stub "MZ" header. The uncompressed "Linux x86 Boot" bzImage
// signature (HdrS at 0x202) is checked separately in ValidateImage since it
// isn't a leading magic.
var magics = [][]byte{
	{0x1f, 0x8b},             // gzip
	{0x42, 0x5a, 0x68},       // bzip2
	{0xfd, 0x37, 0x7a, 0x58}, // xz
	{0x4d, 0x5a},             // PE/EFI stub (MZ)
}

// Loader abstracts the OS-specific "stage and execute" primitive; the real
// implementation is a thin wrapper over kexec_file_load(2) plus a reboot(2) call that never returns on success.
type Loader interface {
	Stage(ctx context.Context, kernelPath, initrdPath, cmdline string) error
	Execute(ctx context.Context) error
}

// FreeSpacer reports free bytes at a path; swappable in tests.
type FreeSpacer func(path string) (uint64, error)

// Manifest records every component checkpointed ahead of a kexec, so the
// post-kexec early boot can drive the restore path, per spec.md §4.11.
type Manifest struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Components []Entry   `json:"components"`
}

// Entry is one component's checkpoint record within a Manifest.
type Entry struct {
	Component     string `json:"component"`
	CheckpointDir string `json:"checkpoint_dir"`
}

// Orchestrator drives the kexec sequence.
type Orchestrator struct {
	Table      *component.Table
	CRIU       criu.Engine
	Persistent *checkpoint.Store
	Loader     Loader
	FreeSpace  FreeSpacer
	Log        *logging.Logger
	Now        func() time.Time

	KernelPath string
	InitrdPath string
	Cmdline    string
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logger() *logging.Logger {
	if o.Log != nil {
		return o.Log
	}
	return logging.Nop()
}

// ValidateImage checks size and magic bytes for a kernel or initrd image,
// per spec.md §4.11.
func ValidateImage(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("kexec: stat %s: %w", path, err)
	}
	if info.Size() < 4096 {
		return fmt.Errorf("%w: %s (%d bytes)", ErrImageTooSmall, path, info.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("kexec: open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, 0x206)
	n, err := f.Read(head)
	if err != nil {
		return fmt.Errorf("kexec: read %s: %w", path, err)
	}
	head = head[:n]
	for _, m := range magics {
		if bytes.HasPrefix(head, m) {
			return nil
		}
	}
	if len(head) >= 0x206 && bytes.Equal(head[0x202:0x206], []byte("HdrS")) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownMagic, path)
}

// Run executes the full kexec sequence. When dryRun is true it still
// checkpoints every active component and persists the manifest, then
// returns without invoking the loader to stage or execute. On success (non-dry-run) the
// loader's Execute does not return; Run only returns an error path.
func (o *Orchestrator) Run(ctx context.Context, dryRun bool) error {
	if err := ValidateImage(o.KernelPath); err != nil {
		return err
	}
	if o.InitrdPath != "" {
		if err := ValidateImage(o.InitrdPath); err != nil {
			return err
		}
	}

	if o.CRIU == nil || !o.CRIU.Supported() {
		return ErrEngineUnusable
	}

	free, err := o.freeSpace(o.Persistent.Root)
	if err != nil {
		return fmt.Errorf("kexec: check free space: %w", err)
	}
	if free < minFreeBytes {
		return fmt.Errorf("%w: %d bytes free, need %d", ErrInsufficientSpace, free, minFreeBytes)
	}

	manifest, err := o.checkpointAll(ctx)
	if err != nil {
		return err
	}

	if err := o.persistManifest(manifest); err != nil {
		return err
	}

	if dryRun {
		o.logger().Informational().Str("manifest", manifest.ID).Log("kexec dry-run complete, stopping after validation")
		return nil
	}

	if err := o.Loader.Stage(ctx, o.KernelPath, o.InitrdPath, o.Cmdline); err != nil {
		return fmt.Errorf("kexec: stage: %w", err)
	}
	return o.Loader.Execute(ctx)
}

func (o *Orchestrator) freeSpace(path string) (uint64, error) {
	if o.FreeSpace != nil {
		return o.FreeSpace(path)
	}
	return statfsFree(path)
}

func (o *Orchestrator) checkpointAll(ctx context.Context) (Manifest, error) {
	manifest := Manifest{ID: uuid.NewString(), CreatedAt: o.now()}

	for _, c := range o.Table.All() {
		if c.Index == 0 || !c.Dyn.State.ProvidesActive() || c.Dyn.PID == 0 {
			continue
		}

		dir, err := o.Persistent.CreateDir(c.Decl.Name, o.now())
		if err != nil {
			return manifest, fmt.Errorf("kexec: checkpoint dir for %s: %w", c.Decl.Name, err)
		}
		if err := o.CRIU.Checkpoint(ctx, c.Dyn.PID, dir, true); err != nil {
			return manifest, fmt.Errorf("kexec: checkpoint %s: %w", c.Decl.Name, err)
		}
		if err := o.CRIU.Validate(dir); err != nil {
			return manifest, fmt.Errorf("kexec: validate checkpoint of %s: %w", c.Decl.Name, err)
		}
		imageSize, _ := checkpoint.DirSize(dir)
		if err := o.Persistent.SaveMeta(dir, checkpoint.Metadata{
			ComponentName: c.Decl.Name,
			OriginalPID:   c.Dyn.PID,
			Timestamp:     o.now().Unix(),
			ImageSize:     imageSize,
			Capabilities:  strings.Join(c.Decl.Provides, ","),
			CRIUVersion:   checkpoint.ParseEngineVersion(o.CRIU.Version()),
			LeaveRunning:  true,
			PreserveFDs:   c.Decl.Checkpoint.PreserveFDs,
		}); err != nil {
			return manifest, fmt.Errorf("kexec: save metadata for %s: %w", c.Decl.Name, err)
		}

		manifest.Components = append(manifest.Components, Entry{
			Component:     c.Decl.Name,
			CheckpointDir: dir,
		})
	}

	return manifest, nil
}

func (o *Orchestrator) persistManifest(m Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("kexec: marshal manifest: %w", err)
	}
	path := o.Persistent.Root + "/manifest.json"
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("kexec: write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a persisted manifest, for the post-kexec early-boot
// restore path.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("kexec: read manifest: %w", err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("kexec: unmarshal manifest: %w", err)
	}
	return m, nil
}
