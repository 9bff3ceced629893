//go:build linux

package daemon

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// kexecFileNoInitramfs mirrors the kernel UAPI KEXEC_FILE_NO_INITRAMFS
// flag (linux/kexec.h); golang.org/x/sys/unix does not wrap
// kexec_file_load(2), so this package calls it directly via Syscall6
// against the generated SYS_KEXEC_FILE_LOAD number, the same approach
// internal/isolation takes for unshare/mount.
const kexecFileNoInitramfs = 0x4

// kexecLoader is the production Loader for internal/kexec.Orchestrator,
// backed by the real kexec_file_load(2)/reboot(2) syscalls.
type kexecLoader struct{}

func (kexecLoader) Stage(ctx context.Context, kernelPath, initrdPath, cmdline string) error {
	kernel, err := os.Open(kernelPath)
	if err != nil {
		return fmt.Errorf("kexec: open kernel: %w", err)
	}
	defer kernel.Close()

	initrdFd := -1
	flags := uintptr(kexecFileNoInitramfs)
	if initrdPath != "" {
		initrd, err := os.Open(initrdPath)
		if err != nil {
			return fmt.Errorf("kexec: open initrd: %w", err)
		}
		defer initrd.Close()
		initrdFd = int(initrd.Fd())
		flags = 0
	}

	cmdlineBytes := append([]byte(cmdline), 0)
	_, _, errno := unix.Syscall6(
		unix.SYS_KEXEC_FILE_LOAD,
		kernel.Fd(),
		uintptr(initrdFd),
		uintptr(len(cmdlineBytes)),
		uintptr(unsafe.Pointer(&cmdlineBytes[0])),
		flags,
		0,
	)
	if errno != 0 {
		return fmt.Errorf("kexec: kexec_file_load: %w", errno)
	}
	return nil
}

func (kexecLoader) Execute(ctx context.Context) error {
	return unix.Reboot(unix.LINUX_REBOOT_CMD_KEXEC)
}
