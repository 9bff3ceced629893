//go:build linux || darwin

package handoff

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// handoffFD is the well-known descriptor number the new child inherits its
// end of the socket pair on, per spec.md §4.6.
const handoffFD = 4

// handoffFDEnv advertises handoffFD to the child, so the child binary need
// not hardcode the number (Go's exec.Cmd maps ExtraFiles[i] to fd 3+i, so
// Spawn leaves ExtraFiles[0] nil and places the child's end at index 1).
const handoffFDEnv = "OPINIT_HANDOFF_FD"

// UnixFDTransfer is the real fd-passing implementation, grounded in the
// teacher workspace's fd_unix.go read/write/close wrappers around
// golang.org/x/sys/unix, extended here with a Unix stream socket pair and
// SCM_RIGHTS-style inheritance via exec.Cmd.ExtraFiles.
type UnixFDTransfer struct{}

// Spawn implements FDTransfer.
func (UnixFDTransfer) Spawn(ctx context.Context, binary string, args []string) (int, ReadWriteCloser, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("handoff: socketpair: %w", err)
	}
	// The parent's end must be non-blocking for os.File read deadlines to
	// apply to it; the child's end is a separate socket and is unaffected.
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return 0, nil, fmt.Errorf("handoff: set nonblock: %w", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "handoff-parent")
	childFile := os.NewFile(uintptr(fds[1]), "handoff-child")
	defer childFile.Close()

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.ExtraFiles = make([]*os.File, handoffFD-2)
	cmd.ExtraFiles[handoffFD-3] = childFile
	cmd.Env = append(os.Environ(), handoffFDEnv+"="+strconv.Itoa(handoffFD))

	if deadline, ok := ctx.Deadline(); ok {
		if err := parentFile.SetReadDeadline(deadline); err != nil {
			parentFile.Close()
			return 0, nil, fmt.Errorf("handoff: set read deadline: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		parentFile.Close()
		return 0, nil, fmt.Errorf("handoff: spawn: %w", err)
	}

	return cmd.Process.Pid, parentFile, nil
}
