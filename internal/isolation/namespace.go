//go:build linux

package isolation

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// nsFlags maps the declaration-file namespace names to their unshare
// clone flags, per spec.md §4.10.
var nsFlags = map[string]uintptr{
	"mount": unix.CLONE_NEWNS,
	"pid":   unix.CLONE_NEWPID,
	"net":   unix.CLONE_NEWNET,
	"uts":   unix.CLONE_NEWUTS,
	"ipc":   unix.CLONE_NEWIPC,
	"user":  unix.CLONE_NEWUSER,
}

// CloneFlags translates a declared namespace list into the combined
// unshare flag set, ignoring unrecognized entries.
func CloneFlags(namespaces []string) uintptr {
	var flags uintptr
	for _, ns := range namespaces {
		flags |= nsFlags[ns]
	}
	return flags
}

// ApplyChild runs inside the namespaced child, after the kernel has already
// placed it in the namespace set requested via Cloneflags but before it
// execs the target binary, per spec.md §4.10: it optionally mounts a
// private tmpfs scratch directory and optionally sets the hostname. It is
// invoked from the re-exec entry point (see ReexecMain), never from the
// supervisor process directly -- os/exec gives no hook to run code between
// fork and exec, so namespace-internal setup has to happen in a
// short-lived companion process of the daemon's own binary instead.
func ApplyChild(namespaces []string, root, hostname string) error {
	hasNS := func(name string) bool {
		for _, n := range namespaces {
			if n == name {
				return true
			}
		}
		return false
	}

	if hasNS("mount") && root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("isolation: create scratch root %s: %w", root, err)
		}
		if err := unix.Mount("tmpfs", root, "tmpfs", 0, ""); err != nil {
			return fmt.Errorf("isolation: mount tmpfs at %s: %w", root, err)
		}
	}

	if hasNS("uts") && hostname != "" {
		if err := unix.Sethostname([]byte(hostname)); err != nil {
			return fmt.Errorf("isolation: sethostname %s: %w", hostname, err)
		}
	}

	return nil
}
