package supervisor

import (
	"syscall"

	"github.com/opinit/opinit/internal/isolation"
)

// applyCloneflags sets the unshare flags for the requested namespace list
// on the child's SysProcAttr, per spec.md §4.10. Linux-only: cgroup v2 and
// namespaces do not exist elsewhere.
func applyCloneflags(attr *syscall.SysProcAttr, namespaces []string) {
	if len(namespaces) == 0 {
		return
	}
	attr.Cloneflags = isolation.CloneFlags(namespaces)
}
