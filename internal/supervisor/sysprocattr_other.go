//go:build !linux

package supervisor

import "syscall"

// applyCloneflags is a no-op outside Linux; namespaces are not available.
func applyCloneflags(attr *syscall.SysProcAttr, namespaces []string) {}
