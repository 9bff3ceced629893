//go:build !linux

package isolation

import "fmt"

// CloneFlags is not meaningful outside Linux; namespaces are a Linux
// kernel feature.
func CloneFlags(namespaces []string) uintptr {
	return 0
}

// ApplyChild fails on non-Linux platforms: cgroup v2 and namespaces, per
// spec.md §4.10, are Linux-only. The daemon is a PID-1 replacement and is
// not expected to run elsewhere; this stub exists so the package still
// builds for local development and the darwin event-loop backend.
func ApplyChild(namespaces []string, root, hostname string) error {
	if len(namespaces) == 0 && root == "" && hostname == "" {
		return nil
	}
	return fmt.Errorf("isolation: namespaces are not supported on this platform")
}
