//go:build !linux

package kexec

import "errors"

// statfsFree has no portable equivalent; kexec itself is Linux-only (there
// is no kexec(2) on other platforms), so this only needs to exist for the
// package to build elsewhere in tests.
func statfsFree(path string) (uint64, error) {
	return 0, errors.New("kexec: statfs not supported on this platform")
}
