//go:build linux

package kexec

import "golang.org/x/sys/unix"

// statfsFree reports free bytes at path via statfs(2), per spec.md §4.11's
// "storage area has >= 2 GiB free" precondition.
func statfsFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bsize) * st.Bavail, nil
}
