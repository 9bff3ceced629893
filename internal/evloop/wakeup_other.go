//go:build !linux

package eventloop

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates a self-pipe for wake-up notifications on platforms
// without eventfd (Darwin, *BSD). Returns (readFd, writeFd, err).
func createWakeFd(initval uint, flags int) (int, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// closeWakeFd closes both ends of the self-pipe.
func closeWakeFd(wakeFd, wakeWriteFd int) error {
	if wakeWriteFd >= 0 && wakeWriteFd != wakeFd {
		_ = unix.Close(wakeWriteFd)
	}
	if wakeFd >= 0 {
		_ = unix.Close(wakeFd)
	}
	return nil
}

func isWakeFdSupported() bool {
	return true
}

func drainWakeUpPipe() error {
	if wakeFd := getWakeReadFd(); wakeFd >= 0 {
		var buf [64]byte
		for {
			_, err := unix.Read(wakeFd, buf[:])
			if err != nil {
				break
			}
		}
	}
	return nil
}

func getWakeReadFd() int {
	return -1
}

func submitGenericWakeup(_ uintptr) error {
	return nil
}
