//go:build !linux

package daemon

import (
	"context"
	"errors"
)

// kexecLoader has no equivalent outside Linux; kexec(2) itself is a Linux
// syscall, so staging/executing always fails on other platforms.
type kexecLoader struct{}

func (kexecLoader) Stage(ctx context.Context, kernelPath, initrdPath, cmdline string) error {
	return errors.New("daemon: kexec not supported on this platform")
}

func (kexecLoader) Execute(ctx context.Context) error {
	return errors.New("daemon: kexec not supported on this platform")
}
