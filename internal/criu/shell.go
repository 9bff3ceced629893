package criu

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
)

// ShellEngine drives the real criu(8) binary as a subprocess, the same
// "fork a short-lived helper process and inspect its result" idiom the
// daemon uses for health probes (internal/health) and component start
// (internal/supervisor).
type ShellEngine struct {
	// Bin is the criu executable to invoke; defaults to "criu" on PATH.
	Bin string
}

func (e *ShellEngine) bin() string {
	if e.Bin != "" {
		return e.Bin
	}
	return "criu"
}

// Supported reports whether the criu binary is on PATH and `criu check`
// succeeds without printing an error. It never errors; an unusable engine simply returns false
// so callers fall through to the next handoff strategy.
func (e *ShellEngine) Supported() bool {
	path, err := exec.LookPath(e.bin())
	if err != nil {
		return false
	}
	out, err := exec.Command(path, "check").CombinedOutput()
	if err != nil {
		return false
	}
	return !strings.Contains(strings.ToLower(string(out)), "error")
}

// Version returns the criu binary's reported version, or "" if it cannot
// be determined.
func (e *ShellEngine) Version() string {
	out, err := exec.Command(e.bin(), "--version").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Checkpoint invokes `criu dump` against pid, writing images into dir.
func (e *ShellEngine) Checkpoint(ctx context.Context, pid int, dir string, leaveRunning bool) error {
	args := []string{"dump", "-t", strconv.Itoa(pid), "-D", dir, "--shell-job"}
	if leaveRunning {
		args = append(args, "--leave-running")
	}
	if out, err := exec.CommandContext(ctx, e.bin(), args...).CombinedOutput(); err != nil {
		return errors.New("criu: dump failed: " + string(out))
	}
	return nil
}

// Restore invokes `criu restore` against dir and parses the new pid from
// its output.
func (e *ShellEngine) Restore(ctx context.Context, dir string) (int, error) {
	args := []string{"restore", "-D", dir, "--shell-job", "-d"}
	out, err := exec.CommandContext(ctx, e.bin(), args...).CombinedOutput()
	if err != nil {
		return 0, errors.New("criu: restore failed: " + string(out))
	}
	return parseRestoredPID(string(out))
}

// Validate invokes `criu info-dump` against a dump's images without
// resuming it.
func (e *ShellEngine) Validate(dir string) error {
	if out, err := exec.Command(e.bin(), "info-dump", "-D", dir).CombinedOutput(); err != nil {
		return errors.New("criu: validate failed: " + string(out))
	}
	return nil
}

func parseRestoredPID(output string) (int, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "pid:") {
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "pid:")))
			if err != nil {
				return 0, err
			}
			return n, nil
		}
	}
	return 0, errors.New("criu: restore output did not contain a pid")
}
