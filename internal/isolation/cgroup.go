// Package isolation drives cgroup v2 accounting and namespace isolation
// for supervised components, per spec.md §4.10. It uses
// golang.org/x/sys/unix for the syscalls the teacher workspace's eventloop
// package already depends on (mount, sethostname; namespaces themselves
// are entered through exec.Cmd's Cloneflags); everything else is plain
// file I/O against the cgroupfs and procfs, which have no third-party
// client in the retrieval pack -- there is no "cgroup SDK" to wire in, so
// this package talks to /sys/fs/cgroup directly, as every real init system
// does.
package isolation

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Root is the daemon's cgroup v2 subtree, relative to the controller's
// mount point. All component sub-cgroups live under it.
const Root = "/sys/fs/cgroup/opinit"

var controllers = []string{"memory", "cpu", "io", "pids"}

// ErrNotMounted is returned by operations that require the v2 hierarchy to
// already be mounted when it is not found at /sys/fs/cgroup.
var ErrNotMounted = errors.New("isolation: cgroup v2 hierarchy not mounted")

// Driver manages the daemon's cgroup v2 root and per-component groups.
type Driver struct {
	base string // overridable in tests; defaults to Root
}

// New returns a Driver rooted at the standard /sys/fs/cgroup/opinit path.
func New() *Driver {
	return &Driver{base: Root}
}

// newAt returns a Driver rooted at an arbitrary path, for tests.
func newAt(base string) *Driver {
	return &Driver{base: base}
}

// EnsureRoot creates the daemon's root cgroup and enables the four
// controllers for its children by writing its cgroup.subtree_control file,
// per spec.md §4.10. The parent hierarchy's subtree_control is not
// written. It is idempotent.
func (d *Driver) EnsureRoot() error {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		return fmt.Errorf("%w: %v", ErrNotMounted, err)
	}
	if err := os.MkdirAll(d.base, 0o755); err != nil {
		return fmt.Errorf("isolation: create root cgroup: %w", err)
	}
	subtree := filepath.Join(d.base, "cgroup.subtree_control")
	var enable strings.Builder
	for i, c := range controllers {
		if i > 0 {
			enable.WriteByte(' ')
		}
		enable.WriteByte('+')
		enable.WriteString(c)
	}
	if err := os.WriteFile(subtree, []byte(enable.String()), 0o644); err != nil {
		return fmt.Errorf("isolation: enable controllers: %w", err)
	}
	return nil
}

// ComponentPath returns the sub-cgroup path for a named component.
func (d *Driver) ComponentPath(name string) string {
	return filepath.Join(d.base, name)
}

// CreateComponent creates the sub-cgroup for name, if absent.
func (d *Driver) CreateComponent(name string) error {
	if err := os.MkdirAll(d.ComponentPath(name), 0o755); err != nil {
		return fmt.Errorf("isolation: create component cgroup %s: %w", name, err)
	}
	return nil
}

// AddProcess writes pid into the component's cgroup.procs file, placing it
// under cgroup control.
func (d *Driver) AddProcess(name string, pid int) error {
	path := filepath.Join(d.ComponentPath(name), "cgroup.procs")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("isolation: add pid %d to %s: %w", pid, name, err)
	}
	return nil
}

// Limits holds the resolved resource limits to write to a component's
// cgroup control files, after size-suffix parsing and weight clamping.
type Limits struct {
	MemoryMax  string
	MemoryHigh string
	CPUWeight  int
	CPUMax     string
	IOWeight   int
	PidsMax    int
}

// ApplyLimits writes every configured limit in l to the component's
// cgroup. Write failures are collected and returned as a single joined
// error; per spec.md §4.4 these are warnings, never fatal, so callers
// should log and continue rather than abort the start.
func (d *Driver) ApplyLimits(name string, l Limits) error {
	dir := d.ComponentPath(name)
	var errs []error
	write := func(file, value string) {
		if value == "" {
			return
		}
		if err := os.WriteFile(filepath.Join(dir, file), []byte(value), 0o644); err != nil {
			errs = append(errs, fmt.Errorf("isolation: write %s: %w", file, err))
		}
	}
	write("memory.max", l.MemoryMax)
	write("memory.high", l.MemoryHigh)
	if l.CPUWeight > 0 {
		write("cpu.weight", strconv.Itoa(clampWeight(l.CPUWeight)))
	}
	write("cpu.max", l.CPUMax)
	if l.IOWeight > 0 {
		write("io.weight", strconv.Itoa(clampWeight(l.IOWeight)))
	}
	if l.PidsMax > 0 {
		write("pids.max", strconv.Itoa(l.PidsMax))
	}
	return errors.Join(errs...)
}

// RemoveComponent best-effort removes a component's cgroup directory.
// Non-empty cgroups (a lingering process) fail removal; the caller should
// log a warning rather than treat this as fatal, per spec.md §4.4.
func (d *Driver) RemoveComponent(name string) error {
	if err := os.Remove(d.ComponentPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("isolation: remove cgroup %s: %w", name, err)
	}
	return nil
}

func clampWeight(w int) int {
	switch {
	case w < 1:
		return 1
	case w > 10000:
		return 10000
	default:
		return w
	}
}

// OOMKillCount reads the oom_kill counter out of a component's
// memory.events file, per spec.md §4.9's "cgroup out-of-memory event
// scanning" tick. A missing file (no cgroup yet, or memory controller not
// delegated) reads as zero rather than an error, since that's the steady
// state before a component's first start.
func (d *Driver) OOMKillCount(name string) (uint64, error) {
	f, err := os.Open(filepath.Join(d.ComponentPath(name), "memory.events"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("isolation: read memory.events for %s: %w", name, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), " ")
		if !ok || key != "oom_kill" {
			continue
		}
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("isolation: parse oom_kill in memory.events for %s: %w", name, err)
		}
		return n, nil
	}
	return 0, sc.Err()
}

// ParseSize parses a decimal followed by an optional single-character K/M/G
// suffix (base 1024) into a byte count string suitable for memory.max /
// memory.high, per spec.md §4.10. An empty input is passed through
// unchanged (means "no limit").
func ParseSize(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	mult := int64(1)
	numPart := s
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1024
		numPart = s[:len(s)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		numPart = s[:len(s)-1]
	case 'G', 'g':
		mult = 1024 * 1024 * 1024
		numPart = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return "", fmt.Errorf("isolation: invalid size %q: %w", s, err)
	}
	return strconv.FormatInt(n*mult, 10), nil
}
