// Package supervisor implements the Start/on_exit contract of spec.md §4.4:
// forking, namespacing, and cgroup-placing a component's process, and
// reacting to its exit. It fills the internal/resolver.Supervisor role
// the resolver package defines locally to avoid a circular import.
package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/opinit/opinit/internal/backoff"
	"github.com/opinit/opinit/internal/component"
	"github.com/opinit/opinit/internal/isolation"
	"github.com/opinit/opinit/internal/logging"
	"github.com/opinit/opinit/internal/registry"
)

// LogDir is the directory append-only per-component stdout/stderr logs are
// written under.
const LogDir = "/var/log/opinit"

// restartLimit enforces spec.md §4.4's "restart_count >= 5 within 30s"
// backoff via the shared sliding-window limiter.
type restartLimit interface {
	Allow(category string) (time.Time, bool)
}

// Supervisor owns process lifecycle for every non-kernel component in a
// Table: starting it, placing it under cgroup control, and reacting to its
// exit.
type Supervisor struct {
	Table *component.Table
	Reg   *registry.Registry
	Iso   *isolation.Driver
	Log   *logging.Logger

	// Wake, if set, is called from the child-reaping goroutine after an
	// exit is recorded, so the event loop's blocked poll wakes immediately
	// instead of waiting out its poll cap. This plays the self-pipe role of
	// spec.md §4.9's "self-pipe written by the child-signal handler".
	Wake func()

	restarts restartLimit

	// procs tracks the running *exec.Cmd for each live component index, so
	// on_exit and Terminate can be driven from the same bookkeeping.
	procs map[int]*exec.Cmd

	pendingMu sync.Mutex
	pending   []exitReport
}

// New constructs a Supervisor. Table, Reg, and Iso must be non-nil; Log may
// be nil, in which case logging is discarded.
func New(table *component.Table, reg *registry.Registry, iso *isolation.Driver) *Supervisor {
	return &Supervisor{
		Table:    table,
		Reg:      reg,
		Iso:      iso,
		restarts: backoff.NewRestartWindow(),
		procs:    make(map[int]*exec.Cmd),
	}
}

func (s *Supervisor) logger() *logging.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logging.Nop()
}

// Start implements the start(idx) contract of spec.md §4.4.
func (s *Supervisor) Start(idx int) {
	c := s.Table.Get(idx)

	if _, ok := s.restarts.Allow(c.Decl.Name); !ok {
		s.logger().Warning().Str("component", c.Decl.Name).Log("restart backoff window exceeded, aborting start")
		c.Dyn.State = component.Failed
		return
	}

	if err := s.Iso.CreateComponent(c.Decl.Name); err != nil {
		s.logger().Warning().Str("component", c.Decl.Name).Str("err", err.Error()).Log("failed to create component cgroup")
	}

	ns := c.Decl.Isolation.Namespaces
	root := c.Decl.Isolation.Root
	hostname := c.Decl.Isolation.Hostname

	var cmd *exec.Cmd
	if len(ns) > 0 {
		self, err := os.Executable()
		if err != nil {
			s.logger().Warning().Str("component", c.Decl.Name).Str("err", err.Error()).Log("failed to resolve own executable for namespaced start")
			c.Dyn.State = component.Failed
			return
		}
		cmd = isolation.Command(self, c.Decl.Binary, c.Decl.Args, ns, root, hostname)
	} else {
		cmd = exec.Command(c.Decl.Binary, c.Decl.Args...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	applyCloneflags(cmd.SysProcAttr, ns)

	logPath := filepath.Join(LogDir, c.Decl.Name+".log")
	if logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	} else {
		s.logger().Warning().Str("component", c.Decl.Name).Str("err", err.Error()).Log("failed to open component log, discarding output")
	}

	if err := cmd.Start(); err != nil {
		s.logger().Warning().Str("component", c.Decl.Name).Str("err", err.Error()).Log("fork failed")
		c.Dyn.State = component.Failed
		return
	}

	pid := cmd.Process.Pid
	s.procs[idx] = cmd

	if err := s.Iso.AddProcess(c.Decl.Name, pid); err != nil {
		s.logger().Warning().Str("component", c.Decl.Name).Str("err", err.Error()).Log("failed to place pid in cgroup")
	}

	limits := isolation.Limits{
		CPUWeight: c.Decl.Resources.CPUWeight,
		CPUMax:    c.Decl.Resources.CPUMax,
		IOWeight:  c.Decl.Resources.IOWeight,
		PidsMax:   c.Decl.Resources.PidsMax,
	}
	if mm, err := isolation.ParseSize(c.Decl.Resources.MemoryMax); err == nil {
		limits.MemoryMax = mm
	}
	if mh, err := isolation.ParseSize(c.Decl.Resources.MemoryHigh); err == nil {
		limits.MemoryHigh = mh
	}
	if err := s.Iso.ApplyLimits(c.Decl.Name, limits); err != nil {
		s.logger().Warning().Str("component", c.Decl.Name).Str("err", err.Error()).Log("failed to apply one or more resource limits")
	}

	c.Dyn.PID = pid
	c.Dyn.RestartCount++
	c.Dyn.LastRestart = time.Now()
	c.Dyn.State = component.Starting

	go s.wait(idx, cmd)

	if c.Decl.Readiness == component.ReadinessNone {
		c.Dyn.State = component.Active
		for _, name := range c.Decl.Provides {
			s.Reg.Register(name, idx)
		}
	} else {
		c.Dyn.State = component.ReadyWait
		c.Dyn.ReadyWaitStart = time.Now()
	}
}

// wait blocks on the child in a background goroutine -- the only
// parallelism this daemon has besides short-lived probe helpers -- and
// reports the exit back onto onExit once it completes. The event loop
// consumes exit reports via OnExit, never by blocking here.
func (s *Supervisor) wait(idx int, cmd *exec.Cmd) {
	err := cmd.Wait()
	code := exitCode(err)
	s.pendingMu.Lock()
	s.pending = append(s.pending, exitReport{idx: idx, code: code})
	s.pendingMu.Unlock()
	if s.Wake != nil {
		s.Wake()
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if ok := asExitError(err, &ee); ok {
		return ee.ExitCode()
	}
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// exitReport is one child-exit notification awaiting delivery to OnExit.
type exitReport struct {
	idx  int
	code int
}

// OnExit implements the on_exit(idx, status) contract of spec.md §4.4. It
// must be called from the event loop's single thread, after the loop
// observes the pid's exit (e.g. by draining DrainExits).
func (s *Supervisor) OnExit(idx int, code int) {
	c := s.Table.Get(idx)
	delete(s.procs, idx)

	if c.Decl.Kind == component.Oneshot {
		if code == 0 {
			c.Dyn.State = component.OneshotDone
			for _, name := range c.Decl.Provides {
				s.Reg.Register(name, idx)
			}
		} else {
			c.Dyn.State = component.Failed
		}
	} else {
		c.Dyn.State = component.Failed
		c.Dyn.PID = 0
		for _, name := range c.Decl.Provides {
			s.Reg.Withdraw(name)
		}
	}

	if err := s.Iso.RemoveComponent(c.Decl.Name); err != nil {
		s.logger().Warning().Str("component", c.Decl.Name).Str("err", err.Error()).Log("cgroup removal failed, likely non-empty")
	}
}

// Terminate sends SIGTERM to a live component's process, per the
// dependency-loss and readiness-timeout error paths of spec.md §4.3/§4.5.
func (s *Supervisor) Terminate(idx int) {
	cmd, ok := s.procs[idx]
	if !ok || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		c := s.Table.Get(idx)
		s.logger().Warning().Str("component", c.Decl.Name).Str("err", err.Error()).Log("failed to signal process for termination")
	}
}

// DrainExits reports and clears every exit observed since the last call,
// for the event loop's "drain exits" tick phase (spec.md §5). Callers must
// route each report through OnExit.
func (s *Supervisor) DrainExits() []struct {
	Index int
	Code  int
} {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := make([]struct {
		Index int
		Code  int
	}, len(s.pending))
	for i, p := range s.pending {
		out[i] = struct {
			Index int
			Code  int
		}{Index: p.idx, Code: p.code}
	}
	s.pending = s.pending[:0]
	return out
}
