// Package health implements the readiness and periodic health-check
// engine of spec.md §4.5, invoked once per event-loop tick.
package health

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/opinit/opinit/internal/component"
	"github.com/opinit/opinit/internal/logging"
	"github.com/opinit/opinit/internal/registry"
)

const (
	defaultReadinessTimeout = 30 * time.Second
	defaultHealthTimeout    = 10 * time.Second
	defaultDegThreshold     = 3
	defaultRestartThreshold = 5
)

// Terminator is the subset of internal/supervisor's API the health engine
// needs to abort a component that failed to become ready or that failed
// too many consecutive probes. Defined locally, mirroring
// internal/resolver.Supervisor, to avoid an import cycle.
type Terminator interface {
	Terminate(idx int)
}

// OOMReader reads the oom_kill counter out of a component's cgroup, per
// spec.md §4.9's "cgroup out-of-memory event scanning" tick. Satisfied by
// *internal/isolation.Driver; defined locally to avoid an import cycle.
type OOMReader interface {
	OOMKillCount(name string) (uint64, error)
}

// Engine drives readiness polling and periodic health checks.
type Engine struct {
	Table *component.Table
	Reg   *registry.Registry
	Sup   Terminator
	OOM   OOMReader
	Log   *logging.Logger
	Now   func() time.Time

	// Probe executes a health/readiness COMMAND method probe. Overridable
	// in tests; defaults to a real shell invocation.
	Probe func(ctx context.Context, shellCmd string) error
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *logging.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logging.Nop()
}

func (e *Engine) probe(ctx context.Context, shellCmd string) error {
	if e.Probe != nil {
		return e.Probe(ctx, shellCmd)
	}
	return runShell(ctx, shellCmd)
}

func runShell(ctx context.Context, shellCmd string) error {
	return exec.CommandContext(ctx, "/bin/sh", "-c", shellCmd).Run()
}

// Tick runs one readiness-poll + health-check sweep over every component,
// per spec.md §4.5. It must be called once per event-loop tick.
func (e *Engine) Tick() {
	for _, c := range e.Table.All() {
		if c.Index == 0 {
			continue
		}
		switch c.Dyn.State {
		case component.ReadyWait:
			e.pollReadiness(c)
		case component.Active, component.Degraded:
			e.checkOOM(c)
			e.checkHealth(c)
		}
	}
}

// checkOOM scans the component's cgroup for a new out-of-memory kill since
// the last tick. A rising oom_kill counter means the kernel already killed
// the process; this just logs and lets the ordinary exit-reporting path
// (the child's Wait() reaping it) drive the restart, rather than
// terminating it a second time.
func (e *Engine) checkOOM(c *component.Component) {
	if e.OOM == nil {
		return
	}
	n, err := e.OOM.OOMKillCount(c.Decl.Name)
	if err != nil {
		return
	}
	if n > c.Dyn.LastOOMKillCount {
		e.logger().Warning().Str("component", c.Decl.Name).Log("cgroup reported an out-of-memory kill")
	}
	c.Dyn.LastOOMKillCount = n
}

func (e *Engine) pollReadiness(c *component.Component) {
	timeout := c.Decl.ReadinessTimeout
	if timeout <= 0 {
		timeout = defaultReadinessTimeout
	}
	if e.now().Sub(c.Dyn.ReadyWaitStart) >= timeout {
		c.Dyn.State = component.Failed
		e.Sup.Terminate(c.Index)
		e.logger().Warning().Str("component", c.Decl.Name).Log("readiness timeout exceeded")
		return
	}

	var ready bool
	switch c.Decl.Readiness {
	case component.ReadinessFile:
		_, err := os.Stat(c.Decl.ReadinessParam)
		ready = err == nil
	case component.ReadinessCommand:
		ctx, cancel := context.WithTimeout(context.Background(), defaultHealthTimeout)
		ready = e.probe(ctx, c.Decl.ReadinessParam) == nil
		cancel()
	case component.ReadinessSignal:
		// Readiness for this method is raised only through SignalReady;
		// this poll never drives it.
		return
	default:
		ready = true
	}

	if ready {
		c.Dyn.State = component.Active
		for _, name := range c.Decl.Provides {
			e.Reg.Register(name, c.Index)
		}
	}
}

// SignalReady marks a component ready in response to an external signal
// delivered to it, for readiness method SIGNAL. It is not part of the
// per-tick poll above, and no code in this module calls it.
func (e *Engine) SignalReady(idx int) {
	c := e.Table.Get(idx)
	if c.Dyn.State != component.ReadyWait || c.Decl.Readiness != component.ReadinessSignal {
		return
	}
	c.Dyn.State = component.Active
	for _, name := range c.Decl.Provides {
		e.Reg.Register(name, idx)
	}
}

func (e *Engine) checkHealth(c *component.Component) {
	if c.Decl.HealthCheck == "" {
		return
	}
	interval := c.Decl.HealthInterval
	if interval > 0 && e.now().Sub(c.Dyn.LastHealthAt) < interval {
		return
	}

	timeout := c.Decl.HealthTimeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := e.probe(ctx, c.Decl.HealthCheck)
	cancel()

	c.Dyn.LastHealthAt = e.now()
	c.Dyn.LastHealthOK = err == nil

	degThreshold := c.Decl.HealthFailThreshold
	if degThreshold <= 0 {
		degThreshold = defaultDegThreshold
	}
	restartThreshold := c.Decl.HealthRestartThreshold
	if restartThreshold <= 0 {
		restartThreshold = defaultRestartThreshold
	}

	switch {
	case err == nil && c.Dyn.State == component.Active:
		c.Dyn.HealthFailCount = 0

	case err == nil && c.Dyn.State == component.Degraded:
		c.Dyn.State = component.Active
		c.Dyn.HealthFailCount = 0
		for _, name := range c.Decl.Provides {
			e.Reg.MarkDegraded(name, false)
		}

	case err != nil && c.Dyn.State == component.Active:
		c.Dyn.HealthFailCount++
		if c.Dyn.HealthFailCount >= degThreshold {
			c.Dyn.State = component.Degraded
			for _, name := range c.Decl.Provides {
				e.Reg.MarkDegraded(name, true)
			}
		}

	case err != nil && c.Dyn.State == component.Degraded:
		c.Dyn.HealthFailCount++
		if c.Dyn.HealthFailCount >= restartThreshold {
			for _, name := range c.Decl.Provides {
				e.Reg.Withdraw(name)
			}
			e.Sup.Terminate(c.Index)
			c.Dyn.State = component.Failed
			c.Dyn.HealthFailCount = 0
		}
	}
}
