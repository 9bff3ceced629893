// Package handoff implements the upgrade(name) hot-swap engine of
// spec.md §4.6: a three-level fallback from checkpoint/restore, to
// fd-passing, to a plain restart, each level trying to preserve as much
// live state as the previous one failed to.
package handoff

import (
	"context"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/opinit/opinit/internal/checkpoint"
	"github.com/opinit/opinit/internal/component"
	"github.com/opinit/opinit/internal/criu"
	"github.com/opinit/opinit/internal/logging"
	"github.com/opinit/opinit/internal/registry"
)

// Phase is an in-flight upgrade's position in its state machine, per
// spec.md §3.4.
type Phase int

const (
	Preparing Phase = iota
	Ready
	Transferring
	Completing
	Done
	Failed
)

func (p Phase) String() string {
	switch p {
	case Preparing:
		return "PREPARING"
	case Ready:
		return "READY"
	case Transferring:
		return "TRANSFERRING"
	case Completing:
		return "COMPLETING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Context is the ephemeral record of one in-flight upgrade, per spec.md
// §3.4.
type Context struct {
	ComponentIndex int
	NewPID         int
	ID             string
	StartedAt      time.Time
	Timeout        time.Duration
	Phase          Phase
}

// completionMarker is the literal, fixed-width handoff completion token
// read from the fd-passing socket, per spec.md §4.6.
const completionMarker = "HANDOFF_COMPLETE\n"

// Starter is the subset of internal/supervisor's API the handoff engine
// needs: starting a fresh instance (cold-boot fallback) and terminating a
// pid that lost a handoff race. Defined locally to avoid an import cycle,
// mirroring internal/resolver.Supervisor.
type Starter interface {
	Start(idx int)
	Terminate(idx int)
}

// FDTransfer performs the fd-passing strategy's process/socket mechanics.
// The concrete implementation lives in internal/handoff's platform file
// (fdpass_unix.go); it is a separate interface so tests can substitute a
// deterministic fake.
type FDTransfer interface {
	// Spawn forks a fresh instance of binary, pinning one end of a stream
	// socket pair to a well-known descriptor and returning the parent's end
	// plus the child's pid.
	Spawn(ctx context.Context, binary string, args []string) (childPID int, parentConn ReadWriteCloser, err error)
}

// ReadWriteCloser is the minimal surface FDTransfer's parent-side
// connection needs: reading the completion marker and closing when done.
type ReadWriteCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

// Engine drives upgrades for one component table.
type Engine struct {
	Table      *component.Table
	Reg        *registry.Registry
	Sup        Starter
	CRIU       criu.Engine
	Transient  *checkpoint.Store
	FD         FDTransfer
	Log        *logging.Logger
	Now        func() time.Time
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

// Upgrade attempts the handoff ladder for the component at idx, per
// spec.md §4.6. The component's declared handoff preference picks the
// entry rung; each failure still falls through to the next, cheaper
// strategy. It always ends by leaving the component in READY_WAIT (if a
// readiness method is configured) or ACTIVE (with capabilities
// re-registered immediately), or FAILED if every strategy fails.
func (e *Engine) Upgrade(ctx context.Context, idx int) Phase {
	c := e.Table.Get(idx)
	oldPID := c.Dyn.PID

	if c.Decl.Handoff == component.HandoffCheckpoint && e.CRIU != nil && e.CRIU.Supported() {
		if e.tryCheckpoint(ctx, c, oldPID) {
			return e.finish(c)
		}
		e.logger().Warning().Str("component", c.Decl.Name).Log("checkpoint-based handoff failed, falling through")
	}

	if c.Decl.Handoff != component.HandoffNone && e.FD != nil {
		if e.tryFDPassing(ctx, c, oldPID) {
			return e.finish(c)
		}
		e.logger().Warning().Str("component", c.Decl.Name).Log("fd-passing handoff failed, falling through")
	}

	return e.tryRestart(c)
}

func (e *Engine) tryCheckpoint(ctx context.Context, c *component.Component, oldPID int) bool {
	c.Dyn.State = component.Starting // PREPARING, reusing STARTING as the component-table view
	dir, err := e.Transient.CreateDir(c.Decl.Name, e.now())
	if err != nil {
		return false
	}
	if err := e.CRIU.Checkpoint(ctx, oldPID, dir, true); err != nil {
		_ = os.RemoveAll(dir)
		return false
	}

	imageSize, _ := checkpoint.DirSize(dir)
	meta := checkpoint.Metadata{
		ComponentName: c.Decl.Name,
		OriginalPID:   oldPID,
		Timestamp:     e.now().Unix(),
		ImageSize:     imageSize,
		Capabilities:  strings.Join(c.Decl.Provides, ","),
		CRIUVersion:   checkpoint.ParseEngineVersion(e.CRIU.Version()),
		LeaveRunning:  true,
		PreserveFDs:   c.Decl.Checkpoint.PreserveFDs,
	}
	if err := e.Transient.SaveMeta(dir, meta); err != nil {
		_ = os.RemoveAll(dir)
		return false
	}

	newPID, err := e.CRIU.Restore(ctx, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return false
	}

	e.Sup.Terminate(c.Index)
	c.Dyn.PID = newPID

	if _, err := e.Transient.Cleanup(c.Decl.Name, checkpoint.DefaultKeepCount, checkpoint.DefaultMaxAge, e.now()); err != nil {
		e.logger().Warning().Str("component", c.Decl.Name).Str("err", err.Error()).Log("transient checkpoint cleanup failed")
	}

	return true
}

func (e *Engine) tryFDPassing(ctx context.Context, c *component.Component, oldPID int) bool {
	c.Dyn.State = component.Starting

	deadline, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	childPID, conn, err := e.FD.Spawn(deadline, c.Decl.Binary, c.Decl.Args)
	if err != nil {
		return false
	}
	defer conn.Close()

	// Signal the outgoing process to begin handing off its descriptors to
	// the grandchild, per spec.md §4.6/§6. Without this it never writes
	// the completion marker and the read below always times out.
	if oldPID > 0 {
		if err := syscall.Kill(oldPID, syscall.SIGUSR1); err != nil {
			e.logger().Warning().Str("component", c.Decl.Name).Str("err", err.Error()).Log("failed to signal old process to begin handoff")
		}
	}

	buf := make([]byte, len(completionMarker))
	_, err = io.ReadFull(conn, buf)
	if err != nil || string(buf) != completionMarker {
		return false
	}

	e.Sup.Terminate(c.Index)
	c.Dyn.PID = childPID
	return true
}

func (e *Engine) tryRestart(c *component.Component) Phase {
	for _, name := range c.Decl.Provides {
		e.Reg.Withdraw(name)
	}
	idx := c.Index
	e.Sup.Terminate(idx)
	c.Dyn.PID = 0
	c.Dyn.RestartCount = 0
	e.Sup.Start(idx)
	if c.Dyn.State == component.Failed {
		return Failed
	}
	return e.finish(c)
}

func (e *Engine) finish(c *component.Component) Phase {
	if c.Decl.Readiness != component.ReadinessNone {
		c.Dyn.State = component.ReadyWait
		c.Dyn.ReadyWaitStart = e.now()
		return Completing
	}
	c.Dyn.State = component.Active
	for _, name := range c.Decl.Provides {
		e.Reg.Register(name, c.Index)
	}
	return Done
}
