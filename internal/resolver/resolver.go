package resolver

import (
	"time"

	"github.com/opinit/opinit/internal/component"
	"github.com/opinit/opinit/internal/logging"
	"github.com/opinit/opinit/internal/registry"
)

// restartQuiet is the minimum time that must elapse after a restart
// attempt before a FAILED component is retried, per spec.md §4.3.
const restartQuiet = 5 * time.Second

// Supervisor is the subset of internal/supervisor's API the resolver
// needs: starting a component and terminating an already-running one when
// its dependencies are lost. Defined locally so the resolver does not
// depend on the supervisor package; internal/daemon wires the concrete
// implementation in.
type Supervisor interface {
	Start(idx int)
	Terminate(idx int)
}

// Resolver drives component state transitions by sweeping the component
// table against the capability registry.
type Resolver struct {
	Table *component.Table
	Reg   *registry.Registry
	Sup   Supervisor
	Log   *logging.Logger
	Now   func() time.Time
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Resolver) logger() *logging.Logger {
	if r.Log != nil {
		return r.Log
	}
	return logging.Nop()
}

// ResolveOnce sweeps the table and executes exactly one transition per
// component, per spec.md §4.3. It returns the number of components whose
// state changed this sweep.
func (r *Resolver) ResolveOnce() int {
	changed := 0
	for _, c := range r.Table.All() {
		if c.Index == 0 {
			continue // kernel pseudo-component never transitions
		}
		if r.stepOne(c) {
			changed++
		}
	}
	return changed
}

func (r *Resolver) stepOne(c *component.Component) bool {
	met := c.RequirementsMet(r.Reg.Active)

	switch c.Dyn.State {
	case component.Inactive:
		if met {
			r.Sup.Start(c.Index)
			return true
		}

	case component.ReadyWait:
		if !met {
			r.dropForLostDependency(c)
			return true
		}

	case component.Active, component.Degraded:
		if !met {
			r.dropForLostDependency(c)
			return true
		}

	case component.Failed:
		if met && r.now().Sub(c.Dyn.LastRestart) >= restartQuiet {
			c.Dyn.State = component.Inactive
			return true
		}
	}
	return false
}

// dropForLostDependency implements the "dependency loss" error policy of
// spec.md §7: withdraw this component's capabilities, terminate its
// process, and mark it FAILED. The resolver will retry it once
// requirements hold again and the restart-quiet window has passed.
func (r *Resolver) dropForLostDependency(c *component.Component) {
	for _, name := range c.Decl.Provides {
		r.Reg.Withdraw(name)
	}
	r.Sup.Terminate(c.Index)
	c.Dyn.State = component.Failed
	r.logger().Warning().Str("component", c.Decl.Name).Log("component lost a required dependency")
}

// ResolveFull drives ResolveOnce to a fixed point, bounded at 2*n
// iterations per spec.md §4.3. Exceeding the bound is logged as a probable
// cycle; the sweep simply stops rather than erroring, the system recovers
// on the next external event.
func (r *Resolver) ResolveFull() {
	n := r.Table.Len()
	limit := 2 * n
	if limit == 0 {
		limit = 1
	}
	for i := 0; i < limit; i++ {
		if r.ResolveOnce() == 0 {
			return
		}
	}
	r.logger().Warning().Int("bound", limit).Log("resolve_full exceeded iteration bound, probable cycle")
}
