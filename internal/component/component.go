// Package component holds the component table: the flat, index-addressed
// array of component records the rest of the daemon operates on. Index 0
// is always the synthetic kernel pseudo-component (spec.md §4.2).
package component

import "time"

// Resources holds the resource limits a component's cgroup is configured
// with, per spec.md §4.10. Zero values mean "no limit configured" for that
// field; the isolation driver only writes fields that were set.
type Resources struct {
	Cgroup    string
	MemoryMax string // e.g. "512M", accepts K/M/G suffix
	MemoryHigh string
	CPUWeight int // clamped [1,10000]
	CPUMax    string // e.g. "50000 100000" (quota period), empty = unset
	IOWeight  int // clamped [1,10000]
	PidsMax   int
}

// Isolation holds the namespace/root/hostname configuration for a
// component, per spec.md §4.10.
type Isolation struct {
	Namespaces []string // subset of {mount,pid,net,uts,ipc,user}
	Root       string   // private tmpfs scratch dir, if mount requested
	Hostname   string   // applied only if uts requested
}

// CheckpointPolicy holds the per-component checkpoint preferences declared
// under the [checkpoint] section, per spec.md §6.
type CheckpointPolicy struct {
	Enabled       bool
	PreserveFDs   []int
	LeaveRunning  bool
	MemoryEstimate int64
	MaxAge        time.Duration
}

// Declaration is every static, file-derived attribute of a component, per
// spec.md §3.2.
type Declaration struct {
	Name     string
	Binary   string
	Args     []string
	Kind     Kind
	Requires []string
	Provides []string
	Optional []string

	ReloadSignal string // e.g. "SIGHUP"

	Handoff HandoffPreference

	Readiness        ReadinessMethod
	ReadinessParam    string // path, shell command, or signal name depending on Readiness
	ReadinessTimeout  time.Duration
	ReadinessInterval time.Duration

	HealthCheck            string
	HealthInterval         time.Duration
	HealthTimeout          time.Duration
	HealthFailThreshold    int // consecutive failures before DEGRADED
	HealthRestartThreshold int // consecutive failures before FAILED

	Resources Resources
	Isolation Isolation

	Checkpoint CheckpointPolicy
}

// Dynamic holds every runtime attribute of a component, per spec.md §3.2.
type Dynamic struct {
	State              State
	PID                int
	RestartCount       int
	LastRestart        time.Time
	ReadyWaitStart     time.Time
	HealthFailCount    int
	LastHealthAt       time.Time
	LastHealthOK       bool
	LastOOMKillCount   uint64
}

// Component is one row of the component table: its declaration plus its
// current dynamic state.
type Component struct {
	Index int
	Decl  Declaration
	Dyn   Dynamic
}

// RequirementsMet reports whether every capability c requires is active in
// reg. With no requirements this is vacuously true, per spec.md §8.
func (c *Component) RequirementsMet(active func(name string) bool) bool {
	for _, req := range c.Decl.Requires {
		if !active(req) {
			return false
		}
	}
	return true
}

// KernelName is the reserved name of the synthetic pseudo-component that
// always occupies index 0, per spec.md §4.2.
const KernelName = "kernel"

// KernelCapabilities are the platform capabilities the kernel
// pseudo-component pre-registers so leaf components can depend on them
// without a real provider.
var KernelCapabilities = []string{
	"filesystem-root",
	"proc",
	"sysfs",
	"devtmpfs",
	"network-loopback",
}
