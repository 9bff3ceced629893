// Package daemon wires every subsystem into the running init process:
// component table, registry, resolver, supervisor, health engine, handoff
// engine, checkpoint stores, control server, metrics, kexec orchestrator,
// and the event loop, per spec.md §4 end to end.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opinit/opinit/internal/checkpoint"
	"github.com/opinit/opinit/internal/component"
	"github.com/opinit/opinit/internal/control"
	"github.com/opinit/opinit/internal/criu"
	"github.com/opinit/opinit/internal/declfile"
	eventloop "github.com/opinit/opinit/internal/evloop"
	"github.com/opinit/opinit/internal/handoff"
	"github.com/opinit/opinit/internal/health"
	"github.com/opinit/opinit/internal/isolation"
	"github.com/opinit/opinit/internal/kexec"
	"github.com/opinit/opinit/internal/logging"
	"github.com/opinit/opinit/internal/metrics"
	"github.com/opinit/opinit/internal/registry"
	"github.com/opinit/opinit/internal/resolver"
	"github.com/opinit/opinit/internal/supervisor"
)

// Config controls where the daemon reads its declarations from and exposes
// its control socket, per spec.md §4.1/§4.8.
type Config struct {
	DeclDir        string
	ControlSocket  string
	KernelPath     string
	InitrdPath     string
	KexecCmdline   string
	CRIUBinary     string
	Log            *logging.Logger
	ShutdownWait   time.Duration
}

func (c Config) shutdownWait() time.Duration {
	if c.ShutdownWait > 0 {
		return c.ShutdownWait
	}
	return 5 * time.Second
}

// Daemon holds every live subsystem, assembled by New.
type Daemon struct {
	cfg Config
	log *logging.Logger

	table *component.Table
	reg   *registry.Registry
	sup   *supervisor.Supervisor
	res   *resolver.Resolver
	hlt   *health.Engine
	hoff  *handoff.Engine
	iso   *isolation.Driver

	transient  *checkpoint.Store
	persistent *checkpoint.Store

	ctrl *control.Server
	mtr  *metrics.Registry
	kex  *kexec.Orchestrator
	loop *eventloop.Loop
}

// New assembles every subsystem against a freshly loaded declaration
// directory. It does not start anything; call Run to enter the main loop.
func New(cfg Config) (*Daemon, error) {
	log := cfg.Log
	if log == nil {
		log = logging.Nop()
	}

	d := &Daemon{cfg: cfg, log: log}

	table := component.NewTable()
	decls, skipped, err := declfile.Load(cfg.DeclDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: load declarations: %w", err)
	}
	for _, s := range skipped {
		log.Warning().Str("err", s.Error()).Log("skipping invalid declaration file")
	}
	for _, decl := range decls {
		table.Add(decl)
	}
	d.table = table

	d.reg = registry.New()
	for _, name := range component.KernelCapabilities {
		d.reg.Register(name, 0)
	}
	d.iso = isolation.New()
	if err := d.iso.EnsureRoot(); err != nil {
		log.Warning().Str("err", err.Error()).Log("failed to ensure cgroup root, continuing without cgroup accounting")
	}

	d.sup = supervisor.New(table, d.reg, d.iso)
	d.sup.Log = log

	d.res = &resolver.Resolver{Table: table, Reg: d.reg, Sup: d.sup, Log: log}
	d.hlt = &health.Engine{Table: table, Reg: d.reg, Sup: d.sup, OOM: d.iso, Log: log}

	d.transient = checkpoint.NewTransient()
	d.persistent = checkpoint.NewPersistent()

	criuBin := cfg.CRIUBinary
	if criuBin == "" {
		criuBin = "criu"
	}
	criuEngine := &criu.ShellEngine{Bin: criuBin}

	d.hoff = &handoff.Engine{
		Table:     table,
		Reg:       d.reg,
		Sup:       d.sup,
		CRIU:      criuEngine,
		Transient: d.transient,
		FD:        handoff.UnixFDTransfer{},
		Log:       log,
	}

	d.mtr = metrics.New()

	d.kex = &kexec.Orchestrator{
		Table:      table,
		CRIU:       criuEngine,
		Persistent: d.persistent,
		Loader:     kexecLoader{},
		KernelPath: cfg.KernelPath,
		InitrdPath: cfg.InitrdPath,
		Cmdline:    cfg.KexecCmdline,
		Log:        log,
	}

	d.ctrl = &control.Server{
		Table:      table,
		Reg:        d.reg,
		Resolver:   d.res,
		Handoff:    d.hoff,
		Transient:  d.transient,
		Persistent: d.persistent,
		Kexec:      d.kex,
		Metrics:    d.mtr,
		Log:        log,
	}

	return d, nil
}

// Run starts every background piece (cgroup placement is driven lazily by
// the resolver's first sweep) and enters the event loop until ctx is
// canceled, then executes the shutdown sequence.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.RemoveAll(d.cfg.ControlSocket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: clear stale control socket: %w", err)
	}
	listener, err := net.Listen("unix", d.cfg.ControlSocket)
	if err != nil {
		return fmt.Errorf("daemon: listen on control socket: %w", err)
	}
	defer listener.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("daemon: create declaration watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.cfg.DeclDir); err != nil {
		d.log.Warning().Str("err", err.Error()).Log("failed to watch declaration directory, reload via control socket only")
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	d.loop = &eventloop.Loop{
		Supervisor: d.sup,
		ExitSink:   d.sup,
		Health:     d.hlt,
		Resolve:    d.res,
		Listener:   listener,
		HandleConn: d.ctrl.HandleConn,
		Watcher:    watcher,
		Reload:     d.reload,
		Signals:    sigCh,
	}
	d.sup.Wake = d.loop.Wake

	if err := d.loop.Start(); err != nil {
		return fmt.Errorf("daemon: start event loop: %w", err)
	}

	d.res.ResolveFull()

	runErr := d.loop.Run(ctx)

	d.shutdown()

	return runErr
}

// reload implements spec.md §4.9's configuration reload algorithm: snapshot
// pid/state per component name, reload the declaration directory into a
// fresh table, restore pid/state for survivors, re-register capabilities
// for surviving ACTIVE/ONESHOT_DONE components, cycle-check in warn-only
// mode, then resolve_full.
func (d *Daemon) reload() {
	type snapshot struct {
		pid   int
		state component.State
	}
	prior := make(map[string]snapshot, d.table.Len())
	for _, c := range d.table.All() {
		if c.Index == 0 {
			continue
		}
		prior[c.Decl.Name] = snapshot{pid: c.Dyn.PID, state: c.Dyn.State}
	}

	decls, skipped, err := declfile.Load(d.cfg.DeclDir)
	if err != nil {
		d.log.Warning().Str("err", err.Error()).Log("reload: failed to read declaration directory, keeping current table")
		return
	}
	for _, s := range skipped {
		d.log.Warning().Str("err", s.Error()).Log("reload: skipping invalid declaration file")
	}

	fresh := component.NewTable()
	for _, decl := range decls {
		fresh.Add(decl)
	}

	for _, c := range fresh.All() {
		if c.Index == 0 {
			continue
		}
		prev, ok := prior[c.Decl.Name]
		if !ok {
			continue
		}
		c.Dyn.PID = prev.pid
		c.Dyn.State = prev.state
	}

	freshReg := registry.New()
	for _, c := range fresh.All() {
		if c.Dyn.State == component.Active || c.Dyn.State == component.OneshotDone {
			for _, name := range c.Decl.Provides {
				freshReg.Register(name, c.Index)
			}
		}
	}

	edges := resolver.BuildEdges(fresh)
	if _, found := resolver.DetectCycle(edges, fresh.Len()); found {
		d.log.Warning().Log("reload: dependency cycle detected in reloaded graph, proceeding anyway (warn-only)")
	}

	d.table.ReplaceFrom(fresh)
	d.reg.ReplaceFrom(freshReg)
	d.res.ResolveFull()
}

func (d *Daemon) shutdown() {
	for _, c := range d.table.All() {
		if c.Index == 0 {
			continue
		}
		if c.Dyn.State.HasLiveProcess() {
			d.sup.Terminate(c.Index)
		}
	}

	deadline := time.Now().Add(d.cfg.shutdownWait())
	for time.Now().Before(deadline) {
		live := false
		for _, c := range d.table.All() {
			if c.Index != 0 && c.Dyn.State.HasLiveProcess() {
				live = true
			}
		}
		if !live {
			return
		}
		for _, e := range d.sup.DrainExits() {
			d.sup.OnExit(e.Index, e.Code)
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, c := range d.table.All() {
		if c.Index != 0 && c.Dyn.State.HasLiveProcess() && c.Dyn.PID > 0 {
			_ = syscall.Kill(c.Dyn.PID, syscall.SIGKILL)
		}
	}
}
