// Command opinitd is a PID-1 init daemon: it resolves a declared component
// graph, supervises each component's process, and serves a control socket
// for introspection and hot upgrades, per spec.md.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opinit/opinit/internal/daemon"
	"github.com/opinit/opinit/internal/isolation"
	"github.com/opinit/opinit/internal/logging"
)

func main() {
	// Every re-exec of this binary for namespace setup (internal/isolation's
	// self-reexec pattern) is dispatched here, before any normal daemon
	// bootstrap runs.
	if len(os.Args) > 1 && os.Args[1] == isolation.ReexecArg {
		if err := isolation.ReexecMain(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "opinitd: nsinit:", err)
			os.Exit(1)
		}
		return
	}

	var (
		declDir       string
		controlSocket string
		kernelPath    string
		initrdPath    string
		kexecCmdline  string
		criuBinary    string
		logLevel      string
	)

	flag.StringVar(&declDir, "decl-dir", "/etc/opinit/components.d", "directory of component declaration files")
	flag.StringVar(&controlSocket, "control-socket", "/run/opinit/control.sock", "unix-domain control socket path")
	flag.StringVar(&kernelPath, "kernel", "", "kernel image path for the kexec command")
	flag.StringVar(&initrdPath, "initrd", "", "optional initrd path for the kexec command")
	flag.StringVar(&kexecCmdline, "kernel-cmdline", "", "kernel command line for the kexec command")
	flag.StringVar(&criuBinary, "criu", "criu", "criu binary to shell out to for checkpoint/restore")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := logging.New(os.Stdout, logging.ParseLevel(logLevel))

	d, err := daemon.New(daemon.Config{
		DeclDir:       declDir,
		ControlSocket: controlSocket,
		KernelPath:    kernelPath,
		InitrdPath:    initrdPath,
		KexecCmdline:  kexecCmdline,
		CRIUBinary:    criuBinary,
		Log:           log,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "opinitd:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "opinitd:", err)
		os.Exit(1)
	}
}
