package isolation

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// ReexecArg is the argv[1] value the daemon's own binary recognizes as the
// namespace-setup re-exec entry point, per ApplyChild's doc comment: it is
// how mount/hostname setup reaches the inside of a freshly unshared
// namespace, which os/exec otherwise gives no hook for.
const ReexecArg = "__opinit_nsinit"

const (
	envNamespaces = "OPINIT_NS_LIST"
	envRoot       = "OPINIT_NS_ROOT"
	envHostname   = "OPINIT_NS_HOSTNAME"
)

// Command builds an *exec.Cmd that, when started with Cloneflags set to
// CloneFlags(namespaces), re-execs the daemon's own binary into the
// ReexecMain entry point, which completes mount/hostname setup from inside
// the new namespaces before finally exec'ing binary/args.
func Command(selfPath, binary string, args, namespaces []string, root, hostname string) *exec.Cmd {
	argv := append([]string{ReexecArg, binary}, args...)
	cmd := exec.Command(selfPath, argv...)
	cmd.Env = append(os.Environ(),
		envNamespaces+"="+strings.Join(namespaces, ","),
		envRoot+"="+root,
		envHostname+"="+hostname,
	)
	return cmd
}

// ReexecMain is the body of the re-exec entry point: it finishes namespace
// setup (mount, hostname) from inside the namespace the kernel already
// placed this process in via clone(), then execs the real target. It never
// returns on success.
//
// args is os.Args[2:] from a process started with argv[1] == ReexecArg:
// args[0] is the target binary, the rest are its arguments.
func ReexecMain(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("isolation: reexec: missing target binary")
	}
	namespaces := splitNonEmpty(os.Getenv(envNamespaces))
	root := os.Getenv(envRoot)
	hostname := os.Getenv(envHostname)

	if err := ApplyChild(namespaces, root, hostname); err != nil {
		return err
	}

	binary := args[0]
	path, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("isolation: reexec: resolve %s: %w", binary, err)
	}
	return syscall.Exec(path, append([]string{binary}, args[1:]...), os.Environ())
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
