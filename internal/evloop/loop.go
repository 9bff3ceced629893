// Package eventloop implements opinitd's single-threaded cooperative event
// loop, per spec.md §4.9: one readiness-multiplexing primitive awaiting
// the self-pipe wake-ups sent on child exits and control-socket
// connections, with a one-second wall-clock cap so periodic scans still
// fire on an otherwise idle system. Declaration-directory changes and
// reload/dump signals arrive on channels that each tick drains without
// blocking, so they are noticed within that one-second cap. The multiplexing primitive itself (FastPoller, in poller_linux.go
// / poller_darwin.go) and the self-pipe wake mechanism (wakeup_linux.go /
// wakeup_other.go) are carried over unchanged from their general-purpose
// form; this file is the part built for opinitd specifically.
package eventloop

import (
	"context"
	"net"
	"os"

	"github.com/fsnotify/fsnotify"
)

// pollCapMs bounds a single PollIO wait, per spec.md §4.9's one-second
// wall-clock cap.
const pollCapMs = 1000

// ExitDrainer is the subset of internal/supervisor's API the loop needs to
// reap finished children. The anonymous struct type mirrors
// internal/supervisor.Supervisor.DrainExits exactly so the concrete type
// satisfies this interface without an adapter.
type ExitDrainer interface {
	DrainExits() []struct {
		Index int
		Code  int
	}
}

// ExitHandler is called once per drained child exit.
type ExitHandler interface {
	OnExit(idx int, code int)
}

// Ticker is one per-iteration sweep invoked every tick regardless of which
// event woke the loop, per spec.md §4.9 ("every loop iteration ... invokes
// readiness polling, health polling ... then a fixed-point resolution").
type Ticker interface {
	Tick()
}

// Resolver drives the fixed-point graph resolution that closes out every
// tick.
type Resolver interface {
	ResolveFull()
}

// ConnHandler processes one accepted control-socket connection.
type ConnHandler func(ctx context.Context, conn net.Conn)

// ReloadFunc re-reads the declaration directory and folds it into the live
// component table, per spec.md §4.9's configuration reload algorithm.
type ReloadFunc func()

// Loop owns the daemon's single thread of execution.
type Loop struct {
	Supervisor ExitDrainer
	ExitSink   ExitHandler
	Health     Ticker
	Resolve    Resolver
	Listener   net.Listener
	HandleConn ConnHandler
	Watcher    *fsnotify.Watcher
	Reload     ReloadFunc
	Signals    <-chan os.Signal

	poller         FastPoller
	wakeFd         int
	wakeWriteFd    int
	listenerEvents chan net.Conn
	listenerErrors chan error
}

// Start initializes the poller, the wake self-pipe, and the control-socket
// accept goroutine. Must be called once before Run.
func (l *Loop) Start() error {
	if err := l.poller.Init(); err != nil {
		return err
	}

	rfd, wfd, err := createWakeFd(0, 0)
	if err != nil {
		return err
	}
	l.wakeFd, l.wakeWriteFd = rfd, wfd

	if err := l.poller.RegisterFD(l.wakeFd, EventRead, func(IOEvents) { l.drainWake() }); err != nil {
		return err
	}

	if l.Listener != nil {
		l.listenerEvents = make(chan net.Conn, 8)
		l.listenerErrors = make(chan error, 1)
		go l.acceptLoop()
	}

	return nil
}

// Wake writes an 8-byte value (the size an eventfd requires) to the
// self-pipe, waking a blocked PollIO. Safe to call from the supervisor's
// child-reaping goroutines and the control-socket accept goroutine, per
// spec.md §4.9's single-threaded scheduling model (the loop thread still
// does all state mutation; this only unblocks its wait).
func (l *Loop) Wake() {
	if l.wakeWriteFd < 0 {
		return
	}
	_, _ = writeFD(l.wakeWriteFd, []byte{1, 0, 0, 0, 0, 0, 0, 0})
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := readFD(l.wakeFd, buf[:])
		if err != nil || n <= 0 {
			break
		}
	}
}

// acceptLoop feeds accepted connections into a channel so the main tick
// can drain them without blocking the loop thread on Accept, and wakes the
// loop so the connection is serviced without waiting out the poll cap.
func (l *Loop) acceptLoop() {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			l.listenerErrors <- err
			return
		}
		l.listenerEvents <- conn
		l.Wake()
	}
}

// Run drives the fixed tick order of spec.md §4.9 until ctx is canceled:
// drain exits, service one pending control connection, service pending
// watch events, then readiness/health/resolve, bounded by a one-second
// poll.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		l.drainExits()
		l.serviceControl(ctx)
		l.serviceWatch()
		l.serviceSignals()

		if l.Health != nil {
			l.Health.Tick()
		}
		if l.Resolve != nil {
			l.Resolve.ResolveFull()
		}

		if _, err := l.poller.PollIO(pollCapMs); err != nil {
			return err
		}
	}
}

func (l *Loop) drainExits() {
	if l.Supervisor == nil || l.ExitSink == nil {
		return
	}
	for _, e := range l.Supervisor.DrainExits() {
		l.ExitSink.OnExit(e.Index, e.Code)
	}
}

func (l *Loop) serviceControl(ctx context.Context) {
	if l.listenerEvents == nil {
		return
	}
	select {
	case conn := <-l.listenerEvents:
		if l.HandleConn != nil {
			l.HandleConn(ctx, conn)
		} else {
			conn.Close()
		}
	case <-l.listenerErrors:
		l.listenerEvents = nil
	default:
	}
}

func (l *Loop) serviceWatch() {
	if l.Watcher == nil {
		return
	}
	var triggered bool
	for {
		select {
		case _, ok := <-l.Watcher.Events:
			if !ok {
				l.Watcher = nil
				return
			}
			triggered = true
			continue
		case <-l.Watcher.Errors:
			continue
		default:
		}
		break
	}
	if triggered && l.Reload != nil {
		l.Reload()
	}
}

func (l *Loop) serviceSignals() {
	if l.Signals == nil {
		return
	}
	for {
		select {
		case _, ok := <-l.Signals:
			if !ok {
				l.Signals = nil
				return
			}
			if l.Reload != nil {
				l.Reload()
			}
			continue
		default:
		}
		break
	}
}

// Close releases the poller and self-pipe. Idempotent.
func (l *Loop) Close() {
	if l.poller.closed.Load() {
		return
	}
	_ = l.poller.Close()
	_ = closeWakeFd(l.wakeFd, l.wakeWriteFd)
}
