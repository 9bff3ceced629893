package eventloop

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeExitDrainer struct {
	batches [][]struct {
		Index int
		Code  int
	}
}

func (f *fakeExitDrainer) DrainExits() []struct {
	Index int
	Code  int
} {
	if len(f.batches) == 0 {
		return nil
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next
}

type fakeExitSink struct {
	seen []int
}

func (f *fakeExitSink) OnExit(idx int, code int) { f.seen = append(f.seen, idx) }

type fakeTicker struct{ ticks int }

func (f *fakeTicker) Tick() { f.ticks++ }

type fakeResolver struct{ resolves int }

func (f *fakeResolver) ResolveFull() { f.resolves++ }

func TestDrainExitsRoutesToOnExit(t *testing.T) {
	drainer := &fakeExitDrainer{batches: [][]struct {
		Index int
		Code  int
	}{
		{{Index: 1, Code: 0}, {Index: 2, Code: 1}},
	}}
	sink := &fakeExitSink{}
	l := &Loop{Supervisor: drainer, ExitSink: sink}

	l.drainExits()

	require.Equal(t, []int{1, 2}, sink.seen)
}

func TestServiceControlDispatchesOneConnectionPerTick(t *testing.T) {
	l := &Loop{}
	l.listenerEvents = make(chan net.Conn, 2)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	l.listenerEvents <- a

	var handled []net.Conn
	l.HandleConn = func(ctx context.Context, conn net.Conn) { handled = append(handled, conn) }

	l.serviceControl(context.Background())

	require.Equal(t, []net.Conn{a}, handled)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	l := &Loop{Health: &fakeTicker{}, Resolve: &fakeResolver{}}
	require.NoError(t, l.Start())
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWakeUnblocksPollIO(t *testing.T) {
	l := &Loop{}
	require.NoError(t, l.Start())
	defer l.Close()

	done := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Wake()
	}()

	start := time.Now()
	_, err := l.poller.PollIO(pollCapMs)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	close(done)
}
