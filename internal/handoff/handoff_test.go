package handoff_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opinit/opinit/internal/checkpoint"
	"github.com/opinit/opinit/internal/component"
	"github.com/opinit/opinit/internal/criu"
	"github.com/opinit/opinit/internal/handoff"
	"github.com/opinit/opinit/internal/registry"
)

type fakeStarter struct {
	started    []int
	terminated []int
}

func (f *fakeStarter) Start(idx int)     { f.started = append(f.started, idx) }
func (f *fakeStarter) Terminate(idx int) { f.terminated = append(f.terminated, idx) }

type fakeRWC struct {
	*bytes.Reader
}

func (fakeRWC) Close() error { return nil }

type fakeFDTransfer struct {
	childPID int
}

func (f *fakeFDTransfer) Spawn(ctx context.Context, binary string, args []string) (int, handoff.ReadWriteCloser, error) {
	return f.childPID, fakeRWC{bytes.NewReader([]byte("HANDOFF_COMPLETE\n"))}, nil
}

var _ io.ReadCloser = fakeRWC{}

func newEngine(t *testing.T, tbl *component.Table, reg *registry.Registry, sup handoff.Starter, eng criu.Engine) *handoff.Engine {
	t.Helper()
	return &handoff.Engine{
		Table:     tbl,
		Reg:       reg,
		Sup:       sup,
		CRIU:      eng,
		Transient: &checkpoint.Store{Root: t.TempDir()},
	}
}

func TestUpgradeViaCheckpointSucceeds(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{Name: "svc", Provides: []string{"cap"}, Handoff: component.HandoffCheckpoint})
	tbl.Get(idx).Dyn.PID = 111
	reg := registry.New()
	sup := &fakeStarter{}
	eng := &criu.FakeEngine{SupportedValue: true}

	e := newEngine(t, tbl, reg, sup, eng)
	phase := e.Upgrade(context.Background(), idx)

	require.Equal(t, handoff.Done, phase)
	require.Contains(t, sup.terminated, idx)
	require.Equal(t, component.Active, tbl.Get(idx).Dyn.State)
	require.True(t, reg.Active("cap"))
	require.Equal(t, 1, tbl.Get(idx).Dyn.PID)
}

func TestUpgradeFallsThroughToRestartWhenUnsupported(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{Name: "svc", Provides: []string{"cap"}, Handoff: component.HandoffCheckpoint})
	tbl.Get(idx).Dyn.PID = 111
	reg := registry.New()
	sup := &fakeStarter{}

	e := newEngine(t, tbl, reg, sup, &criu.FakeEngine{SupportedValue: false})
	phase := e.Upgrade(context.Background(), idx)

	require.Equal(t, handoff.Done, phase)
	require.Contains(t, sup.started, idx)
	require.Contains(t, sup.terminated, idx)
}

func TestUpgradeReadyWaitWhenReadinessConfigured(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{
		Name: "svc", Readiness: component.ReadinessFile, ReadinessParam: "/x",
		Handoff: component.HandoffCheckpoint,
	})
	tbl.Get(idx).Dyn.PID = 111
	reg := registry.New()
	sup := &fakeStarter{}

	e := newEngine(t, tbl, reg, sup, &criu.FakeEngine{SupportedValue: true})
	phase := e.Upgrade(context.Background(), idx)

	require.Equal(t, handoff.Completing, phase)
	require.Equal(t, component.ReadyWait, tbl.Get(idx).Dyn.State)
}

func TestUpgradeFallsThroughWhenCheckpointFails(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{Name: "svc", Provides: []string{"cap"}, Handoff: component.HandoffCheckpoint})
	tbl.Get(idx).Dyn.PID = 111
	reg := registry.New()
	sup := &fakeStarter{}

	e := newEngine(t, tbl, reg, sup, &criu.FakeEngine{SupportedValue: true, FailCheckpoint: true})
	phase := e.Upgrade(context.Background(), idx)

	require.Equal(t, handoff.Done, phase)
	require.Contains(t, sup.started, idx) // fell all the way through to restart
}

func TestUpgradeViaCheckpointPrunesOldEntries(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{Name: "svc", Provides: []string{"cap"}, Handoff: component.HandoffCheckpoint})
	reg := registry.New()
	sup := &fakeStarter{}
	store := &checkpoint.Store{Root: t.TempDir()}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &handoff.Engine{
		Table:     tbl,
		Reg:       reg,
		Sup:       sup,
		CRIU:      &criu.FakeEngine{SupportedValue: true},
		Transient: store,
		Now:       func() time.Time { return now },
	}

	for i := 0; i < checkpoint.DefaultKeepCount+3; i++ {
		tbl.Get(idx).Dyn.PID = 111
		now = now.Add(time.Second)
		phase := e.Upgrade(context.Background(), idx)
		require.Equal(t, handoff.Done, phase)
	}

	entries, err := store.List("svc")
	require.NoError(t, err)
	require.Len(t, entries, checkpoint.DefaultKeepCount)
}

func TestUpgradeFDPassingPreferenceSkipsCheckpoint(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{Name: "svc", Provides: []string{"cap"}, Handoff: component.HandoffFDPassing})
	tbl.Get(idx).Dyn.PID = 111
	reg := registry.New()
	sup := &fakeStarter{}
	eng := &criu.FakeEngine{SupportedValue: true}

	e := &handoff.Engine{
		Table:     tbl,
		Reg:       reg,
		Sup:       sup,
		CRIU:      eng,
		Transient: &checkpoint.Store{Root: t.TempDir()},
		FD:        &fakeFDTransfer{childPID: 222},
	}
	phase := e.Upgrade(context.Background(), idx)

	require.Equal(t, handoff.Done, phase)
	require.Zero(t, eng.CheckpointCalls) // checkpoint rung skipped entirely
	require.Equal(t, 222, tbl.Get(idx).Dyn.PID)
	require.Contains(t, sup.terminated, idx)
}

func TestUpgradeNonePreferenceGoesStraightToRestart(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{Name: "svc", Provides: []string{"cap"}, Handoff: component.HandoffNone})
	tbl.Get(idx).Dyn.PID = 111
	reg := registry.New()
	sup := &fakeStarter{}
	eng := &criu.FakeEngine{SupportedValue: true}

	e := &handoff.Engine{
		Table:     tbl,
		Reg:       reg,
		Sup:       sup,
		CRIU:      eng,
		Transient: &checkpoint.Store{Root: t.TempDir()},
		FD:        &fakeFDTransfer{childPID: 222},
	}
	phase := e.Upgrade(context.Background(), idx)

	require.Equal(t, handoff.Done, phase)
	require.Zero(t, eng.CheckpointCalls)
	require.Contains(t, sup.started, idx) // plain restart, not fd-passing
	require.NotEqual(t, 222, tbl.Get(idx).Dyn.PID)
}
