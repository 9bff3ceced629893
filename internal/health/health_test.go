package health_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opinit/opinit/internal/component"
	"github.com/opinit/opinit/internal/health"
	"github.com/opinit/opinit/internal/registry"
)

type fakeTerminator struct {
	terminated []int
}

func (f *fakeTerminator) Terminate(idx int) {
	f.terminated = append(f.terminated, idx)
}

func TestPollReadinessFileSuccess(t *testing.T) {
	tbl := component.NewTable()
	path := t.TempDir() + "/ready"
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	idx := tbl.Add(component.Declaration{
		Name:      "svc",
		Readiness: component.ReadinessFile, ReadinessParam: path,
		Provides: []string{"cap"},
	})
	tbl.Get(idx).Dyn.State = component.ReadyWait
	tbl.Get(idx).Dyn.ReadyWaitStart = time.Now()
	reg := registry.New()

	e := &health.Engine{Table: tbl, Reg: reg, Sup: &fakeTerminator{}}
	e.Tick()

	require.Equal(t, component.Active, tbl.Get(idx).Dyn.State)
	require.True(t, reg.Active("cap"))
}

func TestPollReadinessFileMissingStaysWaiting(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{
		Name:      "svc",
		Readiness: component.ReadinessFile, ReadinessParam: "/no/such/path",
	})
	tbl.Get(idx).Dyn.State = component.ReadyWait
	tbl.Get(idx).Dyn.ReadyWaitStart = time.Now()
	reg := registry.New()

	e := &health.Engine{Table: tbl, Reg: reg, Sup: &fakeTerminator{}}
	e.Tick()

	require.Equal(t, component.ReadyWait, tbl.Get(idx).Dyn.State)
}

func TestPollReadinessTimeoutFails(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{
		Name: "svc", Readiness: component.ReadinessFile, ReadinessParam: "/no/such/path",
		ReadinessTimeout: 10 * time.Second,
	})
	tbl.Get(idx).Dyn.State = component.ReadyWait
	tbl.Get(idx).Dyn.ReadyWaitStart = time.Now().Add(-20 * time.Second)
	reg := registry.New()
	term := &fakeTerminator{}

	e := &health.Engine{Table: tbl, Reg: reg, Sup: term}
	e.Tick()

	require.Equal(t, component.Failed, tbl.Get(idx).Dyn.State)
	require.Contains(t, term.terminated, idx)
}

func TestSignalReadyOnlyForSignalMethod(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{
		Name: "svc", Readiness: component.ReadinessSignal, Provides: []string{"cap"},
	})
	tbl.Get(idx).Dyn.State = component.ReadyWait
	reg := registry.New()

	e := &health.Engine{Table: tbl, Reg: reg, Sup: &fakeTerminator{}}
	e.Tick() // readiness signal method: the tick must not drive it
	require.Equal(t, component.ReadyWait, tbl.Get(idx).Dyn.State)

	e.SignalReady(idx)
	require.Equal(t, component.Active, tbl.Get(idx).Dyn.State)
	require.True(t, reg.Active("cap"))
}

func TestHealthDegradesAfterThreshold(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{
		Name: "svc", HealthCheck: "exit 1", HealthFailThreshold: 2,
		Provides: []string{"cap"},
	})
	tbl.Get(idx).Dyn.State = component.Active
	reg := registry.New()
	reg.Register("cap", idx)

	e := &health.Engine{
		Table: tbl, Reg: reg, Sup: &fakeTerminator{},
		Probe: func(ctx context.Context, cmd string) error { return context.DeadlineExceeded },
	}

	e.Tick()
	require.Equal(t, component.Active, tbl.Get(idx).Dyn.State)
	e.Tick()
	require.Equal(t, component.Degraded, tbl.Get(idx).Dyn.State)
	require.True(t, reg.Degraded("cap"))
}

func TestHealthRecoversFromDegraded(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{Name: "svc", HealthCheck: "exit 0", Provides: []string{"cap"}})
	tbl.Get(idx).Dyn.State = component.Degraded
	reg := registry.New()
	reg.Register("cap", idx)
	reg.MarkDegraded("cap", true)

	e := &health.Engine{
		Table: tbl, Reg: reg, Sup: &fakeTerminator{},
		Probe: func(ctx context.Context, cmd string) error { return nil },
	}
	e.Tick()

	require.Equal(t, component.Active, tbl.Get(idx).Dyn.State)
	require.False(t, reg.Degraded("cap"))
}

func TestHealthFailsAfterRestartThreshold(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{
		Name: "svc", HealthCheck: "exit 1", HealthRestartThreshold: 1,
		Provides: []string{"cap"},
	})
	tbl.Get(idx).Dyn.State = component.Degraded
	reg := registry.New()
	reg.Register("cap", idx)
	term := &fakeTerminator{}

	e := &health.Engine{
		Table: tbl, Reg: reg, Sup: term,
		Probe: func(ctx context.Context, cmd string) error { return context.DeadlineExceeded },
	}
	e.Tick()

	require.Equal(t, component.Failed, tbl.Get(idx).Dyn.State)
	require.False(t, reg.Active("cap"))
	require.Contains(t, term.terminated, idx)
}

type fakeOOMReader struct {
	counts map[string]uint64
}

func (f *fakeOOMReader) OOMKillCount(name string) (uint64, error) {
	return f.counts[name], nil
}

func TestOOMScanRecordsRisingCounterWithoutTerminating(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{Name: "svc", Provides: []string{"cap"}})
	tbl.Get(idx).Dyn.State = component.Active
	reg := registry.New()
	reg.Register("cap", idx)
	term := &fakeTerminator{}
	oom := &fakeOOMReader{counts: map[string]uint64{"svc": 1}}

	e := &health.Engine{Table: tbl, Reg: reg, Sup: term, OOM: oom}
	e.Tick()

	require.Equal(t, uint64(1), tbl.Get(idx).Dyn.LastOOMKillCount)
	require.Equal(t, component.Active, tbl.Get(idx).Dyn.State)
	require.Empty(t, term.terminated)

	oom.counts["svc"] = 2
	e.Tick()
	require.Equal(t, uint64(2), tbl.Get(idx).Dyn.LastOOMKillCount)
}
