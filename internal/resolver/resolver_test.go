package resolver_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opinit/opinit/internal/component"
	"github.com/opinit/opinit/internal/registry"
	"github.com/opinit/opinit/internal/resolver"
)

// fakeSupervisor starts components by registering their provided
// capabilities immediately (as if readiness is NONE) and terminates by
// clearing their pid.
type fakeSupervisor struct {
	table    *component.Table
	reg      *registry.Registry
	started  []int
	stopped  []int
}

func (f *fakeSupervisor) Start(idx int) {
	f.started = append(f.started, idx)
	c := f.table.Get(idx)
	c.Dyn.State = component.Active
	c.Dyn.PID = 1000 + idx
	for _, name := range c.Decl.Provides {
		f.reg.Register(name, idx)
	}
}

func (f *fakeSupervisor) Terminate(idx int) {
	f.stopped = append(f.stopped, idx)
	c := f.table.Get(idx)
	c.Dyn.PID = 0
}

func buildChain(t *testing.T) (*component.Table, *registry.Registry, *fakeSupervisor) {
	t.Helper()
	tbl := component.NewTable()
	aIdx := tbl.Add(component.Declaration{Name: "a", Provides: []string{"x"}})
	bIdx := tbl.Add(component.Declaration{Name: "b", Requires: []string{"x"}, Provides: []string{"y"}})
	cIdx := tbl.Add(component.Declaration{Name: "c", Requires: []string{"y"}})
	_ = aIdx
	_ = bIdx
	_ = cIdx
	reg := registry.New()
	return tbl, reg, &fakeSupervisor{table: tbl, reg: reg}
}

func TestResolveFullBringsChainFullyActive(t *testing.T) {
	tbl, reg, sup := buildChain(t)
	r := &resolver.Resolver{Table: tbl, Reg: reg, Sup: sup}

	r.ResolveFull()

	for _, name := range []string{"a", "b", "c"} {
		idx, ok := tbl.Lookup(name)
		require.True(t, ok)
		require.Equal(t, component.Active, tbl.Get(idx).Dyn.State, name)
	}
}

func TestResolveFullTerminatesWithinBound(t *testing.T) {
	tbl, reg, sup := buildChain(t)
	r := &resolver.Resolver{Table: tbl, Reg: reg, Sup: sup}
	r.ResolveFull()
	// a starts unconditionally, then b, then c: 3 transitions, all in the
	// first sweep since table order follows the dependency order.
	require.LessOrEqual(t, len(sup.started), tbl.Len())
}

func TestOneshotCapabilitiesSurviveExit(t *testing.T) {
	tbl := component.NewTable()
	tbl.Add(component.Declaration{Name: "init-task", Kind: component.Oneshot, Provides: []string{"filesystem"}})
	tbl.Add(component.Declaration{Name: "svc", Requires: []string{"filesystem"}})
	reg := registry.New()
	sup := &fakeSupervisor{table: tbl, reg: reg}

	// Simulate supervisor: oneshot exits 0 -> ONESHOT_DONE, caps registered.
	initIdx, _ := tbl.Lookup("init-task")
	tbl.Get(initIdx).Dyn.State = component.OneshotDone
	reg.Register("filesystem", initIdx)

	r := &resolver.Resolver{Table: tbl, Reg: reg, Sup: sup}
	r.ResolveFull()

	svcIdx, _ := tbl.Lookup("svc")
	require.Equal(t, component.Active, tbl.Get(svcIdx).Dyn.State)
	require.True(t, reg.Active("filesystem"))
}

func TestDependencyLossCascades(t *testing.T) {
	tbl, reg, sup := buildChain(t)
	r := &resolver.Resolver{Table: tbl, Reg: reg, Sup: sup}
	r.ResolveFull()

	bIdx, _ := tbl.Lookup("b")
	cIdx, _ := tbl.Lookup("c")

	// Kill b directly (as if the process exited) and withdraw x's... no,
	// b provides y; simulate b's own process exit by the supervisor path:
	reg.Withdraw("y")
	tbl.Get(bIdx).Dyn.State = component.Failed

	r.ResolveOnce()

	require.Equal(t, component.Failed, tbl.Get(cIdx).Dyn.State)
	require.Contains(t, sup.stopped, cIdx)
}

func TestFailedRetriesAfterQuietWindow(t *testing.T) {
	tbl := component.NewTable()
	tbl.Add(component.Declaration{Name: "solo"})
	reg := registry.New()
	sup := &fakeSupervisor{table: tbl, reg: reg}

	idx, _ := tbl.Lookup("solo")
	tbl.Get(idx).Dyn.State = component.Failed
	tbl.Get(idx).Dyn.LastRestart = time.Now().Add(-10 * time.Second)

	r := &resolver.Resolver{Table: tbl, Reg: reg, Sup: sup}
	r.ResolveFull()

	require.Equal(t, component.Active, tbl.Get(idx).Dyn.State)
}

func TestFailedDoesNotRetryBeforeQuietWindow(t *testing.T) {
	tbl := component.NewTable()
	tbl.Add(component.Declaration{Name: "solo"})
	reg := registry.New()
	sup := &fakeSupervisor{table: tbl, reg: reg}

	idx, _ := tbl.Lookup("solo")
	tbl.Get(idx).Dyn.State = component.Failed
	tbl.Get(idx).Dyn.LastRestart = time.Now()

	r := &resolver.Resolver{Table: tbl, Reg: reg, Sup: sup}
	r.ResolveOnce()

	require.Equal(t, component.Failed, tbl.Get(idx).Dyn.State)
}

func TestCycleDetection(t *testing.T) {
	tbl := component.NewTable()
	tbl.Add(component.Declaration{Name: "a", Requires: []string{"b-cap"}, Provides: []string{"a-cap"}})
	tbl.Add(component.Declaration{Name: "b", Requires: []string{"a-cap"}, Provides: []string{"b-cap"}})

	edges := resolver.BuildEdges(tbl)
	cycle, found := resolver.DetectCycle(edges, tbl.Len())
	require.True(t, found)
	require.NotEmpty(t, cycle)
}

func TestNoCycleInChain(t *testing.T) {
	tbl, _, _ := buildChain(t)
	edges := resolver.BuildEdges(tbl)
	_, found := resolver.DetectCycle(edges, tbl.Len())
	require.False(t, found)

	order, err := resolver.TopoSort(edges, tbl.Len())
	require.NoError(t, err)
	require.Len(t, order, tbl.Len())

	pos := make(map[int]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	for u, vs := range edges {
		for _, v := range vs {
			require.Less(t, pos[u], pos[v], "edge %d->%d must preserve order", u, v)
		}
	}
}

func TestTopoSortRefusesOnCycle(t *testing.T) {
	tbl := component.NewTable()
	tbl.Add(component.Declaration{Name: "a", Requires: []string{"b-cap"}, Provides: []string{"a-cap"}})
	tbl.Add(component.Declaration{Name: "b", Requires: []string{"a-cap"}, Provides: []string{"b-cap"}})
	edges := resolver.BuildEdges(tbl)
	_, err := resolver.TopoSort(edges, tbl.Len())
	require.ErrorIs(t, err, resolver.ErrCycle)
}

func TestRequirementsMetVacuouslyTrue(t *testing.T) {
	c := &component.Component{Decl: component.Declaration{}}
	require.True(t, c.RequirementsMet(func(string) bool { return false }))
}
