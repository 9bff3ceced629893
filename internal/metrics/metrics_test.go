package metrics_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opinit/opinit/internal/component"
	"github.com/opinit/opinit/internal/metrics"
)

func TestSnapshotAndRenderIncludesComponentState(t *testing.T) {
	tbl := component.NewTable()
	idx := tbl.Add(component.Declaration{Name: "svc"})
	tbl.Get(idx).Dyn.State = component.Active
	tbl.Get(idx).Dyn.RestartCount = 3

	m := metrics.New()
	m.Snapshot(tbl)

	var buf bytes.Buffer
	require.NoError(t, m.Render(&buf))

	out := buf.String()
	require.True(t, strings.Contains(out, "opinit_component_state"))
	require.True(t, strings.Contains(out, `component="svc"`))
	require.True(t, strings.Contains(out, "opinit_component_restart_count"))
}

func TestRecordHandoffOutcome(t *testing.T) {
	m := metrics.New()
	m.RecordHandoffOutcome("checkpoint")
	m.RecordHandoffOutcome("restart")

	var buf bytes.Buffer
	require.NoError(t, m.Render(&buf))
	require.True(t, strings.Contains(buf.String(), "opinit_handoff_outcomes_total"))
}
