// Package metrics backs the control server's "metrics" command
// (spec.md §4.8) with github.com/prometheus/client_golang collectors,
// rendered to text on demand. No HTTP exporter is started; the control
// socket is the only metrics surface, consistent with spec.md's
// single-host non-goal.
package metrics

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/opinit/opinit/internal/component"
)

// Registry owns the daemon's collectors and the component-table snapshot
// logic that feeds them.
type Registry struct {
	reg *prometheus.Registry

	componentState   *prometheus.GaugeVec
	restartCount     *prometheus.GaugeVec
	checkpointUsage  prometheus.Gauge
	handoffOutcomes  *prometheus.CounterVec
}

// New constructs a Registry with every collector registered.
func New() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),
		componentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opinit_component_state",
			Help: "Current state of each component (1 = in this state, 0 = not).",
		}, []string{"component", "state"}),
		restartCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opinit_component_restart_count",
			Help: "Cumulative restart count per component.",
		}, []string{"component"}),
		checkpointUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opinit_checkpoint_storage_bytes",
			Help: "Total bytes consumed by the checkpoint store.",
		}),
		handoffOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opinit_handoff_outcomes_total",
			Help: "Count of handoff attempts by outcome (checkpoint, fd-passing, restart, failed).",
		}, []string{"outcome"}),
	}
	m.reg.MustRegister(m.componentState, m.restartCount, m.checkpointUsage, m.handoffOutcomes)
	return m
}

// Snapshot updates the component-derived gauges from the current table
// state. It is called just before rendering, since the daemon does not run
// a background scrape loop.
func (m *Registry) Snapshot(t *component.Table) {
	m.componentState.Reset()
	for _, c := range t.All() {
		m.componentState.WithLabelValues(c.Decl.Name, c.Dyn.State.String()).Set(1)
		m.restartCount.WithLabelValues(c.Decl.Name).Set(float64(c.Dyn.RestartCount))
	}
}

// RecordCheckpointUsage sets the checkpoint storage gauge.
func (m *Registry) RecordCheckpointUsage(bytes int64) {
	m.checkpointUsage.Set(float64(bytes))
}

// RecordHandoffOutcome increments the outcome counter for one completed
// upgrade attempt.
func (m *Registry) RecordHandoffOutcome(outcome string) {
	m.handoffOutcomes.WithLabelValues(outcome).Inc()
}

// Render writes every collector's current value to w in Prometheus text
// exposition format, the same encoding promhttp.Handler would serve over
// HTTP -- here rendered on demand for the control socket instead, per
// spec.md's single-host non-goal (no HTTP exporter is started).
func (m *Registry) Render(w io.Writer) error {
	families, err := m.reg.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode: %w", err)
		}
	}
	return nil
}
