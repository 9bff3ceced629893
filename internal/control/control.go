// Package control implements the control server of spec.md §4.8: a
// unix-domain stream socket accepting one line-oriented text command per
// connection, synchronously handled on the event loop's thread.
package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opinit/opinit/internal/checkpoint"
	"github.com/opinit/opinit/internal/component"
	"github.com/opinit/opinit/internal/handoff"
	"github.com/opinit/opinit/internal/kexec"
	"github.com/opinit/opinit/internal/logging"
	"github.com/opinit/opinit/internal/metrics"
	"github.com/opinit/opinit/internal/registry"
	"github.com/opinit/opinit/internal/resolver"
	"github.com/opinit/opinit/internal/wire"
)

// logTailSize bounds the in-memory ring of recent per-component log lines
// the "logs" command serves from, per SPEC_FULL.md's domain stack: this
// avoids re-reading the on-disk log file for the common case.
const logTailSize = 256

// Server handles one control-socket connection at a time, synchronously,
// per spec.md §4.8: every handler runs inline on the caller's goroutine,
// which the event loop drives from its single thread.
type Server struct {
	Table      *component.Table
	Reg        *registry.Registry
	Resolver   *resolver.Resolver
	Handoff    *handoff.Engine
	Transient  *checkpoint.Store
	Persistent *checkpoint.Store
	Kexec      *kexec.Orchestrator
	Metrics    *metrics.Registry
	Log        *logging.Logger

	logTails map[string]*lru.Cache[int, string]
}

func (s *Server) logger() *logging.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logging.Nop()
}

// AppendLogLine records one line of a component's stdout/stderr into the
// bounded recent-lines ring the "logs" command serves from.
func (s *Server) AppendLogLine(component string, seq int, line string) {
	if s.logTails == nil {
		s.logTails = make(map[string]*lru.Cache[int, string])
	}
	cache, ok := s.logTails[component]
	if !ok {
		c, err := lru.New[int, string](logTailSize)
		if err != nil {
			return
		}
		cache = c
		s.logTails[component] = cache
	}
	cache.Add(seq, line)
}

// HandleConn processes exactly one command from conn, writes the response,
// then closes conn, per spec.md §4.8.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return
	}
	line = strings.TrimRight(line, "\r\n")

	cmd, err := wire.Parse(line)
	if err != nil {
		fmt.Fprintf(conn, "error: %v\n", err)
		return
	}

	s.dispatch(ctx, conn, cmd)
}

func (s *Server) dispatch(ctx context.Context, w io.Writer, cmd wire.Command) {
	switch cmd.Verb {
	case wire.VerbStatus:
		s.writeStatus(w)
	case wire.VerbCapabilities:
		s.writeCapabilities(w)
	case wire.VerbTree:
		s.writeTree(w, cmd.Component)
	case wire.VerbSimulateRemove:
		s.writeSimulateRemove(w, cmd.Component)
	case wire.VerbGraph:
		s.writeGraph(w)
	case wire.VerbLogs:
		s.writeLogs(w, cmd.Component, cmd.Lines)
	case wire.VerbPoll:
		s.writePoll(w, cmd.Component)
	case wire.VerbUpgrade:
		s.writeUpgrade(ctx, w, cmd.Component)
	case wire.VerbCheckpointList:
		s.writeCheckpointList(w, cmd.Component)
	case wire.VerbCheckpointRemove:
		s.writeCheckpointRemove(w, cmd.Component)
	case wire.VerbCycles:
		s.writeCycles(w)
	case wire.VerbMetrics:
		s.writeMetrics(w)
	case wire.VerbValidate:
		s.writeValidate(w)
	case wire.VerbKexec:
		s.writeKexec(ctx, w, cmd.DryRun)
	default:
		fmt.Fprintf(w, "error: unsupported command\n")
	}
}

func (s *Server) writeStatus(w io.Writer) {
	for _, c := range s.Table.All() {
		fmt.Fprintf(w, "%-24s %-12s pid=%d restarts=%d\n", c.Decl.Name, c.Dyn.State, c.Dyn.PID, c.Dyn.RestartCount)
	}
}

func (s *Server) writeCapabilities(w io.Writer) {
	for _, status := range s.Reg.All() {
		provider := "-"
		if status.Provider != registry.NoProvider {
			provider = s.Table.Get(status.Provider).Decl.Name
		}
		fmt.Fprintf(w, "%-24s active=%-5t degraded=%-5t provider=%s\n", status.Name, status.Active, status.Degraded, provider)
	}
}

func (s *Server) writeTree(w io.Writer, name string) {
	idx, ok := s.Table.Lookup(name)
	if !ok {
		fmt.Fprintf(w, "error: unknown component %q\n", name)
		return
	}
	c := s.Table.Get(idx)
	fmt.Fprintf(w, "%s requires:\n", name)
	for _, req := range c.Decl.Requires {
		fmt.Fprintf(w, "  %s (provided by %s)\n", req, providerName(s.Table, s.Reg, req))
	}
	fmt.Fprintf(w, "%s is required by:\n", name)
	for _, other := range s.Table.All() {
		for _, prov := range c.Decl.Provides {
			if contains(other.Decl.Requires, prov) {
				fmt.Fprintf(w, "  %s (via %s)\n", other.Decl.Name, prov)
			}
		}
	}
}

func (s *Server) writeSimulateRemove(w io.Writer, name string) {
	idx, ok := s.Table.Lookup(name)
	if !ok {
		fmt.Fprintf(w, "error: unknown component %q\n", name)
		return
	}
	c := s.Table.Get(idx)
	var affected []string
	for _, other := range s.Table.All() {
		if other.Index == idx {
			continue
		}
		for _, prov := range c.Decl.Provides {
			if contains(other.Decl.Requires, prov) {
				affected = append(affected, other.Decl.Name)
			}
		}
	}
	sort.Strings(affected)
	if len(affected) == 0 {
		fmt.Fprintf(w, "removing %s affects no other component\n", name)
		return
	}
	fmt.Fprintf(w, "removing %s would cascade-fail: %s\n", name, strings.Join(affected, ", "))
}

func (s *Server) writeGraph(w io.Writer) {
	edges := resolver.BuildEdges(s.Table)
	for idx := 0; idx < s.Table.Len(); idx++ {
		c := s.Table.Get(idx)
		var deps []string
		for _, dep := range edges[idx] {
			deps = append(deps, s.Table.Get(dep).Decl.Name)
		}
		fmt.Fprintf(w, "%-24s -> %s\n", c.Decl.Name, strings.Join(deps, ", "))
	}
}

func (s *Server) writeLogs(w io.Writer, name string, n int) {
	if n <= 0 {
		n = 20
	}
	cache, ok := s.logTails[name]
	if !ok {
		fmt.Fprintf(w, "no log lines buffered for %s\n", name)
		return
	}
	keys := cache.Keys()
	sort.Ints(keys)
	if len(keys) > n {
		keys = keys[len(keys)-n:]
	}
	for _, k := range keys {
		if line, ok := cache.Get(k); ok {
			fmt.Fprintln(w, line)
		}
	}
}

func (s *Server) writePoll(w io.Writer, name string) {
	idx, ok := s.Table.Lookup(name)
	if !ok {
		fmt.Fprintf(w, "error: unknown component %q\n", name)
		return
	}
	s.Resolver.ResolveOnce()
	fmt.Fprintf(w, "%s state=%s\n", name, s.Table.Get(idx).Dyn.State)
}

func (s *Server) writeUpgrade(ctx context.Context, w io.Writer, name string) {
	idx, ok := s.Table.Lookup(name)
	if !ok {
		fmt.Fprintf(w, "error: unknown component %q\n", name)
		return
	}
	phase := s.Handoff.Upgrade(ctx, idx)
	fmt.Fprintf(w, "upgrade %s: %s\n", name, phase)
}

func (s *Server) writeCheckpointList(w io.Writer, name string) {
	entries, err := s.Persistent.List(name)
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s/%s\n", e.Component, e.ID)
	}
}

func (s *Server) writeCheckpointRemove(w io.Writer, name string) {
	latest, ok, err := s.Persistent.FindLatest(name)
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	if !ok {
		fmt.Fprintf(w, "no checkpoint found for %s\n", name)
		return
	}
	if err := s.Persistent.Remove(latest); err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	fmt.Fprintf(w, "removed %s/%s\n", latest.Component, latest.ID)
}

func (s *Server) writeCycles(w io.Writer) {
	edges := resolver.BuildEdges(s.Table)
	cycle, found := resolver.DetectCycle(edges, s.Table.Len())
	if !found {
		fmt.Fprintln(w, "no cycles detected")
		return
	}
	var names []string
	for _, idx := range cycle {
		names = append(names, s.Table.Get(idx).Decl.Name)
	}
	fmt.Fprintf(w, "cycle: %s\n", strings.Join(names, " -> "))
}

func (s *Server) writeMetrics(w io.Writer) {
	s.Metrics.Snapshot(s.Table)
	if err := s.Metrics.Render(w); err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
	}
}

func (s *Server) writeValidate(w io.Writer) {
	edges := resolver.BuildEdges(s.Table)
	if _, err := resolver.TopoSort(edges, s.Table.Len()); err != nil {
		fmt.Fprintf(w, "invalid: %v\n", err)
		return
	}
	fmt.Fprintln(w, "graph is valid")
}

func (s *Server) writeKexec(ctx context.Context, w io.Writer, dryRun bool) {
	if s.Kexec == nil {
		fmt.Fprintln(w, "error: kexec orchestrator not configured")
		return
	}
	if err := s.Kexec.Run(ctx, dryRun); err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	fmt.Fprintln(w, "kexec validation passed")
}

func providerName(t *component.Table, r *registry.Registry, capName string) string {
	idx := r.Provider(capName)
	if idx == registry.NoProvider {
		return "none"
	}
	return t.Get(idx).Decl.Name
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
