// Package resolver implements the graph resolver: the single-pass sweep
// that drives component state transitions, its fixed-point driver, and the
// cycle/topological analysis used for startup validation and reload.
package resolver

import "github.com/opinit/opinit/internal/component"

// Edges is an adjacency list: Edges[u] lists every v such that u has a
// directed edge to v. By construction (BuildEdges) an edge u->v means "u
// requires a capability that v provides".
type Edges map[int][]int

// BuildEdges constructs the dependency graph for t: one directed edge from
// each component to the component that currently provides each of its
// required capabilities, per spec.md §4.3. Ties among multiple declared
// providers of the same capability are broken the same way the registry
// breaks them at runtime (last write wins); since components register in
// table order as they start, "last declared in table order" is the static
// approximation of that rule used here.
func BuildEdges(t *component.Table) Edges {
	providerOf := make(map[string]int)
	for _, c := range t.All() {
		for _, name := range c.Decl.Provides {
			providerOf[name] = c.Index
		}
	}

	edges := make(Edges, t.Len())
	for _, c := range t.All() {
		for _, name := range c.Decl.Requires {
			if p, ok := providerOf[name]; ok && p != c.Index {
				edges[c.Index] = append(edges[c.Index], p)
			}
		}
	}
	return edges
}
