package resolver

import "errors"

// ErrCycle is returned by TopoSort when edges contains a cycle: Kahn's
// algorithm cannot produce a total order in that case, per spec.md §4.3.
var ErrCycle = errors.New("resolver: graph contains a cycle, no topological order exists")

// TopoSort runs Kahn's algorithm over edges covering all n nodes
// (0..n-1), per spec.md §4.3. On success it returns an order such that for
// every edge u->v, u precedes v in the returned slice. It refuses (returns
// ErrCycle) when the graph is not a DAG, rather than returning a partial
// order.
func TopoSort(edges Edges, n int) ([]int, error) {
	inDegree := make([]int, n)
	for u := 0; u < n; u++ {
		for _, v := range edges[u] {
			inDegree[v]++
		}
	}

	var queue []int
	for u := 0; u < n; u++ {
		if inDegree[u] == 0 {
			queue = append(queue, u)
		}
	}

	order := make([]int, 0, n)
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		order = append(order, u)

		for _, v := range edges[u] {
			inDegree[v]--
			if inDegree[v] == 0 {
				queue = append(queue, v)
			}
		}
	}

	if len(order) != n {
		return nil, ErrCycle
	}
	return order, nil
}
