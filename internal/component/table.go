package component

import "fmt"

// Table is the flat, index-addressed component array. Index 0 is always
// the synthetic kernel pseudo-component (spec.md §4.2). Table is not safe
// for concurrent mutation; per spec.md §4.9/§5 all mutation happens on the
// single event-loop thread.
type Table struct {
	components []*Component
	byName     map[string]int
}

// NewTable returns a Table pre-populated with the kernel pseudo-component
// at index 0, pre-registering KernelCapabilities among its Provides so the
// resolver treats them as satisfiable without a real backing process.
func NewTable() *Table {
	t := &Table{byName: make(map[string]int)}
	kernel := &Component{
		Index: 0,
		Decl: Declaration{
			Name:     KernelName,
			Kind:     Oneshot,
			Provides: append([]string(nil), KernelCapabilities...),
		},
		Dyn: Dynamic{State: OneshotDone},
	}
	t.components = append(t.components, kernel)
	t.byName[KernelName] = 0
	return t
}

// Add appends decl as a new component and returns its index. Names must be
// unique; Add panics on a duplicate name since the loader is expected to
// de-duplicate before calling Add (the kernel name is reserved).
func (t *Table) Add(decl Declaration) int {
	if _, exists := t.byName[decl.Name]; exists {
		panic(fmt.Sprintf("component: duplicate component name %q", decl.Name))
	}
	idx := len(t.components)
	t.components = append(t.components, &Component{
		Index: idx,
		Decl:  decl,
		Dyn:   Dynamic{State: Inactive},
	})
	t.byName[decl.Name] = idx
	return idx
}

// Len returns the number of components in the table, including the kernel
// pseudo-component.
func (t *Table) Len() int { return len(t.components) }

// Get returns the component at idx. It panics on an out-of-range index, as
// every caller in this daemon derives idx from the table itself.
func (t *Table) Get(idx int) *Component { return t.components[idx] }

// Lookup returns the index of the component named name, if any.
func (t *Table) Lookup(name string) (int, bool) {
	idx, ok := t.byName[name]
	return idx, ok
}

// All returns every component in index order. The returned slice shares
// storage with the table; callers must not retain it across mutation.
func (t *Table) All() []*Component { return t.components }

// ReplaceFrom swaps t's contents for other's, for the daemon's
// configuration reload (spec.md §4.9): a fresh Table is built from the
// reloaded declaration directory, then grafted into the live one in place
// so every subsystem holding a *Table pointer observes the new graph
// without being re-wired.
func (t *Table) ReplaceFrom(other *Table) {
	t.components = other.components
	t.byName = other.byName
}
