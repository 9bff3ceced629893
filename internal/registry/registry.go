// Package registry implements the capability registry: a name-keyed table
// mapping a capability name to whichever component currently provides it.
//
// A capability is created the first time it is mentioned, either by a
// registration or by a component declaring it as a requirement, and is
// never destroyed afterwards. Only the most recent registrant owns a
// capability (last write wins); earlier providers are not notified and
// retain their own state, they simply lose ownership.
package registry

import "sync"

// ID identifies a capability within a Registry. It is stable for the
// lifetime of the process and safe to hold across reloads.
type ID int

// NoProvider is the sentinel Provider value for a capability with no
// current owner.
const NoProvider = -1

// entry is the per-capability record.
type entry struct {
	name     string
	active   bool
	degraded bool
	provider int // component index, or NoProvider
}

// Registry is the capability registry. The zero value is not usable; use
// New. Registry is not safe for concurrent use from multiple goroutines
// without external synchronization -- by design, per spec.md, all mutation
// happens on the single event-loop thread. The internal mutex exists only
// to let the control server's read-only status views run without risk if
// that invariant is ever relaxed; it is not a substitute for the
// single-thread design.
type Registry struct {
	mu      sync.Mutex
	byName  map[string]ID
	entries []entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]ID),
	}
}

// Index returns the ID for name, creating it if it does not yet exist.
func (r *Registry) Index(name string) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexLocked(name)
}

func (r *Registry) indexLocked(name string) ID {
	if id, ok := r.byName[name]; ok {
		return id
	}
	id := ID(len(r.entries))
	r.entries = append(r.entries, entry{name: name, provider: NoProvider})
	r.byName[name] = id
	return id
}

// Lookup returns the ID for name without creating it.
func (r *Registry) Lookup(name string) (ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	return id, ok
}

// Active reports whether name is currently active. A capability that has
// never been mentioned is not active.
func (r *Registry) Active(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return false
	}
	return r.entries[id].active
}

// Degraded reports whether name is active but its provider is degraded.
func (r *Registry) Degraded(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return false
	}
	return r.entries[id].degraded
}

// Provider returns the component index currently providing name, or
// NoProvider if there is none (including if name has never been seen).
func (r *Registry) Provider(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return NoProvider
	}
	return r.entries[id].provider
}

// Register marks name active with provider as its owner, creating the
// capability if necessary. Idempotent: registering the same provider again
// is a no-op beyond re-asserting active=true. The last caller to register
// a given name wins; any previous provider simply loses ownership, its own
// state is untouched.
func (r *Registry) Register(name string, provider int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.indexLocked(name)
	e := &r.entries[id]
	e.provider = provider
	e.active = true
}

// Withdraw clears the active flag for name, leaving the record (and its
// name->ID mapping) in place for history/lookup purposes. The provider
// field and degraded flag are cleared since there is no longer an owner.
func (r *Registry) Withdraw(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return
	}
	e := &r.entries[id]
	e.active = false
	e.degraded = false
	e.provider = NoProvider
}

// MarkDegraded sets or clears the degraded flag for name. It has no effect
// on an inactive or unknown capability beyond recording the flag, callers
// are expected to only call this for capabilities owned by the component
// transitioning state.
func (r *Registry) MarkDegraded(name string, degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return
	}
	r.entries[id].degraded = degraded
}

// Status is a read-only snapshot of one capability, for status views.
type Status struct {
	Name     string
	Active   bool
	Degraded bool
	Provider int
}

// ReplaceFrom swaps r's contents for other's, for the daemon's
// configuration reload (spec.md §4.9): a fresh Registry is built against
// the reloaded table, then grafted into the live one in place so every
// subsystem holding a *Registry pointer observes the new state without
// being re-wired. Copies only the data fields, never r's mutex.
func (r *Registry) ReplaceFrom(other *Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()
	r.byName = other.byName
	r.entries = other.entries
}

// All returns a snapshot of every known capability, ordered by ID
// (creation order).
func (r *Registry) All() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.entries))
	for i, e := range r.entries {
		out[i] = Status{Name: e.name, Active: e.active, Degraded: e.degraded, Provider: e.provider}
	}
	return out
}
