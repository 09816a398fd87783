package task

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/kerr"
)

// Registry is the process-wide id -> *Task lookup (spec.md §3.2
// "Ownership", §9 "Cyclic parent/child lifetimes": parents hold child ids,
// children hold a parent id, and the registry is what turns an id back
// into a task, breaking the reference cycle a direct parent/child pointer
// pair would create).
type Registry struct {
	mu    sync.Mutex
	tasks map[ID]*Task
	nextID ID
}

// NewRegistry returns an empty registry, independent of the process-wide
// singleton that Global() returns.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[ID]*Task)}
}

var global = NewRegistry()

// Global returns the kernel's singleton task registry (spec.md §9: the
// global task registry is a process-wide singleton initialized once during
// boot, never torn down).
func Global() *Registry { return global }

// Allocate reserves the next task id without registering a task yet.
func (r *Registry) Allocate() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// Register adds t under t.ID, failing if that id is already registered.
func (r *Registry) Register(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.ID]; exists {
		return kerr.New(kerr.AlreadyExists, "task id %d already registered", t.ID)
	}
	r.tasks[t.ID] = t
	return nil
}

// Lookup returns the task for id, if registered.
func (r *Registry) Lookup(id ID) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Remove drops id from the registry, reclaiming it (spec.md §3.2: "a
// Terminated task's resources are reclaimed").
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// All returns a snapshot of every registered task, e.g. for a scheduler's
// ready-queue scan or a monitor's task listing.
func (r *Registry) All() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}
