package kobj

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/kerr"
)

// Handle is a small per-task integer naming a KernelObject (spec.md §3.4).
type Handle uint32

// Table is a task's handle table: handle -> KernelObject, under an
// exclusive lock held for the duration of any slot modification (spec.md
// §5's shared-resource discipline).
type Table struct {
	mu      sync.Mutex
	objects map[Handle]Object
	next    Handle
}

// NewTable returns an empty handle table.
func NewTable() *Table {
	return &Table{objects: make(map[Handle]Object)}
}

// Insert installs obj under a freshly allocated handle and returns it.
func (t *Table) Insert(obj Object) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	h := t.next
	t.objects[h] = obj
	return h
}

// Get returns the object at h, if any.
func (t *Table) Get(h Handle) (Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objects[h]
	return o, ok
}

// Close removes and closes the object at h.
func (t *Table) Close(h Handle) error {
	t.mu.Lock()
	obj, ok := t.objects[h]
	delete(t.objects, h)
	t.mu.Unlock()

	if !ok {
		return kerr.New(kerr.NotFound, "handle %d", h)
	}
	return obj.Close()
}

// CloseAll closes every object in the table, used on task termination.
func (t *Table) CloseAll() {
	t.mu.Lock()
	objs := t.objects
	t.objects = make(map[Handle]Object)
	t.mu.Unlock()

	for _, o := range objs {
		o.Close()
	}
}

// Len reports how many handles are currently open.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}

// cloneable is satisfied by variants with fork semantics; every concrete
// KernelObject in this package implements it.
type cloneable interface {
	Clone() (Object, error)
}

// Clone duplicates every slot into a new Table for a forked child,
// preserving handle numbers (spec.md §3.4, §4.7 step 2's handle-table
// overlay point). An object that doesn't implement CloneOps is dropped
// from the child rather than failing the whole fork, since the only
// built-in variants here all implement it.
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()

	child := NewTable()
	child.next = t.next
	for h, obj := range t.objects {
		c, ok := obj.(cloneable)
		if !ok {
			continue
		}
		cloned, err := c.Clone()
		if err != nil {
			continue
		}
		child.objects[h] = cloned
	}
	return child
}
