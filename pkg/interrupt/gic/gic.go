// Package gic models an ARM Generic Interrupt Controller distributor as a
// simulated register bank: GICD_ISENABLER-style per-(id,cpu) enable bits,
// GICD_IPRIORITYR priorities, and GICD_ICACTIVER-style active-clear on
// complete (spec.md §3.7, SPEC_FULL.md §D item 1).
package gic

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/interrupt"
	"github.com/scarlet-project/scarlet/pkg/kerr"
)

type key struct {
	id  interrupt.ID
	cpu interrupt.CPU
}

// GIC implements interrupt.ExternalController over a distributor model.
// Unlike the PLIC's per-context view, priority and pending state are
// shared across the distributor; enable is per (id, cpu), matching
// GICD_ISENABLERn's per-interrupt-per-PE semantics.
type GIC struct {
	mu sync.Mutex

	priority map[interrupt.ID]uint32
	pending  map[interrupt.ID]bool
	active   map[key]bool
	enabled  map[key]bool
	threshold map[interrupt.CPU]uint32
}

// New returns an empty GIC distributor model.
func New() *GIC {
	return &GIC{
		priority:  make(map[interrupt.ID]uint32),
		pending:   make(map[interrupt.ID]bool),
		active:    make(map[key]bool),
		enabled:   make(map[key]bool),
		threshold: make(map[interrupt.CPU]uint32),
	}
}

// Raise sets id pending on the distributor (GICD_ISPENDR equivalent).
func (g *GIC) Raise(id interrupt.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[id] = true
}

func (g *GIC) Enable(id interrupt.ID, cpu interrupt.CPU, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled[key{id, cpu}] = enabled
	return nil
}

func (g *GIC) SetPriority(id interrupt.ID, priority uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.priority[id] = priority
	return nil
}

func (g *GIC) Priority(id interrupt.ID) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.priority[id], nil
}

func (g *GIC) SetThreshold(cpu interrupt.CPU, threshold uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.threshold[cpu] = threshold
	return nil
}

// Claim is the GICC_IAR read equivalent: highest-priority pending,
// enabled, above-threshold interrupt for cpu, transitioning it to active.
func (g *GIC) Claim(cpu interrupt.CPU) (interrupt.ID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	threshold := g.threshold[cpu]
	best := interrupt.ID(0)
	bestPriority := int64(-1)
	found := false

	for id, isPending := range g.pending {
		if !isPending || !g.enabled[key{id, cpu}] {
			continue
		}
		if g.priority[id] <= threshold {
			continue
		}
		if int64(g.priority[id]) > bestPriority {
			bestPriority = int64(g.priority[id])
			best = id
			found = true
		}
	}

	if !found {
		return 0, false
	}
	g.pending[best] = false
	g.active[key{best, cpu}] = true
	return best, true
}

// Complete is the GICC_EOIR write equivalent (GICD_ICACTIVER-style
// active-clear).
func (g *GIC) Complete(cpu interrupt.CPU, id interrupt.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := key{id, cpu}
	if !g.active[k] {
		return kerr.New(kerr.InvalidOperation, "complete of non-active interrupt %d on cpu %d", id, cpu)
	}
	delete(g.active, k)
	return nil
}
