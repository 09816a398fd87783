// Package plic models a RISC-V Platform-Level Interrupt Controller as a
// simulated register bank: per-source priority, per-context enable bits and
// threshold, and a claim/complete register pair per context (spec.md §3.7,
// SPEC_FULL.md §D item 1).
package plic

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/interrupt"
	"github.com/scarlet-project/scarlet/pkg/kerr"
)

// MaxSources bounds the simulated priority/pending arrays. Real PLICs vary
// this per SoC; this core only needs enough room to exercise the protocol.
const MaxSources = 1024

// PLIC implements interrupt.ExternalController. One context per CPU, as on
// real RISC-V PLIC wiring (machine-mode context per hart).
type PLIC struct {
	mu sync.Mutex

	priority [MaxSources]uint32
	pending  [MaxSources]bool

	contexts map[interrupt.CPU]*context
}

type context struct {
	enabled   map[interrupt.ID]bool
	threshold uint32
	claimed   map[interrupt.ID]bool
}

// New returns an empty PLIC.
func New() *PLIC {
	return &PLIC{contexts: make(map[interrupt.CPU]*context)}
}

func (p *PLIC) contextFor(cpu interrupt.CPU) *context {
	c, ok := p.contexts[cpu]
	if !ok {
		c = &context{enabled: make(map[interrupt.ID]bool), claimed: make(map[interrupt.ID]bool)}
		p.contexts[cpu] = c
	}
	return c
}

// Raise marks id pending, as if a device asserted its interrupt line.
// Exposed for the virtio MMIO layer and tests to simulate device-initiated
// interrupts.
func (p *PLIC) Raise(id interrupt.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= MaxSources {
		return kerr.New(kerr.InvalidOperation, "plic source %d exceeds MaxSources", id)
	}
	p.pending[id] = true
	return nil
}

func (p *PLIC) Enable(id interrupt.ID, cpu interrupt.CPU, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contextFor(cpu).enabled[id] = enabled
	return nil
}

func (p *PLIC) SetPriority(id interrupt.ID, priority uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= MaxSources {
		return kerr.New(kerr.InvalidOperation, "plic source %d exceeds MaxSources", id)
	}
	p.priority[id] = priority
	return nil
}

func (p *PLIC) Priority(id interrupt.ID) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= MaxSources {
		return 0, kerr.New(kerr.InvalidOperation, "plic source %d exceeds MaxSources", id)
	}
	return p.priority[id], nil
}

func (p *PLIC) SetThreshold(cpu interrupt.CPU, threshold uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contextFor(cpu).threshold = threshold
	return nil
}

// Claim returns the highest-priority pending, enabled, above-threshold
// source for cpu's context, marking it claimed (spec.md §3.7's claim
// operation).
func (p *PLIC) Claim(cpu interrupt.CPU) (interrupt.ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx := p.contextFor(cpu)
	best := interrupt.ID(0)
	bestPriority := int64(-1)
	found := false

	for id := 0; id < MaxSources; id++ {
		if !p.pending[id] || !ctx.enabled[interrupt.ID(id)] {
			continue
		}
		if p.priority[id] <= ctx.threshold {
			continue
		}
		if int64(p.priority[id]) > bestPriority {
			bestPriority = int64(p.priority[id])
			best = interrupt.ID(id)
			found = true
		}
	}

	if !found {
		return 0, false
	}
	p.pending[best] = false
	ctx.claimed[best] = true
	return best, true
}

// Complete acknowledges id for cpu's context (spec.md §3.7's complete
// operation).
func (p *PLIC) Complete(cpu interrupt.CPU, id interrupt.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx := p.contextFor(cpu)
	if !ctx.claimed[id] {
		return kerr.New(kerr.InvalidOperation, "complete of unclaimed source %d on cpu %d", id, cpu)
	}
	delete(ctx.claimed, id)
	return nil
}
