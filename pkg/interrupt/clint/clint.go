// Package clint models a RISC-V Core-Local Interruptor: per-CPU timer
// compare registers (mtimecmp) and software-interrupt pending bits (msip),
// implementing interrupt.LocalController (spec.md §3.7).
package clint

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/interrupt"
)

// CLINT is a shared timer/software-interrupt controller spanning every CPU
// it's registered for; real hardware has one CLINT instance system-wide
// with per-hart register banks, modeled here as per-CPU maps.
type CLINT struct {
	mu sync.Mutex

	deadlines map[interrupt.CPU]uint64
	swPending map[interrupt.CPU]bool
	enabled   map[interrupt.CPU]map[interrupt.ID]bool
}

// New returns an empty CLINT.
func New() *CLINT {
	return &CLINT{
		deadlines: make(map[interrupt.CPU]uint64),
		swPending: make(map[interrupt.CPU]bool),
		enabled:   make(map[interrupt.CPU]map[interrupt.ID]bool),
	}
}

func (c *CLINT) SetTimerDeadline(cpu interrupt.CPU, ticks uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines[cpu] = ticks
	return nil
}

func (c *CLINT) GetTimerDeadline(cpu interrupt.CPU) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadlines[cpu], nil
}

// SendSoftwareInterrupt sets msip pending on to, as if from's hart wrote
// to to's MSIP register.
func (c *CLINT) SendSoftwareInterrupt(from, to interrupt.CPU) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swPending[to] = true
	return nil
}

func (c *CLINT) Enable(cpu interrupt.CPU, kind interrupt.ID, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.enabled[cpu]
	if !ok {
		m = make(map[interrupt.ID]bool)
		c.enabled[cpu] = m
	}
	m[kind] = enabled
	return nil
}

// SoftwarePending reports and clears cpu's pending software interrupt bit,
// for the scheduler's tick loop to consume.
func (c *CLINT) SoftwarePending(cpu interrupt.CPU) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.swPending[cpu]
	c.swPending[cpu] = false
	return p
}

// TimerExpired reports whether now has passed cpu's configured deadline.
func (c *CLINT) TimerExpired(cpu interrupt.CPU, now uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deadlines[cpu]
	return ok && now >= d
}
