// Package interrupt implements IRQ dispatch: a multi-controller
// InterruptManager routing claimed interrupt ids to registered handlers and
// tracking per-CPU statistics (spec.md §3.7, §4.2).
package interrupt

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/kerr"
)

// CPU identifies a simulated processor.
type CPU uint32

// ID identifies an interrupt source.
type ID uint32

// LocalController owns timer and software interrupts for a CPU or range of
// CPUs (spec.md §3.7).
type LocalController interface {
	SetTimerDeadline(cpu CPU, ticks uint64) error
	GetTimerDeadline(cpu CPU) (uint64, error)
	SendSoftwareInterrupt(from, to CPU) error
	Enable(cpu CPU, kind ID, enabled bool) error
}

// ExternalController owns device interrupts, typically one system-wide
// instance (spec.md §3.7).
type ExternalController interface {
	Enable(id ID, cpu CPU, enabled bool) error
	SetPriority(id ID, priority uint32) error
	Priority(id ID) (uint32, error)
	SetThreshold(cpu CPU, threshold uint32) error

	// Claim returns the next pending id for cpu, or ok=false if none.
	Claim(cpu CPU) (id ID, ok bool)
	// Complete acknowledges handling of id on cpu.
	Complete(cpu CPU, id ID) error
}

// Handler is a function-style interrupt handler. Reentrant reports whether
// this handler tolerates being interrupted again while it runs (spec.md
// §4.2's nesting tracking).
type Handler struct {
	Fn        func(cpu CPU, id ID) error
	Reentrant bool
}

// Device is a device-style interrupt handler, checked before function
// handlers on dispatch (spec.md §4.2: "looks up a device handler first,
// else a function handler").
type Device interface {
	HandleInterrupt(cpu CPU, id ID) error
	Reentrant() bool
}

// CPUStats is the per-CPU interrupt counters spec.md §4.2 requires.
type CPUStats struct {
	Total, Handled, Failed, Nested, MaxNesting uint64
}

// Manager is the InterruptManager (spec.md §4.2): one external controller,
// one or more local controllers indexed by CPU, and two handler maps keyed
// by interrupt id.
type Manager struct {
	mu sync.RWMutex

	external ExternalController
	locals   map[CPU]LocalController

	funcHandlers   map[ID]Handler
	deviceHandlers map[ID]Device

	stats map[CPU]*CPUStats
	nest  map[CPU]int
}

// NewManager constructs a Manager with no controllers registered yet.
func NewManager() *Manager {
	return &Manager{
		locals:         make(map[CPU]LocalController),
		funcHandlers:   make(map[ID]Handler),
		deviceHandlers: make(map[ID]Device),
		stats:          make(map[CPU]*CPUStats),
		nest:           make(map[CPU]int),
	}
}

// RegisterExternalController installs the system's sole external controller.
// Double registration is a fatal boot-time error (spec.md §6's fatal-error
// list), surfaced here as an error the caller panics on.
func (m *Manager) RegisterExternalController(c ExternalController) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.external != nil {
		return kerr.New(kerr.AlreadyExists, "external interrupt controller already registered")
	}
	m.external = c
	return nil
}

// RegisterLocalController installs the local controller owning cpu.
func (m *Manager) RegisterLocalController(cpu CPU, c LocalController) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locals[cpu] = c
}

// Local returns the local controller owning cpu, if any.
func (m *Manager) Local(cpu CPU) (LocalController, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.locals[cpu]
	return c, ok
}

// RegisterInterruptHandler installs a function handler for id (spec.md
// §4.2's register_interrupt_handler). Fails if id already has a function
// handler registered, matching RegisterExternalController's
// double-registration refusal.
func (m *Manager) RegisterInterruptHandler(id ID, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.funcHandlers[id]; exists {
		return kerr.New(kerr.AlreadyExists, "interrupt %d already has a function handler", id)
	}
	m.funcHandlers[id] = h
	return nil
}

// RegisterInterruptDevice installs a device handler for id (spec.md §4.2's
// register_interrupt_device). Fails if id already has a device handler
// registered.
func (m *Manager) RegisterInterruptDevice(id ID, dev Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.deviceHandlers[id]; exists {
		return kerr.New(kerr.AlreadyExists, "interrupt %d already has a device handler", id)
	}
	m.deviceHandlers[id] = dev
	return nil
}

func (m *Manager) statsFor(cpu CPU) *CPUStats {
	s, ok := m.stats[cpu]
	if !ok {
		s = &CPUStats{}
		m.stats[cpu] = s
	}
	return s
}

// Stats returns a copy of the per-CPU statistics, for the monitor's
// introspection API and pkg/diag.
func (m *Manager) Stats(cpu CPU) CPUStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.stats[cpu]; ok {
		return *s
	}
	return CPUStats{}
}

// HandleExternalInterrupt implements spec.md §4.2's
// handle_external_interrupt: looks up a device handler first, then a
// function handler, invokes it, then completes at the controller
// regardless of outcome, updating nesting and failure statistics.
func (m *Manager) HandleExternalInterrupt(cpu CPU, id ID) error {
	m.mu.Lock()
	dev, hasDevice := m.deviceHandlers[id]
	fn, hasFunc := m.funcHandlers[id]
	external := m.external
	stats := m.statsFor(cpu)
	stats.Total++

	reentrant := true
	if hasDevice {
		reentrant = dev.Reentrant()
	} else if hasFunc {
		reentrant = fn.Reentrant
	}

	depth := m.nest[cpu] + 1
	m.nest[cpu] = depth
	if uint64(depth) > stats.MaxNesting {
		stats.MaxNesting = uint64(depth)
	}
	if depth > 1 {
		stats.Nested++
	}
	m.mu.Unlock()

	var handleErr error
	switch {
	case hasDevice:
		handleErr = dev.HandleInterrupt(cpu, id)
	case hasFunc:
		handleErr = fn.Fn(cpu, id)
	default:
		// No handler registered is not an error (spec.md §4.2's failure
		// semantics): the interrupt is simply completed below.
	}
	_ = reentrant // reserved for preemption-safety enforcement at dispatch time

	m.mu.Lock()
	m.nest[cpu]--
	if hasDevice || hasFunc {
		if handleErr != nil {
			stats.Failed++
		} else {
			stats.Handled++
		}
	}
	m.mu.Unlock()

	if external == nil {
		return kerr.New(kerr.DeviceError, "no external interrupt controller registered")
	}
	// Complete unconditionally, even on handler failure, to avoid wedging
	// the hardware (spec.md §4.2).
	if err := external.Complete(cpu, id); err != nil {
		return err
	}
	return handleErr
}

// ClaimAndHandleExternalInterrupt implements spec.md §4.2's
// claim_and_handle_external_interrupt.
func (m *Manager) ClaimAndHandleExternalInterrupt(cpu CPU) (ID, bool, error) {
	m.mu.RLock()
	external := m.external
	m.mu.RUnlock()

	if external == nil {
		return 0, false, kerr.New(kerr.DeviceError, "no external interrupt controller registered")
	}

	id, ok := external.Claim(cpu)
	if !ok {
		return 0, false, nil
	}
	err := m.HandleExternalInterrupt(cpu, id)
	return id, true, err
}
