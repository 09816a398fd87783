// Package task implements the process control block: address-space
// ownership, handle table, parent/child tree and the Ready/Running/
// Blocked/Zombie/Terminated lifecycle (spec.md §3.2).
package task

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/kobj"
	"github.com/scarlet-project/scarlet/pkg/vmm"
)

// ID is a task's unique, monotonic, process-wide identifier.
type ID uint64

// Privilege is the CPU mode a task's snapshot was captured in.
type Privilege int

const (
	PrivilegeUser Privilege = iota
	PrivilegeKernel
)

// CPUState is a virtual CPU snapshot: integer registers, program counter,
// privilege mode (spec.md §3.2). Register count/meaning is
// architecture-defined; this core only needs to copy and inspect it.
type CPUState struct {
	Regs      [32]uint64
	PC        uintptr
	Privilege Privilege
}

// Trapframe is the saved CPU state at a trap boundary, handed to ABI
// syscall handlers and to the suspension mechanism of spec.md §5: a
// blocking syscall saves its trap frame (PC pointing back at the ecall)
// and re-executes on resume.
type Trapframe struct {
	CPU CPUState
	// Args holds the syscall's raw argument registers, ABI-convention
	// dependent (e.g. a0-a5 on RISC-V).
	Args [6]uint64
	// Number is the raw syscall number as read from the ABI-convention
	// register, decoded by the ABI's table.
	Number uint64
}

// Segments tracks segment sizes with enforced maxima (spec.md §3.2).
type Segments struct {
	Text, Data, Stack       uintptr
	MaxText, MaxData, MaxStack uintptr
}

// ABIModule is the per-task pluggable syscall personality (spec.md §4.8).
// Declared here, not in pkg/abi, so pkg/task never imports pkg/abi —
// concrete ABI implementations (pkg/abi/linux, pkg/abi/xv6) import
// pkg/task and satisfy this interface instead.
type ABIModule interface {
	Name() string

	// Clone returns a fresh copy of ABI-specific per-process state for a
	// forked child (spec.md §4.7's "ABI layer overlays ABI-specific child
	// state after the generic clone").
	Clone() ABIModule

	// HandleSyscall decodes frame.Number via the ABI's own static table
	// and invokes the associated handler (spec.md §4.8).
	HandleSyscall(t *Task, frame *Trapframe) (uintptr, error)

	// CanExecuteBinary inspects magic bytes and path hints, returning a
	// 0-100 confidence score, or -1 if this ABI cannot run the binary at
	// all (spec.md §4.7 step 2).
	CanExecuteBinary(magic []byte, path string) int

	// ExecuteBinary loads the binary into t per this ABI's conventions:
	// replaces text/data mappings, resets the stack, populates argv/envp,
	// updates PC (spec.md §4.7 step 3).
	ExecuteBinary(t *Task, argv, envp []string, frame *Trapframe) error

	// InitializeFromExistingHandles decides, for each handle in the
	// pre-exec handle table, whether to retain, replace or close it
	// (spec.md §4.7 step 4).
	InitializeFromExistingHandles(t *Task, existing *kobj.Table) *kobj.Table
}

// Task is the process control block (spec.md §3.2).
type Task struct {
	mu sync.Mutex

	ID       ID
	Name     string
	Priority int
	Type     Type

	CPU CPUState
	VMM *vmm.Manager

	Segments Segments

	ParentID ID // 0 means no parent (init, or already reaped)
	Children []ID

	state      State
	exitStatus *int

	Handles *kobj.Table

	// Cwd is left as an opaque reference (an interface{} in practice
	// holding a *vfs.Entry) so pkg/task never imports pkg/vfs; the VFS
	// manager and syscall layer set/read it via SetCwd/Cwd.
	cwd interface{}

	ABI ABIModule
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Cwd returns the task's current working directory reference.
func (t *Task) Cwd() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cwd
}

// SetCwd updates the task's current working directory reference.
func (t *Task) SetCwd(cwd interface{}) {
	t.mu.Lock()
	t.cwd = cwd
	t.mu.Unlock()
}

// ExitStatus returns the task's exit status, if it has exited.
func (t *Task) ExitStatus() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exitStatus == nil {
		return 0, false
	}
	return *t.exitStatus, true
}

// newBase allocates the common fields shared by new_user_task and
// new_kernel_task (spec.md §3.2's constructors).
func newBase(id ID, name string, priority int, typ Type) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Priority: priority,
		Type:     typ,
		state:    NotInitialized,
		Handles:  kobj.NewTable(),
	}
}

// NewUserTask constructs a User task with the given virtual memory
// manager. The caller (the registry, normally) assigns the id.
func NewUserTask(id ID, name string, priority int, vm *vmm.Manager) *Task {
	t := newBase(id, name, priority, User)
	t.VMM = vm
	return t
}

// NewKernelTask constructs a Kernel task. Kernel tasks share the kernel's
// own address space rather than owning a VMM.
func NewKernelTask(id ID, name string, priority int) *Task {
	return newBase(id, name, priority, Kernel)
}

// Init records entry as t.CPU's PC and stackPointer as its stack pointer,
// then transitions NotInitialized -> Ready (spec.md §3.2's lifecycle).
func (t *Task) Init(entry, stackPointer uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.CPU.PC = entry
	t.CPU.Regs[2] = uint64(stackPointer) // sp, by RISC-V/AArch64 convention (x2/sp)
	t.state = Ready
	return nil
}

// Schedule transitions Ready -> Running; Blocked -> Running is also valid
// (a resumed task).
func (t *Task) Schedule() {
	t.setState(Running)
}

// Block transitions Running -> Blocked (I/O or synchronization wait).
func (t *Task) Block() {
	t.setState(Blocked)
}

// Yield transitions Running -> Ready without blocking on anything.
func (t *Task) Yield() {
	t.setState(Ready)
}
