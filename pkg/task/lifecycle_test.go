package task_test

import (
	"testing"

	"github.com/scarlet-project/scarlet/pkg/arch"
	"github.com/scarlet-project/scarlet/pkg/arch/riscv64"
	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/physmem"
	"github.com/scarlet-project/scarlet/pkg/task"
	"github.com/scarlet-project/scarlet/pkg/vmm"
)

func newTestParent(t *testing.T, reg *task.Registry, phys *physmem.Pool) (*task.Task, uintptr) {
	t.Helper()

	vm, err := vmm.New(riscv64.NewSv39Layout(), phys)
	if err != nil {
		t.Fatalf("vmm.New: %v", err)
	}

	parent := task.NewUserTask(reg.Allocate(), "parent", 0, vm)
	if err := reg.Register(parent); err != nil {
		t.Fatalf("Register: %v", err)
	}

	paddr, err := phys.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := phys.Write(paddr, []byte("hello, child")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	const vaddr = 0x1000
	if err := vm.AddMemoryMap(vmm.MemoryMap{
		VAddrStart: vaddr,
		PAddrStart: paddr,
		Length:     arch.PageSize,
		Perm:       arch.Read | arch.Write | arch.User,
	}); err != nil {
		t.Fatalf("AddMemoryMap: %v", err)
	}

	parent.CPU.PC = 0x4000
	return parent, vaddr
}

func TestForkCopiesMappingsAndDiverges(t *testing.T) {
	reg := task.NewRegistry()
	phys := physmem.NewPool(0, 1<<20)
	parent, vaddr := newTestParent(t, reg, phys)

	child, err := task.Fork(parent, reg, phys)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if child.ParentID != parent.ID {
		t.Fatalf("child.ParentID = %d, want %d", child.ParentID, parent.ID)
	}
	found := false
	for _, id := range parent.Children {
		if id == child.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("parent.Children = %v, want to contain %d", parent.Children, child.ID)
	}
	if child.CPU.PC != parent.CPU.PC {
		t.Fatalf("child.CPU.PC = %#x, want %#x", child.CPU.PC, parent.CPU.PC)
	}
	if child.State() != task.Ready {
		t.Fatalf("child.State() = %v, want Ready", child.State())
	}

	parentPAddr, ok := parent.VMM.TranslateVaddr(vaddr)
	if !ok {
		t.Fatalf("parent mapping missing at %#x", vaddr)
	}
	childPAddr, ok := child.VMM.TranslateVaddr(vaddr)
	if !ok {
		t.Fatalf("child mapping missing at %#x", vaddr)
	}
	if childPAddr == parentPAddr {
		t.Fatalf("child shares parent's physical frame %#x, fork must copy", parentPAddr)
	}

	buf := make([]byte, len("hello, child"))
	if err := phys.Read(childPAddr, buf); err != nil {
		t.Fatalf("Read child frame: %v", err)
	}
	if string(buf) != "hello, child" {
		t.Fatalf("child frame = %q, want copied parent content", buf)
	}

	// Writing through the child's frame must never perturb the parent's
	// (spec.md §8 invariant 4: fork divergence).
	if err := phys.Write(childPAddr, []byte("mutated by chld")); err != nil {
		t.Fatalf("Write child frame: %v", err)
	}
	if err := phys.Read(parentPAddr, buf); err != nil {
		t.Fatalf("Read parent frame: %v", err)
	}
	if string(buf) != "hello, child" {
		t.Fatalf("parent frame = %q, want unchanged after child write", buf)
	}
}

func TestWaitBeforeExitReturnsWouldBlock(t *testing.T) {
	reg := task.NewRegistry()
	phys := physmem.NewPool(0, 1<<20)
	parent, _ := newTestParent(t, reg, phys)

	child, err := task.Fork(parent, reg, phys)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if _, err := task.Wait(parent, child.ID, reg); !kerr.Is(err, kerr.WouldBlockTask) {
		t.Fatalf("Wait on live child: got %v, want WouldBlockTask", err)
	}
}

func TestExitZombieThenWaitReapsChild(t *testing.T) {
	reg := task.NewRegistry()
	phys := physmem.NewPool(0, 1<<20)
	parent, _ := newTestParent(t, reg, phys)

	child, err := task.Fork(parent, reg, phys)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	task.Exit(child, 7, reg)
	if child.State() != task.Zombie {
		t.Fatalf("child.State() = %v, want Zombie (parent still alive)", child.State())
	}

	status, err := task.Wait(parent, child.ID, reg)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status != 7 {
		t.Fatalf("status = %d, want 7", status)
	}
	if child.State() != task.Terminated {
		t.Fatalf("child.State() = %v, want Terminated after reap", child.State())
	}
	if len(parent.Children) != 0 {
		t.Fatalf("parent.Children = %v, want empty after reap", parent.Children)
	}
	if _, ok := reg.Lookup(child.ID); ok {
		t.Fatalf("child %d still registered after reap", child.ID)
	}

	if _, err := task.Wait(parent, child.ID, reg); !kerr.Is(err, kerr.NoSuchChild) {
		t.Fatalf("Wait after reap: got %v, want NoSuchChild", err)
	}
}

func TestExitWithNoParentTerminatesImmediately(t *testing.T) {
	reg := task.NewRegistry()
	phys := physmem.NewPool(0, 1<<20)
	orphan, _ := newTestParent(t, reg, phys)

	task.Exit(orphan, 1, reg)
	if orphan.State() != task.Terminated {
		t.Fatalf("orphan.State() = %v, want Terminated", orphan.State())
	}
	if _, ok := reg.Lookup(orphan.ID); ok {
		t.Fatalf("orphan %d still registered after exit", orphan.ID)
	}
}
