package task

import (
	"github.com/scarlet-project/scarlet/pkg/arch"
	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/physmem"
	"github.com/scarlet-project/scarlet/pkg/vmm"
)

// Fork implements clone_task (spec.md §4.7): allocates a child task,
// byte-copies every parent mapping into freshly allocated physical frames,
// copies register/segment state, clones the handle table and (if present)
// the ABI module, then links parent and child and registers the child
// Ready.
func Fork(parent *Task, reg *Registry, phys *physmem.Pool) (*Task, error) {
	if parent.VMM == nil {
		return nil, kerr.New(kerr.InvalidOperation, "cannot fork a task with no address space")
	}

	childID := reg.Allocate()
	childVMM, err := vmm.New(parent.VMM.Table().Layout(), phys)
	if err != nil {
		return nil, err
	}

	child := NewUserTask(childID, parent.Name, parent.Priority, childVMM)
	child.Type = parent.Type

	for _, mm := range parent.VMM.Mappings() {
		if err := copyMapping(parent.VMM, childVMM, mm, phys); err != nil {
			return nil, err
		}
	}

	child.CPU = parent.CPU
	child.Segments = parent.Segments
	child.SetCwd(parent.Cwd())

	child.Handles = parent.Handles.Clone()

	if parent.ABI != nil {
		child.ABI = parent.ABI.Clone()
	}

	child.ParentID = parent.ID
	parent.mu.Lock()
	parent.Children = append(parent.Children, childID)
	parent.mu.Unlock()

	if err := reg.Register(child); err != nil {
		return nil, err
	}

	child.setState(Ready)
	return child, nil
}

// copyMapping allocates a fresh physical range the same size as mm,
// byte-copies its contents, and installs it in child under the same
// virtual range and permissions (spec.md §4.7 step 2).
func copyMapping(parentVMM, childVMM *vmm.Manager, mm vmm.MemoryMap, phys *physmem.Pool) error {
	buf := make([]byte, mm.Length)
	if err := phys.Read(mm.PAddrStart, buf); err != nil {
		return err
	}

	// Allocate a contiguous-enough run of frames by taking one frame at a
	// time; physmem.Pool is a bump allocator so frames handed out in a
	// tight loop are contiguous in practice. The copy below writes each page
	// to its own frame, but the mapping installed afterwards relies on that
	// contiguity (see below).
	pages := int(mm.Length / arch.PageSize)
	frames := make([]uintptr, pages)
	for i := range frames {
		f, err := phys.Alloc()
		if err != nil {
			return err
		}
		frames[i] = f
	}

	for i, frame := range frames {
		chunk := buf[i*arch.PageSize : (i+1)*arch.PageSize]
		if err := phys.Write(frame, chunk); err != nil {
			return err
		}
	}

	// Install the child mapping. This core does not model scatter-gather
	// physical ranges, so a copied mapping is only contiguous when the
	// allocator handed out contiguous frames (always true for the bump
	// allocator used throughout this kernel); a real buddy/frame allocator
	// would require MemoryMap to carry a page list instead of a base+len.
	return childVMM.AddMemoryMap(vmm.MemoryMap{
		VAddrStart: mm.VAddrStart,
		PAddrStart: frames[0],
		Length:     mm.Length,
		Perm:       mm.Perm,
	})
}

// Wait implements the wait syscall primitive (spec.md §4.7): if childID is
// not one of parent's children, NoSuchChild. If the child is Zombie,
// retrieve its exit status, detach it from parent, transition it to
// Terminated and reclaim it from the registry. Otherwise report
// WouldBlockTask — the ABI syscall handler is responsible for reinstalling
// the trap PC and yielding to the scheduler (spec.md §5's suspension
// points), so Wait itself never blocks.
func Wait(parent *Task, childID ID, reg *Registry) (int, error) {
	parent.mu.Lock()
	idx := -1
	for i, id := range parent.Children {
		if id == childID {
			idx = i
			break
		}
	}
	parent.mu.Unlock()

	if idx < 0 {
		return 0, kerr.New(kerr.NoSuchChild, "task %d is not a child of %d", childID, parent.ID)
	}

	child, ok := reg.Lookup(childID)
	if !ok {
		return 0, kerr.New(kerr.NoSuchChild, "child %d already reaped", childID)
	}

	if child.State() != Zombie {
		return 0, kerr.New(kerr.WouldBlockTask, "child %d has not exited", childID)
	}

	status, _ := child.ExitStatus()

	parent.mu.Lock()
	parent.Children = append(parent.Children[:idx:idx], parent.Children[idx+1:]...)
	parent.mu.Unlock()

	child.setState(Terminated)
	reg.Remove(childID)

	return status, nil
}

// Exit implements spec.md §4.7's exit(status): a task with a live parent
// becomes Zombie, preserving its status for wait(); an orphan becomes
// Terminated immediately and is reclaimed on the spot.
func Exit(t *Task, status int, reg *Registry) {
	t.mu.Lock()
	t.exitStatus = &status
	t.mu.Unlock()

	if t.ParentID != 0 {
		if _, ok := reg.Lookup(t.ParentID); ok {
			t.setState(Zombie)
			return
		}
	}

	t.setState(Terminated)
	t.Handles.CloseAll()
	reg.Remove(t.ID)
}
