// Package vmm implements the per-task VirtualMemoryManager: an ordered,
// non-overlapping set of virtual->physical mappings backed by an
// architecture page table, plus ASID assignment (spec.md §3.3, §4.1).
package vmm

import (
	"sort"
	"sync"

	"github.com/scarlet-project/scarlet/pkg/arch"
	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/physmem"
)

// MemoryMap is one (virtual-range, physical-range, permissions) mapping.
// Ranges are page-aligned and equal in length (spec.md §3.3).
type MemoryMap struct {
	VAddrStart uintptr
	PAddrStart uintptr
	Length     uintptr // bytes, multiple of arch.PageSize
	Perm       arch.Permissions
}

func (m MemoryMap) VAddrEnd() uintptr { return m.VAddrStart + m.Length }

// asidAllocator hands out monotonically increasing ASIDs, process-wide.
// Task creation happens from parallel kernel threads across CPUs (spec.md
// §5), so allocation is serialized under a mutex.
type asidAllocator struct {
	mu   sync.Mutex
	next arch.ASID
}

func (a *asidAllocator) next_() arch.ASID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next
}

var globalASID asidAllocator

// Manager is a task's VirtualMemoryManager: its page table, ASID, and
// ordered mapping list.
type Manager struct {
	table    *arch.Table
	asid     arch.ASID
	mappings []MemoryMap // sorted by VAddrStart, non-overlapping
	phys     *physmem.Pool

	brkBase uintptr // top of the data segment at creation
	brkTop  uintptr // current break
}

// New constructs a VMM over layout, backed by phys for frame allocation and
// user-memory access, assigning the next process-wide ASID.
func New(layout arch.Layout, phys *physmem.Pool) (*Manager, error) {
	table, err := arch.NewTable(layout, phys.Alloc)
	if err != nil {
		return nil, err
	}
	return &Manager{
		table: table,
		asid:  globalASID.next_(),
		phys:  phys,
	}, nil
}

// ASID returns the manager's address-space identifier.
func (m *Manager) ASID() arch.ASID { return m.asid }

// Table exposes the underlying page table, e.g. for TransparentExecutor to
// tear down text/data mappings on exec.
func (m *Manager) Table() *arch.Table { return m.table }

// Mappings returns a copy of the current mapping list, sorted by virtual
// start.
func (m *Manager) Mappings() []MemoryMap {
	out := make([]MemoryMap, len(m.mappings))
	copy(out, m.mappings)
	return out
}

func overlaps(a, b MemoryMap) bool {
	return a.VAddrStart < b.VAddrEnd() && b.VAddrStart < a.VAddrEnd()
}

// AddMemoryMap appends a non-overlapping mapping and installs PTEs for it
// (spec.md §4.1 VMM operations).
func (m *Manager) AddMemoryMap(mm MemoryMap) error {
	if mm.Length == 0 || mm.Length%arch.PageSize != 0 {
		return kerr.New(kerr.InvalidOperation, "mapping length %d not a page multiple", mm.Length)
	}
	for _, existing := range m.mappings {
		if overlaps(existing, mm) {
			return kerr.New(kerr.AlreadyExists, "mapping %#x-%#x overlaps existing %#x-%#x", mm.VAddrStart, mm.VAddrEnd(), existing.VAddrStart, existing.VAddrEnd())
		}
	}

	for off := uintptr(0); off < mm.Length; off += arch.PageSize {
		if err := m.table.Map(m.asid, mm.VAddrStart+off, mm.PAddrStart+off, mm.Perm); err != nil {
			return err
		}
	}

	m.mappings = append(m.mappings, mm)
	sort.Slice(m.mappings, func(i, j int) bool { return m.mappings[i].VAddrStart < m.mappings[j].VAddrStart })
	return nil
}

// RemoveMemoryMap removes and returns the mapping at index, unmapping its
// PTEs.
func (m *Manager) RemoveMemoryMap(index int) (MemoryMap, error) {
	if index < 0 || index >= len(m.mappings) {
		return MemoryMap{}, kerr.New(kerr.InvalidOperation, "mapping index %d out of range", index)
	}
	mm := m.mappings[index]
	for off := uintptr(0); off < mm.Length; off += arch.PageSize {
		if err := m.table.Unmap(m.asid, mm.VAddrStart+off); err != nil {
			return MemoryMap{}, err
		}
	}
	m.mappings = append(m.mappings[:index:index], m.mappings[index+1:]...)
	return mm, nil
}

// TranslateVaddr walks the page table for vaddr.
func (m *Manager) TranslateVaddr(vaddr uintptr) (uintptr, bool) {
	return m.table.Translate(m.asid, vaddr)
}

func (m *Manager) indexContaining(vaddr uintptr) int {
	for i, mm := range m.mappings {
		if vaddr >= mm.VAddrStart && vaddr < mm.VAddrEnd() {
			return i
		}
	}
	return -1
}

// FreePages frees [vaddr, vaddr+length) from whichever mapping(s) contain
// it. Freeing an interior sub-range splits the surviving mapping into two
// (spec.md §3.3's brk shrink edge case; §4.1's free_pages contract).
func (m *Manager) FreePages(vaddr, length uintptr) error {
	end := vaddr + length
	for {
		idx := m.indexContaining(vaddr)
		if idx < 0 {
			break
		}
		mm, err := m.RemoveMemoryMap(idx)
		if err != nil {
			return err
		}

		// Re-insert the surviving head [mm.start, vaddr).
		if mm.VAddrStart < vaddr {
			head := MemoryMap{
				VAddrStart: mm.VAddrStart,
				PAddrStart: mm.PAddrStart,
				Length:     vaddr - mm.VAddrStart,
				Perm:       mm.Perm,
			}
			if err := m.AddMemoryMap(head); err != nil {
				return err
			}
		}
		// Re-insert the surviving tail (end, mm.end).
		if mm.VAddrEnd() > end {
			tailStart := end
			tail := MemoryMap{
				VAddrStart: tailStart,
				PAddrStart: mm.PAddrStart + (tailStart - mm.VAddrStart),
				Length:     mm.VAddrEnd() - tailStart,
				Perm:       mm.Perm,
			}
			if err := m.AddMemoryMap(tail); err != nil {
				return err
			}
		}

		if mm.VAddrEnd() >= end {
			break
		}
		vaddr = mm.VAddrEnd()
	}
	return nil
}

// Brk adjusts the data segment break to newTop, allocating or freeing pages
// at the top of the data segment (spec.md §3.3).
func (m *Manager) Brk(newTop uintptr) error {
	if m.brkTop == 0 {
		return kerr.New(kerr.InvalidOperation, "brk region not initialized")
	}

	oldTop := m.brkTop
	if newTop == oldTop {
		return nil
	}

	if newTop > oldTop {
		grownBy := newTop - oldTop
		pages := (grownBy + arch.PageSize - 1) / arch.PageSize
		// One mapping for the whole grown range; like copyMapping, this
		// relies on the bump allocator handing out contiguous frames.
		var first uintptr
		for i := uintptr(0); i < pages; i++ {
			paddr, err := m.phys.Alloc()
			if err != nil {
				return err
			}
			if i == 0 {
				first = paddr
			}
		}
		if err := m.AddMemoryMap(MemoryMap{VAddrStart: oldTop, PAddrStart: first, Length: pages * arch.PageSize, Perm: arch.Read | arch.Write | arch.User}); err != nil {
			return err
		}
	} else {
		shrunkBy := oldTop - newTop
		if err := m.FreePages(newTop, shrunkBy); err != nil {
			return err
		}
	}

	m.brkTop = newTop
	return nil
}

// ReadUser copies len(dst) bytes starting at user virtual address vaddr,
// translating page by page (used by the ABI layer to read user-supplied
// structures, e.g. rt_sigaction's sigaction argument).
func (m *Manager) ReadUser(vaddr uintptr, dst []byte) error {
	return m.userCopy(vaddr, dst, false)
}

// WriteUser copies src into user memory starting at vaddr.
func (m *Manager) WriteUser(vaddr uintptr, src []byte) error {
	return m.userCopy(vaddr, src, true)
}

func (m *Manager) userCopy(vaddr uintptr, buf []byte, write bool) error {
	remaining := buf
	addr := vaddr
	for len(remaining) > 0 {
		pageOff := addr % arch.PageSize
		n := arch.PageSize - pageOff
		if uintptr(len(remaining)) < n {
			n = uintptr(len(remaining))
		}

		paddr, ok := m.TranslateVaddr(addr)
		if !ok {
			return kerr.New(kerr.InvalidOperation, "unmapped user address %#x", addr)
		}

		var err error
		if write {
			err = m.phys.Write(paddr, remaining[:n])
		} else {
			err = m.phys.Read(paddr, remaining[:n])
		}
		if err != nil {
			return err
		}

		remaining = remaining[n:]
		addr += n
	}
	return nil
}

// InitBrk establishes the initial data-segment break, used once at task
// setup after the data segment is mapped.
func (m *Manager) InitBrk(base uintptr) {
	m.brkBase = base
	m.brkTop = base
}

// BrkTop returns the current break.
func (m *Manager) BrkTop() uintptr { return m.brkTop }
