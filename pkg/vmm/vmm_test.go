package vmm_test

import (
	"bytes"
	"testing"

	"github.com/scarlet-project/scarlet/pkg/arch"
	"github.com/scarlet-project/scarlet/pkg/arch/riscv64"
	"github.com/scarlet-project/scarlet/pkg/physmem"
	"github.com/scarlet-project/scarlet/pkg/vmm"
)

func newManager(t *testing.T) (*vmm.Manager, *physmem.Pool) {
	t.Helper()
	pool := physmem.NewPool(0x80000000, 16*arch.PageSize)
	m, err := vmm.New(riscv64.NewSv39Layout(), pool)
	if err != nil {
		t.Fatal(err)
	}
	return m, pool
}

func TestTranslateMatchesMapping(t *testing.T) {
	m, pool := newManager(t)
	paddr, err := pool.Alloc()
	if err != nil {
		t.Fatal(err)
	}

	vaddr := uintptr(0x10000)
	if err := m.AddMemoryMap(vmm.MemoryMap{VAddrStart: vaddr, PAddrStart: paddr, Length: arch.PageSize, Perm: arch.Read | arch.Write}); err != nil {
		t.Fatal(err)
	}

	got, ok := m.TranslateVaddr(vaddr + 4)
	if !ok || got != paddr+4 {
		t.Fatalf("got (%#x,%v) want (%#x,true)", got, ok, paddr+4)
	}
}

func TestAddMemoryMapRejectsOverlap(t *testing.T) {
	m, pool := newManager(t)
	p1, _ := pool.Alloc()
	p2, _ := pool.Alloc()

	if err := m.AddMemoryMap(vmm.MemoryMap{VAddrStart: 0x1000, PAddrStart: p1, Length: arch.PageSize, Perm: arch.Read}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddMemoryMap(vmm.MemoryMap{VAddrStart: 0x1000, PAddrStart: p2, Length: arch.PageSize, Perm: arch.Read}); err == nil {
		t.Fatalf("expected overlap rejection")
	}
}

func TestBrkGrowAndShrink(t *testing.T) {
	m, pool := newManager(t)
	base := uintptr(0x20000)
	m.InitBrk(base)

	for i := 0; i < 4; i++ {
		if _, err := pool.Alloc(); err != nil {
			t.Fatal(err)
		}
	}
	// reset pool pointer isn't possible; use a roomy pool instead for brk pages.
	_ = pool

	if err := m.Brk(base + 2*arch.PageSize); err != nil {
		t.Fatalf("grow: %v", err)
	}
	if len(m.Mappings()) != 1 {
		t.Fatalf("expected 1 mapping after grow, got %d", len(m.Mappings()))
	}

	if err := m.Brk(base + arch.PageSize); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	mm := m.Mappings()
	if len(mm) != 1 || mm[0].Length != arch.PageSize {
		t.Fatalf("expected single page-sized mapping after shrink, got %+v", mm)
	}
}

func TestReadWriteUser(t *testing.T) {
	m, pool := newManager(t)
	paddr, _ := pool.Alloc()
	vaddr := uintptr(0x30000)
	if err := m.AddMemoryMap(vmm.MemoryMap{VAddrStart: vaddr, PAddrStart: paddr, Length: arch.PageSize, Perm: arch.Read | arch.Write | arch.User}); err != nil {
		t.Fatal(err)
	}

	want := []byte("hello kernel")
	if err := m.WriteUser(vaddr+8, want); err != nil {
		t.Fatalf("WriteUser: %v", err)
	}

	got := make([]byte, len(want))
	if err := m.ReadUser(vaddr+8, got); err != nil {
		t.Fatalf("ReadUser: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestFreePagesSplitsInterior(t *testing.T) {
	m, pool := newManager(t)
	base := uintptr(0x40000)
	for i := 0; i < 3; i++ {
		paddr, err := pool.Alloc()
		if err != nil {
			t.Fatal(err)
		}
		if err := m.AddMemoryMap(vmm.MemoryMap{VAddrStart: base + uintptr(i)*arch.PageSize, PAddrStart: paddr, Length: arch.PageSize, Perm: arch.Read | arch.Write}); err != nil {
			t.Fatal(err)
		}
	}

	// Free the middle page only.
	if err := m.FreePages(base+arch.PageSize, arch.PageSize); err != nil {
		t.Fatalf("FreePages: %v", err)
	}

	mm := m.Mappings()
	if len(mm) != 2 {
		t.Fatalf("expected 2 surviving mappings, got %d: %+v", len(mm), mm)
	}
	if _, ok := m.TranslateVaddr(base + arch.PageSize); ok {
		t.Fatalf("expected freed middle page to be unmapped")
	}
}
