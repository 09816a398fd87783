// Package riscv64 supplies the RISC-V Sv39 page table geometry: 3 levels,
// 9 bits per level, a 39-bit virtual address space (spec.md §3.1).
package riscv64

import "github.com/scarlet-project/scarlet/pkg/arch"

// Sv39 bit positions within a page table entry, per the RISC-V privileged
// architecture: V(0) R(1) W(2) X(3) U(4) G(5) A(6) D(7), PPN starting at
// bit 10.
const (
	bitValid = 1 << 0
	bitRead  = 1 << 1
	bitWrite = 1 << 2
	bitExec  = 1 << 3
	bitUser  = 1 << 4
	// bitGlobal = 1 << 5 (unused by this core: no global mappings modeled)
	bitAccessed = 1 << 6
	bitDirty    = 1 << 7

	ppnShift = 10
)

// NewSv39Layout returns the Layout describing Sv39 table geometry.
//
// Real Sv39 tells leaf from table entries by R/W/X being nonzero. The
// shared arch.Table walker wants a single LeafBit to test instead, so this
// layout reserves bit 63 (one of Sv39's software-use bits, above the PPN
// field) as an explicit leaf marker.
const bitSoftwareLeaf = 1 << 63

func NewSv39Layout() arch.Layout {
	return arch.Layout{
		Name:         "riscv64-sv39",
		Levels:       3,
		BitsPerLevel: 9,
		PageOffset:   12,
		MaxVABits:    39,
		ValidBit:     bitValid,
		LeafBit:      bitSoftwareLeaf,
		PPNShift:     ppnShift,
		PPNMask:      (1 << 44) - 1,
		PermBit: map[arch.Permissions]uint64{
			arch.Read:     bitRead,
			arch.Write:    bitWrite,
			arch.Execute:  bitExec,
			arch.User:     bitUser,
			arch.Accessed: bitAccessed,
			arch.Dirty:    bitDirty,
		},
	}
}
