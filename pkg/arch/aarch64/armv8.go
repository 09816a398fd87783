// Package aarch64 supplies the ARMv8-A 4KiB-granule page table geometry:
// 4 levels, 9 bits per level, a 48-bit virtual address space (spec.md
// §3.1), grounded on the bit layout in original_source's armv8_4k.rs.
package aarch64

import "github.com/scarlet-project/scarlet/pkg/arch"

const (
	bitValid = 1 << 0
	// bitTableOrBlock: 0 = table/block descriptor at levels 0-2, 1 = page
	// descriptor at level 3 and always set for a true leaf in this model.
	bitLeaf = 1 << 1

	// Access permission bits AP[2:1], modeled as independent read/write
	// bits for this core rather than the full AP encoding table.
	bitRead  = 1 << 6
	bitWrite = 1 << 7
	bitUser  = 1 << 8
	// bitExecute corresponds to clearing UXN (bit 54); modeled as a
	// directly-set "executable" bit for symmetry with the other arch.
	bitExecute  = 1 << 54
	bitAccessed = 1 << 10
	bitDirty    = 1 << 51 // software-use bit repurposed as a dirty marker

	ppnShift = 12
)

// NewArmv8Layout returns the Layout describing the ARMv8-A 48-bit,
// 4KiB-granule, 4-level table geometry.
func NewArmv8Layout() arch.Layout {
	return arch.Layout{
		Name:         "aarch64-4k",
		Levels:       4,
		BitsPerLevel: 9,
		PageOffset:   12,
		MaxVABits:    48,
		ValidBit:     bitValid,
		LeafBit:      bitLeaf,
		PPNShift:     ppnShift,
		PPNMask:      (1 << 36) - 1,
		PermBit: map[arch.Permissions]uint64{
			arch.Read:     bitRead,
			arch.Write:    bitWrite,
			arch.Execute:  bitExecute,
			arch.User:     bitUser,
			arch.Accessed: bitAccessed,
			arch.Dirty:    bitDirty,
		},
	}
}
