package abi

import (
	"encoding/binary"

	"github.com/scarlet-project/scarlet/pkg/arch"
	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/physmem"
	"github.com/scarlet-project/scarlet/pkg/vmm"
)

// elfMagic is the four-byte ELF identification prefix every loadable
// binary on both ABIs carries (spec.md §4.7 step 3's "ELF load").
var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

const (
	elfClass64  = 2
	elfDataLSB  = 1
	ptLoad      = 1
	phEntrySize = 56 // Elf64_Phdr
)

// Segment is one PT_LOAD program header, reduced to what the VMM needs to
// map it (spec.md §4.7 step 3's "replacing text and data mappings").
type Segment struct {
	VAddr    uintptr
	FileOff  uint64
	FileSize uint64
	MemSize  uint64
	Writable bool
	Execute  bool
}

// Image is a parsed ELF64 little-endian executable.
type Image struct {
	Entry    uintptr
	Segments []Segment
	Data     []byte
}

// IsELF reports whether magic (the binary's first few bytes) identifies an
// ELF file, the check both ABIs' CanExecuteBinary use to score a
// candidate for TransparentExecutor.
func IsELF(magic []byte) bool {
	return len(magic) >= 4 && magic[0] == elfMagic[0] && magic[1] == elfMagic[1] &&
		magic[2] == elfMagic[2] && magic[3] == elfMagic[3]
}

// ParseELF64 reads just enough of an ELF64 LSB executable to load it: the
// entry point and every PT_LOAD program header. Anything else in the file
// (section headers, symbol tables, relocations) is irrelevant to loading a
// static or position-dependent executable, which is all this kernel core
// runs (dynamic linking is out of scope, spec.md §1).
func ParseELF64(data []byte) (*Image, error) {
	if len(data) < 64 || !IsELF(data) {
		return nil, kerr.New(kerr.InvalidData, "not an ELF64 file")
	}
	if data[4] != elfClass64 {
		return nil, kerr.New(kerr.InvalidData, "unsupported ELF class %d (need ELF64)", data[4])
	}
	if data[5] != elfDataLSB {
		return nil, kerr.New(kerr.InvalidData, "unsupported ELF endianness %d (need LSB)", data[5])
	}

	entry := binary.LittleEndian.Uint64(data[24:32])
	phoff := binary.LittleEndian.Uint64(data[32:40])
	phentsize := binary.LittleEndian.Uint16(data[54:56])
	phnum := binary.LittleEndian.Uint16(data[56:58])

	if phentsize == 0 {
		phentsize = phEntrySize
	}

	img := &Image{Entry: uintptr(entry), Data: data}
	for i := uint16(0); i < phnum; i++ {
		off := phoff + uint64(i)*uint64(phentsize)
		if off+uint64(phEntrySize) > uint64(len(data)) {
			return nil, kerr.New(kerr.InvalidData, "program header %d truncated", i)
		}
		ph := data[off : off+phEntrySize]

		typ := binary.LittleEndian.Uint32(ph[0:4])
		if typ != ptLoad {
			continue
		}
		flags := binary.LittleEndian.Uint32(ph[4:8])
		fileOff := binary.LittleEndian.Uint64(ph[8:16])
		vaddr := binary.LittleEndian.Uint64(ph[16:24])
		fileSize := binary.LittleEndian.Uint64(ph[32:40])
		memSize := binary.LittleEndian.Uint64(ph[40:48])

		const pfX, pfW = 1, 2
		img.Segments = append(img.Segments, Segment{
			VAddr:    uintptr(vaddr),
			FileOff:  fileOff,
			FileSize: fileSize,
			MemSize:  memSize,
			Writable: flags&pfW != 0,
			Execute:  flags&pfX != 0,
		})
	}
	return img, nil
}

// pageAlign rounds n up to the next arch.PageSize multiple.
func pageAlign(n uintptr) uintptr {
	return (n + arch.PageSize - 1) &^ (arch.PageSize - 1)
}

// Load maps every PT_LOAD segment of img into target, allocating fresh
// physical frames from phys and byte-copying each segment's file contents
// in (zero-filling the BSS tail where MemSize exceeds FileSize), the same
// allocate-then-copy pattern task.Fork's copyMapping uses for forked
// mappings (spec.md §4.7 step 3's "ELF load ... replacing text and data
// mappings"). Segment virtual addresses and sizes are rounded out to page
// boundaries; permissions follow the segment's Writable/Execute flags,
// always readable and user-accessible.
func (img *Image) Load(target *vmm.Manager, phys *physmem.Pool) error {
	for _, seg := range img.Segments {
		base := seg.VAddr &^ (arch.PageSize - 1)
		inPage := seg.VAddr - base
		span := pageAlign(inPage + seg.MemSize)
		pages := span / arch.PageSize

		perm := arch.Read | arch.User
		if seg.Writable {
			perm |= arch.Write
		}
		if seg.Execute {
			perm |= arch.Execute
		}

		frames := make([]uintptr, pages)
		for i := range frames {
			f, err := phys.Alloc()
			if err != nil {
				return err
			}
			frames[i] = f
		}

		if seg.FileSize > 0 {
			if seg.FileOff+seg.FileSize > uint64(len(img.Data)) {
				return kerr.New(kerr.InvalidData, "segment file range exceeds image size")
			}
			content := img.Data[seg.FileOff : seg.FileOff+seg.FileSize]
			if err := writeSpanningFrames(phys, frames, inPage, content); err != nil {
				return err
			}
		}

		if err := target.AddMemoryMap(vmm.MemoryMap{
			VAddrStart: base,
			PAddrStart: frames[0],
			Length:     span,
			Perm:       perm,
		}); err != nil {
			return err
		}
	}
	return nil
}

// writeSpanningFrames copies content into the contiguous run of frames
// starting offset bytes into frames[0]. Frames are written one at a time
// since physmem.Pool addresses each frame independently.
func writeSpanningFrames(phys *physmem.Pool, frames []uintptr, offset uintptr, content []byte) error {
	pos := uintptr(0)
	for i, frame := range frames {
		frameStart := uintptr(0)
		if i == 0 {
			frameStart = offset
		}
		room := arch.PageSize - frameStart
		if pos >= uintptr(len(content)) {
			break
		}
		n := room
		if uintptr(len(content))-pos < n {
			n = uintptr(len(content)) - pos
		}
		buf := make([]byte, n)
		copy(buf, content[pos:pos+n])
		if err := phys.Write(frame+frameStart, buf); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

// StackLayout is the result of laying out argv/envp on a freshly allocated
// user stack (spec.md §4.7 step 3's "populate argv/envp on the user stack
// per the ABI's convention").
type StackLayout struct {
	StackPointer uintptr
	Argc         int
}

// SetupStack allocates a fresh stack mapping of size bytes ending at top
// (exclusive) and writes argv's and envp's strings plus their NUL-separated
// byte blobs near the top, returning the stack pointer a task's CPUState.Regs
// should be initialized with. The exact in-memory layout (argc, then a
// vector of guest pointers, then the string bytes themselves) is a
// simplification of the real System V layout sufficient for this kernel
// core's simulated user space, which never executes real relocatable code.
func SetupStack(target *vmm.Manager, phys *physmem.Pool, top, size uintptr, argv, envp []string) (StackLayout, error) {
	base := (top - size) &^ (arch.PageSize - 1)
	pages := pageAlign(size) / arch.PageSize

	frame0, err := phys.Alloc()
	if err != nil {
		return StackLayout{}, err
	}
	for i := uintptr(1); i < pages; i++ {
		if _, err := phys.Alloc(); err != nil {
			return StackLayout{}, err
		}
	}
	if err := target.AddMemoryMap(vmm.MemoryMap{
		VAddrStart: base,
		PAddrStart: frame0,
		Length:     pages * arch.PageSize,
		Perm:       arch.Read | arch.Write | arch.User,
	}); err != nil {
		return StackLayout{}, err
	}

	// Pack every argv/envp string, NUL-terminated, starting just below top,
	// through the mapping just installed so ordinary WriteUser handles any
	// page crossing.
	cursor := top
	var argvAddrs, envpAddrs []uint64
	writeStr := func(s string) (uint64, error) {
		b := append([]byte(s), 0)
		cursor -= uintptr(len(b))
		if err := target.WriteUser(cursor, b); err != nil {
			return 0, err
		}
		return uint64(cursor), nil
	}
	for _, s := range argv {
		addr, err := writeStr(s)
		if err != nil {
			return StackLayout{}, err
		}
		argvAddrs = append(argvAddrs, addr)
	}
	for _, s := range envp {
		addr, err := writeStr(s)
		if err != nil {
			return StackLayout{}, err
		}
		envpAddrs = append(envpAddrs, addr)
	}

	// Align the pointer vectors to 8 bytes, write envp then argv pointer
	// arrays (NUL-terminated) below the strings, then argc.
	cursor &^= 7
	writeVec := func(addrs []uint64) error {
		if err := writeUint64(target, cursor-8, 0); err != nil {
			return err
		}
		cursor -= 8
		for i := len(addrs) - 1; i >= 0; i-- {
			cursor -= 8
			if err := writeUint64(target, cursor, addrs[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if err := writeVec(envpAddrs); err != nil {
		return StackLayout{}, err
	}
	if err := writeVec(argvAddrs); err != nil {
		return StackLayout{}, err
	}

	cursor -= 8
	if err := writeUint64(target, cursor, uint64(len(argv))); err != nil {
		return StackLayout{}, err
	}

	return StackLayout{StackPointer: cursor, Argc: len(argv)}, nil
}

func writeUint64(target *vmm.Manager, vaddr uintptr, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return target.WriteUser(vaddr, buf[:])
}
