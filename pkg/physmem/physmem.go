// Package physmem simulates the kernel's physical frame pool: a
// byte-addressable allocator handing out page-aligned frames and the
// backing storage behind them. Real hardware has actual RAM; this core is
// architecture logic under test, so physical frames are modeled as Go
// byte slices keyed by the address the allocator returned.
package physmem

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/arch"
	"github.com/scarlet-project/scarlet/pkg/kerr"
)

// Pool is a simple bump allocator over a simulated physical address space,
// zeroing every frame it hands out (matching real frame-allocator
// behavior that kernels rely on for BSS and anonymous mappings).
type Pool struct {
	mu     sync.Mutex
	frames map[uintptr][]byte
	next   uintptr
	limit  uintptr
}

// NewPool creates a pool starting at base and spanning size bytes.
func NewPool(base, size uintptr) *Pool {
	return &Pool{
		frames: make(map[uintptr][]byte),
		next:   base,
		limit:  base + size,
	}
}

// Alloc returns the next zeroed frame, implementing arch.FrameAllocator.
func (p *Pool) Alloc() (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.next+arch.PageSize > p.limit {
		return 0, kerr.New(kerr.DeviceError, "physical memory exhausted")
	}
	addr := p.next
	p.next += arch.PageSize
	p.frames[addr] = make([]byte, arch.PageSize)
	return addr, nil
}

// Free releases a previously allocated frame. The simulated pool never
// reclaims address space (matching a bump allocator), it only drops the
// backing bytes so a reused address (there is none, by construction)
// would read as zero.
func (p *Pool) Free(addr uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.frames, addr)
}

// Read copies len(dst) bytes starting at physical address paddr.
func (p *Pool) Read(paddr uintptr, dst []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.copyAcrossFrames(paddr, dst, false)
}

// Write copies src into physical memory starting at paddr.
func (p *Pool) Write(paddr uintptr, src []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.copyAcrossFrames(paddr, src, true)
}

func (p *Pool) copyAcrossFrames(paddr uintptr, buf []byte, write bool) error {
	remaining := buf
	addr := paddr
	for len(remaining) > 0 {
		frameBase := addr - addr%arch.PageSize
		frame, ok := p.frames[frameBase]
		if !ok {
			return kerr.New(kerr.IoError, "access to unallocated frame %#x", frameBase)
		}
		off := addr - frameBase
		n := arch.PageSize - off
		if uintptr(len(remaining)) < n {
			n = uintptr(len(remaining))
		}
		if write {
			copy(frame[off:off+n], remaining[:n])
		} else {
			copy(remaining[:n], frame[off:off+n])
		}
		remaining = remaining[n:]
		addr += n
	}
	return nil
}
