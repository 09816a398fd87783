// Package virtio implements the VirtIO device framework: descriptor ring
// management, the standard MMIO init sequence, and register layout
// (spec.md §3.6, §4.3, §6.4).
package virtio

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/kerr"
)

// DescFlag is a bit in a descriptor's flags field (spec.md §3.6).
type DescFlag uint16

const (
	// FlagNext means this descriptor continues into desc[Next].
	FlagNext DescFlag = 1 << 0
	// FlagWrite means the device writes into this buffer (device->driver).
	// Its absence means the driver wrote it (driver->device), read-only to
	// the device.
	FlagWrite DescFlag = 1 << 1
)

// Desc is one descriptor ring entry.
type Desc struct {
	Addr  uintptr
	Len   uint32
	Flags DescFlag
	Next  uint16
}

// UsedElem is one used-ring entry: the head descriptor index of a completed
// chain plus the total bytes written by the device.
type UsedElem struct {
	ID  uint16
	Len uint32
}

// Queue is a VirtQueue: a fixed power-of-two-size descriptor table, an
// available ring and a used ring, plus the driver's free-descriptor list
// (spec.md §3.6).
type Queue struct {
	mu sync.Mutex

	size uint16
	desc []Desc

	avail       []uint16
	availIdx    uint16
	lastAvailNotified uint16

	used     []UsedElem
	usedIdx  uint16
	lastUsedSeen uint16

	free []uint16

	notify func()
}

// NewQueue constructs a queue of the given size (must be a power of two, as
// QueueNumMax dictates at init time).
func NewQueue(size uint16) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, kerr.New(kerr.InvalidOperation, "queue size %d is not a power of two", size)
	}
	q := &Queue{
		size:  size,
		desc:  make([]Desc, size),
		avail: make([]uint16, size),
		used:  make([]UsedElem, size),
		free:  make([]uint16, size),
	}
	for i := range q.free {
		q.free[i] = uint16(size) - 1 - uint16(i)
	}
	return q, nil
}

// SetNotifyHook installs the function invoked by Notify (the driver's write
// to the QueueNotify register).
func (q *Queue) SetNotifyHook(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = fn
}

// AllocDescriptors pulls len(bufs) free descriptors and chains them in
// order, setting FlagNext on every entry but the last (spec.md §3.6's
// "chain is a linked list ... terminated by an entry without the NEXT
// flag"). Each bufs[i] supplies the descriptor's address/length/write-flag.
// Returns the head index.
func (q *Queue) AllocDescriptors(bufs []Desc) (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(bufs) == 0 {
		return 0, kerr.New(kerr.InvalidOperation, "cannot allocate an empty descriptor chain")
	}
	if len(q.free) < len(bufs) {
		return 0, kerr.New(kerr.DeviceError, "queue exhausted: need %d descriptors, have %d free", len(bufs), len(q.free))
	}

	indices := make([]uint16, len(bufs))
	for i := range bufs {
		indices[i] = q.free[len(q.free)-1]
		q.free = q.free[:len(q.free)-1]
	}

	for i, buf := range bufs {
		entry := buf
		if i < len(bufs)-1 {
			entry.Flags |= FlagNext
			entry.Next = indices[i+1]
		} else {
			entry.Flags &^= FlagNext
		}
		q.desc[indices[i]] = entry
	}

	return indices[0], nil
}

// PushAvailable places head into the available ring and advances its index
// (spec.md §3.6: "the driver signals new work by ... placing an entry in
// the available ring").
func (q *Queue) PushAvailable(head uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.avail[q.availIdx%q.size] = head
	q.availIdx++
}

// Notify invokes the installed notify hook, modeling a write to the
// device's QueueNotify register. Spec.md §5 requires a memory fence
// precede this in real hardware; Go's memory model under a single mutex
// already orders the preceding ring writes before this call observes them.
func (q *Queue) Notify() {
	q.mu.Lock()
	fn := q.notify
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// PopUsed returns the next unconsumed used-ring entry, if the device has
// completed one, for the driver to poll or to be woken by an interrupt.
func (q *Queue) PopUsed() (UsedElem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastUsedSeen == q.usedIdx {
		return UsedElem{}, false
	}
	elem := q.used[q.lastUsedSeen%q.size]
	q.lastUsedSeen++
	return elem, true
}

// FreeChain walks the descriptor chain starting at head, returning every
// index to the free list (spec.md §3.6 "free the chain to the driver's
// free list" after consuming it).
func (q *Queue) FreeChain(head uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := head
	for {
		entry := q.desc[idx]
		q.free = append(q.free, idx)
		if entry.Flags&FlagNext == 0 {
			break
		}
		idx = entry.Next
	}
}

// DeviceCompleteHead is the device-side counterpart to PopUsed: it posts a
// completed chain into the used ring. Exported for the virtio/blk
// device-side simulation, and for tests exercising the
// driver/device protocol without a real backing device.
func (q *Queue) DeviceCompleteHead(head uint16, writtenLen uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.used[q.usedIdx%q.size] = UsedElem{ID: head, Len: writtenLen}
	q.usedIdx++
}

// Desc returns a copy of the descriptor at idx, for the device side to read
// what the driver queued.
func (q *Queue) Desc(idx uint16) Desc {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.desc[idx]
}

// Size reports the queue's configured descriptor count.
func (q *Queue) Size() uint16 { return q.size }
