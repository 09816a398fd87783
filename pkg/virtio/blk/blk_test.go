package blk_test

import (
	"bytes"
	"testing"

	"github.com/scarlet-project/scarlet/pkg/virtio"
	"github.com/scarlet-project/scarlet/pkg/virtio/blk"
)

type memStore struct {
	sectors map[uint64][]byte
	flushed bool
}

func newMemStore() *memStore { return &memStore{sectors: make(map[uint64][]byte)} }

func (m *memStore) ReadSector(sector uint64, dst []byte) error {
	copy(dst, m.sectors[sector])
	return nil
}

func (m *memStore) WriteSector(sector uint64, src []byte) error {
	buf := make([]byte, len(src))
	copy(buf, src)
	m.sectors[sector] = buf
	return nil
}

func (m *memStore) Flush() error {
	m.flushed = true
	return nil
}

// fakeMem is a flat byte-addressable guest memory stand-in.
type fakeMem struct {
	bytes []byte
}

func (f *fakeMem) Read(paddr uintptr, dst []byte) error {
	copy(dst, f.bytes[paddr:int(paddr)+len(dst)])
	return nil
}

func (f *fakeMem) Write(paddr uintptr, src []byte) error {
	copy(f.bytes[paddr:int(paddr)+len(src)], src)
	return nil
}

func encodeHeader(reqType uint32, sector uint64) []byte {
	buf := make([]byte, 12)
	buf[0] = byte(reqType)
	buf[1] = byte(reqType >> 8)
	buf[2] = byte(reqType >> 16)
	buf[3] = byte(reqType >> 24)
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(sector >> (8 * uint(i)))
	}
	return buf
}

func TestProcessOneWriteThenRead(t *testing.T) {
	store := newMemStore()
	dev := blk.NewDevice(store, 1024)
	d := virtio.NewDevice(dev)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	q, _ := d.Queue(0)

	mem := &fakeMem{bytes: make([]byte, 4096)}

	hdrAddr := uintptr(0)
	copy(mem.bytes[hdrAddr:], encodeHeader(blk.ReqOut, 3))
	dataAddr := uintptr(64)
	copy(mem.bytes[dataAddr:], bytes.Repeat([]byte("X"), 16))
	statusAddr := uintptr(128)

	head, err := q.AllocDescriptors([]virtio.Desc{
		{Addr: hdrAddr, Len: 12},
		{Addr: dataAddr, Len: 16},
		{Addr: statusAddr, Len: 1, Flags: virtio.FlagWrite},
	})
	if err != nil {
		t.Fatal(err)
	}
	q.PushAvailable(head)

	if err := dev.ProcessOne(head, mem); err != nil {
		t.Fatalf("ProcessOne write: %v", err)
	}
	if mem.bytes[statusAddr] != blk.StatusOK {
		t.Fatalf("status = %d, want StatusOK", mem.bytes[statusAddr])
	}
	if _, ok := q.PopUsed(); !ok {
		t.Fatalf("expected used-ring entry after write")
	}
	q.FreeChain(head)

	// Now read it back.
	copy(mem.bytes[hdrAddr:], encodeHeader(blk.ReqIn, 3))
	for i := range mem.bytes[dataAddr : dataAddr+16] {
		mem.bytes[int(dataAddr)+i] = 0
	}
	head2, err := q.AllocDescriptors([]virtio.Desc{
		{Addr: hdrAddr, Len: 12},
		{Addr: dataAddr, Len: 16, Flags: virtio.FlagWrite},
		{Addr: statusAddr, Len: 1, Flags: virtio.FlagWrite},
	})
	if err != nil {
		t.Fatal(err)
	}
	q.PushAvailable(head2)
	if err := dev.ProcessOne(head2, mem); err != nil {
		t.Fatalf("ProcessOne read: %v", err)
	}
	if string(mem.bytes[dataAddr:int(dataAddr)+16]) != string(bytes.Repeat([]byte("X"), 16)) {
		t.Fatalf("read back %q, want 16 X's", mem.bytes[dataAddr:int(dataAddr)+16])
	}
}

func TestProcessOneFlush(t *testing.T) {
	store := newMemStore()
	dev := blk.NewDevice(store, 1024)
	d := virtio.NewDevice(dev)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	q, _ := d.Queue(0)

	mem := &fakeMem{bytes: make([]byte, 256)}
	copy(mem.bytes[0:], encodeHeader(blk.ReqFlush, 0))
	head, err := q.AllocDescriptors([]virtio.Desc{
		{Addr: 0, Len: 12},
		{Addr: 64, Len: 0},
		{Addr: 128, Len: 1, Flags: virtio.FlagWrite},
	})
	if err != nil {
		t.Fatal(err)
	}
	q.PushAvailable(head)

	if err := dev.ProcessOne(head, mem); err != nil {
		t.Fatal(err)
	}
	if !store.flushed {
		t.Fatalf("expected backend Flush to be called")
	}
}
