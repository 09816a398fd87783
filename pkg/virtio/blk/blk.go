// Package blk specializes the VirtIO device framework for block requests:
// a single request queue processing read/write/flush commands against a
// backing byte store (spec.md §2's "block/GPU specialization").
package blk

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/virtio"
)

const deviceID = 2 // virtio-blk

// Request types, matching the virtio-blk spec's header discriminant.
const (
	ReqIn    = 0 // read
	ReqOut   = 1 // write
	ReqFlush = 4
)

// Status codes written into the request's trailing status byte.
const (
	StatusOK     = 0
	StatusIOErr  = 1
	StatusUnsupp = 2
)

// Header is the fixed leading descriptor of every block request.
type Header struct {
	Type   uint32
	Sector uint64
}

const sectorSize = 512

// Backend is a byte-addressable store the device reads/writes sectors
// against. A real kernel would back this with a host disk image or
// physical device; this core only needs the virtio request protocol
// exercised against some store.
type Backend interface {
	ReadSector(sector uint64, dst []byte) error
	WriteSector(sector uint64, src []byte) error
	Flush() error
}

// Device drives one virtqueue of block requests, decoding each chain's
// header, performing the operation against Backend, and posting the
// completion status (spec.md §4.3's "Queue operation": device-specific
// consumption of descriptor chains).
type Device struct {
	mu      sync.Mutex
	backend Backend
	queue   *virtio.Queue

	capacitySectors uint64
}

// NewDevice wraps backend in a block device with the given capacity.
func NewDevice(backend Backend, capacitySectors uint64) *Device {
	return &Device{backend: backend, capacitySectors: capacitySectors}
}

// virtio.Backend implementation.

func (d *Device) DeviceID() uint32       { return deviceID }
func (d *Device) DeviceFeatures() uint64 { return 0 }
func (d *Device) NegotiateFeatures(deviceFeatures uint64) uint64 { return 0 }
func (d *Device) QueueCount() int        { return 1 }
func (d *Device) QueueNumMax(idx int) uint16 {
	if idx == 0 {
		return 128
	}
	return 0
}

func (d *Device) OnQueueReady(idx int, q *virtio.Queue) {
	if idx == 0 {
		d.mu.Lock()
		d.queue = q
		d.mu.Unlock()
	}
}

// memoryAccessor is the guest-memory view ProcessOne reads descriptor
// contents through; injected so tests can drive the protocol without a
// real vmm.Manager.
type memoryAccessor interface {
	Read(paddr uintptr, dst []byte) error
	Write(paddr uintptr, src []byte) error
}

// ProcessOne processes the chain starting at headDesc (supplied by the
// caller, which owns the driver-side enqueue/notify loop in this
// simulation) and performs the encoded request against mem, the guest
// memory backing the descriptors' addresses. Returns nil on success and an
// error otherwise.
func (d *Device) ProcessOne(headDesc uint16, mem memoryAccessor) error {
	d.mu.Lock()
	q := d.queue
	d.mu.Unlock()
	if q == nil {
		return kerr.New(kerr.DeviceError, "block device queue not ready")
	}

	headerDesc := q.Desc(headDesc)
	hdrBuf := make([]byte, 12) // Type(4) + Sector(8)
	if err := mem.Read(headerDesc.Addr, hdrBuf); err != nil {
		return err
	}
	hdr := decodeHeader(hdrBuf)

	if headerDesc.Flags&virtio.FlagNext == 0 {
		return kerr.New(kerr.InvalidData, "block request header has no data/status descriptors")
	}
	dataDesc := q.Desc(headerDesc.Next)

	var opErr error
	switch hdr.Type {
	case ReqIn:
		buf := make([]byte, dataDesc.Len)
		opErr = d.backend.ReadSector(hdr.Sector, buf)
		if opErr == nil {
			opErr = mem.Write(dataDesc.Addr, buf)
		}
	case ReqOut:
		buf := make([]byte, dataDesc.Len)
		if err := mem.Read(dataDesc.Addr, buf); err != nil {
			return err
		}
		opErr = d.backend.WriteSector(hdr.Sector, buf)
	case ReqFlush:
		opErr = d.backend.Flush()
	default:
		opErr = kerr.New(kerr.NotSupported, "unknown block request type %d", hdr.Type)
	}

	status := byte(StatusOK)
	if opErr != nil {
		if kerr.Is(opErr, kerr.NotSupported) {
			status = StatusUnsupp
		} else {
			status = StatusIOErr
		}
	}

	if dataDesc.Flags&virtio.FlagNext == 0 {
		return kerr.New(kerr.InvalidData, "block request data descriptor has no status descriptor")
	}
	statusDesc := q.Desc(dataDesc.Next)
	if err := mem.Write(statusDesc.Addr, []byte{status}); err != nil {
		return err
	}

	q.DeviceCompleteHead(headDesc, dataDesc.Len)
	return nil
}

func decodeHeader(buf []byte) Header {
	return Header{
		Type:   le32(buf[0:4]),
		Sector: le64(buf[4:12]),
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
