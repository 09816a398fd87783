package virtio

import (
	"encoding/binary"

	"github.com/scarlet-project/scarlet/pkg/kerr"
)

// Register offsets, relative to a device's MMIO base (spec.md §6.4).
const (
	RegMagicValue     = 0x00
	RegVersion        = 0x04
	RegDeviceID       = 0x08
	RegVendorID       = 0x0c
	RegDeviceFeatures = 0x10
	RegDriverFeatures = 0x20
	RegQueueSel       = 0x30
	RegQueueNumMax    = 0x34
	RegQueueNum       = 0x38
	RegQueueReady     = 0x44
	RegQueueNotify    = 0x50
	RegInterruptStatus = 0x60
	RegInterruptAck   = 0x64
	RegStatus         = 0x70
	RegQueueDescLow   = 0x80
	RegQueueDescHigh  = 0x84
	RegDriverDescLow  = 0x90
	RegDriverDescHigh = 0x94
	RegDeviceDescLow  = 0xa0
	RegDeviceDescHigh = 0xa4
	RegDeviceConfig   = 0x100
)

// magicValue is the ASCII bytes for "virt", little-endian as a 32-bit word
// (spec.md §6.4).
var magicValue = binary.LittleEndian.Uint32([]byte("virt"))

// Status is the device status register's bitfield (spec.md §6.4).
type Status uint32

const (
	StatusReset           Status = 0
	StatusAcknowledge     Status = 1
	StatusDriver          Status = 2
	StatusDriverOK        Status = 4
	StatusFeaturesOK      Status = 8
	StatusDeviceNeedsReset Status = 0x40
	StatusFailed          Status = 0x80
)

// Backend is the device-specific hook surface a VirtioDevice drives through
// the standard init sequence and queue setup (spec.md §4.3).
type Backend interface {
	// DeviceID is the virtio device type id (2 = block, 16 = gpu, 3 =
	// console, ...), returned for RegDeviceID reads.
	DeviceID() uint32

	// DeviceFeatures are the bits this backend's device side advertises.
	DeviceFeatures() uint64

	// NegotiateFeatures computes the driver's accepted feature subset from
	// the device's advertised set (spec.md §4.3 step 5's "device-specific
	// policy hook").
	NegotiateFeatures(deviceFeatures uint64) uint64

	// QueueCount is how many virtqueues this device exposes.
	QueueCount() int

	// QueueNumMax is the maximum size for queue index idx; 0 means the
	// queue does not exist (spec.md §4.3 step 6).
	QueueNumMax(idx int) uint16

	// OnQueueReady is invoked once a queue has been allocated and its ring
	// addresses recorded, so the backend can start consuming it.
	OnQueueReady(idx int, q *Queue)
}

// queueConfig records the MMIO bookkeeping the driver wrote for one queue,
// mirroring what real hardware would latch from QueueDescLow/High etc.
type queueConfig struct {
	queue      *Queue
	descAddr   uint64
	driverAddr uint64
	deviceAddr uint64
	ready      bool
}

// Device is a VirtioDevice: the standard register set plus the queues
// established during init (spec.md §4.3).
type Device struct {
	backend Backend

	status         Status
	driverFeatures uint64
	selectedQueue  int
	queues         []*queueConfig

	interruptStatus uint32
}

// ringBase is the address the first queue's descriptor table is assigned;
// successive queues are laid out one stride apart, mirroring how a real
// guest's virtio-mmio ring memory is carved out of a single reserved
// region rather than scattered arbitrarily.
const ringBase = 0x1000_0000

// ringStride is the spacing between consecutive queues' ring regions
// (descriptor table + avail ring + used ring). It holds a queue of up to
// 2048 entries; the regions of larger queues overlap the next queue's.
const ringStride = 0x1_0000

// descEntrySize is the on-wire size of one descriptor ring entry: addr(8)
// + len(4) + flags(2) + next(2) (spec.md §3.6).
const descEntrySize = 16

// availHeaderSize is the avail ring's flags(2) + idx(2) header, and
// availRingEntrySize the size of each of its ring entries.
const availHeaderSize = 4
const availRingEntrySize = 2

// NewDevice wraps backend in a VirtioDevice, preallocating queue
// configuration slots per backend.QueueCount.
func NewDevice(backend Backend) *Device {
	d := &Device{backend: backend}
	d.queues = make([]*queueConfig, backend.QueueCount())
	for i := range d.queues {
		d.queues[i] = &queueConfig{}
	}
	return d
}

// ReadMagic implements the RegMagicValue read the init sequence's step 2
// checks.
func (d *Device) ReadMagic() uint32 { return magicValue }

// ReadDeviceID implements the RegDeviceID read.
func (d *Device) ReadDeviceID() uint32 { return d.backend.DeviceID() }

// Status returns the current status register value.
func (d *Device) Status() Status { return d.status }

// Init runs the standard VirtIO init sequence against d (spec.md §4.3,
// steps 1-7). A driver-side helper, not itself a register write — real
// code issues these as individual MMIO accesses, but the sequencing and
// failure points are exactly this.
func (d *Device) Init() error {
	// Step 1: reset.
	d.status = StatusReset

	// Step 2: magic check.
	if d.ReadMagic() != magicValue {
		d.status = StatusFailed
		return kerr.New(kerr.DeviceError, "virtio device magic mismatch")
	}

	// Step 3, 4: ACKNOWLEDGE, DRIVER.
	d.status |= StatusAcknowledge
	d.status |= StatusDriver

	// Step 5: feature negotiation. FEATURES_OK is only actually confirmed
	// if the driver's negotiated set is a subset of what the device
	// advertised; a backend that accepts bits the device never offered is
	// the real hardware failure this status check guards against.
	deviceFeatures := d.backend.DeviceFeatures()
	d.driverFeatures = d.backend.NegotiateFeatures(deviceFeatures)
	d.status |= StatusFeaturesOK
	if d.driverFeatures&^deviceFeatures != 0 {
		d.status = StatusFailed
		return kerr.New(kerr.DeviceError, "virtio device did not accept FEATURES_OK")
	}

	// Step 6: per-queue setup.
	for idx := range d.queues {
		d.selectedQueue = idx
		numMax := d.backend.QueueNumMax(idx)
		if numMax == 0 {
			d.status = StatusFailed
			return kerr.New(kerr.DeviceError, "virtio queue %d has QueueNumMax=0", idx)
		}
		q, err := NewQueue(numMax)
		if err != nil {
			d.status = StatusFailed
			return err
		}
		cfg := d.queues[idx]
		cfg.queue = q
		cfg.ready = true

		// Write the three ring addresses the driver has chosen for this
		// queue's memory, split into low/high 32-bit halves at init time
		// (spec.md §4.3 step 6).
		descAddr := ringBase + uint64(idx)*ringStride
		driverAddr := descAddr + uint64(numMax)*descEntrySize
		deviceAddr := alignUp4(driverAddr + availHeaderSize + uint64(numMax)*availRingEntrySize)
		cfg.descAddr = descAddr
		cfg.driverAddr = driverAddr
		cfg.deviceAddr = deviceAddr

		d.backend.OnQueueReady(idx, q)
	}

	// Step 7: DRIVER_OK.
	d.status |= StatusDriverOK
	return nil
}

// alignUp4 rounds addr up to the next 4-byte boundary, matching spec.md
// §3.6's "padding to 4-byte alignment" between the avail ring and the used
// ring.
func alignUp4(addr uint64) uint64 {
	return (addr + 3) &^ 3
}

// splitAddr64 divides addr into the low/high 32-bit register halves the
// RegQueueDescLow/High-style register pairs hold (spec.md §6.4).
func splitAddr64(addr uint64) (lo, hi uint32) {
	return uint32(addr), uint32(addr >> 32)
}

// QueueDescAddr returns the low/high halves written to
// RegQueueDescLow/RegQueueDescHigh for queue idx during Init.
func (d *Device) QueueDescAddr(idx int) (lo, hi uint32, ok bool) {
	if idx < 0 || idx >= len(d.queues) || !d.queues[idx].ready {
		return 0, 0, false
	}
	lo, hi = splitAddr64(d.queues[idx].descAddr)
	return lo, hi, true
}

// QueueDriverAddr returns the low/high halves written to
// RegDriverDescLow/RegDriverDescHigh (the avail ring's address) for queue
// idx during Init.
func (d *Device) QueueDriverAddr(idx int) (lo, hi uint32, ok bool) {
	if idx < 0 || idx >= len(d.queues) || !d.queues[idx].ready {
		return 0, 0, false
	}
	lo, hi = splitAddr64(d.queues[idx].driverAddr)
	return lo, hi, true
}

// QueueDeviceAddr returns the low/high halves written to
// RegDeviceDescLow/RegDeviceDescHigh (the used ring's address) for queue
// idx during Init.
func (d *Device) QueueDeviceAddr(idx int) (lo, hi uint32, ok bool) {
	if idx < 0 || idx >= len(d.queues) || !d.queues[idx].ready {
		return 0, 0, false
	}
	lo, hi = splitAddr64(d.queues[idx].deviceAddr)
	return lo, hi, true
}

// Queue returns the ring established for queue idx during Init.
func (d *Device) Queue(idx int) (*Queue, bool) {
	if idx < 0 || idx >= len(d.queues) {
		return nil, false
	}
	cfg := d.queues[idx]
	if !cfg.ready {
		return nil, false
	}
	return cfg.queue, true
}

// RaiseInterruptStatus sets bits in InterruptStatus, as the device side
// does before asserting its IRQ line (spec.md §6.4).
func (d *Device) RaiseInterruptStatus(bits uint32) {
	d.interruptStatus |= bits
}

// Ack clears bits from InterruptStatus, modeling a driver write to
// RegInterruptAck.
func (d *Device) Ack(bits uint32) {
	d.interruptStatus &^= bits
}

// InterruptStatus returns the current InterruptStatus register value.
func (d *Device) InterruptStatus() uint32 { return d.interruptStatus }

// NeedsReset reports whether the device has flagged DeviceNeedReset.
func (d *Device) NeedsReset() bool { return d.status&StatusDeviceNeedsReset != 0 }
