// Package gpu specializes the VirtIO device framework for the 2D display
// command subset: resource creation and unref, set-scanout,
// transfer-to-host and flush, against an in-memory framebuffer (spec.md §2's "block/GPU
// specialization"; framebuffer drawing itself stays out of scope per
// spec.md §1, so this device only validates and stores command effects).
package gpu

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/virtio"
)

const deviceID = 16 // virtio-gpu

// Command types, matching the virtio-gpu control queue's discriminant
// subset this device understands.
const (
	CmdResourceCreate2D = 0x0101
	CmdResourceUnref    = 0x0102
	CmdSetScanout       = 0x0103
	CmdResourceFlush    = 0x0104
	CmdTransferToHost2D = 0x0105
)

// Resource is a host-side 2D resource: a width*height*4 (RGBA) buffer.
type Resource struct {
	Width, Height uint32
	Pixels        []byte
}

// Device tracks GPU resources and which resource is attached to the single
// scanout this core models.
type Device struct {
	mu        sync.Mutex
	resources map[uint32]*Resource
	scanout   uint32 // resource id bound to scanout 0, 0 means none
}

// NewDevice returns an empty GPU device.
func NewDevice() *Device {
	return &Device{resources: make(map[uint32]*Resource)}
}

func (d *Device) DeviceID() uint32                               { return deviceID }
func (d *Device) DeviceFeatures() uint64                         { return 0 }
func (d *Device) NegotiateFeatures(deviceFeatures uint64) uint64 { return 0 }
func (d *Device) QueueCount() int                                { return 2 } // control + cursor
func (d *Device) QueueNumMax(idx int) uint16 {
	if idx == 0 || idx == 1 {
		return 64
	}
	return 0
}
func (d *Device) OnQueueReady(idx int, q *virtio.Queue) {}

// CreateResource2D allocates a zeroed RGBA resource under id.
func (d *Device) CreateResource2D(id, width, height uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.resources[id]; exists {
		return kerr.New(kerr.AlreadyExists, "gpu resource %d already exists", id)
	}
	d.resources[id] = &Resource{Width: width, Height: height, Pixels: make([]byte, int(width)*int(height)*4)}
	return nil
}

// UnrefResource releases id, detaching it from scanout first if bound.
func (d *Device) UnrefResource(id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.resources[id]; !ok {
		return kerr.New(kerr.NotFound, "gpu resource %d", id)
	}
	delete(d.resources, id)
	if d.scanout == id {
		d.scanout = 0
	}
	return nil
}

// SetScanout binds resourceID to the (sole) scanout this device models.
func (d *Device) SetScanout(resourceID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if resourceID != 0 {
		if _, ok := d.resources[resourceID]; !ok {
			return kerr.New(kerr.NotFound, "gpu resource %d", resourceID)
		}
	}
	d.scanout = resourceID
	return nil
}

// TransferToHost2D copies src into resource id's pixel buffer at the given
// byte offset, validating bounds.
func (d *Device) TransferToHost2D(id uint32, offset uint32, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.resources[id]
	if !ok {
		return kerr.New(kerr.NotFound, "gpu resource %d", id)
	}
	end := int(offset) + len(src)
	if end > len(r.Pixels) {
		return kerr.New(kerr.InvalidOperation, "transfer to resource %d out of bounds (%d > %d)", id, end, len(r.Pixels))
	}
	copy(r.Pixels[offset:end], src)
	return nil
}

// ResourceFlush returns the current scanout resource's pixel buffer, as if
// presenting it to the host display — the actual pixel blit is the
// out-of-scope framebuffer drawing helper (spec.md §1); this device only
// hands back what would be presented.
func (d *Device) ResourceFlush() (*Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanout == 0 {
		return nil, kerr.New(kerr.InvalidOperation, "no resource bound to scanout")
	}
	return d.resources[d.scanout], nil
}
