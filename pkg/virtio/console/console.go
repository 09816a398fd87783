// Package console specializes the VirtIO device framework for a serial
// console: a single input/output queue pair bridged onto a host pseudo-
// terminal via github.com/kr/pty, so a real terminal program can attach to
// the guest's console (spec.md §6.3's "major/minor 1/0 is the canonical
// console").
package console

import (
	"io"
	"os"
	"sync"

	"github.com/kr/pty"

	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/virtio"
)

const deviceID = 3 // virtio-console

// Device bridges a virtio console's rx/tx queues onto a host pty pair: the
// guest's tx queue (its Output) is copied to the pty master, and bytes
// typed into the pty are delivered to the guest's rx queue.
type Device struct {
	mu    sync.Mutex
	rx    *virtio.Queue
	tx    *virtio.Queue
	pmain *os.File // master end, what a host terminal program reads/writes
	tty   *os.File // slave end, the pty device node path backing pmain
}

// NewDevice opens a host pty pair and returns a console device bridged to
// it.
func NewDevice() (*Device, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, kerr.New(kerr.DeviceError, "opening host pty: %v", err)
	}
	return &Device{pmain: master, tty: slave}, nil
}

// TTYName returns the slave pty's device path, for the monitor shell to
// report to an operator attaching a terminal.
func (d *Device) TTYName() string { return d.tty.Name() }

func (d *Device) DeviceID() uint32                               { return deviceID }
func (d *Device) DeviceFeatures() uint64                         { return 0 }
func (d *Device) NegotiateFeatures(deviceFeatures uint64) uint64 { return 0 }
func (d *Device) QueueCount() int                                { return 2 } // rx, tx
func (d *Device) QueueNumMax(idx int) uint16 {
	if idx == 0 || idx == 1 {
		return 32
	}
	return 0
}

func (d *Device) OnQueueReady(idx int, q *virtio.Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch idx {
	case 0:
		d.rx = q
	case 1:
		d.tx = q
	}
}

// DeliverOutput writes the guest's transmit descriptor contents to the
// host pty master, e.g. called once per used-ring entry the tx queue's
// driver-side loop observes.
func (d *Device) DeliverOutput(data []byte) error {
	_, err := d.pmain.Write(data)
	if err != nil {
		return kerr.New(kerr.DeviceError, "writing console output to pty: %v", err)
	}
	return nil
}

// ReadInput reads up to len(buf) bytes typed into the host pty master,
// returning kerr.WouldBlock-compatible io.EOF translation is the caller's
// job; this just proxies the underlying read.
func (d *Device) ReadInput(buf []byte) (int, error) {
	n, err := d.pmain.Read(buf)
	if err != nil && err != io.EOF {
		return n, kerr.New(kerr.DeviceError, "reading console input from pty: %v", err)
	}
	return n, err
}

// Close releases both ends of the pty pair.
func (d *Device) Close() error {
	ttyErr := d.tty.Close()
	masterErr := d.pmain.Close()
	if masterErr != nil {
		return masterErr
	}
	return ttyErr
}
