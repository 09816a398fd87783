package gpu_test

import (
	"testing"

	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/virtio/gpu"
)

func TestCreateTransferScanoutFlush(t *testing.T) {
	d := gpu.NewDevice()
	if err := d.CreateResource2D(1, 2, 2); err != nil {
		t.Fatal(err)
	}

	pixels := make([]byte, 16) // 2x2 RGBA
	for i := range pixels {
		pixels[i] = byte(i)
	}
	if err := d.TransferToHost2D(1, 0, pixels); err != nil {
		t.Fatal(err)
	}

	if err := d.SetScanout(1); err != nil {
		t.Fatal(err)
	}

	r, err := d.ResourceFlush()
	if err != nil {
		t.Fatal(err)
	}
	if string(r.Pixels) != string(pixels) {
		t.Fatalf("flushed pixels = %v, want %v", r.Pixels, pixels)
	}
}

func TestFlushWithoutScanoutFails(t *testing.T) {
	d := gpu.NewDevice()
	if _, err := d.ResourceFlush(); !kerr.Is(err, kerr.InvalidOperation) {
		t.Fatalf("expected InvalidOperation, got %v", err)
	}
}

func TestUnrefDetachesScanout(t *testing.T) {
	d := gpu.NewDevice()
	d.CreateResource2D(1, 1, 1)
	d.SetScanout(1)
	if err := d.UnrefResource(1); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ResourceFlush(); !kerr.Is(err, kerr.InvalidOperation) {
		t.Fatalf("expected scanout to be cleared after unref")
	}
}

func TestTransferOutOfBoundsFails(t *testing.T) {
	d := gpu.NewDevice()
	d.CreateResource2D(1, 1, 1)
	if err := d.TransferToHost2D(1, 0, make([]byte, 100)); err == nil {
		t.Fatalf("expected out-of-bounds transfer to fail")
	}
}
