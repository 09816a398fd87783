package console_test

import (
	"testing"

	"github.com/scarlet-project/scarlet/pkg/virtio/console"
)

func TestNewDeviceOpensPtyAndLoopsBackOutput(t *testing.T) {
	d, err := console.NewDevice()
	if err != nil {
		t.Skipf("no pty available in this environment: %v", err)
	}
	defer d.Close()

	if d.TTYName() == "" {
		t.Fatalf("expected a non-empty tty device path")
	}

	if err := d.DeliverOutput([]byte("hello\n")); err != nil {
		t.Fatalf("DeliverOutput: %v", err)
	}

	buf := make([]byte, 16)
	n, err := d.ReadInput(buf)
	if err != nil {
		t.Fatalf("ReadInput: %v", err)
	}
	// The pty's line discipline maps "\n" to "\r\n" on echo (ONLCR).
	if string(buf[:n]) != "hello\r\n" {
		t.Fatalf("ReadInput = %q, want %q", buf[:n], "hello\r\n")
	}
}
