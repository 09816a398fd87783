package httpapi_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/scarlet-project/scarlet/pkg/arch/riscv64"
	"github.com/scarlet-project/scarlet/pkg/interrupt"
	"github.com/scarlet-project/scarlet/pkg/monitor"
	"github.com/scarlet-project/scarlet/pkg/monitor/httpapi"
	"github.com/scarlet-project/scarlet/pkg/physmem"
	"github.com/scarlet-project/scarlet/pkg/task"
	"github.com/scarlet-project/scarlet/pkg/vfs"
	"github.com/scarlet-project/scarlet/pkg/vfs/tmpfs"
	"github.com/scarlet-project/scarlet/pkg/vmm"
)

func newKernel(t *testing.T) *monitor.Kernel {
	t.Helper()
	phys := physmem.NewPool(0x1000, 4*1024*1024)
	vm, err := vmm.New(riscv64.NewSv39Layout(), phys)
	if err != nil {
		t.Fatalf("vmm.New: %v", err)
	}
	reg := task.NewRegistry()
	id := reg.Allocate()
	tk := task.NewUserTask(id, "init", 0, vm)
	if err := reg.Register(tk); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return &monitor.Kernel{
		Tasks:      reg,
		VFS:        vfs.NewManager(tmpfs.New()),
		Interrupts: interrupt.NewManager(),
	}
}

func TestTasksEndpoint(t *testing.T) {
	r := httpapi.NewRouter(newKernel(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "init") {
		t.Fatalf("body missing task: %q", rec.Body.String())
	}
}

func TestInterruptsEndpointWithCPU(t *testing.T) {
	r := httpapi.NewRouter(newKernel(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/interrupts/stats?cpu=1", nil)
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cpu 1") {
		t.Fatalf("body missing cpu label: %q", rec.Body.String())
	}
}
