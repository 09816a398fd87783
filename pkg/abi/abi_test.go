package abi_test

import (
	"testing"

	"github.com/scarlet-project/scarlet/pkg/abi"
	"github.com/scarlet-project/scarlet/pkg/kobj"
	"github.com/scarlet-project/scarlet/pkg/task"
	"github.com/scarlet-project/scarlet/pkg/vfs"
	"github.com/scarlet-project/scarlet/pkg/vfs/tmpfs"
)

// fakeABI is a minimal task.ABIModule stand-in for exercising selection and
// exec-handoff behavior without a real ELF loader.
type fakeABI struct {
	name      string
	score     int
	executed  bool
	lastArgv  []string
	clonedOne bool
}

func (f *fakeABI) Name() string { return f.name }
func (f *fakeABI) Clone() task.ABIModule {
	f.clonedOne = true
	return &fakeABI{name: f.name, score: f.score}
}
func (f *fakeABI) HandleSyscall(t *task.Task, frame *task.Trapframe) (uintptr, error) {
	return 0, nil
}
func (f *fakeABI) CanExecuteBinary(magic []byte, path string) int { return f.score }
func (f *fakeABI) ExecuteBinary(t *task.Task, argv, envp []string, frame *task.Trapframe) error {
	f.executed = true
	f.lastArgv = argv
	return nil
}
func (f *fakeABI) InitializeFromExistingHandles(t *task.Task, existing *kobj.Table) *kobj.Table {
	return existing
}

func newTestManager(t *testing.T, binaryPath string, content []byte) *vfs.Manager {
	t.Helper()
	fs := tmpfs.New()
	mgr := vfs.NewManager(fs)
	if err := mgr.CreateFile("/bin", vfs.Directory); err != nil {
		t.Fatalf("CreateFile /bin: %v", err)
	}
	if err := mgr.CreateFile(binaryPath, vfs.RegularFile); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	f, err := mgr.Open(binaryPath, vfs.OpenWrite)
	if err != nil {
		t.Fatalf("Open for write: %v", err)
	}
	if _, err := f.Write(content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return mgr
}

func TestExecuteBinaryPicksHighestScore(t *testing.T) {
	low := &fakeABI{name: "low", score: 10}
	high := &fakeABI{name: "high", score: 90}

	reg := abi.NewRegistry()
	reg.Register(low)
	reg.Register(high)

	mgr := newTestManager(t, "/bin/prog", []byte{0x7f, 'E', 'L', 'F'})
	tk := task.NewUserTask(1, "prog", 0, nil)

	exec := abi.NewTransparentExecutor(reg)
	if err := exec.ExecuteBinary(tk, mgr, nil, "/bin/prog", []string{"prog"}, nil, &task.Trapframe{}); err != nil {
		t.Fatalf("ExecuteBinary: %v", err)
	}

	if high.executed || low.executed {
		t.Fatalf("registry templates must never execute directly, only their clones")
	}
	if !high.clonedOne || low.clonedOne {
		t.Fatalf("expected only the higher-scoring ABI to be cloned")
	}
	got, ok := tk.ABI.(*fakeABI)
	if !ok {
		t.Fatalf("task ABI is not a *fakeABI: %T", tk.ABI)
	}
	if got.name != "high" {
		t.Fatalf("expected task ABI swapped to %q, got %q", "high", got.name)
	}
	if !got.executed {
		t.Fatalf("expected the cloned ABI instance to have executed the binary")
	}
}

func TestExecuteBinaryTieBreaksTowardCurrentABI(t *testing.T) {
	a := &fakeABI{name: "a", score: 50}
	b := &fakeABI{name: "b", score: 50}

	reg := abi.NewRegistry()
	reg.Register(a)
	reg.Register(b)

	mgr := newTestManager(t, "/bin/prog", []byte{0x7f, 'E', 'L', 'F'})
	tk := task.NewUserTask(1, "prog", 0, nil)
	tk.ABI = b

	exec := abi.NewTransparentExecutor(reg)
	if err := exec.ExecuteBinary(tk, mgr, nil, "/bin/prog", nil, nil, &task.Trapframe{}); err != nil {
		t.Fatalf("ExecuteBinary: %v", err)
	}

	if a.executed || b.executed {
		t.Fatalf("registry templates must never execute directly, only their clones")
	}
	got, ok := tk.ABI.(*fakeABI)
	if !ok {
		t.Fatalf("task ABI is not a *fakeABI: %T", tk.ABI)
	}
	if got.name != "b" {
		t.Fatalf("expected the tie to favor the current ABI (b), got %q", got.name)
	}
	if !got.executed {
		t.Fatalf("expected the cloned ABI instance to have executed the binary")
	}
}

func TestExecuteBinaryNoCandidateFails(t *testing.T) {
	reg := abi.NewRegistry()
	reg.Register(&fakeABI{name: "never", score: -1})

	mgr := newTestManager(t, "/bin/prog", []byte{0x00, 0x00})
	tk := task.NewUserTask(1, "prog", 0, nil)

	exec := abi.NewTransparentExecutor(reg)
	if err := exec.ExecuteBinary(tk, mgr, nil, "/bin/prog", nil, nil, &task.Trapframe{}); err == nil {
		t.Fatalf("expected an error when no ABI can execute the binary")
	}
}

func TestExecuteBinaryMissingFile(t *testing.T) {
	reg := abi.NewRegistry()
	reg.Register(&fakeABI{name: "any", score: 50})
	fs := tmpfs.New()
	mgr := vfs.NewManager(fs)
	tk := task.NewUserTask(1, "prog", 0, nil)

	exec := abi.NewTransparentExecutor(reg)
	if err := exec.ExecuteBinary(tk, mgr, nil, "/nope", nil, nil, &task.Trapframe{}); err == nil {
		t.Fatalf("expected an error resolving a missing binary path")
	}
}
