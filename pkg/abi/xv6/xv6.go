// Package xv6 implements the minimal XV6 ABI module (spec.md §4.8, §6.1):
// a small fixed-size file-descriptor table distinct from the kernel handle
// table (spec.md §9/SPEC_FULL §D.3, added verbatim from original_source's
// abi/xv6/riscv64/mod.rs), and the classic xv6 syscall numbering.
package xv6

import (
	"github.com/scarlet-project/scarlet/pkg/abi"
	"github.com/scarlet-project/scarlet/pkg/kerr"
	"github.com/scarlet-project/scarlet/pkg/klog"
	"github.com/scarlet-project/scarlet/pkg/kobj"
	"github.com/scarlet-project/scarlet/pkg/physmem"
	"github.com/scarlet-project/scarlet/pkg/task"
	"github.com/scarlet-project/scarlet/pkg/vfs"
)

var log = klog.New("abi/xv6")

// Syscall numbers, exactly as spec.md §6.1 names them for the XV6 ABI.
const (
	SysFork   = 1
	SysExit   = 2
	SysWait   = 3
	SysPipe   = 4
	SysRead   = 5
	SysExec   = 7
	SysFstat  = 8
	SysChdir  = 9
	SysDup    = 10
	SysGetpid = 11
	SysSbrk   = 12
	SysOpen   = 15
	SysWrite  = 16
	SysMknod  = 17
	SysUnlink = 18
	SysLink   = 19
	SysMkdir  = 20
	SysClose  = 21
)

// maxFds is xv6's fixed per-process descriptor table size (SPEC_FULL
// §D.3's "small fixed-size (16-entry) fd table").
const maxFds = 16

// failureReturn is spec.md §6.1's XV6 convention: any failure returns the
// all-ones machine word, with no separate errno channel.
const failureReturn = ^uintptr(0)

// ABI is the XV6 personality.
type ABI struct {
	fds [maxFds]kobj.Handle
	// used[i] tracks whether fds[i] names a live handle; occupancy is kept
	// here rather than inferred from the handle value in fds[i].
	used [maxFds]bool

	vfsMgr *vfs.Manager
	phys   *physmem.Pool
}

// New returns an unbound XV6 ABI template.
func New() *ABI {
	return &ABI{}
}

func (a *ABI) Name() string { return "xv6" }

// Clone duplicates the fd table for a forked child (spec.md §4.7).
func (a *ABI) Clone() task.ABIModule {
	c := &ABI{vfsMgr: a.vfsMgr, phys: a.phys}
	c.fds = a.fds
	c.used = a.used
	return c
}

func (a *ABI) BindVFS(mgr *vfs.Manager) { a.vfsMgr = mgr }
func (a *ABI) BindPhys(p *physmem.Pool) { a.phys = p }

// SetupOverlayEnvironment implements abi.EnvironmentSetup (spec.md §4.8).
func (a *ABI) SetupOverlayEnvironment(target, base *vfs.Manager, systemPath, configPath string) error {
	return abi.SetupOverlayEnvironment(target, base, systemPath, configPath)
}

// SetupSharedResources implements abi.EnvironmentSetup (spec.md §4.8).
func (a *ABI) SetupSharedResources(target, base *vfs.Manager) error {
	return abi.SetupSharedResources(target, base)
}

// CanExecuteBinary recognizes a plain ELF identically to the Linux ABI but
// scores lower (40 against Linux's 70), so a generic ELF prefers Linux
// whenever both are registered; XV6 outscores Linux only via a path hint
// under the conventional "/xv6/" rootfs prefix (80).
func (a *ABI) CanExecuteBinary(magic []byte, path string) int {
	if !abi.IsELF(magic) {
		return -1
	}
	if len(path) >= 5 && path[:5] == "/xv6/" {
		return 80
	}
	return 40
}

// ExecuteBinary loads the ELF image and lays out a stack the same way the
// Linux ABI does (spec.md §4.7 step 3); XV6 has no argv/envp convention
// beyond argc/argv, so envp is always empty.
func (a *ABI) ExecuteBinary(t *task.Task, argv, envp []string, frame *task.Trapframe) error {
	if a.phys == nil || t.VMM == nil {
		return kerr.New(kerr.InvalidOperation, "xv6 ABI not bound to a physical pool/VMM")
	}
	if a.vfsMgr == nil {
		return kerr.New(kerr.InvalidOperation, "xv6 ABI has no VFS namespace bound")
	}

	f, err := a.vfsMgr.Open(argv[0], vfs.OpenRead)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := readAll(f)
	if err != nil {
		return err
	}

	img, err := abi.ParseELF64(data)
	if err != nil {
		return err
	}
	if err := img.Load(t.VMM, a.phys); err != nil {
		return err
	}

	const stackTop = 0x3fff_f000
	const stackSize = 4096 * 8
	layout, err := abi.SetupStack(t.VMM, a.phys, stackTop, stackSize, argv, nil)
	if err != nil {
		return err
	}

	frame.CPU.PC = img.Entry
	frame.CPU.Regs[2] = uint64(layout.StackPointer)
	log.Debug("task %d exec'd %q entry=%#x", t.ID, argv[0], img.Entry)
	return nil
}

func readAll(f *kobj.File) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if kerr.Is(err, kerr.EndOfStream) {
				return out, nil
			}
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
	}
}

// InitializeFromExistingHandles closes every pre-exec fd (SPEC_FULL §D.3:
// xv6's fd table is rebuilt fresh on exec, unlike Linux's fd-preserving
// convention), returning a fresh handle table for the new image.
func (a *ABI) InitializeFromExistingHandles(t *task.Task, existing *kobj.Table) *kobj.Table {
	existing.CloseAll()
	for i := range a.used {
		a.used[i] = false
	}
	return kobj.NewTable()
}

func (a *ABI) allocFd(h kobj.Handle) (int, error) {
	for i := 0; i < maxFds; i++ {
		if !a.used[i] {
			a.used[i] = true
			a.fds[i] = h
			return i, nil
		}
	}
	return 0, kerr.New(kerr.NotSupported, "xv6 fd table full")
}

func (a *ABI) lookupFd(fd int) (kobj.Handle, bool) {
	if fd < 0 || fd >= maxFds || !a.used[fd] {
		return 0, false
	}
	return a.fds[fd], true
}

func (a *ABI) freeFd(fd int) (kobj.Handle, bool) {
	h, ok := a.lookupFd(fd)
	if ok {
		a.used[fd] = false
	}
	return h, ok
}

// HandleSyscall decodes frame.Number via the xv6 table (spec.md §4.8).
func (a *ABI) HandleSyscall(t *task.Task, frame *task.Trapframe) (uintptr, error) {
	switch frame.Number {
	case SysRead:
		return a.sysRead(t, frame)
	case SysWrite:
		return a.sysWrite(t, frame)
	case SysOpen:
		return a.sysOpen(t, frame)
	case SysClose:
		return a.sysClose(t, frame)
	case SysDup:
		return a.sysDup(t, frame)
	case SysPipe:
		return a.sysPipe(t, frame)
	case SysGetpid:
		return uintptr(t.ID), nil
	case SysSbrk:
		return a.sysSbrk(t, frame)
	case SysChdir:
		return a.sysChdir(t, frame)
	case SysUnlink:
		return a.sysUnlink(t, frame)
	case SysMkdir:
		return a.sysMkdir(t, frame)
	case SysExit:
		return 0, nil // task lifecycle (Exit) is driven by the caller
	default:
		return failureReturn, nil
	}
}

func readUserString(t *task.Task, vaddr uintptr, max int) (string, error) {
	buf := make([]byte, max)
	if err := t.VMM.ReadUser(vaddr, buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return "", kerr.New(kerr.InvalidData, "unterminated user string")
}

func (a *ABI) sysRead(t *task.Task, frame *task.Trapframe) (uintptr, error) {
	h, ok := a.lookupFd(int(frame.Args[0]))
	if !ok {
		return failureReturn, nil
	}
	obj, ok := t.Handles.Get(h)
	if !ok {
		return failureReturn, nil
	}
	reader, ok := obj.(kobj.Streamer)
	if !ok {
		return failureReturn, nil
	}
	buf := make([]byte, frame.Args[2])
	n, err := reader.Read(buf)
	if err != nil {
		if kerr.Is(err, kerr.EndOfStream) {
			return 0, nil
		}
		if kerr.Is(err, kerr.WouldBlock) {
			return 0, err
		}
		return failureReturn, nil
	}
	if err := t.VMM.WriteUser(uintptr(frame.Args[1]), buf[:n]); err != nil {
		return failureReturn, nil
	}
	return uintptr(n), nil
}

func (a *ABI) sysWrite(t *task.Task, frame *task.Trapframe) (uintptr, error) {
	h, ok := a.lookupFd(int(frame.Args[0]))
	if !ok {
		return failureReturn, nil
	}
	obj, ok := t.Handles.Get(h)
	if !ok {
		return failureReturn, nil
	}
	writer, ok := obj.(kobj.Streamer)
	if !ok {
		return failureReturn, nil
	}
	buf := make([]byte, frame.Args[2])
	if err := t.VMM.ReadUser(uintptr(frame.Args[1]), buf); err != nil {
		return failureReturn, nil
	}
	n, err := writer.Write(buf)
	if err != nil {
		return failureReturn, nil
	}
	return uintptr(n), nil
}

func (a *ABI) sysOpen(t *task.Task, frame *task.Trapframe) (uintptr, error) {
	if a.vfsMgr == nil {
		return failureReturn, nil
	}
	path, err := readUserString(t, uintptr(frame.Args[0]), 512)
	if err != nil {
		return failureReturn, nil
	}
	f, err := a.vfsMgr.Open(path, vfs.OpenFlags(frame.Args[1]))
	if err != nil {
		return failureReturn, nil
	}
	h := t.Handles.Insert(f)
	fdNum, err := a.allocFd(h)
	if err != nil {
		t.Handles.Close(h)
		return failureReturn, nil
	}
	return uintptr(fdNum), nil
}

func (a *ABI) sysClose(t *task.Task, frame *task.Trapframe) (uintptr, error) {
	h, ok := a.freeFd(int(frame.Args[0]))
	if !ok {
		return failureReturn, nil
	}
	if err := t.Handles.Close(h); err != nil {
		return failureReturn, nil
	}
	return 0, nil
}

func (a *ABI) sysDup(t *task.Task, frame *task.Trapframe) (uintptr, error) {
	h, ok := a.lookupFd(int(frame.Args[0]))
	if !ok {
		return failureReturn, nil
	}
	fdNum, err := a.allocFd(h)
	if err != nil {
		return failureReturn, nil
	}
	return uintptr(fdNum), nil
}

func (a *ABI) sysPipe(t *task.Task, frame *task.Trapframe) (uintptr, error) {
	r, w := kobj.NewPipe()
	rh := t.Handles.Insert(r)
	wh := t.Handles.Insert(w)
	rfd, err := a.allocFd(rh)
	if err != nil {
		return failureReturn, nil
	}
	wfd, err := a.allocFd(wh)
	if err != nil {
		a.freeFd(rfd)
		return failureReturn, nil
	}
	var buf [8]byte
	buf[0] = byte(rfd)
	buf[4] = byte(wfd)
	if err := t.VMM.WriteUser(uintptr(frame.Args[0]), buf[:]); err != nil {
		return failureReturn, nil
	}
	return 0, nil
}

func (a *ABI) sysSbrk(t *task.Task, frame *task.Trapframe) (uintptr, error) {
	increment := int64(frame.Args[0])
	oldTop := t.VMM.BrkTop()
	if err := t.VMM.Brk(uintptr(int64(oldTop) + increment)); err != nil {
		return failureReturn, nil
	}
	return uintptr(oldTop), nil
}

func (a *ABI) sysChdir(t *task.Task, frame *task.Trapframe) (uintptr, error) {
	if a.vfsMgr == nil {
		return failureReturn, nil
	}
	path, err := readUserString(t, uintptr(frame.Args[0]), 512)
	if err != nil {
		return failureReturn, nil
	}
	entry, _, err := a.vfsMgr.Resolve(path, vfs.ResolveOptions{})
	if err != nil {
		return failureReturn, nil
	}
	t.SetCwd(entry)
	return 0, nil
}

func (a *ABI) sysUnlink(t *task.Task, frame *task.Trapframe) (uintptr, error) {
	if a.vfsMgr == nil {
		return failureReturn, nil
	}
	path, err := readUserString(t, uintptr(frame.Args[0]), 512)
	if err != nil {
		return failureReturn, nil
	}
	if err := a.vfsMgr.Remove(path); err != nil {
		return failureReturn, nil
	}
	return 0, nil
}

func (a *ABI) sysMkdir(t *task.Task, frame *task.Trapframe) (uintptr, error) {
	if a.vfsMgr == nil {
		return failureReturn, nil
	}
	path, err := readUserString(t, uintptr(frame.Args[0]), 512)
	if err != nil {
		return failureReturn, nil
	}
	if err := a.vfsMgr.CreateFile(path, vfs.Directory); err != nil {
		return failureReturn, nil
	}
	return 0, nil
}

var _ task.ABIModule = (*ABI)(nil)
