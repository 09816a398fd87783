// Command scarletd boots the kernel core: it builds the global VFS
// manager, interrupt controller, task registry and ABI registry, mounts
// an init task under the first configured ABI, and then serves the
// kernel monitor per -console. Structured the way the teacher's
// cmd/minimega/main.go is: flag-driven setup, a signal-triggered
// shutdown channel, and a teardown function run on the way out.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/scarlet-project/scarlet/pkg/abi"
	"github.com/scarlet-project/scarlet/pkg/abi/linux"
	"github.com/scarlet-project/scarlet/pkg/abi/xv6"
	"github.com/scarlet-project/scarlet/pkg/arch"
	"github.com/scarlet-project/scarlet/pkg/arch/aarch64"
	"github.com/scarlet-project/scarlet/pkg/arch/riscv64"
	"github.com/scarlet-project/scarlet/pkg/bootcfg"
	"github.com/scarlet-project/scarlet/pkg/interrupt"
	"github.com/scarlet-project/scarlet/pkg/klog"
	"github.com/scarlet-project/scarlet/pkg/monitor"
	"github.com/scarlet-project/scarlet/pkg/monitor/httpapi"
	"github.com/scarlet-project/scarlet/pkg/physmem"
	"github.com/scarlet-project/scarlet/pkg/task"
	"github.com/scarlet-project/scarlet/pkg/vfs"
	"github.com/scarlet-project/scarlet/pkg/vfs/tmpfs"
	"github.com/scarlet-project/scarlet/pkg/vmm"
)

const banner = `scarletd, a monolithic kernel core simulator`

var log = klog.New("scarletd")

// defaultPhysSize is the simulated physical memory pool's byte size; the
// init task's address space and every subsequent exec draw frames from
// it (pkg/physmem, spec.md §3.4).
const defaultPhysSize = 256 * 1024 * 1024

func layoutFor(a bootcfg.Arch) (arch.Layout, error) {
	switch a {
	case bootcfg.ArchRISCV64:
		return riscv64.NewSv39Layout(), nil
	case bootcfg.ArchAArch64:
		return aarch64.NewArmv8Layout(), nil
	default:
		return arch.Layout{}, fmt.Errorf("scarletd: unsupported arch %q", a)
	}
}

func main() {
	cfg, err := bootcfg.FromArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, banner)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch cfg.LogLevel {
	case "debug":
		klog.SetLevel(klog.DEBUG)
	case "warn":
		klog.SetLevel(klog.WARN)
	case "error":
		klog.SetLevel(klog.ERROR)
	default:
		klog.SetLevel(klog.INFO)
	}

	if err := os.MkdirAll(cfg.Base, 0o755); err != nil {
		log.Fatal("unable to create base path %s: %v", cfg.Base, err)
	}

	layout, err := layoutFor(cfg.Arch)
	if err != nil {
		log.Fatal("%v", err)
	}

	phys := physmem.NewPool(0x1000, defaultPhysSize)
	vfsMgr := vfs.NewManager(tmpfs.New())
	interruptMgr := interrupt.NewManager()
	taskReg := task.NewRegistry()
	abiReg := abi.NewRegistry()

	for _, a := range cfg.ABIs {
		switch a.Name {
		case "linux":
			mod := linux.New()
			mod.BindVFS(vfsMgr)
			mod.BindPhys(phys)
			abiReg.Register(mod)
			log.Info("registered linux ABI, rootfs=%s", a.Rootfs)
		case "xv6":
			mod := xv6.New()
			mod.BindVFS(vfsMgr)
			mod.BindPhys(phys)
			abiReg.Register(mod)
			log.Info("registered xv6 ABI, rootfs=%s", a.Rootfs)
		}
	}

	initTask, err := bootInitTask(cfg, layout, phys, taskReg, abiReg)
	if err != nil {
		log.Fatal("unable to boot init task: %v", err)
	}
	log.Info("init task %d running under %s", initTask.ID, initTask.ABI.Name())

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	k := &monitor.Kernel{Tasks: taskReg, VFS: vfsMgr, Interrupts: interruptMgr}
	serveConsole(cfg, k, shutdown)

	sig := <-shutdown
	log.Warn("caught %v, shutting down", sig)
	teardown()
}

// bootInitTask picks the first configured ABI as init's personality and
// allocates its initial task (no binary is loaded here — a real exec
// happens through abi.TransparentExecutor once the monitor or a
// forthcoming syscall entry point asks for one; spec.md §4.7).
func bootInitTask(cfg bootcfg.Config, layout arch.Layout, phys *physmem.Pool, reg *task.Registry, abiReg *abi.Registry) (*task.Task, error) {
	vm, err := vmm.New(layout, phys)
	if err != nil {
		return nil, err
	}
	vm.InitBrk(0x10000)

	mod, ok := abiReg.ByName(cfg.ABIs[0].Name)
	if !ok {
		return nil, fmt.Errorf("scarletd: ABI %q not registered", cfg.ABIs[0].Name)
	}

	id := reg.Allocate()
	tk := task.NewUserTask(id, "init", 0, vm)
	tk.ABI = mod
	if err := reg.Register(tk); err != nil {
		return nil, err
	}
	return tk, nil
}

func serveConsole(cfg bootcfg.Config, k *monitor.Kernel, shutdown chan os.Signal) {
	switch cfg.Console {
	case bootcfg.ConsoleNone:
		return
	case bootcfg.ConsoleLiner:
		go func() {
			if err := monitor.Shell(k, os.Stdout); err != nil {
				log.Error("monitor shell: %v", err)
			}
			shutdown <- os.Interrupt
		}()
	case bootcfg.ConsoleTelnet:
		ln, err := net.Listen("tcp", cfg.ConsoleAddr)
		if err != nil {
			log.Fatal("telnet console listen %s: %v", cfg.ConsoleAddr, err)
		}
		log.Info("telnet console listening on %s", cfg.ConsoleAddr)
		go func() {
			if err := monitor.ServeTelnet(k, ln); err != nil {
				log.Error("telnet console: %v", err)
			}
		}()
	case bootcfg.ConsoleHTTP:
		router := httpapi.NewRouter(k)
		log.Info("http console listening on %s", cfg.ConsoleAddr)
		go func() {
			if err := http.ListenAndServe(cfg.ConsoleAddr, router); err != nil {
				log.Error("http console: %v", err)
			}
		}()
	}
}

func teardown() {
	log.Info("teardown complete")
}
