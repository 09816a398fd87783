// Package bootcfg parses the flags cmd/scarletd starts from: which ABI
// personalities to register, each one's rootfs image path, the target
// architecture, and the debug console mode. Modeled on the teacher's
// cmd/minimega/main.go flag-variable convention (f_base, f_port, ...),
// adapted to a single FromArgs entry point so cmd/scarletd's main can stay
// a thin wiring shim and tests can parse arbitrary argv without touching
// the global flag.CommandLine.
package bootcfg

import (
	"flag"
	"fmt"
	"strings"
)

// Console selects how the kernel monitor is exposed once booted.
type Console string

const (
	ConsoleNone   Console = "none"
	ConsoleLiner  Console = "liner"
	ConsoleTelnet Console = "telnet"
	ConsoleHTTP   Console = "http"
)

// Arch is the target architecture's page table/trap layout.
type Arch string

const (
	ArchRISCV64 Arch = "riscv64"
	ArchAArch64 Arch = "aarch64"
)

// ABIConfig is one ABI personality to register at boot, with the rootfs
// image backing its overlay environment (spec.md §4.8).
type ABIConfig struct {
	Name   string // "linux" or "xv6"
	Rootfs string
}

// Config is the fully parsed boot configuration.
type Config struct {
	Arch       Arch
	Console    Console
	ConsoleAddr string
	ABIs       []ABIConfig
	LogLevel   string
	Base       string
}

const (
	defaultBase = "/tmp/scarlet"
)

// FromArgs parses args (excluding the program name, as in flag.Parse)
// into a Config. A fresh flag.FlagSet is used per call so this is safe to
// invoke repeatedly in tests.
func FromArgs(args []string) (Config, error) {
	fs := flag.NewFlagSet("scarletd", flag.ContinueOnError)

	fArch := fs.String("arch", string(ArchRISCV64), "target architecture (riscv64|aarch64)")
	fConsole := fs.String("console", string(ConsoleNone), "debug console mode (none|liner|telnet|http)")
	fConsoleAddr := fs.String("console-addr", ":4266", "listen address for telnet/http console modes")
	fABIs := fs.String("abis", "linux", "comma-separated ABI personalities to register (linux,xv6)")
	fLinuxRootfs := fs.String("linux-rootfs", "/srv/scarlet/linux", "rootfs path mounted for the linux ABI's overlay environment")
	fXV6Rootfs := fs.String("xv6-rootfs", "/srv/scarlet/xv6", "rootfs path mounted for the xv6 ABI's overlay environment")
	fLoglevel := fs.String("loglevel", "info", "log level (debug|info|warn|error)")
	fBase := fs.String("base", defaultBase, "base path for scarletd runtime state (pid file, sockets)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Arch:        Arch(*fArch),
		Console:     Console(*fConsole),
		ConsoleAddr: *fConsoleAddr,
		LogLevel:    *fLoglevel,
		Base:        *fBase,
	}

	switch cfg.Arch {
	case ArchRISCV64, ArchAArch64:
	default:
		return Config{}, fmt.Errorf("bootcfg: unknown arch %q", cfg.Arch)
	}

	switch cfg.Console {
	case ConsoleNone, ConsoleLiner, ConsoleTelnet, ConsoleHTTP:
	default:
		return Config{}, fmt.Errorf("bootcfg: unknown console mode %q", cfg.Console)
	}

	for _, name := range strings.Split(*fABIs, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		switch name {
		case "linux":
			cfg.ABIs = append(cfg.ABIs, ABIConfig{Name: "linux", Rootfs: *fLinuxRootfs})
		case "xv6":
			cfg.ABIs = append(cfg.ABIs, ABIConfig{Name: "xv6", Rootfs: *fXV6Rootfs})
		default:
			return Config{}, fmt.Errorf("bootcfg: unknown ABI %q", name)
		}
	}
	if len(cfg.ABIs) == 0 {
		return Config{}, fmt.Errorf("bootcfg: at least one ABI must be registered")
	}

	return cfg, nil
}
