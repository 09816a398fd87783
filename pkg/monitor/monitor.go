// Package monitor implements the interactive kernel monitor: a small
// command shell over the task registry, VFS mount tree, and interrupt
// controller, for inspecting a running scarletd. Modeled on the teacher's
// cliLocal (cmd/minimega/cli.go): a github.com/peterh/liner prompt loop
// with history and tab completion, dispatching space-split commands to
// handlers instead of minimega's minicli grammar (this monitor's command
// set is small enough not to need one).
package monitor

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/scarlet-project/scarlet/pkg/interrupt"
	"github.com/scarlet-project/scarlet/pkg/klog"
	"github.com/scarlet-project/scarlet/pkg/task"
	"github.com/scarlet-project/scarlet/pkg/vfs"
)

var log = klog.New("monitor")

// Kernel bundles the global singletons the monitor inspects. Every field
// is read-only from the monitor's perspective; it never mutates kernel
// state beyond what a Command handler explicitly does (currently none
// do — this is diagnostic-only, per spec.md §4.2/§4.5's read APIs).
type Kernel struct {
	Tasks      *task.Registry
	VFS        *vfs.Manager
	Interrupts *interrupt.Manager
}

// commands maps a monitor verb to its handler. Declared as a var, not a
// literal inline in Shell, so Shell, ServeTelnet and the HTTP API
// (httpapi, through Dispatch) share the same table.
var commands = map[string]func(k *Kernel, args []string, out io.Writer) error{
	"tasks":      cmdTasks,
	"mounts":     cmdMounts,
	"interrupts": cmdInterrupts,
	"help":       cmdHelp,
}

func cmdHelp(_ *Kernel, _ []string, out io.Writer) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(out, "commands:", strings.Join(names, ", "))
	return nil
}

func cmdTasks(k *Kernel, _ []string, out io.Writer) error {
	all := k.Tasks.All()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for _, t := range all {
		status := ""
		if code, ok := t.ExitStatus(); ok {
			status = fmt.Sprintf(" exit=%d", code)
		}
		fmt.Fprintf(out, "%5d  %-8s  %-16s%s\n", t.ID, t.State(), t.Name, status)
	}
	return nil
}

func cmdMounts(k *Kernel, _ []string, out io.Writer) error {
	for _, m := range k.VFS.Tree().Walk() {
		fmt.Fprintf(out, "%-6d %-6s %s\n", m.ID, m.Kind, m.Path)
	}
	return nil
}

func cmdInterrupts(k *Kernel, args []string, out io.Writer) error {
	cpu := interrupt.CPU(0)
	if len(args) > 0 {
		n, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("interrupts: bad cpu %q: %w", args[0], err)
		}
		cpu = interrupt.CPU(n)
	}
	stats := k.Interrupts.Stats(cpu)
	fmt.Fprintf(out, "cpu %d: %+v\n", cpu, stats)
	return nil
}

// Dispatch runs a single command line against k, writing any output to
// out. Used directly by tests and by Shell's prompt loop.
func Dispatch(k *Kernel, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	handler, ok := commands[fields[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return handler(k, fields[1:], out)
}

// Shell runs the interactive liner-backed prompt loop until EOF or the
// user types "quit". stdout receives command output.
func Shell(k *Kernel, stdout io.Writer) error {
	input := liner.NewLiner()
	defer input.Close()

	input.SetCtrlCAborts(true)
	input.SetTabCompletionStyle(liner.TabPrints)
	input.SetCompleter(func(line string) []string {
		var out []string
		for name := range commands {
			if strings.HasPrefix(name, line) {
				out = append(out, name)
			}
		}
		sort.Strings(out)
		return out
	})

	for {
		line, err := input.Prompt("scarlet> ")
		if err == liner.ErrPromptAborted {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		input.AppendHistory(line)

		if line == "quit" || line == "exit" {
			return nil
		}

		if err := Dispatch(k, line, stdout); err != nil {
			log.Error("%v", err)
			fmt.Fprintf(stdout, "error: %v\n", err)
		}
	}
}

// ServeTelnet accepts connections on ln and runs a Dispatch-backed
// read-eval-print loop on each, writing Prompt before reading a line. A
// RemoteClient (this package's telnet client, grounded on the teacher's
// src/powerbot/servertech.go) is the intended counterpart, but any plain
// TCP client that writes lines works too.
func ServeTelnet(k *Kernel, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go serveTelnetConn(k, conn)
	}
}

func serveTelnetConn(k *Kernel, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		if _, err := conn.Write([]byte(Prompt)); err != nil {
			return
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		if err := Dispatch(k, line, conn); err != nil {
			fmt.Fprintf(conn, "error: %v\n", err)
		}
	}
}
