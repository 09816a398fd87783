// Package diag collects host introspection data for the kernel monitor:
// the scarletd process's own CPU/memory footprint on the host it runs on,
// reported alongside the simulated kernel's own per-CPU interrupt counters
// (pkg/interrupt) so a operator looking at the monitor sees both the
// "physical" host and the "virtual" kernel's view of load side by side.
// Grounded on the teacher's src/minimega/proc.go, which walks
// github.com/c9s/goprocinfo/linux stat/statm snapshots to compute a VM's
// CPU usage between two samples.
package diag

import (
	"fmt"
	"time"

	proc "github.com/c9s/goprocinfo/linux"

	"github.com/scarlet-project/scarlet/pkg/interrupt"
)

// HostSample is a point-in-time snapshot of the host process running
// scarletd, taken from /proc.
type HostSample struct {
	Taken time.Time

	Stat  *proc.ProcessStat
	Statm *proc.ProcessStatm
	Mem   *proc.MemInfo
	Load  *proc.LoadAvg
}

// Sample reads /proc for pid and the host-wide meminfo/loadavg. pid is
// normally os.Getpid(); a parameter so tests can pass a fake /proc root
// is deliberately not offered — goprocinfo hardcodes "/proc" paths by
// convention the same way the teacher does.
func Sample(pid int) (*HostSample, error) {
	stat, err := proc.ReadProcessStat(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, fmt.Errorf("diag: read process stat: %w", err)
	}
	statm, err := proc.ReadProcessStatm(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return nil, fmt.Errorf("diag: read process statm: %w", err)
	}
	mem, err := proc.ReadMemInfo("/proc/meminfo")
	if err != nil {
		return nil, fmt.Errorf("diag: read meminfo: %w", err)
	}
	load, err := proc.ReadLoadAvg("/proc/loadavg")
	if err != nil {
		return nil, fmt.Errorf("diag: read loadavg: %w", err)
	}

	return &HostSample{
		Taken: time.Now(),
		Stat:  stat,
		Statm: statm,
		Mem:   mem,
		Load:  load,
	}, nil
}

// CPUPercent computes the percentage of a CPU-second consumed between two
// samples of the same process, following the teacher's ProcStats.CPU: the
// delta of (utime+stime) clock ticks over wall-clock elapsed seconds.
func (s *HostSample) CPUPercent(prev *HostSample, clkTck float64) float64 {
	if prev == nil || clkTck <= 0 {
		return 0
	}
	ticks := float64((s.Stat.Utime + s.Stat.Stime) - (prev.Stat.Utime + prev.Stat.Stime))
	elapsed := s.Taken.Sub(prev.Taken).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return ticks / clkTck / elapsed * 100
}

// Snapshot pairs a host sample with the kernel's own per-CPU interrupt
// counters in one combined view. No monitor command prints it.
type Snapshot struct {
	Host       *HostSample
	Interrupts map[interrupt.CPU]interrupt.CPUStats
}

// Collect builds a Snapshot for pid, reading interrupt stats for each of
// the given CPUs from mgr.
func Collect(pid int, mgr *interrupt.Manager, cpus []interrupt.CPU) (*Snapshot, error) {
	host, err := Sample(pid)
	if err != nil {
		return nil, err
	}
	stats := make(map[interrupt.CPU]interrupt.CPUStats, len(cpus))
	for _, cpu := range cpus {
		stats[cpu] = mgr.Stats(cpu)
	}
	return &Snapshot{Host: host, Interrupts: stats}, nil
}
