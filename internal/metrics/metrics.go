// Package metrics collects host resource utilization, turned into the
// provides map declared at session start (spec.md §4.2). Heartbeats do not
// carry these readings. It mirrors the teacher's Collect() shape but replaces the
// zero-value stub with a real github.com/shirou/gopsutil/v4 sampling,
// closing out the teacher's own TODO to wire gopsutil in.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// sampleWindow is how long cpu.PercentWithContext blocks measuring
// utilization over. Kept short so Collect returns quickly.
const sampleWindow = 200 * time.Millisecond

// Snapshot is a point-in-time reading of host resource usage, percentages
// in the 0-100 range.
type Snapshot struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// Collect samples CPU, memory, and disk utilization for the root
// filesystem. Any single failed sample is reported as zero rather than
// aborting the whole snapshot, so a partial reading still yields a
// provides map.
func Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if pcts, err := cpu.PercentWithContext(ctx, sampleWindow, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap.DiskPercent = du.UsedPercent
	}

	return snap
}

// Provides turns a Snapshot into the free-form provides map advertised at
// session start (spec.md §4.2), bucketed into coarse tags the server can
// match scheduling constraints against, the same way the original agent's
// provides declaration is host-derived rather than user-configured for
// these particular keys.
func Provides(snap Snapshot) map[string][]string {
	provides := make(map[string][]string)

	if snap.CPUPercent < 50 {
		provides["cpu"] = []string{"available"}
	}
	if snap.MemPercent < 80 {
		provides["memory"] = []string{"available"}
	}
	if snap.DiskPercent < 90 {
		provides["disk"] = []string{"available"}
	}

	return provides
}
