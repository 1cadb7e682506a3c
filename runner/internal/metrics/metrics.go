// Package metrics collects a short host resource snapshot for the runner's
// periodic heartbeat frame.
package metrics

import (
	"context"
	"time"

	cpuutil "github.com/shirou/gopsutil/v4/cpu"
	diskutil "github.com/shirou/gopsutil/v4/disk"
	memutil "github.com/shirou/gopsutil/v4/mem"

	"github.com/conductorhq/conductor/runner/internal/wire"
)

// sampleInterval is how long Collect blocks measuring CPU utilization.
// Short enough not to delay the heartbeat cadence noticeably, long enough
// for gopsutil's delta-based CPU sampling to produce a meaningful reading.
const sampleInterval = 200 * time.Millisecond

// collectTimeout bounds the whole snapshot — a stuck disk or proc read must
// never block the heartbeat loop indefinitely.
const collectTimeout = 2 * time.Second

// Collect takes a best-effort snapshot of host CPU, memory, and disk
// utilization. Each metric degrades to zero independently if its collector
// errors, rather than failing the whole heartbeat.
func Collect() wire.HeartbeatPayload {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	var hb wire.HeartbeatPayload

	if pct, err := cpuutil.PercentWithContext(ctx, sampleInterval, false); err == nil && len(pct) > 0 {
		hb.CPUPercent = pct[0]
	}
	if vm, err := memutil.VirtualMemoryWithContext(ctx); err == nil {
		hb.MemPercent = vm.UsedPercent
	}
	if du, err := diskutil.UsageWithContext(ctx, "/"); err == nil {
		hb.DiskPercent = du.UsedPercent
	}

	return hb
}
