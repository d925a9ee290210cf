// diagnostics.go: point-in-time view of the runtime for operators
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSnapshot describes the host process and machine at one instant.
// Fields that could not be read are left zero and noted in Errors.
type ProcessSnapshot struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	VMSBytes   uint64  `json:"vms_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`

	SystemMemoryUsedPercent float64 `json:"system_memory_used_percent"`
	Load1                   float64 `json:"load1"`

	Errors []string `json:"errors,omitempty"`
}

// HostDiagnostics is returned by Host.Diagnostics. Unresponsive and
// errored plugins are included with their reason.
type HostDiagnostics struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Plugins     []PluginRegistryEntry `json:"plugins"`
	ByKind      map[string]int        `json:"by_kind"`
	Failures    []PluginLoadFailed    `json:"failures,omitempty"`

	PendingCorrelations int            `json:"pending_correlations"`
	QueuedMessages      int            `json:"queued_messages"`
	QueuedHostCalls     int            `json:"queued_host_calls"`
	Scheduler           SchedulerStats `json:"scheduler"`

	NativeTrust *NativeTrustStats `json:"native_trust,omitempty"`
	Process     ProcessSnapshot   `json:"process"`
	Metrics     map[string]any    `json:"metrics,omitempty"`
}

// CollectProcessSnapshot reads process and system figures via gopsutil.
func CollectProcessSnapshot(ctx context.Context) ProcessSnapshot {
	snap := ProcessSnapshot{
		PID:        int32(os.Getpid()), // #nosec G115 -- pids fit in int32
		Goroutines: runtime.NumGoroutine(),
	}
	note := func(what string, err error) {
		snap.Errors = append(snap.Errors, what+": "+err.Error())
	}

	proc, err := process.NewProcessWithContext(ctx, snap.PID)
	if err != nil {
		note("process", err)
	} else {
		if info, err := proc.MemoryInfoWithContext(ctx); err != nil {
			note("memory", err)
		} else {
			snap.RSSBytes = info.RSS
			snap.VMSBytes = info.VMS
		}
		if pct, err := proc.CPUPercentWithContext(ctx); err != nil {
			note("cpu", err)
		} else {
			snap.CPUPercent = pct
		}
		if n, err := proc.NumThreadsWithContext(ctx); err != nil {
			note("threads", err)
		} else {
			snap.Threads = n
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		note("system memory", err)
	} else {
		snap.SystemMemoryUsedPercent = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err != nil {
		note("load", err)
	} else {
		snap.Load1 = avg.Load1
	}
	return snap
}
