package health

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemUsage reads usage from the host through gopsutil.
type SystemUsage struct{}

// DiskUsage returns the used percentage of the filesystem holding path.
func (SystemUsage) DiskUsage(ctx context.Context, path string) (float64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}

// MemoryUsage returns the used percentage of physical memory.
func (SystemUsage) MemoryUsage(ctx context.Context) (float64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

// SystemInfo is a diagnostics snapshot. It carries no health semantics.
type SystemInfo struct {
	Timestamp  time.Time  `json:"timestamp"`
	Host       HostInfo   `json:"host"`
	CPU        CPUInfo    `json:"cpu"`
	Memory     MemoryInfo `json:"memory"`
	Disk       DiskInfo   `json:"disk"`
	GoRoutines int        `json:"go_routines"`

	// Errors lists the collectors that failed; their sections stay zero.
	Errors []string `json:"errors,omitempty"`
}

type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	UptimeSeconds   uint64 `json:"uptime_seconds"`
}

type CPUInfo struct {
	Model        string  `json:"model,omitempty"`
	LogicalCores int     `json:"logical_cores"`
	UsagePercent float64 `json:"usage_percent"`
	Load1        float64 `json:"load1"`
	Load5        float64 `json:"load5"`
	Load15       float64 `json:"load15"`
}

type MemoryInfo struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
	SwapTotal   uint64  `json:"swap_total"`
	SwapUsed    uint64  `json:"swap_used"`
}

type DiskInfo struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// GetDetailedSystemInfo collects CPU, memory, disk and host figures. A
// failing collector is recorded in Errors and the rest still run.
func GetDetailedSystemInfo(ctx context.Context, diskPath string) *SystemInfo {
	if diskPath == "" {
		diskPath = "/"
	}
	info := &SystemInfo{
		Timestamp:  time.Now(),
		GoRoutines: runtime.NumGoroutine(),
		Disk:       DiskInfo{Path: diskPath},
	}
	fail := func(what string, err error) {
		info.Errors = append(info.Errors, what+": "+err.Error())
	}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Host = HostInfo{
			Hostname:        h.Hostname,
			OS:              h.OS,
			Platform:        h.Platform,
			PlatformVersion: h.PlatformVersion,
			KernelVersion:   h.KernelVersion,
			UptimeSeconds:   h.Uptime,
		}
	} else {
		fail("host", err)
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPU.LogicalCores = n
	} else {
		fail("cpu", err)
	}
	if ci, err := cpu.InfoWithContext(ctx); err == nil && len(ci) > 0 {
		info.CPU.Model = ci[0].ModelName
	}
	if pct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pct) > 0 {
		info.CPU.UsagePercent = pct[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.CPU.Load1, info.CPU.Load5, info.CPU.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.Memory.Total = v.Total
		info.Memory.Used = v.Used
		info.Memory.Available = v.Available
		info.Memory.UsedPercent = v.UsedPercent
	} else {
		fail("memory", err)
	}
	if s, err := mem.SwapMemoryWithContext(ctx); err == nil {
		info.Memory.SwapTotal = s.Total
		info.Memory.SwapUsed = s.Used
	}

	if d, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		info.Disk.Total = d.Total
		info.Disk.Used = d.Used
		info.Disk.Free = d.Free
		info.Disk.UsedPercent = d.UsedPercent
	} else {
		fail("disk", err)
	}

	return info
}
