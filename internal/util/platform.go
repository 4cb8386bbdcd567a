package util

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Version is the relay build version, overridden with -ldflags at release.
var Version = "0.1.0-dev"

// LogicalCPUs returns the number of logical CPUs, falling back to the Go
// runtime when the host cannot be queried.
func LogicalCPUs() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// WorkerCount returns configured when positive, otherwise one drain loop per
// four logical CPUs with a floor of one.
func WorkerCount(configured int) int {
	if configured > 0 {
		return configured
	}
	return max(1, LogicalCPUs()/4)
}

// SystemInfo holds information about the host system.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	LogicalCPUs  int    `json:"logical_cpus"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	BootTime     uint64 `json:"boot_time"`
}

// GetSystemInfo gathers static host information.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Architecture: runtime.GOARCH,
		LogicalCPUs:  LogicalCPUs(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
		info.BootTime = hostInfo.BootTime
	}
	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}

	return info
}

// Usage is a snapshot of host and process load.
type Usage struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryUsedMB     uint64  `json:"memory_used_mb"`
	MemoryPercent    float64 `json:"memory_percent"`
	Load1            float64 `json:"load1"`
	ProcessRSSMB     uint64  `json:"process_rss_mb"`
	ProcessGoroutine int     `json:"process_goroutines"`
	ProcessUptimeSec int64   `json:"process_uptime_sec"`
}

// GetUsage samples current host and process load. Fields that cannot be
// read are left zero.
func GetUsage() Usage {
	u := Usage{ProcessGoroutine: runtime.NumGoroutine()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		u.CPUPercent = pct[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		u.MemoryUsedMB = memInfo.Used / (1024 * 1024)
		u.MemoryPercent = memInfo.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		u.Load1 = avg.Load1
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if m, err := p.MemoryInfo(); err == nil {
			u.ProcessRSSMB = m.RSS / (1024 * 1024)
		}
		if created, err := p.CreateTime(); err == nil {
			u.ProcessUptimeSec = int64(time.Since(time.UnixMilli(created)).Seconds())
		}
	}

	return u
}
