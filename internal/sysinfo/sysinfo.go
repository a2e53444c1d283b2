// Package sysinfo describes the machine a test run executes on. The values
// end up as system attributes on the launch and as the default operating
// system shown in the launch name.
package sysinfo

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mdalboni/reportportal-manager/pkg/models"
)

// Info is a best-effort snapshot of the host
type Info struct {
	Hostname        string
	Platform        string
	PlatformVersion string
	KernelArch      string
	CPUModel        string
	CPUThreads      int
	RAMBytes        uint64
}

// replaced in tests
var (
	hostInfo      = host.Info
	cpuInfo       = cpu.Info
	cpuCounts     = cpu.Counts
	virtualMemory = mem.VirtualMemory
)

// Detect collects host information. Probes that fail leave their fields
// at values derived from the Go runtime.
func Detect() Info {
	info := Info{
		Platform:   runtime.GOOS,
		KernelArch: runtime.GOARCH,
		CPUThreads: runtime.NumCPU(),
		CPUModel:   "Unknown",
	}

	if h, err := hostInfo(); err == nil && h != nil {
		info.Hostname = h.Hostname
		if h.Platform != "" {
			info.Platform = h.Platform
		}
		info.PlatformVersion = h.PlatformVersion
		if h.KernelArch != "" {
			info.KernelArch = h.KernelArch
		}
	}

	if cpus, err := cpuInfo(); err == nil && len(cpus) > 0 && cpus[0].ModelName != "" {
		info.CPUModel = strings.TrimSpace(cpus[0].ModelName)
	}
	if n, err := cpuCounts(true); err == nil && n > 0 {
		info.CPUThreads = n
	}

	if vm, err := virtualMemory(); err == nil && vm != nil {
		info.RAMBytes = vm.Total
	}

	return info
}

// OSName is the operating system as shown in launch names, e.g. "ubuntu 22.04"
func (i Info) OSName() string {
	return strings.TrimSpace(i.Platform + " " + i.PlatformVersion)
}

// Attributes returns the host description as system launch attributes
func (i Info) Attributes(agent string) []models.Attribute {
	attrs := []models.Attribute{
		{Key: "os", Value: i.OSName(), System: true},
		{Key: "arch", Value: i.KernelArch, System: true},
		{Key: "cpu", Value: fmt.Sprintf("%s (%d threads)", i.CPUModel, i.CPUThreads), System: true},
	}
	if i.RAMBytes > 0 {
		attrs = append(attrs, models.Attribute{Key: "ram", Value: FormatRAM(i.RAMBytes), System: true})
	}
	if agent != "" {
		attrs = append(attrs, models.Attribute{Key: "agent", Value: agent, System: true})
	}
	return attrs
}

// FormatRAM formats bytes as gigabytes
func FormatRAM(bytes uint64) string {
	return fmt.Sprintf("%.1f GB", float64(bytes)/(1024*1024*1024))
}
