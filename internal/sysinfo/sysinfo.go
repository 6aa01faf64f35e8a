// Package sysinfo reports facts about the machine the kernel runs on.
package sysinfo

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"OpenPlugin-Guard/internal/compat"
)

// Host summarises the operating system.
type Host struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion"`
	Arch            string `json:"arch"`
	TotalMemory     uint64 `json:"totalMemory"`
}

// Detect collects host facts, falling back to the Go runtime values when gopsutil cannot.
func Detect(ctx context.Context) Host {
	h := Host{OS: runtime.GOOS, Platform: runtime.GOOS, Arch: runtime.GOARCH}
	if info, err := host.InfoWithContext(ctx); err == nil {
		h.Hostname = info.Hostname
		if info.OS != "" {
			h.OS = info.OS
		}
		if info.Platform != "" {
			h.Platform = info.Platform
			h.PlatformVersion = info.PlatformVersion
		}
		if info.KernelArch != "" {
			h.Arch = info.KernelArch
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.TotalMemory = vm.Total
	}
	return h
}

// System builds the runtime description used by the compatibility checker. Node and
// npm are the JavaScript compatibility levels the embedded runtime advertises.
func System(ctx context.Context, node, npm string) compat.SystemInfo {
	h := Detect(ctx)
	return compat.SystemInfo{Node: node, NPM: npm, Platform: strings.ToLower(h.OS)}
}

// Process reports the kernel process footprint.
type Process struct {
	RSS        uint64
	CPUPercent float64
}

// Self samples the current process.
func Self(ctx context.Context) (Process, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return Process{}, err
	}
	var out Process
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
		out.RSS = mi.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = cpu
	}
	return out, nil
}
