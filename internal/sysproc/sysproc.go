// Package sysproc finds processes by command line and samples their
// resource usage. Linux hosts read /proc through procfs; FreeBSD shared
// hosts (no /proc) fall back to pgrep and ps.
package sysproc

import (
	"context"
	"os"
	"time"
)

// Sample is a point-in-time resource reading for one pid.
type Sample struct {
	PID        int           `json:"pid"`
	CPUPercent float64       `json:"cpu_percent"`
	MemPercent float64       `json:"mem_percent"`
	Uptime     time.Duration `json:"uptime"`
}

// Finder locates processes and samples them.
type Finder interface {
	// Find returns the pids whose full command line matches pattern
	// (a regular expression, like pgrep -f). The caller's own pid is
	// never returned.
	Find(ctx context.Context, pattern string) ([]int, error)
	// Sample reads CPU, memory and uptime for one pid.
	Sample(ctx context.Context, pid int) (Sample, error)
}

// NewFinder returns the procfs finder when /proc is mounted and the
// pgrep/ps finder otherwise.
func NewFinder(runner Runner) Finder {
	if _, err := os.Stat("/proc/self/stat"); err == nil {
		if f, err := NewProcFS("/proc"); err == nil {
			return f
		}
	}
	return NewPS(runner)
}
