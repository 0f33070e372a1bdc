package sysproc

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/procfs"
)

// Compile-time interface guard.
var _ Finder = (*ProcFS)(nil)

// ProcFS implements Finder on a mounted /proc.
type ProcFS struct {
	fs   procfs.FS
	self int
	now  func() time.Time
}

// NewProcFS opens the proc filesystem at mountPoint.
func NewProcFS(mountPoint string) (*ProcFS, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", mountPoint, err)
	}
	return &ProcFS{fs: fs, self: os.Getpid(), now: time.Now}, nil
}

func (p *ProcFS) Find(ctx context.Context, pattern string) ([]int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var pids []int
	for _, proc := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if proc.PID == p.self {
			continue
		}
		cmdline, err := proc.CmdLine()
		if err != nil || len(cmdline) == 0 {
			// Exited mid-scan, or a kernel thread.
			continue
		}
		if re.MatchString(strings.Join(cmdline, " ")) {
			pids = append(pids, proc.PID)
		}
	}
	return pids, nil
}

func (p *ProcFS) Sample(_ context.Context, pid int) (Sample, error) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return Sample{}, fmt.Errorf("open pid %d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return Sample{}, fmt.Errorf("stat pid %d: %w", pid, err)
	}
	start, err := stat.StartTime()
	if err != nil {
		return Sample{}, fmt.Errorf("start time pid %d: %w", pid, err)
	}

	s := Sample{PID: pid}
	elapsed := float64(p.now().UnixNano())/1e9 - start
	if elapsed > 0 {
		s.Uptime = time.Duration(elapsed * float64(time.Second))
		s.CPUPercent = stat.CPUTime() / elapsed * 100
	}
	if mem, err := p.fs.Meminfo(); err == nil && mem.MemTotal != nil && *mem.MemTotal > 0 {
		s.MemPercent = float64(stat.ResidentMemory()) / float64(*mem.MemTotal*1024) * 100
	}
	return s, nil
}
