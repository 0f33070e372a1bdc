package sysproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Compile-time interface guard.
var _ Finder = (*PS)(nil)

// PS implements Finder with pgrep and ps, for hosts without /proc.
type PS struct {
	run  Runner
	self int
}

// NewPS builds a PS finder on the given runner.
func NewPS(runner Runner) *PS {
	return &PS{run: runner, self: os.Getpid()}
}

func (p *PS) Find(ctx context.Context, pattern string) ([]int, error) {
	out, err := p.run.Run(ctx, "pgrep -f "+Quote(pattern))
	if err != nil {
		// pgrep exits 1 when nothing matches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("pgrep %q: %w", pattern, err)
	}
	var pids []int
	for _, field := range strings.Fields(out) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid == p.self {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (p *PS) Sample(ctx context.Context, pid int) (Sample, error) {
	out, err := p.run.Run(ctx, fmt.Sprintf("ps -p %d -o %%cpu= -o %%mem= -o etimes=", pid))
	if err != nil {
		return Sample{}, fmt.Errorf("ps pid %d: %w", pid, err)
	}
	return parsePSLine(pid, out)
}

func parsePSLine(pid int, out string) (Sample, error) {
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return Sample{}, fmt.Errorf("ps pid %d: unexpected output %q", pid, out)
	}
	cpu, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Sample{}, fmt.Errorf("ps pid %d cpu: %w", pid, err)
	}
	mem, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Sample{}, fmt.Errorf("ps pid %d mem: %w", pid, err)
	}
	secs, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("ps pid %d etimes: %w", pid, err)
	}
	return Sample{
		PID:        pid,
		CPUPercent: cpu,
		MemPercent: mem,
		Uptime:     time.Duration(secs) * time.Second,
	}, nil
}
