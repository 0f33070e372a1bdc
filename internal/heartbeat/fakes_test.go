package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vfhky/serv00-ct8-nezha/internal/sysproc"
)

// fakeFinder reports a configurable pid list for every pattern.
type fakeFinder struct {
	mu   sync.Mutex
	pids []int
}

func (f *fakeFinder) set(pids ...int) {
	f.mu.Lock()
	f.pids = pids
	f.mu.Unlock()
}

func (f *fakeFinder) Find(context.Context, string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pids...), nil
}

func (f *fakeFinder) Sample(_ context.Context, pid int) (sysproc.Sample, error) {
	return sysproc.Sample{PID: pid}, nil
}

// spyRunner records every command and optionally runs a side effect.
type spyRunner struct {
	mu     sync.Mutex
	cmds   []string
	onRun  func(cmd string)
	output string
	err    error
}

func (r *spyRunner) Run(_ context.Context, cmd string) (string, error) {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	onRun := r.onRun
	r.mu.Unlock()
	if onRun != nil {
		onRun(cmd)
	}
	return r.output, r.err
}

func (r *spyRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cmds...)
}

// fakeExec is a remote.Executor that records RunScript calls.
type fakeExec struct {
	mu     sync.Mutex
	calls  [][]string
	err    error
	delay  time.Duration
	active *atomic.Int64
	peak   *atomic.Int64
}

func (e *fakeExec) RunScript(_ context.Context, path string, args ...string) error {
	if e.active != nil {
		n := e.active.Add(1)
		for {
			p := e.peak.Load()
			if n <= p || e.peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer e.active.Add(-1)
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.mu.Lock()
	e.calls = append(e.calls, append([]string{path}, args...))
	e.mu.Unlock()
	return e.err
}

func (e *fakeExec) CopyDirectory(context.Context, string, string) error { return nil }

func (e *fakeExec) Close() error { return nil }

func (e *fakeExec) runs() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]string(nil), e.calls...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func noSleep(context.Context, time.Duration) error { return nil }
