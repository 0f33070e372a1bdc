package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/vfhky/serv00-ct8-nezha/internal/event"
	"github.com/vfhky/serv00-ct8-nezha/internal/fault"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin/plugintest"
	"go.uber.org/zap"
)

func newTestUnit(t *testing.T, finder *fakeFinder, runner *spyRunner, rec *plugintest.Recorder, clk *clock) *Unit {
	t.Helper()
	u, err := NewUnit(UnitConfig{
		Name:        "nezha-agent",
		Restart:     "./restart-agent",
		Interval:    time.Minute,
		MaxFailures: 3,
	}, finder, runner, rec, zap.NewNop(), WithSleep(noSleep), WithUnitClock(clk.now))
	if err != nil {
		t.Fatalf("NewUnit: %v", err)
	}
	return u
}

// Four consecutive failing checks with max_failures=3: restart on the
// first three, none on the fourth, final state exceeded.
func TestUnit_RestartPolicyExhausts(t *testing.T) {
	finder := &fakeFinder{}
	runner := &spyRunner{}
	rec := plugintest.NewRecorder()
	clk := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	u := newTestUnit(t, finder, runner, rec, clk)

	for i := 1; i <= 4; i++ {
		r, live := u.Check(context.Background())
		if !live || r.Passed {
			t.Fatalf("check %d: live=%v passed=%v", i, live, r.Passed)
		}
		err := u.HandleFailure(context.Background())
		if i <= 3 && fault.Is(err, fault.KindRestartExhausted) {
			t.Fatalf("check %d: exhausted too early", i)
		}
		if got := len(runner.commands()); got != min(i, 3) {
			t.Fatalf("after check %d restarts = %d, want %d", i, got, min(i, 3))
		}
		if i == 4 && !fault.Is(err, fault.KindRestartExhausted) {
			t.Fatalf("check 4: err = %v, want restart exhausted", err)
		}
		clk.advance(time.Minute)
	}

	if u.State() != StateExceeded {
		t.Errorf("State() = %s, want %s", u.State(), StateExceeded)
	}
	if u.FailureCount() != 4 {
		t.Errorf("FailureCount() = %d, want 4", u.FailureCount())
	}
	if got := len(rec.Topic(event.TopicSystem)); got != 3 {
		t.Errorf("system events = %d, want 3", got)
	}
}

func TestUnit_ExhaustedNeverRunsRestart(t *testing.T) {
	finder := &fakeFinder{}
	runner := &spyRunner{}
	rec := plugintest.NewRecorder()
	clk := &clock{t: time.Now()}
	u, err := NewUnit(UnitConfig{Name: "dash", Restart: "./restart", Interval: time.Minute, MaxFailures: 1},
		finder, runner, rec, nil, WithSleep(noSleep), WithUnitClock(clk.now))
	if err != nil {
		t.Fatal(err)
	}

	u.Check(context.Background())
	clk.advance(time.Minute)
	u.Check(context.Background())
	runner.cmds = nil
	rec.Reset()

	err = u.HandleFailure(context.Background())
	if !fault.Is(err, fault.KindRestartExhausted) {
		t.Fatalf("err = %v, want restart exhausted", err)
	}
	if len(runner.commands()) != 0 {
		t.Errorf("restart commands = %v, want none", runner.commands())
	}
	if len(rec.Topic(event.TopicError)) != 1 {
		t.Errorf("error events = %d, want 1", len(rec.Topic(event.TopicError)))
	}
}

func TestUnit_SuccessResetsCounter(t *testing.T) {
	finder := &fakeFinder{}
	clk := &clock{t: time.Now()}
	u := newTestUnit(t, finder, &spyRunner{}, plugintest.NewRecorder(), clk)

	u.Check(context.Background())
	clk.advance(time.Minute)
	u.Check(context.Background())
	if u.FailureCount() != 2 {
		t.Fatalf("FailureCount() = %d, want 2", u.FailureCount())
	}

	finder.set(100)
	clk.advance(time.Minute)
	if r, live := u.Check(context.Background()); !live || !r.Passed {
		t.Fatalf("check = %+v live=%v", r, live)
	}
	if u.FailureCount() != 0 || u.State() != StateHealthy {
		t.Errorf("after success: failures=%d state=%s", u.FailureCount(), u.State())
	}
}

func TestUnit_CachedCheckDoesNotCount(t *testing.T) {
	clk := &clock{t: time.Now()}
	u := newTestUnit(t, &fakeFinder{}, &spyRunner{}, plugintest.NewRecorder(), clk)

	if _, live := u.Check(context.Background()); !live {
		t.Fatal("first check not live")
	}
	clk.advance(10 * time.Second)
	if _, live := u.Check(context.Background()); live {
		t.Error("check within interval reported live")
	}
	if u.FailureCount() != 1 {
		t.Errorf("FailureCount() = %d, want 1", u.FailureCount())
	}
}

func TestUnit_RestartRecovers(t *testing.T) {
	finder := &fakeFinder{}
	runner := &spyRunner{}
	runner.onRun = func(string) { finder.set(7) }
	rec := plugintest.NewRecorder()
	clk := &clock{t: time.Now()}
	u := newTestUnit(t, finder, runner, rec, clk)

	u.Check(context.Background())
	if err := u.HandleFailure(context.Background()); err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if u.State() != StateHealthy || u.FailureCount() != 0 {
		t.Errorf("state=%s failures=%d", u.State(), u.FailureCount())
	}
	if len(rec.Topic(event.TopicSuccess)) != 1 {
		t.Errorf("success events = %d, want 1", len(rec.Topic(event.TopicSuccess)))
	}
	if cmds := runner.commands(); len(cmds) != 1 || cmds[0] != "./restart-agent" {
		t.Errorf("commands = %v", cmds)
	}
}

func TestUnit_FailedReprobeDoesNotCount(t *testing.T) {
	clk := &clock{t: time.Now()}
	rec := plugintest.NewRecorder()
	u := newTestUnit(t, &fakeFinder{}, &spyRunner{}, rec, clk)

	u.Check(context.Background())
	err := u.HandleFailure(context.Background())
	if !fault.Is(err, fault.KindCheck) {
		t.Fatalf("err = %v, want check fault", err)
	}
	if u.FailureCount() != 1 {
		t.Errorf("FailureCount() = %d, want 1", u.FailureCount())
	}
	if u.State() != StateFailing {
		t.Errorf("State() = %s, want failing", u.State())
	}
}

func TestUnit_GraceSleepHonoursCancel(t *testing.T) {
	clk := &clock{t: time.Now()}
	u, err := NewUnit(UnitConfig{Name: "dash", Restart: "x", Interval: time.Minute},
		&fakeFinder{}, &spyRunner{}, nil, nil, WithGrace(time.Hour), WithUnitClock(clk.now))
	if err != nil {
		t.Fatal(err)
	}
	u.Check(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := u.HandleFailure(ctx); err == nil {
		t.Error("HandleFailure with cancelled ctx = nil")
	}
}

func TestUnit_RestartIgnoresThreshold(t *testing.T) {
	finder := &fakeFinder{}
	runner := &spyRunner{}
	rec := plugintest.NewRecorder()
	clk := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	u := newTestUnit(t, finder, runner, rec, clk)

	for i := 0; i < 4; i++ {
		u.Check(context.Background())
		_ = u.HandleFailure(context.Background())
		clk.advance(time.Minute)
	}
	if u.State() != StateExceeded {
		t.Fatalf("State() = %s, want exceeded before the manual restart", u.State())
	}
	before := len(runner.commands())

	runner.onRun = func(string) { finder.set(42) }
	if err := u.Restart(context.Background()); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if got := len(runner.commands()); got != before+1 {
		t.Errorf("restart commands = %d, want %d", got, before+1)
	}
	if u.State() != StateHealthy || u.FailureCount() != 0 {
		t.Errorf("after Restart state = %s failures = %d, want healthy and 0", u.State(), u.FailureCount())
	}
	if len(rec.Topic(event.TopicSuccess)) == 0 {
		t.Error("no success notice after a recovering restart")
	}
}

func TestUnit_RestartFailureKeepsCounter(t *testing.T) {
	clk := &clock{t: time.Now()}
	runner := &spyRunner{}
	u := newTestUnit(t, &fakeFinder{}, runner, plugintest.NewRecorder(), clk)

	u.Check(context.Background())
	err := u.Restart(context.Background())
	if !fault.Is(err, fault.KindCheck) {
		t.Fatalf("Restart() = %v, want check fault", err)
	}
	if len(runner.commands()) != 1 {
		t.Errorf("commands = %v, want one restart", runner.commands())
	}
	if u.FailureCount() != 1 || u.State() != StateFailing {
		t.Errorf("state = %s failures = %d, want failing and 1", u.State(), u.FailureCount())
	}
}
